package forwarder

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeitwork/clustermux/internal/cluster"
)

func TestForwarder_TracksActiveRequestsAcrossTheProxiedCall(t *testing.T) {
	reached := make(chan struct{})
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(reached)
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	c := cluster.New(cluster.Config{})
	_, err := c.AddNode(cluster.NodeConfig{
		JVMRoute:      "n1",
		ConnectionURI: backend.URL,
		BalancerName:  "bal1",
		LoadFactor:    1,
	}, cluster.BalancerConfig{Name: "bal1"}, 0, nil)
	require.NoError(t, err)
	require.NoError(t, c.EnableContext("n1", "/app", []string{"example.com"}))

	probeReq := httptest.NewRequest(http.MethodGet, "/app", nil)
	probeReq.Host = "example.com"
	target, ok := c.FindTarget(probeReq)
	require.True(t, ok)
	ctx, err := c.ResolveNode(target)
	require.NoError(t, err)
	require.Equal(t, int64(0), ctx.ActiveRequests(), "no request in flight yet")

	f := New(c, nil)
	r := httptest.NewRequest(http.MethodGet, "/app", nil)
	r.Host = "example.com"
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		f.ServeHTTP(w, r)
		close(done)
	}()

	select {
	case <-reached:
	case <-time.After(2 * time.Second):
		t.Fatal("backend was never reached")
	}

	require.Equal(t, int64(1), ctx.ActiveRequests(), "expected the in-flight request to be counted")

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeHTTP never returned")
	}

	require.Equal(t, int64(0), ctx.ActiveRequests(), "expected the count to drop back to 0 once the request completes")
}
