package cluster

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestContainer() *Container {
	return New(Config{})
}

func addEnabledNode(t *testing.T, c *Container, jvmRoute, uri, balancer, domain string, hotStandby bool, alias, path string) {
	t.Helper()
	_, err := c.AddNode(NodeConfig{
		JVMRoute:      jvmRoute,
		ConnectionURI: uri,
		BalancerName:  balancer,
		Domain:        domain,
		HotStandby:    hotStandby,
		LoadFactor:    1,
	}, BalancerConfig{Name: balancer, StickySession: true}, 0, nil)
	require.NoError(t, err, "AddNode(%s)", jvmRoute)
	require.NoError(t, c.EnableContext(jvmRoute, path, []string{alias}), "EnableContext(%s)", jvmRoute)
}

func TestContainer_FindTargetAndResolveNode(t *testing.T) {
	c := newTestContainer()
	addEnabledNode(t, c, "n1", "http://10.0.0.1:8080", "bal1", "dc1", false, "example.com", "/app")

	r := httptest.NewRequest(http.MethodGet, "/app/page", nil)
	r.Host = "example.com"

	target, ok := c.FindTarget(r)
	require.True(t, ok, "expected a target to be found")

	ctx, err := c.ResolveNode(target)
	require.NoError(t, err)
	require.Equal(t, "n1", ctx.Node().JVMRoute)
}

func TestContainer_FindTarget_UnknownHost(t *testing.T) {
	c := newTestContainer()
	addEnabledNode(t, c, "n1", "http://10.0.0.1:8080", "bal1", "dc1", false, "example.com", "/app")

	r := httptest.NewRequest(http.MethodGet, "/app", nil)
	r.Host = "other.com"

	_, ok := c.FindTarget(r)
	require.False(t, ok, "expected no target for an unregistered host")
}

func TestContainer_AddNode_ConflictRejectedKeepsOldNode(t *testing.T) {
	c := newTestContainer()
	addEnabledNode(t, c, "n1", "http://10.0.0.1:8080", "bal1", "dc1", false, "example.com", "/app")

	_, err := c.AddNode(NodeConfig{JVMRoute: "n1", ConnectionURI: "http://10.0.0.2:9090"}, BalancerConfig{Name: "bal1"}, 0, nil)
	require.Error(t, err)
	require.True(t, IsKind(err, KindNodeConflict), "expected node_conflict, got %v", err)

	node, ok := c.nodesSnapshot()["n1"]
	require.True(t, ok, "expected n1 to still be present after a rejected conflicting registration")
	require.Equal(t, "http://10.0.0.1:8080", node.ConnectionURI, "the old node's URI must survive the rejected swap")
}

func TestContainer_AddNode_ReplacesErroredNode(t *testing.T) {
	c := newTestContainer()
	addEnabledNode(t, c, "n1", "http://10.0.0.1:8080", "bal1", "dc1", false, "example.com", "/app")

	c.nodesSnapshot()["n1"].setState(NodeError)

	_, err := c.AddNode(NodeConfig{JVMRoute: "n1", ConnectionURI: "http://10.0.0.2:9090", BalancerName: "bal1"}, BalancerConfig{Name: "bal1"}, 0, nil)
	require.NoError(t, err, "a swap over an ERROR node should succeed")

	node := c.nodesSnapshot()["n1"]
	require.Equal(t, "http://10.0.0.2:9090", node.ConnectionURI)
	require.Equal(t, NodeOK, node.State())
}

func TestContainer_AddNode_IdempotentReregistration(t *testing.T) {
	c := newTestContainer()
	addEnabledNode(t, c, "n1", "http://10.0.0.1:8080", "bal1", "dc1", false, "example.com", "/app")

	original := c.nodesSnapshot()["n1"]
	original.recordProbeFailure()

	_, err := c.AddNode(NodeConfig{JVMRoute: "n1", ConnectionURI: "http://10.0.0.1:8080", BalancerName: "bal1"}, BalancerConfig{Name: "bal1"}, 0, nil)
	require.NoError(t, err)
	require.Equal(t, NodeOK, original.State(), "re-registration should clear the error state")
}

func TestContainer_RemoveNode_DropsEmptyBalancer(t *testing.T) {
	c := newTestContainer()
	addEnabledNode(t, c, "n1", "http://10.0.0.1:8080", "bal1", "dc1", false, "example.com", "/app")

	require.NoError(t, c.RemoveNode("n1", false))

	_, balancerStillPresent := c.balancersSnapshot()["bal1"]
	require.False(t, balancerStillPresent, "bal1 should be dropped once its last node is removed")
	_, nodeStillPresent := c.nodesSnapshot()["n1"]
	require.False(t, nodeStillPresent)
}

func TestContainer_RemoveNode_KeepsBalancerInUseByAnotherNode(t *testing.T) {
	c := newTestContainer()
	addEnabledNode(t, c, "n1", "http://10.0.0.1:8080", "bal1", "dc1", false, "example.com", "/app")
	addEnabledNode(t, c, "n2", "http://10.0.0.2:8080", "bal1", "dc1", false, "example.com", "/app")

	require.NoError(t, c.RemoveNode("n1", false))

	_, ok := c.balancersSnapshot()["bal1"]
	require.True(t, ok, "bal1 should survive while n2 still references it")
}

func TestContainer_RemoveNode_OnlyIfInErrorSkipsHealthyNode(t *testing.T) {
	c := newTestContainer()
	addEnabledNode(t, c, "n1", "http://10.0.0.1:8080", "bal1", "dc1", false, "example.com", "/app")

	require.NoError(t, c.RemoveNode("n1", true))

	_, ok := c.nodesSnapshot()["n1"]
	require.True(t, ok, "a healthy node should survive an onlyIfInError removal request")
}

func TestContainer_RemoveContext_DropsEmptyHostAndVirtualHost(t *testing.T) {
	c := newTestContainer()
	addEnabledNode(t, c, "n1", "http://10.0.0.1:8080", "bal1", "dc1", false, "example.com", "/app")

	require.NoError(t, c.RemoveContext("n1", "/app"))

	_, ok := c.hostsSnapshot()["example.com"]
	require.False(t, ok, "the virtual host should be dropped once its only entry is gone")

	r := httptest.NewRequest(http.MethodGet, "/app", nil)
	r.Host = "example.com"
	_, found := c.FindTarget(r)
	require.False(t, found, "expected no target after the context was removed")
}

func TestContainer_StickySession_RoutesToRequestedNode(t *testing.T) {
	c := newTestContainer()
	addEnabledNode(t, c, "n1", "http://10.0.0.1:8080", "bal1", "dc1", false, "example.com", "/app")
	addEnabledNode(t, c, "n2", "http://10.0.0.2:8080", "bal1", "dc1", false, "example.com", "/app")

	r := httptest.NewRequest(http.MethodGet, "/app/page", nil)
	r.Host = "example.com"
	r.AddCookie(&http.Cookie{Name: "JSESSIONID", Value: "abc.n2"})

	target, ok := c.FindTarget(r)
	require.True(t, ok)
	require.True(t, target.HasExistingSession())
	require.Equal(t, "n2", target.JVMRoute())

	ctx, err := c.ResolveNode(target)
	require.NoError(t, err)
	require.Equal(t, "n2", ctx.Node().JVMRoute)
}

func TestContainer_Failover_UsesCachedDomainWhenStickyNodeIsGone(t *testing.T) {
	c := newTestContainer()
	addEnabledNode(t, c, "survivor", "http://10.0.0.2:8080", "bal1", "dc1", false, "example.com", "/app")

	// Simulate that "gone" was previously removed while in domain dc1.
	c.failover.put("gone", "dc1")

	r := httptest.NewRequest(http.MethodGet, "/app/page", nil)
	r.Host = "example.com"
	r.AddCookie(&http.Cookie{Name: "JSESSIONID", Value: "abc.gone"})

	target, ok := c.FindTarget(r)
	require.True(t, ok)

	ctx, err := c.ResolveNode(target)
	require.NoError(t, err, "failover should find the surviving in-domain node")
	require.Equal(t, "survivor", ctx.Node().JVMRoute)
}

func TestContainer_Failover_ForcedStickyFailsWhenDomainUnreachable(t *testing.T) {
	c := newTestContainer()
	addEnabledNode(t, c, "other", "http://10.0.0.2:8080", "bal1", "dc2", false, "example.com", "/app")

	c.failover.put("gone", "dc1")

	r := httptest.NewRequest(http.MethodGet, "/app/page", nil)
	r.Host = "example.com"
	r.AddCookie(&http.Cookie{Name: "JSESSIONID", Value: "abc.gone"})

	target, ok := c.FindTarget(r)
	require.True(t, ok)
	target = existingSessionTarget("gone", target.entry, true)

	_, err := c.ResolveNode(target)
	require.Error(t, err)
	require.True(t, IsKind(err, KindStickySessionLost), "expected sticky_session_lost, got %v", err)
}

func TestContainer_EnableDisableNode(t *testing.T) {
	c := newTestContainer()
	addEnabledNode(t, c, "n1", "http://10.0.0.1:8080", "bal1", "dc1", false, "example.com", "/app")

	require.NoError(t, c.DisableNode("n1"))

	r := httptest.NewRequest(http.MethodGet, "/app", nil)
	r.Host = "example.com"
	target, _ := c.FindTarget(r)
	_, err := c.ResolveNode(target)
	require.Error(t, err, "expected no available node once disabled")

	require.NoError(t, c.EnableNode("n1"))
	_, err = c.ResolveNode(target)
	require.NoError(t, err, "node should be routable again after EnableNode")
}

func TestContainer_SetLoad_UnknownNode(t *testing.T) {
	c := newTestContainer()
	err := c.SetLoad("ghost", 50)
	require.Error(t, err)
	require.True(t, IsKind(err, KindNodeUnknown))
}
