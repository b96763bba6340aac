package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeitwork/clustermux/internal/cluster"
)

func TestFromClusterError_Nil(t *testing.T) {
	r := FromClusterError(nil)
	require.True(t, r.OK)
}

func TestFromClusterError_MapsKnownKinds(t *testing.T) {
	cases := []struct {
		kind cluster.Kind
		want Type
	}{
		{cluster.KindNodeUnknown, TypeNodeUnknown},
		{cluster.KindNodeConflict, TypeNodeConflict},
		{cluster.KindNoAvailableNode, TypeNoAvailableNode},
		{cluster.KindStickySessionLost, TypeStickyLost},
	}

	for _, c := range cases {
		err := &cluster.Error{Kind: c.kind, Message: "boom"}
		r := FromClusterError(err)
		require.False(t, r.OK, "kind %s", c.kind)
		require.Equal(t, c.want, r.Type)
		require.Equal(t, "boom", r.Message)
	}
}

func TestFromClusterError_FallsBackToInternal(t *testing.T) {
	r := FromClusterError(stderrors.New("plain error"))
	require.False(t, r.OK)
	require.Equal(t, TypeInternal, r.Type)
}

func TestReply_Marshal(t *testing.T) {
	r := Reply{OK: false, Type: TypeNodeUnknown, Message: "no such node", Code: "node_unknown"}
	b := r.Marshal()
	require.NotEmpty(t, b)
	require.Contains(t, string(b), "node_unknown")
}
