// Package cluster implements the membership, routing, and election engine:
// a live topology of worker nodes, a request-to-worker routing table, and
// the sticky-session/weighted-election policy that picks among candidates.
package cluster

// Kind classifies a cluster error so callers can branch on it without
// string matching.
type Kind string

const (
	// KindNodeUnknown means the referenced jvmRoute has no live node.
	KindNodeUnknown Kind = "node_unknown"
	// KindNodeConflict means a different connection URI is registering
	// under an existing jvmRoute whose node is still healthy.
	KindNodeConflict Kind = "node_conflict"
	// KindNoAvailableNode means the elector found no eligible candidate.
	KindNoAvailableNode Kind = "no_available_node"
	// KindStickySessionLost means the sticky target is unreachable and
	// the balancer is configured to fail rather than migrate.
	KindStickySessionLost Kind = "sticky_session_lost"
)

// Error is the structured error type raised by Container mutation and
// routing methods.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	ce, ok := err.(*Error)
	return ok && ce.Kind == kind
}
