// Package errors provides the structured error envelope the management
// command transport (cmd/clustermuxd) replies with. It mirrors the
// teacher's internal/shared/errors.Error{Type, Message, Code, Details}
// shape, trimmed to the kinds the mod_cluster-style command replies need
// instead of the teacher's HTTP-API-oriented kind set.
package errors

import (
	"encoding/json"

	"github.com/zeitwork/clustermux/internal/cluster"
)

// Type classifies a reply error for the wire.
type Type string

const (
	TypeNodeUnknown     Type = "node_unknown"
	TypeNodeConflict    Type = "node_conflict"
	TypeNoAvailableNode Type = "no_available_node"
	TypeStickyLost      Type = "sticky_session_lost"
	TypeInternal        Type = "internal"
)

// Reply is the JSON envelope sent back over NATS for a management command.
type Reply struct {
	OK      bool   `json:"ok"`
	Type    Type   `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`

	// Count carries STOP-APP's pending-request count on success, or -1 if
	// the stop failed; nil for every other command.
	Count *int64 `json:"count,omitempty"`
}

// FromClusterError maps a *cluster.Error (or any other error) into a
// Reply, following the teacher's HandleError dispatch pattern of
// type-switching on a known structured error before falling back to a
// generic internal error.
func FromClusterError(err error) Reply {
	if err == nil {
		return Reply{OK: true}
	}

	if ce, ok := err.(*cluster.Error); ok {
		return Reply{OK: false, Type: mapKind(ce.Kind), Message: ce.Message, Code: string(mapKind(ce.Kind))}
	}

	return Reply{OK: false, Type: TypeInternal, Message: err.Error(), Code: string(TypeInternal)}
}

// FromStopContext builds a STOP-APP reply: count on success, -1 alongside
// the usual error fields when the context couldn't be stopped.
func FromStopContext(count int64, err error) Reply {
	r := FromClusterError(err)
	r.Count = &count
	return r
}

func mapKind(k cluster.Kind) Type {
	switch k {
	case cluster.KindNodeUnknown:
		return TypeNodeUnknown
	case cluster.KindNodeConflict:
		return TypeNodeConflict
	case cluster.KindNoAvailableNode:
		return TypeNoAvailableNode
	case cluster.KindStickySessionLost:
		return TypeStickyLost
	default:
		return TypeInternal
	}
}

// Marshal encodes the reply as JSON, the format cmd/clustermuxd publishes
// back on a NATS request-reply subject.
func (r Reply) Marshal() []byte {
	b, err := json.Marshal(r)
	if err != nil {
		return []byte(`{"ok":false,"type":"internal","message":"failed to encode reply"}`)
	}
	return b
}
