package cluster

import (
	"sync"
	"sync/atomic"
)

// NodeState is the node health state machine. HotStandby is carried as a
// separate bool rather than folded into this enum because it's orthogonal
// to OK/ERROR (a hot-standby node can itself go to ERROR).
type NodeState int32

const (
	NodeOK NodeState = iota
	NodeError
	NodeRemoved
)

func (s NodeState) String() string {
	switch s {
	case NodeOK:
		return "OK"
	case NodeError:
		return "ERROR"
	case NodeRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// IOThreadID identifies the I/O thread a Node is pinned to for its entire
// lifetime. The core never interprets it beyond using it as the health
// check scheduler's sharding key.
type IOThreadID int

// BufferPoolHandle is an opaque handle injected by the forwarder; the core
// never dereferences it.
type BufferPoolHandle any

// NodeConfig is the operator-supplied configuration for one worker,
// carried in from a CONFIG management command.
type NodeConfig struct {
	JVMRoute      string
	ConnectionURI string
	BalancerName  string
	Domain        string
	HotStandby    bool
	LoadFactor    int
}

// Node represents one backend worker. jvmRoute is its unique key across all
// live nodes; Context is exclusively owned by its Node.
type Node struct {
	JVMRoute      string
	ConnectionURI string
	BalancerName  string
	Domain        string
	HotStandby    bool
	IOThread      IOThreadID
	BufferPool    BufferPoolHandle

	state        atomic.Int32
	ioErrorCount atomic.Int64
	loadFactor   atomic.Int64
	load         loadStatus

	mu       sync.RWMutex
	contexts map[string]*Context // path -> Context
}

func newNode(cfg NodeConfig, ioThread IOThreadID, bufferPool BufferPoolHandle) *Node {
	n := &Node{
		JVMRoute:      cfg.JVMRoute,
		ConnectionURI: cfg.ConnectionURI,
		BalancerName:  cfg.BalancerName,
		Domain:        cfg.Domain,
		HotStandby:    cfg.HotStandby,
		IOThread:      ioThread,
		BufferPool:    bufferPool,
		contexts:      make(map[string]*Context),
	}
	n.state.Store(int32(NodeOK))
	n.loadFactor.Store(int64(cfg.LoadFactor))
	return n
}

func (n *Node) State() NodeState    { return NodeState(n.state.Load()) }
func (n *Node) LoadFactor() int     { return int(n.loadFactor.Load()) }
func (n *Node) IOErrorCount() int64 { return n.ioErrorCount.Load() }
func (n *Node) ElectedCount() int64 { return n.load.electedCount.Load() }

func (n *Node) setState(s NodeState) { n.state.Store(int32(s)) }

// setLoadFactor updates the operator-supplied capacity hint.
func (n *Node) setLoadFactor(v int) { n.loadFactor.Store(int64(v)) }

// loadStatusValue is the Elector's "higher is more deserving" score.
func (n *Node) loadStatusValue() int {
	return n.load.status(n.LoadFactor())
}

// electedDiff exposes electedCount-oldElected, used to break ties between
// two hot-standby candidates in favor of the one elected fewer times since
// the last load reset.
func (n *Node) electedDiff() int64 {
	return n.load.diff()
}

// elected records an Elector win. Called exactly once per elect() call
// that returns this node's context.
func (n *Node) elected() {
	n.load.elected()
}

// resetLoad is invoked by the periodic load-reset task.
func (n *Node) resetLoad() {
	n.load.resetOld()
}

// recordProbeFailure increments the error budget used by the broken-node
// threshold and transitions OK -> ERROR. It does not itself decide
// removal; the health check task compares the returned count against the
// configured threshold.
func (n *Node) recordProbeFailure() int64 {
	n.setState(NodeError)
	return n.ioErrorCount.Add(1)
}

// recordProbeSuccess resets the error budget and, if the node was in
// ERROR, restores it to OK.
func (n *Node) recordProbeSuccess() {
	n.ioErrorCount.Store(0)
	if n.State() == NodeError {
		n.setState(NodeOK)
	}
}

// clearErrors is used by AddNode's idempotent-reregistration path: the
// node comes back with a clean slate without going through a probe cycle.
func (n *Node) clearErrors() {
	n.ioErrorCount.Store(0)
	n.setState(NodeOK)
}

func (n *Node) markRemoved() {
	n.setState(NodeRemoved)
}

// addContext installs a Context for path if absent and returns it.
// EnableContext is the only caller; the Context is created lazily on
// first enable.
func (n *Node) addContext(path string, aliases []string) (*Context, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.contexts[path]; ok {
		return c, false
	}
	c := newContext(n, path, aliases)
	n.contexts[path] = c
	return c, true
}

func (n *Node) getContext(path string) (*Context, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.contexts[path]
	return c, ok
}

func (n *Node) removeContextEntry(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.contexts, path)
}

// contextsSnapshot returns a stable slice of the node's current contexts,
// used when RemoveNode must drain every context on a removed node.
func (n *Node) contextsSnapshot() []*Context {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Context, 0, len(n.contexts))
	for _, c := range n.contexts {
		out = append(out, c)
	}
	return out
}
