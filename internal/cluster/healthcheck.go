package cluster

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zeitwork/clustermux/internal/executor"
)

// HealthChecker is the injected probe strategy: a trivial "is TCP
// reachable" check or an HTTP CPING, for example.
type HealthChecker interface {
	Check(ctx context.Context, node *Node) (bool, error)
}

// HealthCheckerFunc adapts a plain function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context, node *Node) (bool, error)

func (f HealthCheckerFunc) Check(ctx context.Context, node *Node) (bool, error) {
	return f(ctx, node)
}

// maxConcurrentProbes bounds the errgroup fan-out per tick so one
// healthCheckTask can't open unbounded concurrent connections when it
// owns many nodes.
const maxConcurrentProbes = 16

// healthCheckTask owns every node pinned to one I/O thread and probes them
// all on each tick. One task exists per I/O thread, created lazily when
// the first node pinned to that thread is added, and cancels itself when
// its node list empties.
type healthCheckTask struct {
	ioThread  IOThreadID
	checker   HealthChecker
	threshold int64 // brokenThreshold; -1 disables removal
	cancel    executor.CancelFunc

	onBroken func(n *Node) // called when a node crosses the broken threshold

	mu    sync.Mutex
	nodes map[string]*Node // jvmRoute -> node
}

func newHealthCheckTask(ioThread IOThreadID, checker HealthChecker, threshold int64, onBroken func(*Node)) *healthCheckTask {
	return &healthCheckTask{
		ioThread:  ioThread,
		checker:   checker,
		threshold: threshold,
		onBroken:  onBroken,
		nodes:     make(map[string]*Node),
	}
}

func (t *healthCheckTask) add(n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[n.JVMRoute] = n
}

// remove drops n and reports whether the task's node list is now empty,
// i.e. the task should be cancelled and discarded.
func (t *healthCheckTask) remove(jvmRoute string) (empty bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, jvmRoute)
	return len(t.nodes) == 0
}

func (t *healthCheckTask) snapshot() []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n)
	}
	return out
}

// tick runs one probe round: every node this task owns is checked
// concurrently, bounded by maxConcurrentProbes.
func (t *healthCheckTask) tick(ctx context.Context) {
	nodes := t.snapshot()
	if len(nodes) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)

	for _, n := range nodes {
		n := n
		g.Go(func() error {
			t.probeOne(gctx, n)
			return nil
		})
	}
	_ = g.Wait()
}

func (t *healthCheckTask) probeOne(ctx context.Context, n *Node) {
	if n.State() == NodeRemoved {
		return
	}

	ok, _ := t.checker.Check(ctx, n)
	if ok {
		n.recordProbeSuccess()
		return
	}

	count := n.recordProbeFailure()
	if t.threshold > 0 && count >= t.threshold && t.onBroken != nil {
		t.onBroken(n)
	}
}

// brokenThreshold clamps removeMs/intervalMs to [1, 1000]; -1 (or a
// non-positive interval) disables removal.
func brokenThreshold(removeBrokenNodesMs, healthCheckIntervalMs int64) int64 {
	if removeBrokenNodesMs <= 0 || healthCheckIntervalMs <= 0 {
		return -1
	}
	v := removeBrokenNodesMs / healthCheckIntervalMs
	if v < 1 {
		v = 1
	}
	if v > 1000 {
		v = 1000
	}
	return v
}
