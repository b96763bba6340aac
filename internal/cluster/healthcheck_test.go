package cluster

import (
	"context"
	"testing"
)

func TestBrokenThreshold(t *testing.T) {
	cases := []struct {
		removeMs, intervalMs, want int64
	}{
		{0, 1000, -1},
		{60000, 0, -1},
		{60000, 10000, 6},
		{1000, 10000, 1},   // clamped to minimum 1
		{10_000_000, 1, 1000}, // clamped to maximum 1000
	}
	for _, c := range cases {
		if got := brokenThreshold(c.removeMs, c.intervalMs); got != c.want {
			t.Errorf("brokenThreshold(%d, %d) = %d, want %d", c.removeMs, c.intervalMs, got, c.want)
		}
	}
}

func TestHealthCheckTask_ProbeSuccessKeepsNodeOK(t *testing.T) {
	n := newNode(NodeConfig{JVMRoute: "n1", ConnectionURI: "127.0.0.1:1"}, 0, nil)
	checker := HealthCheckerFunc(func(ctx context.Context, node *Node) (bool, error) { return true, nil })

	task := newHealthCheckTask(0, checker, 3, nil)
	task.add(n)
	task.tick(context.Background())

	if n.State() != NodeOK {
		t.Fatalf("expected node to remain OK, got %v", n.State())
	}
}

func TestHealthCheckTask_CrossingThresholdInvokesOnBroken(t *testing.T) {
	n := newNode(NodeConfig{JVMRoute: "n1", ConnectionURI: "127.0.0.1:1"}, 0, nil)
	checker := HealthCheckerFunc(func(ctx context.Context, node *Node) (bool, error) { return false, nil })

	var broken *Node
	task := newHealthCheckTask(0, checker, 2, func(bn *Node) { broken = bn })
	task.add(n)

	task.tick(context.Background())
	if broken != nil {
		t.Fatalf("onBroken should not fire before the threshold is crossed")
	}

	task.tick(context.Background())
	if broken != n {
		t.Fatalf("expected onBroken to fire for n once threshold is crossed")
	}
}

func TestHealthCheckTask_SkipsRemovedNodes(t *testing.T) {
	n := newNode(NodeConfig{JVMRoute: "n1", ConnectionURI: "127.0.0.1:1"}, 0, nil)
	n.markRemoved()

	called := false
	checker := HealthCheckerFunc(func(ctx context.Context, node *Node) (bool, error) {
		called = true
		return true, nil
	})

	task := newHealthCheckTask(0, checker, 2, nil)
	task.add(n)
	task.tick(context.Background())

	if called {
		t.Fatalf("a removed node should never be probed")
	}
}

func TestHealthCheckTask_RemoveReportsEmpty(t *testing.T) {
	n := newNode(NodeConfig{JVMRoute: "n1"}, 0, nil)
	task := newHealthCheckTask(0, HealthCheckerFunc(func(context.Context, *Node) (bool, error) { return true, nil }), -1, nil)
	task.add(n)

	if empty := task.remove("n1"); !empty {
		t.Fatalf("expected task to report empty after removing its only node")
	}
}
