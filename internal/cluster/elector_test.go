package cluster

import "testing"

func enabledContext(jvmRoute string, loadFactor int) *Context {
	n := newNode(NodeConfig{JVMRoute: jvmRoute, LoadFactor: loadFactor}, 0, nil)
	ctx, _ := n.addContext("/app", nil)
	ctx.setState(ContextEnabled)
	return ctx
}

func TestElect_PicksHighestLoadStatus(t *testing.T) {
	low := enabledContext("low", 10)
	high := enabledContext("high", 100)

	winner := elect([]*Context{low, high}, false, "")
	if winner == nil || winner.Node().JVMRoute != "high" {
		t.Fatalf("expected high to win, got %v", winner)
	}
}

func TestElect_NoCandidatesAvailable(t *testing.T) {
	ctx := newContext(newNode(NodeConfig{JVMRoute: "x"}, 0, nil), "/app", nil)
	// left in ContextDisabled
	if winner := elect([]*Context{ctx}, false, ""); winner != nil {
		t.Fatalf("expected no winner, got %v", winner)
	}
}

func TestElect_HotStandbyOnlyChosenWhenNoActiveCandidate(t *testing.T) {
	standbyNode := newNode(NodeConfig{JVMRoute: "standby", LoadFactor: 100, HotStandby: true}, 0, nil)
	standbyCtx, _ := standbyNode.addContext("/app", nil)
	standbyCtx.setState(ContextEnabled)

	active := enabledContext("active", 1)

	winner := elect([]*Context{standbyCtx, active}, false, "")
	if winner == nil || winner.Node().JVMRoute != "active" {
		t.Fatalf("expected active node to be preferred over hot standby, got %v", winner)
	}

	winnerOnlyStandby := elect([]*Context{standbyCtx}, false, "")
	if winnerOnlyStandby == nil || winnerOnlyStandby.Node().JVMRoute != "standby" {
		t.Fatalf("expected standby to win when it's the only candidate, got %v", winnerOnlyStandby)
	}
}

func TestElect_HotStandbyTieBreaksOnElectedDiff(t *testing.T) {
	standbyA := newNode(NodeConfig{JVMRoute: "a", LoadFactor: 1, HotStandby: true}, 0, nil)
	ctxA, _ := standbyA.addContext("/app", nil)
	ctxA.setState(ContextEnabled)

	standbyB := newNode(NodeConfig{JVMRoute: "b", LoadFactor: 1, HotStandby: true}, 0, nil)
	ctxB, _ := standbyB.addContext("/app", nil)
	ctxB.setState(ContextEnabled)

	standbyA.elected()
	standbyA.elected()

	winner := elect([]*Context{ctxA, ctxB}, false, "")
	if winner == nil || winner.Node().JVMRoute != "b" {
		t.Fatalf("expected b (smaller electedDiff) to win, got %v", winner)
	}
}

func TestElect_DomainFilterExcludesNonMatching(t *testing.T) {
	inDomain := newNode(NodeConfig{JVMRoute: "in", Domain: "dc1", LoadFactor: 1}, 0, nil)
	inCtx, _ := inDomain.addContext("/app", nil)
	inCtx.setState(ContextEnabled)

	outDomain := newNode(NodeConfig{JVMRoute: "out", Domain: "dc2", LoadFactor: 100}, 0, nil)
	outCtx, _ := outDomain.addContext("/app", nil)
	outCtx.setState(ContextEnabled)

	winner := elect([]*Context{inCtx, outCtx}, true, "dc1")
	if winner == nil || winner.Node().JVMRoute != "in" {
		t.Fatalf("expected in-domain node despite lower load status, got %v", winner)
	}
}

func TestElect_RequireExistingSessionAllowsStoppedContext(t *testing.T) {
	n := newNode(NodeConfig{JVMRoute: "x", LoadFactor: 1}, 0, nil)
	ctx, _ := n.addContext("/app", nil)
	ctx.setState(ContextStopped)

	if winner := elect([]*Context{ctx}, false, ""); winner != nil {
		t.Fatalf("stopped context must not serve new sessions, got %v", winner)
	}
	if winner := elect([]*Context{ctx}, true, ""); winner == nil {
		t.Fatalf("stopped context should serve an existing session")
	}
}

func TestElect_BumpsElectedCountOnWin(t *testing.T) {
	ctx := enabledContext("x", 1)
	before := ctx.Node().ElectedCount()

	winner := elect([]*Context{ctx}, false, "")
	if winner == nil {
		t.Fatalf("expected a winner")
	}
	if after := ctx.Node().ElectedCount(); after != before+1 {
		t.Fatalf("expected electedCount to increase by 1, got %d -> %d", before, after)
	}
}
