package cluster

import "testing"

func TestNode_ProbeFailureAndRecovery(t *testing.T) {
	n := newNode(NodeConfig{JVMRoute: "n1"}, 0, nil)
	if n.State() != NodeOK {
		t.Fatalf("new node should start OK, got %v", n.State())
	}

	count := n.recordProbeFailure()
	if count != 1 {
		t.Fatalf("expected error count 1, got %d", count)
	}
	if n.State() != NodeError {
		t.Fatalf("expected node to flip to ERROR, got %v", n.State())
	}

	n.recordProbeSuccess()
	if n.State() != NodeOK {
		t.Fatalf("expected node to recover to OK, got %v", n.State())
	}
	if n.IOErrorCount() != 0 {
		t.Fatalf("expected error count reset to 0, got %d", n.IOErrorCount())
	}
}

func TestNode_ClearErrorsResetsState(t *testing.T) {
	n := newNode(NodeConfig{JVMRoute: "n1"}, 0, nil)
	n.recordProbeFailure()
	n.recordProbeFailure()

	n.clearErrors()
	if n.State() != NodeOK || n.IOErrorCount() != 0 {
		t.Fatalf("expected clean slate after clearErrors, got state=%v errors=%d", n.State(), n.IOErrorCount())
	}
}

func TestNode_AddContextIsIdempotent(t *testing.T) {
	n := newNode(NodeConfig{JVMRoute: "n1"}, 0, nil)

	c1, created1 := n.addContext("/app", []string{"host1"})
	if !created1 {
		t.Fatalf("expected first addContext to create")
	}
	c2, created2 := n.addContext("/app", []string{"host2"})
	if created2 {
		t.Fatalf("expected second addContext to be a no-op")
	}
	if c1 != c2 {
		t.Fatalf("expected the same context instance back")
	}
}

func TestNode_RemoveContextEntry(t *testing.T) {
	n := newNode(NodeConfig{JVMRoute: "n1"}, 0, nil)
	n.addContext("/app", nil)

	if _, ok := n.getContext("/app"); !ok {
		t.Fatalf("expected context to exist before removal")
	}
	n.removeContextEntry("/app")
	if _, ok := n.getContext("/app"); ok {
		t.Fatalf("expected context to be gone after removal")
	}
}

func TestNode_ContextsSnapshotIsStable(t *testing.T) {
	n := newNode(NodeConfig{JVMRoute: "n1"}, 0, nil)
	n.addContext("/a", nil)
	n.addContext("/b", nil)

	snap := n.contextsSnapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 contexts in snapshot, got %d", len(snap))
	}

	n.addContext("/c", nil)
	if len(snap) != 2 {
		t.Fatalf("snapshot should not observe a later mutation, got %d", len(snap))
	}
}

func TestNode_CheckAvailableRespectsLoadFactorAndState(t *testing.T) {
	n := newNode(NodeConfig{JVMRoute: "n1", LoadFactor: 0}, 0, nil)
	ctx, _ := n.addContext("/app", nil)
	ctx.setState(ContextEnabled)

	if ctx.checkAvailable(false) {
		t.Fatalf("a node with loadFactor 0 must not serve new sessions")
	}
	if !ctx.checkAvailable(true) {
		t.Fatalf("a node with loadFactor 0 should still serve an existing session")
	}

	n.setState(NodeError)
	if ctx.checkAvailable(true) {
		t.Fatalf("an ERROR node must never be available, even for existing sessions")
	}
}
