package cluster

import "testing"

func TestHostEntry_AddRemove(t *testing.T) {
	e := newHostEntry("example.com", "/app")
	n := newNode(NodeConfig{JVMRoute: "n1"}, 0, nil)
	ctx, _ := n.addContext("/app", nil)

	e.add(ctx)
	if len(e.candidates()) != 1 {
		t.Fatalf("expected 1 candidate after add")
	}

	empty := e.remove(ctx)
	if !empty {
		t.Fatalf("expected entry to report empty after removing its only context")
	}
	if len(e.candidates()) != 0 {
		t.Fatalf("expected 0 candidates after remove")
	}
}

func TestHostEntry_PreservesRegistrationOrder(t *testing.T) {
	e := newHostEntry("example.com", "/app")
	for _, route := range []string{"n1", "n2", "n3"} {
		n := newNode(NodeConfig{JVMRoute: route}, 0, nil)
		ctx, _ := n.addContext("/app", nil)
		e.add(ctx)
	}

	cands := e.candidates()
	if len(cands) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(cands))
	}
	for i, want := range []string{"n1", "n2", "n3"} {
		if cands[i].Node().JVMRoute != want {
			t.Fatalf("candidate %d = %s, want %s", i, cands[i].Node().JVMRoute, want)
		}
	}
}

func TestVirtualHost_LongestPrefixMatch(t *testing.T) {
	v := newVirtualHost("example.com")
	root := v.entryFor("/")
	app := v.entryFor("/app")
	appV2 := v.entryFor("/app/v2")

	cases := []struct {
		path string
		want *HostEntry
	}{
		{"/app/v2/resource", appV2},
		{"/app/other", app},
		{"/", root},
		{"/elsewhere", root},
	}

	for _, c := range cases {
		got, ok := v.match(c.path)
		if !ok {
			t.Fatalf("expected a match for %q", c.path)
		}
		if got != c.want {
			t.Errorf("match(%q) = %p (%s), want %p (%s)", c.path, got, got.Path, c.want, c.want.Path)
		}
	}
}

func TestVirtualHost_ExactMatchPrefixSemantics(t *testing.T) {
	v := newVirtualHost("example.com")
	v.entryFor("/app")

	if _, ok := v.match("/application"); ok {
		t.Fatalf("/application must not match the /app context root")
	}
	if _, ok := v.match("/app"); !ok {
		t.Fatalf("/app should match its own context root")
	}
	if _, ok := v.match("/app/sub"); !ok {
		t.Fatalf("/app/sub should match the /app context root")
	}
}

func TestVirtualHost_DropEntryReportsHostEmpty(t *testing.T) {
	v := newVirtualHost("example.com")
	v.entryFor("/app")

	if hostEmpty := v.dropEntry("/app"); !hostEmpty {
		t.Fatalf("expected host to be empty after dropping its only entry")
	}
}
