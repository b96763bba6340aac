package cluster

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractJVMRoute(t *testing.T) {
	cases := []struct {
		sessionID string
		want      string
	}{
		{"", ""},
		{"SID", ""},
		{"SID.node1", "node1"},
		{"SID.node1.1721780000", "node1"},
		{".node1", "node1"},
	}

	for _, c := range cases {
		if got := extractJVMRoute(c.sessionID); got != c.want {
			t.Errorf("extractJVMRoute(%q) = %q, want %q", c.sessionID, got, c.want)
		}
	}
}

func TestStickyJVMRouteFromRequest_Cookie(t *testing.T) {
	b := &Balancer{StickySessionCookie: "JSESSIONID", StickySessionPath: "jsessionid"}
	r := httptest.NewRequest(http.MethodGet, "/app/", nil)
	r.AddCookie(&http.Cookie{Name: "JSESSIONID", Value: "abc123.node2"})

	if got := stickyJVMRouteFromRequest(r, b); got != "node2" {
		t.Fatalf("expected node2, got %q", got)
	}
}

func TestStickyJVMRouteFromRequest_PathParam(t *testing.T) {
	b := &Balancer{StickySessionCookie: "JSESSIONID", StickySessionPath: "jsessionid"}
	r := httptest.NewRequest(http.MethodGet, "/app/page;jsessionid=abc123.node3/more", nil)

	if got := stickyJVMRouteFromRequest(r, b); got != "node3" {
		t.Fatalf("expected node3, got %q", got)
	}
}

func TestStickyJVMRouteFromRequest_None(t *testing.T) {
	b := &Balancer{StickySessionCookie: "JSESSIONID", StickySessionPath: "jsessionid"}
	r := httptest.NewRequest(http.MethodGet, "/app/", nil)

	if got := stickyJVMRouteFromRequest(r, b); got != "" {
		t.Fatalf("expected no sticky route, got %q", got)
	}
}

func TestHostFromRequest(t *testing.T) {
	cases := []struct {
		host         string
		wantStripped string
		wantRaw      string
		wantOK       bool
	}{
		{"", "", "", false},
		{"Example.com", "example.com", "example.com", true},
		{"example.com:8080", "example.com", "example.com:8080", true},
		{"[::1]:8080", "[::1]", "[::1]:8080", true},
		{"[::1]", "[::1]", "[::1]", true},
	}

	for _, c := range cases {
		r := &http.Request{Host: c.host}
		stripped, raw, ok := hostFromRequest(r)
		if ok != c.wantOK || stripped != c.wantStripped || raw != c.wantRaw {
			t.Errorf("hostFromRequest(%q) = (%q, %q, %v), want (%q, %q, %v)",
				c.host, stripped, raw, ok, c.wantStripped, c.wantRaw, c.wantOK)
		}
	}
}
