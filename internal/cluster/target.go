package cluster

import (
	"net/http"
	"strings"
)

// ProxyTarget is the thunk FindTarget returns: the forwarder later calls
// Container.ResolveNode on it to get the actual Context to forward to.
// It is produced without touching the mutation lock.
type ProxyTarget struct {
	entry *HostEntry

	// existingSession is set when the request carried a sticky route.
	existingSession bool
	jvmRoute        string
	domain          string
	force           bool
}

// BasicTarget is a target with no sticky-session hint: the forwarder
// should run the unrestricted Elector.
func basicTarget(entry *HostEntry) ProxyTarget {
	return ProxyTarget{entry: entry}
}

// ExistingSessionTarget carries a sticky jvmRoute extracted from the
// request; the forwarder should attempt failover-aware resolution.
func existingSessionTarget(jvmRoute string, entry *HostEntry, force bool) ProxyTarget {
	return ProxyTarget{entry: entry, existingSession: true, jvmRoute: jvmRoute, force: force}
}

// HasExistingSession reports whether this target carries a sticky route.
func (t ProxyTarget) HasExistingSession() bool { return t.existingSession }

// JVMRoute returns the sticky jvmRoute, if any.
func (t ProxyTarget) JVMRoute() string { return t.jvmRoute }

// extractJVMRoute pulls the jvmRoute out of a session id: the route is
// the substring after the first '.', truncated at the next '.' if present.
// "SID.route" and "SID.route.versionTag" both yield "route"; "SID" (no
// dot) yields "".
func extractJVMRoute(sessionID string) string {
	dot := strings.IndexByte(sessionID, '.')
	if dot < 0 {
		return ""
	}
	rest := sessionID[dot+1:]
	if next := strings.IndexByte(rest, '.'); next >= 0 {
		rest = rest[:next]
	}
	return rest
}

// stickyJVMRouteFromRequest inspects request cookies for stickySessionCookie
// and path parameters for stickySessionPath, looking for a sticky route.
func stickyJVMRouteFromRequest(r *http.Request, b *Balancer) string {
	if cookie, err := r.Cookie(b.StickySessionCookie); err == nil && cookie.Value != "" {
		if route := extractJVMRoute(cookie.Value); route != "" {
			return route
		}
	}

	// Path parameter form: /path;jsessionid=SID.route
	if idx := strings.Index(r.URL.Path, b.StickySessionPath+"="); idx >= 0 {
		rest := r.URL.Path[idx+len(b.StickySessionPath)+1:]
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			rest = rest[:slash]
		}
		if route := extractJVMRoute(rest); route != "" {
			return route
		}
	}

	return ""
}

// hostFromRequest extracts and lowercases the Host header, stripping a
// trailing ":port" when present. Returns both forms since a bracketed
// IPv6 alias must fall back to an unstripped lookup.
func hostFromRequest(r *http.Request) (stripped, raw string, ok bool) {
	host := r.Host
	if host == "" {
		return "", "", false
	}
	host = strings.ToLower(host)
	raw = host

	if idx := strings.LastIndexByte(host, ':'); idx >= 0 && !strings.Contains(host[idx:], "]") {
		stripped = host[:idx]
	} else {
		stripped = host
	}
	return stripped, raw, true
}
