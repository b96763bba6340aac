package cluster

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// HostEntry holds the set of Contexts registered on one (alias, path)
// pair, in the order they were registered — the Elector requires this
// order for deterministic tie-breaking.
type HostEntry struct {
	Alias string
	Path  string

	mu       sync.RWMutex
	contexts []*Context
}

func newHostEntry(alias, path string) *HostEntry {
	return &HostEntry{Alias: alias, Path: path}
}

func (e *HostEntry) add(c *Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.contexts = append(e.contexts, c)
}

// remove drops c from the entry and reports whether the entry is now
// empty (the caller must then remove the entry itself).
func (e *HostEntry) remove(c *Context) (empty bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.contexts = lo.Filter(e.contexts, func(x *Context, _ int) bool {
		return x != c
	})
	return len(e.contexts) == 0
}

// candidates returns the registration-ordered snapshot the Elector scans.
func (e *HostEntry) candidates() []*Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*Context(nil), e.contexts...)
}

// VirtualHost is a path matcher for one alias, keyed in Container.hosts.
// It yields the HostEntry whose Path is the longest registered prefix of
// the request path.
type VirtualHost struct {
	Alias string

	mu      sync.RWMutex
	entries map[string]*HostEntry // path -> entry
}

func newVirtualHost(alias string) *VirtualHost {
	return &VirtualHost{Alias: alias, entries: make(map[string]*HostEntry)}
}

// entryFor returns the HostEntry for path, creating it if absent.
func (v *VirtualHost) entryFor(path string) *HostEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	if e, ok := v.entries[path]; ok {
		return e
	}
	e := newHostEntry(v.Alias, path)
	v.entries[path] = e
	return e
}

// dropEntry removes path's entry and reports whether the host now has no
// entries left at all (the caller must then remove the VirtualHost itself).
func (v *VirtualHost) dropEntry(path string) (hostEmpty bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.entries, path)
	return len(v.entries) == 0
}

// match performs longest-prefix matching over the registered context
// paths for this host.
func (v *VirtualHost) match(requestPath string) (*HostEntry, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	paths := make([]string, 0, len(v.entries))
	for p := range v.entries {
		paths = append(paths, p)
	}
	// Longest first so the first prefix match wins.
	sort.Slice(paths, func(i, j int) bool { return len(paths[i]) > len(paths[j]) })

	for _, p := range paths {
		if hasPathPrefix(requestPath, p) {
			return v.entries[p], true
		}
	}
	return nil, false
}

// hasPathPrefix reports whether requestPath starts with prefix, treating
// prefix as an exact-match context root: "/app" matches "/app" and
// "/app/x" but not "/application".
func hasPathPrefix(requestPath, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	if len(requestPath) < len(prefix) {
		return false
	}
	if requestPath[:len(prefix)] != prefix {
		return false
	}
	return len(requestPath) == len(prefix) || requestPath[len(prefix)] == '/'
}
