package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/zeitwork/clustermux/internal/executor"
)

// Config configures a Container at construction time.
type Config struct {
	Logger *slog.Logger

	// HealthChecker is the injected probe strategy used to test node
	// reachability.
	HealthChecker HealthChecker
	// Executor schedules the per-I/O-thread health checks and the global
	// load-reset task.
	Executor executor.Executor

	// HealthCheckInterval is both the health-probe period and the
	// load-reset period.
	HealthCheckInterval time.Duration
	// RemoveBrokenNodesMs, together with HealthCheckInterval, determines
	// the broken-node threshold. <= 0 disables removal.
	RemoveBrokenNodesMs int64

	// FailoverCacheCapacity and FailoverCacheTTL configure the bounded
	// TTL map; zero values take the mod_cluster defaults (100 entries,
	// 5 minutes).
	FailoverCacheCapacity int
	FailoverCacheTTL      time.Duration
}

// Container owns every Node, Balancer, VirtualHost, and the failover
// domain cache; it is the request routing entry point and the sole
// surface through which topology mutates.
type Container struct {
	logger   *slog.Logger
	checker  HealthChecker
	exec     executor.Executor
	failover *failoverDomainCache

	healthCheckInterval time.Duration
	brokenThreshold     int64

	// mu serializes every mutation entry point (AddNode, RemoveNode,
	// Enable/Disable/Stop*, RemoveContext) into one logical critical
	// section. It is never held across I/O.
	mu sync.Mutex

	nodes     atomic.Pointer[map[string]*Node]     // jvmRoute -> node, copy-on-write
	balancers atomic.Pointer[map[string]*Balancer]  // name -> balancer, copy-on-write
	hosts     atomic.Pointer[map[string]*VirtualHost] // alias -> host, copy-on-write

	healthTasks map[IOThreadID]*healthCheckTask // guarded by mu

	loadResetCancel executor.CancelFunc // guarded by mu; nil when not running
}

// New constructs a Container ready to accept management commands.
func New(cfg Config) *Container {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Container{
		logger:              logger,
		checker:             cfg.HealthChecker,
		exec:                cfg.Executor,
		failover:            newFailoverDomainCache(cfg.FailoverCacheCapacity, cfg.FailoverCacheTTL),
		healthCheckInterval: cfg.HealthCheckInterval,
		brokenThreshold:     brokenThreshold(cfg.RemoveBrokenNodesMs, cfg.HealthCheckInterval.Milliseconds()),
		healthTasks:         make(map[IOThreadID]*healthCheckTask),
	}

	emptyNodes := make(map[string]*Node)
	c.nodes.Store(&emptyNodes)
	emptyBalancers := make(map[string]*Balancer)
	c.balancers.Store(&emptyBalancers)
	emptyHosts := make(map[string]*VirtualHost)
	c.hosts.Store(&emptyHosts)

	return c
}

// --- lock-free snapshot reads ---

func (c *Container) nodesSnapshot() map[string]*Node         { return *c.nodes.Load() }
func (c *Container) balancersSnapshot() map[string]*Balancer { return *c.balancers.Load() }
func (c *Container) hostsSnapshot() map[string]*VirtualHost  { return *c.hosts.Load() }

// publish* allocate a new backing map, copy, mutate via fn, and atomically
// swap it in — the copy-on-write discipline that keeps the routing path
// lock-free. Callers must already hold c.mu.

func (c *Container) publishNodes(fn func(m map[string]*Node)) {
	cur := c.nodesSnapshot()
	next := make(map[string]*Node, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	fn(next)
	c.nodes.Store(&next)
}

func (c *Container) publishBalancers(fn func(m map[string]*Balancer)) {
	cur := c.balancersSnapshot()
	next := make(map[string]*Balancer, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	fn(next)
	c.balancers.Store(&next)
}

func (c *Container) publishHosts(fn func(m map[string]*VirtualHost)) {
	cur := c.hostsSnapshot()
	next := make(map[string]*VirtualHost, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	fn(next)
	c.hosts.Store(&next)
}

// ==================== Routing path (lock-free) ====================

// FindTarget resolves the Host header and path to a HostEntry, then
// checks for a sticky-session hint.
func (c *Container) FindTarget(r *http.Request) (ProxyTarget, bool) {
	stripped, raw, ok := hostFromRequest(r)
	if !ok {
		return ProxyTarget{}, false
	}

	hosts := c.hostsSnapshot()
	vhost, ok := hosts[stripped]
	if !ok {
		vhost, ok = hosts[raw]
		if !ok {
			return ProxyTarget{}, false
		}
	}

	entry, ok := vhost.match(r.URL.Path)
	if !ok {
		return ProxyTarget{}, false
	}

	balancers := c.balancersSnapshot()
	for _, b := range balancers {
		if !b.StickySession {
			continue
		}
		if route := stickyJVMRouteFromRequest(r, b); route != "" {
			return existingSessionTarget(route, entry, b.StickySessionForce), true
		}
	}

	return basicTarget(entry), true
}

// ResolveNode turns a ProxyTarget produced by FindTarget into a concrete
// Context to forward to. A sticky target resolves to its jvmRoute's
// context when that context is still available for existing sessions;
// otherwise failover selection runs.
func (c *Container) ResolveNode(target ProxyTarget) (*Context, error) {
	if !target.existingSession {
		ctx := elect(target.entry.candidates(), false, "")
		if ctx == nil {
			return nil, newError(KindNoAvailableNode, "no available node for request")
		}
		return ctx, nil
	}
	for _, ctx := range target.entry.candidates() {
		if ctx.Node().JVMRoute == target.jvmRoute && ctx.checkAvailable(true) {
			ctx.Node().elected()
			return ctx, nil
		}
	}
	return c.findFailoverNode(target.entry, target.domain, target.jvmRoute, target.force)
}

// findFailoverNode resolves the failover domain for a sticky request whose
// target node is gone, then re-elects restricted to that domain (falling
// back to an unrestricted election unless the balancer forces the request
// to fail instead of migrating).
func (c *Container) findFailoverNode(entry *HostEntry, domain, jvmRoute string, force bool) (*Context, error) {
	if domain == "" {
		nodes := c.nodesSnapshot()
		if n, ok := nodes[jvmRoute]; ok {
			domain = n.Domain
		}
	}
	if domain == "" {
		if d, ok := c.failover.get(jvmRoute); ok {
			domain = d
		}
	}

	if domain != "" {
		if ctx := elect(entry.candidates(), true, domain); ctx != nil {
			return ctx, nil
		}
	}

	if force {
		return nil, newError(KindStickySessionLost, "sticky session target unreachable and force is set")
	}

	ctx := elect(entry.candidates(), false, "")
	if ctx == nil {
		return nil, newError(KindNoAvailableNode, "no available node for failover request")
	}
	return ctx, nil
}

// ==================== Mutation API (serialized) ====================

// AddNode registers a worker under its jvmRoute. A conflicting
// registration (same jvmRoute, different connection URI) is checked
// before any mutation runs, so a rejected swap never disturbs the node
// it failed to replace.
func (c *Container) AddNode(cfg NodeConfig, balCfg BalancerConfig, ioThread IOThreadID, bufferPool BufferPoolHandle) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nodes := c.nodesSnapshot()
	if existing, ok := nodes[cfg.JVMRoute]; ok {
		if existing.ConnectionURI == cfg.ConnectionURI {
			existing.clearErrors()
			c.logger.Info("node re-registered, idempotent", "jvm_route", cfg.JVMRoute)
			return true, nil
		}

		if existing.State() != NodeError {
			c.logger.Warn("conflicting node registration rejected",
				"jvm_route", cfg.JVMRoute, "existing_uri", existing.ConnectionURI, "new_uri", cfg.ConnectionURI)
			return false, newError(KindNodeConflict, fmt.Sprintf("node %s already registered with a different URI", cfg.JVMRoute))
		}

		// Only now, with the swap guaranteed to succeed, do we touch the
		// old node.
		c.removeNodeLocked(existing, false)
	}

	balCfg.Name = cmp(balCfg.Name, cfg.BalancerName)
	c.ensureBalancer(balCfg)

	node := newNode(cfg, ioThread, bufferPool)
	c.publishNodes(func(m map[string]*Node) { m[cfg.JVMRoute] = node })

	c.scheduleHealthCheck(node)
	c.ensureLoadResetTask()

	c.failover.remove(cfg.JVMRoute)

	c.logger.Info("node added", "jvm_route", cfg.JVMRoute, "balancer", node.BalancerName, "domain", node.Domain)
	return true, nil
}

func cmp(balancerName, fallback string) string {
	if balancerName != "" {
		return balancerName
	}
	return fallback
}

// ensureBalancer installs a balancer built from cfg if one with that name
// doesn't already exist. First writer wins; later config for the same
// name is not reconciled.
func (c *Container) ensureBalancer(cfg BalancerConfig) {
	balancers := c.balancersSnapshot()
	if _, ok := balancers[cfg.Name]; ok {
		return
	}
	b := newBalancer(cfg)
	c.publishBalancers(func(m map[string]*Balancer) { m[cfg.Name] = b })
}

// RemoveNode tears down a worker: it is marked REMOVED, unregistered from
// routing, and its contexts are drained.
func (c *Container) RemoveNode(jvmRoute string, onlyIfInError bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	nodes := c.nodesSnapshot()
	node, ok := nodes[jvmRoute]
	if !ok {
		return newError(KindNodeUnknown, fmt.Sprintf("no such node %s", jvmRoute))
	}
	c.removeNodeLocked(node, onlyIfInError)
	return nil
}

// removeNodeLocked must be called with c.mu held. The balancer cleanup
// runs as a self-contained inner step (maybeDropBalancer) so the
// empty-nodes check below always runs afterward, regardless of whether
// another node still shares the balancer.
func (c *Container) removeNodeLocked(node *Node, onlyIfInError bool) {
	if onlyIfInError && node.State() != NodeError {
		return
	}

	node.markRemoved()

	// Remove from the nodes map only if it still points at this exact
	// instance — a concurrent AddNode may already have replaced it.
	c.publishNodes(func(m map[string]*Node) {
		if m[node.JVMRoute] == node {
			delete(m, node.JVMRoute)
		}
	})

	c.unscheduleHealthCheck(node)

	for _, ctx := range node.contextsSnapshot() {
		c.removeContextLocked(node, ctx.Path)
	}

	if node.Domain != "" {
		c.failover.put(node.JVMRoute, node.Domain)
	}

	c.maybeDropBalancer(node.BalancerName)

	if len(c.nodesSnapshot()) == 0 {
		c.cancelLoadResetTask()
	}

	c.logger.Info("node removed", "jvm_route", node.JVMRoute)
}

// maybeDropBalancer drops balancerName iff no remaining node references
// it. Kept as a self-contained step so it never short-circuits the rest
// of removeNodeLocked's tail.
func (c *Container) maybeDropBalancer(balancerName string) {
	if balancerName == "" {
		return
	}
	for _, n := range c.nodesSnapshot() {
		if n.BalancerName == balancerName {
			return
		}
	}
	c.publishBalancers(func(m map[string]*Balancer) { delete(m, balancerName) })
}

// EnableContext creates the Context if absent, registers it with each
// aliased VirtualHost, and enables it.
func (c *Container) EnableContext(jvmRoute, path string, aliases []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, err := c.requireNode(jvmRoute)
	if err != nil {
		return err
	}

	ctx, created := node.addContext(path, aliases)
	if created {
		c.registerContextHosts(ctx)
	}
	ctx.setState(ContextEnabled)
	return nil
}

func (c *Container) DisableContext(jvmRoute, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, err := c.requireContext(jvmRoute, path)
	if err != nil {
		return err
	}
	ctx.setState(ContextDisabled)
	return nil
}

// StopContext returns the context's pending-request count so the caller
// can report it while the context drains.
func (c *Container) StopContext(jvmRoute, path string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, err := c.requireContext(jvmRoute, path)
	if err != nil {
		return -1, err
	}
	ctx.setState(ContextStopped)
	return ctx.ActiveRequests(), nil
}

// RemoveContext withdraws the Context from every VirtualHost alias it was
// registered on, removing the HostEntry/VirtualHost when they become
// empty, then deletes the Context itself.
func (c *Container) RemoveContext(jvmRoute, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, err := c.requireNode(jvmRoute)
	if err != nil {
		return err
	}
	if _, ok := node.getContext(path); !ok {
		return newError(KindNodeUnknown, fmt.Sprintf("no such context %s on node %s", path, jvmRoute))
	}
	c.removeContextLocked(node, path)
	return nil
}

func (c *Container) removeContextLocked(node *Node, path string) {
	ctx, ok := node.getContext(path)
	if !ok {
		return
	}
	ctx.setState(ContextRemoved)

	for _, alias := range ctx.VirtualHosts {
		c.withdrawFromHost(strings.ToLower(alias), path, ctx)
	}
	node.removeContextEntry(path)
}

// withdrawFromHost removes ctx from the (alias, path) HostEntry, deleting
// the HostEntry and, if it was the last one, the VirtualHost too.
func (c *Container) withdrawFromHost(alias, path string, ctx *Context) {
	hosts := c.hostsSnapshot()
	vhost, ok := hosts[alias]
	if !ok {
		return
	}

	entry := vhost.entryFor(path)
	if entry.remove(ctx) {
		if vhost.dropEntry(path) {
			c.publishHosts(func(m map[string]*VirtualHost) { delete(m, alias) })
		}
	}
}

// registerContextHosts registers a freshly created Context with every
// VirtualHost alias it lists, creating VirtualHosts/HostEntries as needed.
func (c *Container) registerContextHosts(ctx *Context) {
	for _, alias := range ctx.VirtualHosts {
		vhost := c.vhostFor(strings.ToLower(alias))
		entry := vhost.entryFor(ctx.Path)
		entry.add(ctx)
	}
}

func (c *Container) vhostFor(alias string) *VirtualHost {
	hosts := c.hostsSnapshot()
	if v, ok := hosts[alias]; ok {
		return v
	}
	v := newVirtualHost(alias)
	c.publishHosts(func(m map[string]*VirtualHost) {
		if existing, ok := m[alias]; ok {
			v = existing
			return
		}
		m[alias] = v
	})
	return v
}

// EnableNode/DisableNode/StopNode apply the corresponding per-context
// operation to every context on the node.
func (c *Container) EnableNode(jvmRoute string) error {
	return c.forEachContext(jvmRoute, func(ctx *Context) { ctx.setState(ContextEnabled) })
}

func (c *Container) DisableNode(jvmRoute string) error {
	return c.forEachContext(jvmRoute, func(ctx *Context) { ctx.setState(ContextDisabled) })
}

func (c *Container) StopNode(jvmRoute string) error {
	return c.forEachContext(jvmRoute, func(ctx *Context) { ctx.setState(ContextStopped) })
}

func (c *Container) forEachContext(jvmRoute string, fn func(*Context)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, err := c.requireNode(jvmRoute)
	if err != nil {
		return err
	}
	lo.ForEach(node.contextsSnapshot(), func(ctx *Context, _ int) { fn(ctx) })
	return nil
}

// SetLoad updates a node's operator-supplied load factor.
func (c *Container) SetLoad(jvmRoute string, load int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, err := c.requireNode(jvmRoute)
	if err != nil {
		return err
	}
	node.setLoadFactor(load)
	return nil
}

func (c *Container) requireNode(jvmRoute string) (*Node, error) {
	nodes := c.nodesSnapshot()
	node, ok := nodes[jvmRoute]
	if !ok {
		return nil, newError(KindNodeUnknown, fmt.Sprintf("no such node %s", jvmRoute))
	}
	return node, nil
}

func (c *Container) requireContext(jvmRoute, path string) (*Context, error) {
	node, err := c.requireNode(jvmRoute)
	if err != nil {
		return nil, err
	}
	ctx, ok := node.getContext(path)
	if !ok {
		return nil, newError(KindNodeUnknown, fmt.Sprintf("no such context %s on node %s", path, jvmRoute))
	}
	return ctx, nil
}

// ==================== Health check scheduling ====================

// scheduleHealthCheck lazily creates the healthCheckTask for node's I/O
// thread if needed, then adds the node to it. Must be called with c.mu
// held.
func (c *Container) scheduleHealthCheck(node *Node) {
	if c.checker == nil || c.exec == nil || c.healthCheckInterval <= 0 {
		return
	}

	task, ok := c.healthTasks[node.IOThread]
	if !ok {
		task = newHealthCheckTask(node.IOThread, c.checker, c.brokenThreshold, c.onNodeBroken)
		c.healthTasks[node.IOThread] = task
		task.cancel = c.exec.ScheduleAtInterval(func(ctx context.Context) { task.tick(ctx) }, c.healthCheckInterval)
	}
	task.add(node)
}

// unscheduleHealthCheck removes node from its task, cancelling and
// discarding the task if it becomes empty. Must be called with c.mu held.
func (c *Container) unscheduleHealthCheck(node *Node) {
	task, ok := c.healthTasks[node.IOThread]
	if !ok {
		return
	}
	if task.remove(node.JVMRoute) {
		if task.cancel != nil {
			task.cancel()
		}
		delete(c.healthTasks, node.IOThread)
	}
}

// onNodeBroken is invoked (from a health-check task's goroutine) when a
// node's error budget crosses the broken threshold. It re-enters the
// container's mutation lock to remove the node.
func (c *Container) onNodeBroken(n *Node) {
	c.logger.Warn("node crossed broken threshold, removing", "jvm_route", n.JVMRoute, "errors", n.IOErrorCount())
	_ = c.RemoveNode(n.JVMRoute, false)
}

// ensureLoadResetTask starts the global periodic load-reset task if it
// isn't already running. Must be called with c.mu held.
func (c *Container) ensureLoadResetTask() {
	if c.loadResetCancel != nil || c.exec == nil || c.healthCheckInterval <= 0 {
		return
	}
	c.loadResetCancel = c.exec.ScheduleAtInterval(func(context.Context) {
		for _, n := range c.nodesSnapshot() {
			n.resetLoad()
		}
	}, c.healthCheckInterval)
}

// cancelLoadResetTask stops the global load-reset task. Must be called
// with c.mu held.
func (c *Container) cancelLoadResetTask() {
	if c.loadResetCancel == nil {
		return
	}
	c.loadResetCancel()
	c.loadResetCancel = nil
}
