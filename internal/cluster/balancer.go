package cluster

// BalancerConfig is the operator-supplied configuration for a named
// balancer, carried in from a CONFIG management command.
type BalancerConfig struct {
	Name                string
	StickySession       bool
	StickySessionCookie string
	StickySessionPath   string
	StickySessionForce  bool
	StickySessionRemove bool
	MaxAttempts         int
}

const (
	defaultStickySessionCookie = "JSESSIONID"
	defaultStickySessionPath   = "jsessionid"
)

// withDefaults fills in the mod_cluster-standard defaults for any fields
// the caller left zero.
func (c BalancerConfig) withDefaults() BalancerConfig {
	if c.StickySessionCookie == "" {
		c.StickySessionCookie = defaultStickySessionCookie
	}
	if c.StickySessionPath == "" {
		c.StickySessionPath = defaultStickySessionPath
	}
	return c
}

// Balancer is a named group of nodes sharing a load-balancing policy. A
// balancer exists in Container.balancers iff at least one Node references
// it by name; Container owns the Balancer, not Node.
type Balancer struct {
	Name                string
	StickySession       bool
	StickySessionCookie string
	StickySessionPath   string
	StickySessionForce  bool
	StickySessionRemove bool
	MaxAttempts         int
}

func newBalancer(cfg BalancerConfig) *Balancer {
	cfg = cfg.withDefaults()
	return &Balancer{
		Name:                cfg.Name,
		StickySession:       cfg.StickySession,
		StickySessionCookie: cfg.StickySessionCookie,
		StickySessionPath:   cfg.StickySessionPath,
		StickySessionForce:  cfg.StickySessionForce,
		StickySessionRemove: cfg.StickySessionRemove,
		MaxAttempts:         cfg.MaxAttempts,
	}
}
