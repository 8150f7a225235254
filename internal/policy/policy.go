// Package policy resolves the effective protection policy for a unit
// of work. Policies attach to path patterns at registration time; the
// engine never inspects annotations or route metadata at request time
// beyond a glob match.
package policy

import (
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/shielderrors"
)

// Policy is the effective configuration applied to a matched request.
// Per-route sections are already merged over the global ones.
type Policy struct {
	Name           string
	RateLimit      config.RateLimitConfig
	Throttle       config.ThrottleConfig
	CircuitBreaker config.CircuitBreakerConfig
	PriorityLevel  string
	Priority       int
}

type compiled struct {
	policy  *Policy
	paths   []string
	methods map[string]bool // empty matches every method
}

// Registry matches requests to policies. Policies are evaluated in
// registration order; the first match wins and unmatched requests get
// the global default policy. The whole table swaps atomically on
// reload.
type Registry struct {
	mu      sync.RWMutex
	entries []*compiled
	def     *Policy

	totalResolved atomic.Int64
	totalMatched  atomic.Int64
}

// NewRegistry compiles cfg's policy list over its global sections.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	r := &Registry{}
	if err := r.Swap(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Swap atomically replaces the policy table from a new config. The old
// table stays active when compilation fails.
func (r *Registry) Swap(cfg *config.Config) error {
	def := &Policy{
		Name:           "default",
		RateLimit:      cfg.RateLimit,
		Throttle:       cfg.Throttle,
		CircuitBreaker: cfg.CircuitBreaker,
		PriorityLevel:  cfg.Priority.DefaultLevel,
	}

	entries := make([]*compiled, 0, len(cfg.Policies))
	for _, pc := range cfg.Policies {
		c, err := compile(def, pc)
		if err != nil {
			return err
		}
		entries = append(entries, c)
	}

	r.mu.Lock()
	r.entries = entries
	r.def = def
	r.mu.Unlock()
	return nil
}

func compile(def *Policy, pc config.PolicyConfig) (*compiled, error) {
	for _, pat := range pc.Paths {
		if !doublestar.ValidatePattern(pat) {
			return nil, shielderrors.New(shielderrors.CodeConfiguration,
				"invalid policy path pattern").WithDetails(pc.Name + ": " + pat)
		}
	}

	p := &Policy{
		Name:           pc.Name,
		RateLimit:      def.RateLimit,
		Throttle:       def.Throttle,
		CircuitBreaker: def.CircuitBreaker,
		PriorityLevel:  def.PriorityLevel,
		Priority:       pc.Priority,
	}
	if pc.RateLimit != nil {
		p.RateLimit = config.MergeNonZero(def.RateLimit, *pc.RateLimit)
	}
	if pc.Throttle != nil {
		p.Throttle = config.MergeNonZero(def.Throttle, *pc.Throttle)
	}
	if pc.CircuitBreaker != nil {
		p.CircuitBreaker = config.MergeNonZero(def.CircuitBreaker, *pc.CircuitBreaker)
	}
	if pc.PriorityLevel != "" {
		p.PriorityLevel = pc.PriorityLevel
	}

	methods := make(map[string]bool, len(pc.Methods))
	for _, m := range pc.Methods {
		methods[m] = true
	}
	return &compiled{policy: p, paths: pc.Paths, methods: methods}, nil
}

// Resolve returns the policy for a path and method. It never returns
// nil; unmatched requests get the default policy.
func (r *Registry) Resolve(path, method string) *Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	r.totalResolved.Add(1)
	for _, c := range r.entries {
		if len(c.methods) > 0 && !c.methods[method] {
			continue
		}
		for _, pat := range c.paths {
			if doublestar.MatchUnvalidated(pat, path) {
				r.totalMatched.Add(1)
				return c.policy
			}
		}
	}
	return r.def
}

// Default returns the global default policy.
func (r *Registry) Default() *Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

// Policies returns the registered policies in evaluation order.
func (r *Registry) Policies() []*Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Policy, len(r.entries))
	for i, c := range r.entries {
		out[i] = c.policy
	}
	return out
}

// Snapshot is a point-in-time view of registry activity.
type Snapshot struct {
	Policies      int   `json:"policies"`
	TotalResolved int64 `json:"total_resolved"`
	TotalMatched  int64 `json:"total_matched"`
}

// Stats reports registry counters.
func (r *Registry) Stats() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		Policies:      len(r.entries),
		TotalResolved: r.totalResolved.Load(),
		TotalMatched:  r.totalMatched.Load(),
	}
}

// Builder attaches a policy to the registry programmatically, for
// callers wiring routes in code rather than YAML.
type Builder struct {
	pc config.PolicyConfig
}

// NewBuilder starts a policy definition.
func NewBuilder(name string) *Builder {
	return &Builder{pc: config.PolicyConfig{Name: name}}
}

// Paths sets the glob patterns the policy matches.
func (b *Builder) Paths(patterns ...string) *Builder {
	b.pc.Paths = patterns
	return b
}

// Methods restricts the policy to the given HTTP methods.
func (b *Builder) Methods(methods ...string) *Builder {
	b.pc.Methods = methods
	return b
}

// RateLimit overrides the rate-limit section.
func (b *Builder) RateLimit(cfg config.RateLimitConfig) *Builder {
	b.pc.RateLimit = &cfg
	return b
}

// Throttle overrides the throttle section.
func (b *Builder) Throttle(cfg config.ThrottleConfig) *Builder {
	b.pc.Throttle = &cfg
	return b
}

// CircuitBreaker overrides the breaker section.
func (b *Builder) CircuitBreaker(cfg config.CircuitBreakerConfig) *Builder {
	b.pc.CircuitBreaker = &cfg
	return b
}

// PriorityLevel routes matched requests to a named admission lane.
func (b *Builder) PriorityLevel(level string) *Builder {
	b.pc.PriorityLevel = level
	return b
}

// Priority sets the in-queue priority of matched requests.
func (b *Builder) Priority(p int) *Builder {
	b.pc.Priority = p
	return b
}

// Attach compiles the policy and appends it to the registry.
func (b *Builder) Attach(r *Registry) error {
	if b.pc.Name == "" {
		return shielderrors.New(shielderrors.CodeConfiguration, "policy name is required")
	}
	if len(b.pc.Paths) == 0 {
		return shielderrors.New(shielderrors.CodeConfiguration,
			"policy needs at least one path pattern").WithDetails(b.pc.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := compile(r.def, b.pc)
	if err != nil {
		return err
	}
	r.entries = append(r.entries, c)
	return nil
}
