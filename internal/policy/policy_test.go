package policy

import (
	"testing"
	"time"

	"github.com/ali-master/shield/config"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Policies = []config.PolicyConfig{
		{
			Name:  "api-strict",
			Paths: []string{"/api/admin/**"},
			RateLimit: &config.RateLimitConfig{
				Enabled: true,
				Points:  5,
			},
			PriorityLevel: "critical",
		},
		{
			Name:    "api-writes",
			Paths:   []string{"/api/**"},
			Methods: []string{"POST", "PUT", "DELETE"},
			RateLimit: &config.RateLimitConfig{
				Enabled: true,
				Points:  20,
			},
		},
	}
	return cfg
}

func TestResolveFirstMatchWins(t *testing.T) {
	r, err := NewRegistry(testConfig())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	p := r.Resolve("/api/admin/users", "GET")
	if p.Name != "api-strict" {
		t.Fatalf("policy = %q, want api-strict", p.Name)
	}
	if p.RateLimit.Points != 5 {
		t.Errorf("points = %d, want override 5", p.RateLimit.Points)
	}
	// Untouched fields inherit the global section.
	if p.RateLimit.Duration != time.Minute {
		t.Errorf("duration = %v, want inherited 1m", p.RateLimit.Duration)
	}
	if p.PriorityLevel != "critical" {
		t.Errorf("priority level = %q, want critical", p.PriorityLevel)
	}
}

func TestResolveMethodFilter(t *testing.T) {
	r, _ := NewRegistry(testConfig())

	if p := r.Resolve("/api/orders", "POST"); p.Name != "api-writes" {
		t.Errorf("POST policy = %q, want api-writes", p.Name)
	}
	// GET does not match the write policy and falls to the default.
	if p := r.Resolve("/api/orders", "GET"); p.Name != "default" {
		t.Errorf("GET policy = %q, want default", p.Name)
	}
}

func TestResolveUnmatchedGetsDefault(t *testing.T) {
	r, _ := NewRegistry(testConfig())
	p := r.Resolve("/healthz", "GET")
	if p.Name != "default" {
		t.Fatalf("policy = %q, want default", p.Name)
	}
	if p.RateLimit.Points != 100 {
		t.Errorf("default points = %d, want 100", p.RateLimit.Points)
	}
}

func TestSwapReplacesTable(t *testing.T) {
	cfg := testConfig()
	r, _ := NewRegistry(cfg)

	next := config.DefaultConfig()
	next.Policies = []config.PolicyConfig{{
		Name:  "only",
		Paths: []string{"/v2/**"},
	}}
	if err := r.Swap(next); err != nil {
		t.Fatalf("Swap: %v", err)
	}

	if p := r.Resolve("/api/admin/users", "GET"); p.Name != "default" {
		t.Errorf("stale policy survived swap: %q", p.Name)
	}
	if p := r.Resolve("/v2/thing", "GET"); p.Name != "only" {
		t.Errorf("new policy missing after swap: %q", p.Name)
	}
}

func TestSwapKeepsOldTableOnError(t *testing.T) {
	r, _ := NewRegistry(testConfig())

	bad := config.DefaultConfig()
	bad.Policies = []config.PolicyConfig{{
		Name:  "broken",
		Paths: []string{"[!"},
	}}
	if err := r.Swap(bad); err == nil {
		t.Fatal("invalid pattern should fail Swap")
	}
	if p := r.Resolve("/api/admin/users", "GET"); p.Name != "api-strict" {
		t.Errorf("old table lost after failed swap: %q", p.Name)
	}
}

func TestBuilderAttach(t *testing.T) {
	r, _ := NewRegistry(config.DefaultConfig())

	err := NewBuilder("checkout").
		Paths("/checkout/**").
		Methods("POST").
		RateLimit(config.RateLimitConfig{Enabled: true, Points: 10, Duration: 30 * time.Second}).
		PriorityLevel("critical").
		Priority(3).
		Attach(r)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	p := r.Resolve("/checkout/submit", "POST")
	if p.Name != "checkout" || p.RateLimit.Points != 10 || p.Priority != 3 {
		t.Errorf("unexpected policy: %+v", p)
	}

	if err := NewBuilder("nameless").Attach(r); err == nil {
		t.Error("builder without paths should fail")
	}
}
