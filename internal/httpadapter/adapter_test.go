package httpadapter

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ali-master/shield/config"
	"github.com/ali-master/shield/internal/breaker"
	"github.com/ali-master/shield/internal/guard"
	"github.com/ali-master/shield/internal/policy"
	"github.com/ali-master/shield/internal/shielderrors"
	"github.com/ali-master/shield/internal/storage"
)

func TestClientIPPrecedence(t *testing.T) {
	cases := []struct {
		name   string
		xff    string
		realIP string
		remote string
		want   string
	}{
		{"forwarded first hop", "203.0.113.7, 10.0.0.1", "198.51.100.2", "192.0.2.1:4455", "203.0.113.7"},
		{"real ip fallback", "", "198.51.100.2", "192.0.2.1:4455", "198.51.100.2"},
		{"remote addr fallback", "", "", "192.0.2.1:4455", "192.0.2.1"},
		{"remote addr without port", "", "", "192.0.2.1", "192.0.2.1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/x", nil)
			r.RemoteAddr = tc.remote
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				r.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := ClientIP(r); got != tc.want {
				t.Fatalf("ClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestExtract(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/orders", nil)
	r.RemoteAddr = "192.0.2.9:1234"
	r.Header.Set("User-Agent", "client/1.0")
	r.Header.Set("X-Tenant", "acme")
	r.AddCookie(&http.Cookie{Name: "session", Value: "s-1"})

	before := time.Now()
	pctx := Extract(r)
	after := time.Now()

	if pctx.IP != "192.0.2.9" || pctx.Path != "/api/orders" || pctx.Method != "POST" {
		t.Fatalf("pctx = %+v", pctx)
	}
	if pctx.UserAgent != "client/1.0" {
		t.Fatalf("user agent = %q", pctx.UserAgent)
	}
	if pctx.Header("X-Tenant") != "acme" {
		t.Fatal("header not carried")
	}
	if pctx.Cookie("session") != "s-1" {
		t.Fatal("cookie not carried")
	}
	if pctx.Timestamp.Before(before) || pctx.Timestamp.After(after) {
		t.Fatalf("timestamp %v outside [%v, %v]", pctx.Timestamp, before, after)
	}
}

func testGuard(t *testing.T, points int) *guard.Guard {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.RateLimit = config.RateLimitConfig{
		Enabled:     true,
		Points:      points,
		Duration:    time.Minute,
		KeyStrategy: "ip",
	}
	cfg.Throttle = config.ThrottleConfig{Enabled: false}
	cfg.CircuitBreaker = config.CircuitBreakerConfig{Enabled: false}
	cfg.Policies = nil

	store := storage.NewMemory(time.Minute)
	t.Cleanup(func() { store.Close() })
	reg, err := policy.NewRegistry(cfg)
	if err != nil {
		t.Fatal(err)
	}
	breakers := breaker.NewRegistry(cfg.CircuitBreaker, breaker.Hooks{})
	t.Cleanup(breakers.Close)

	g := guard.New(reg, breakers, nil, nil, store)
	t.Cleanup(g.Close)
	return g
}

func TestMiddlewareAdmitsAndRejects(t *testing.T) {
	g := testGuard(t, 1)

	var served int
	h := Middleware(g, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
		w.WriteHeader(http.StatusCreated)
	}))

	req := func() *http.Request {
		r := httptest.NewRequest("GET", "/api/x", nil)
		r.RemoteAddr = "192.0.2.50:9999"
		return r
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req())
	if rec.Code != http.StatusCreated || served != 1 {
		t.Fatalf("first request: code=%d served=%d", rec.Code, served)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req())
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: code=%d, want 429", rec.Code)
	}
	if served != 1 {
		t.Fatal("rejected request reached the handler")
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("remaining header = %q", rec.Header().Get("X-RateLimit-Remaining"))
	}

	var body shielderrors.Error
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Code != shielderrors.CodeRateLimitExceeded {
		t.Fatalf("body code = %q", body.Code)
	}
}

func TestWriteRejectionGenericError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteRejection(rec, http.ErrServerClosed, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("code = %d", rec.Code)
	}
}
