// Package httpadapter bridges net/http requests into the engine's
// transport-neutral protection context and writes rejection responses.
// It carries no server or framework lifecycle.
package httpadapter

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ali-master/shield/internal/guard"
	"github.com/ali-master/shield/internal/protection"
	"github.com/ali-master/shield/internal/shielderrors"
)

// Extract builds a protection context from r. The client IP is taken
// from X-Forwarded-For (first hop), then X-Real-IP, then RemoteAddr.
func Extract(r *http.Request) *protection.Context {
	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}
	var cookies map[string]string
	if cs := r.Cookies(); len(cs) > 0 {
		cookies = make(map[string]string, len(cs))
		for _, c := range cs {
			cookies[c.Name] = c.Value
		}
	}
	return &protection.Context{
		IP:        ClientIP(r),
		UserAgent: r.UserAgent(),
		Path:      r.URL.Path,
		Method:    r.Method,
		Headers:   headers,
		Cookies:   cookies,
		Timestamp: time.Now(),
	}
}

// ClientIP resolves the originating client address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// WriteRejection writes the rejection as JSON with rate-limit headers.
// Non-taxonomy errors become a generic 500.
func WriteRejection(w http.ResponseWriter, err error, d *guard.Verdict) {
	se, ok := shielderrors.AsError(err)
	if !ok {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	if d != nil && !d.RateLimit.ResetAt.IsZero() {
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.RateLimit.Remaining, 10))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.RateLimit.ResetAt.Unix(), 10))
	}
	if se.RetryAfter > 0 {
		secs := int64(se.RetryAfter / time.Second)
		if secs < 1 {
			secs = 1
		}
		h.Set("Retry-After", strconv.FormatInt(secs, 10))
	}

	w.WriteHeader(se.HTTPStatus())
	_ = json.NewEncoder(w).Encode(se)
}

// statusRecorder captures the downstream status so the outcome can be
// classified. A 5xx counts as failure for breaker statistics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Middleware admits each request through g before invoking next.
// Rejected requests get a JSON rejection and never reach next.
func Middleware(g *guard.Guard, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pctx := Extract(r)

		v, err := g.Check(r.Context(), pctx)
		if err != nil {
			WriteRejection(w, err, nil)
			return
		}
		if !v.Allowed {
			g.Finish(r.Context(), v, protection.Outcome{Success: false, Err: v.Rejection})
			WriteRejection(w, v.Rejection, v)
			return
		}

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		g.Finish(r.Context(), v, protection.Outcome{
			Success:    rec.status < http.StatusInternalServerError,
			StatusCode: rec.status,
			Duration:   time.Since(pctx.Timestamp),
		})
	})
}
