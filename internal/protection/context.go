// Package protection carries the request descriptor that admission
// decisions are made against, decoupled from any transport.
package protection

import "time"

// Priority orders requests when capacity is contended. Higher wins.
const (
	PriorityLow      = 0
	PriorityNormal   = 1
	PriorityHigh     = 2
	PriorityCritical = 3
)

// Context describes one unit of work entering the engine. Transports build
// it from their native request type; the engine never sees the transport.
type Context struct {
	IP        string
	UserID    string
	UserAgent string
	Path      string
	Method    string
	Headers   map[string]string
	Cookies   map[string]string

	// Priority ranks this request inside a priority queue. Level selects a
	// named lane in the priority manager; empty means unmanaged.
	Priority int
	Level    string

	// Timestamp is when the request entered the engine. Zero means the
	// engine stamps it at admission.
	Timestamp time.Time

	Metadata map[string]any
}

// Header returns a header value, tolerating a nil map.
func (c *Context) Header(name string) string {
	if c.Headers == nil {
		return ""
	}
	return c.Headers[name]
}

// Cookie returns a cookie value, tolerating a nil map.
func (c *Context) Cookie(name string) string {
	if c.Cookies == nil {
		return ""
	}
	return c.Cookies[name]
}

// Outcome reports how the protected operation ended, for metrics recording
// and rate-limit refunds.
type Outcome struct {
	Success    bool
	StatusCode int
	Err        error
	Duration   time.Duration
}
