// Package keygen derives stable storage keys from protection contexts.
package keygen

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ali-master/shield/internal/protection"
)

// Fingerprints longer than this are digested so arbitrary header or claim
// values cannot blow up key cardinality in storage.
const maxFingerprint = 64

// Func produces the raw fingerprint for a context.
type Func func(*protection.Context) string

// Builder turns a context into a namespaced storage key.
type Builder struct {
	scope string
	fn    Func
}

// New creates a Builder for a scope ("rl", "throttle", ...) and a strategy:
// "ip", "user", "header:<name>", "cookie:<name>", "jwt_claim:<claim>", or
// empty for user-then-IP. Strategies missing their source fall back to IP.
func New(scope, strategy string) *Builder {
	return &Builder{scope: scope, fn: buildFunc(strategy)}
}

// NewCustom creates a Builder around a caller-supplied fingerprint func.
func NewCustom(scope string, fn Func) *Builder {
	if fn == nil {
		return New(scope, "")
	}
	return &Builder{scope: scope, fn: fn}
}

// Key returns the full storage key for pctx.
func (b *Builder) Key(pctx *protection.Context) string {
	fp := b.fn(pctx)
	if fp == "" {
		fp = "anonymous"
	}
	if len(fp) > maxFingerprint {
		fp = "x:" + strconv.FormatUint(xxhash.Sum64String(fp), 16)
	}
	return "shield:" + b.scope + ":" + fp
}

// Scope returns the builder's key namespace.
func (b *Builder) Scope() string {
	return b.scope
}

func buildFunc(strategy string) Func {
	if strategy == "ip" {
		return func(c *protection.Context) string {
			return c.IP
		}
	}

	if strategy == "user" {
		return func(c *protection.Context) string {
			if c.UserID != "" {
				return "user:" + c.UserID
			}
			return c.IP
		}
	}

	if name, ok := strings.CutPrefix(strategy, "header:"); ok {
		prefix := "header:" + name + ":"
		return func(c *protection.Context) string {
			if v := c.Header(name); v != "" {
				return prefix + v
			}
			return c.IP
		}
	}

	if name, ok := strings.CutPrefix(strategy, "cookie:"); ok {
		prefix := "cookie:" + name + ":"
		return func(c *protection.Context) string {
			if v := c.Cookie(name); v != "" {
				return prefix + v
			}
			return c.IP
		}
	}

	if claim, ok := strings.CutPrefix(strategy, "jwt_claim:"); ok {
		prefix := "jwt_claim:" + claim + ":"
		return func(c *protection.Context) string {
			if v := claimValue(c.Header("Authorization"), claim); v != "" {
				return prefix + v
			}
			return c.IP
		}
	}

	// Default: user ID if known, else IP
	return func(c *protection.Context) string {
		if c.UserID != "" {
			return "user:" + c.UserID
		}
		return c.IP
	}
}

// claimValue extracts a claim from a bearer token without verifying the
// signature. Admission keys only need a stable identity, not a trusted one;
// auth happens elsewhere.
func claimValue(authorization, claim string) string {
	raw, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || raw == "" {
		return ""
	}
	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	val, ok := claims[claim]
	if !ok {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
