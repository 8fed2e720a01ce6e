// Package core provides the shared building blocks of the Nexus engine:
// identifiers and model types, the error taxonomy, structured logging, and
// the HTTP middleware the API surface is wrapped in.
package core

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig controls cross-origin access to the /v1 API surface. Disabled
// by default: most deployments front nexusd with same-origin tooling, and
// a browser dashboard served elsewhere opts in explicitly.
type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           int // preflight cache, seconds
}

// DefaultCORSConfig returns the locked-down default: disabled, no origins,
// but with the method/header lists pre-filled for the /v1 surface so an
// operator only has to set Enabled and AllowedOrigins. ExposedHeaders
// covers the X-Nexus-* routing metadata a dashboard needs to read.
func DefaultCORSConfig() *CORSConfig {
	return &CORSConfig{
		Enabled:        false,
		AllowedOrigins: []string{},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{
			"Authorization",
			"Content-Type",
			"X-Nexus-Caller-Zone",
			"X-Nexus-Tier-Hint",
		},
		ExposedHeaders: []string{
			"X-Nexus-Backend-Id",
			"X-Nexus-Backend-Name",
			"X-Nexus-Route-Reason",
			"X-Nexus-Actual-Model",
			"X-Nexus-Fallback-Used",
			"X-Request-Id",
			"Retry-After",
		},
		MaxAge: 3600,
	}
}

// DevelopmentCORSConfig allows any origin. For local dashboard development
// only; never production.
func DevelopmentCORSConfig() *CORSConfig {
	cfg := DefaultCORSConfig()
	cfg.Enabled = true
	cfg.AllowedOrigins = []string{"*"}
	return cfg
}

// originAllowed matches origin against the allow list. Besides exact
// matches and the global "*", one wildcard per pattern is supported, which
// covers both subdomains ("https://*.example.com") and the local-dashboard
// case of any port on one host ("http://localhost:*"). An absent Origin
// header is a same-origin request and needs no CORS headers.
func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return false
	}
	for _, pattern := range allowed {
		if pattern == "*" || pattern == origin {
			return true
		}
		if i := strings.IndexByte(pattern, '*'); i >= 0 {
			pre, post := pattern[:i], pattern[i+1:]
			if len(origin) > len(pre)+len(post) &&
				strings.HasPrefix(origin, pre) && strings.HasSuffix(origin, post) {
				return true
			}
		}
	}
	return false
}

// CORSMiddleware wraps the API mux with origin checks and preflight
// handling per cfg. A nil or disabled config passes every request through
// untouched.
func CORSMiddleware(cfg *CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg == nil || !cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

			if !originAllowed(origin, cfg.AllowedOrigins) {
				if preflight {
					// A preflight from a disallowed origin gets an answer
					// without CORS headers; the browser enforces the denial.
					w.WriteHeader(http.StatusNoContent)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h.Set("Access-Control-Allow-Origin", origin)
			if cfg.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			if len(cfg.ExposedHeaders) > 0 {
				h.Set("Access-Control-Expose-Headers", strings.Join(cfg.ExposedHeaders, ", "))
			}

			if preflight {
				h.Set("Access-Control-Allow-Methods", strings.Join(cfg.AllowedMethods, ", "))
				h.Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowedHeaders, ", "))
				if cfg.MaxAge > 0 {
					h.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
