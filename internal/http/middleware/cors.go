package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

const defaultCORSMaxAge = 600

var (
	defaultCORSMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	defaultCORSHeaders = []string{
		"Accept",
		"Authorization",
		"Cache-Control",
		"Content-Type",
		"Idempotency-Key",
		"Last-Event-ID",
		"X-Request-Id",
	}
	defaultCORSExposed = []string{"Location", "Retry-After", "X-Request-Id"}
)

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	ExposedHeaders []string
	MaxAgeSeconds  int
}

// corsPolicy holds the header values computed once per middleware.
type corsPolicy struct {
	anyOrigin bool
	origins   map[string]struct{}
	methods   string
	headers   string
	exposed   string
	maxAge    string
}

func newCORSPolicy(cfg CORSConfig) corsPolicy {
	policy := corsPolicy{origins: make(map[string]struct{})}
	for _, origin := range trimmedList(cfg.AllowedOrigins, nil) {
		if origin == "*" {
			policy.anyOrigin = true
			continue
		}
		policy.origins[strings.ToLower(origin)] = struct{}{}
	}
	policy.methods = strings.Join(trimmedList(cfg.AllowedMethods, defaultCORSMethods), ", ")
	policy.headers = strings.Join(trimmedList(cfg.AllowedHeaders, defaultCORSHeaders), ", ")
	policy.exposed = strings.Join(trimmedList(cfg.ExposedHeaders, defaultCORSExposed), ", ")

	maxAge := cfg.MaxAgeSeconds
	if maxAge <= 0 {
		maxAge = defaultCORSMaxAge
	}
	policy.maxAge = strconv.Itoa(maxAge)
	return policy
}

func (p corsPolicy) allows(origin string) bool {
	if p.anyOrigin {
		return true
	}
	_, ok := p.origins[strings.ToLower(origin)]
	return ok
}

// CORS answers preflights itself and decorates actual requests. Preflights
// from unknown origins are refused; other requests from them pass through
// without CORS headers so the browser blocks the response.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	policy := newCORSPolicy(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			header := w.Header()
			header.Add("Vary", "Origin")
			if !policy.allows(origin) {
				if preflight {
					writeError(w, r, http.StatusForbidden, "origin_not_allowed", "origin is not allowed")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if policy.anyOrigin {
				header.Set("Access-Control-Allow-Origin", "*")
			} else {
				header.Set("Access-Control-Allow-Origin", origin)
			}

			if preflight {
				header.Add("Vary", "Access-Control-Request-Method")
				header.Add("Vary", "Access-Control-Request-Headers")
				header.Set("Access-Control-Allow-Methods", policy.methods)
				header.Set("Access-Control-Allow-Headers", policy.headers)
				header.Set("Access-Control-Max-Age", policy.maxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			header.Set("Access-Control-Expose-Headers", policy.exposed)
			next.ServeHTTP(w, r)
		})
	}
}

// trimmedList drops blank entries, returning fallback when nothing is left.
func trimmedList(values, fallback []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			result = append(result, value)
		}
	}
	if len(result) == 0 {
		return fallback
	}
	return result
}
