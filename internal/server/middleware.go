package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// securityHeadersMiddleware applies baseline hardening headers to every
// response. CSP and HSTS only make sense on the production origin; HSTS
// additionally requires the request to have arrived over TLS (directly or
// via a terminating proxy).
func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	production := s.cfg.Environment == "production"

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")

		if production {
			h.Set("Content-Security-Policy", "default-src 'self'")
			if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
		}

		next.ServeHTTP(w, r)
	})
}

// corsMiddleware reflects the configured origin and short-circuits
// preflight requests. EventSource cannot set custom headers, so API keys
// for streams travel as a query parameter; the header list here covers
// the ingest path.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-API-KEY, X-Channel")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware guards every /api/ route. Three modes:
//
//	no key configured, not required  → open (development default)
//	no key configured, required      → 503 on every /api/ request; a
//	                                   misconfigured deployment must fail
//	                                   loudly, not silently serve open
//	key configured                   → X-API-KEY header or apiKey query
//	                                   parameter must match
//
// /health and /metrics stay unauthenticated for probes and scrapers.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		if s.cfg.APIKey == "" {
			if s.cfg.RequireAPIKey {
				s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"error":   "Service Unavailable",
					"message": "API key authentication is required but no key is configured",
				})
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-KEY")
		if key == "" {
			key = r.URL.Query().Get("apiKey")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":   "Unauthorized",
				"message": "Invalid or missing API key",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
