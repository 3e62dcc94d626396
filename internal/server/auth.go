package server

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/untoldecay/engram/internal/config"
)

// apiKeyMiddleware enforces the API-key contract: the key arrives in
// X-MCP-API-Key or as a bearer token and is compared in constant time.
// With no key configured, access is refused unless the insecure-local
// override is on and the caller is loopback.
func apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		configured := config.GetString("auth.api-key")

		if configured == "" {
			if config.GetBool("auth.allow-insecure-local") && isLoopback(r) {
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, http.StatusUnauthorized, "api key not configured")
			return
		}

		supplied := r.Header.Get("X-MCP-API-Key")
		if supplied == "" {
			if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
				supplied = strings.TrimPrefix(bearer, "Bearer ")
			}
		}
		if subtle.ConstantTimeCompare([]byte(configured), []byte(supplied)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
