package security

import (
	"net/http"
)

// Middleware returns chi-compatible middleware that verifies every inbound
// request's signature before handing off to next. A nil Signer (no cluster
// secret configured) yields a no-op middleware, so signing is opt-in per
// deployment rather than mandatory.
func (s *Signer) Middleware(next http.Handler) http.Handler {
	if s == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.Verify(r); err != nil {
			http.Error(w, "signature verification failed: "+err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
