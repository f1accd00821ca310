package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dukerupert/upkeep/internal/maintenance"
)

// Maintenance answers 503 with a Retry-After header while maintenance mode is
// engaged. Requests for which bypass returns true are always passed through.
func Maintenance(ctrl maintenance.Controller, retryAfter time.Duration, bypass func(*http.Request) bool) func(http.Handler) http.Handler {
	seconds := strconv.Itoa(int(retryAfter.Seconds()))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ctrl.IsEngaged() && (bypass == nil || !bypass(r)) {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", seconds)
				}
				w.Header().Set("Cache-Control", "no-store")
				http.Error(w, "Service is down for maintenance. Please try again shortly.", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
