package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dukerupert/upkeep/internal/auth"
)

// RequireToken rejects requests that do not carry the operator API token as
// a bearer token. Browsers cannot set headers on WebSocket upgrades, so an
// upgrade request may pass the token in the access_token query parameter
// instead. The operator named in the X-Upkeep-Operator header is stored in
// the request context.
func RequireToken(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, method := bearerToken(r), auth.MethodBearer
			if got == "" && isWebSocketUpgrade(r) {
				got, method = r.URL.Query().Get("access_token"), auth.MethodQuery
			}
			if len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="upkeep"`)
				writeError(w, http.StatusUnauthorized, "missing or invalid token")
				return
			}
			op := auth.Operator{Identity: auth.CleanIdentity(r.Header.Get(auth.OperatorHeader)), Method: method}
			next.ServeHTTP(w, r.WithContext(auth.WithOperator(r.Context(), op)))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, value, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(value)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
