package middleware

import (
	"net/http"

	"github.com/google/uuid"
)

// RequestID assigns a correlation id to every request. Clients may supply
// their own X-Request-ID; otherwise one is generated. The id is echoed on
// the response and carried into error payloads.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
			r.Header.Set("X-Request-ID", requestID)
		}

		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}
