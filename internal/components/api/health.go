package api

import (
	"context"
	"net/http"
	"time"
)

// HealthResponse is the body of GET /api/healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// Health reports ok while ping succeeds within two seconds, and 503
// otherwise. A nil ping always reports ok.
func Health(ping func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				WriteJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
				return
			}
		}
		WriteJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
	}
}
