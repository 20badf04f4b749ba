// Package api is the serverless entry point for the CRM auth service.
package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"crm-backend/internal/app"
)

var (
	buildOnce sync.Once
	service   *app.Runtime
	buildErr  error
)

// Handler builds the auth runtime on the first invocation of a warm instance
// and reuses it afterwards. Environment comes from the platform, not .env.
func Handler(w http.ResponseWriter, r *http.Request) {
	buildOnce.Do(func() {
		service, buildErr = app.Build(app.Options{})
	})

	if buildErr != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error": "auth service failed to start",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	service.Handler.ServeHTTP(w, r)
}
