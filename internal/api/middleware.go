/**
 * @description
 * This file contains custom middleware for the HTTP router. The loyalty
 * engine sits behind the platform's API gateway, so authentication here is a
 * shared internal API key plus a project id header the gateway injects after
 * validating the tenant's credentials.
 *
 * @dependencies
 * - context, net/http: Standard Go libraries.
 * - github.com/google/uuid: Project id parsing.
 */

package api

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/google/uuid"
)

// ProjectIDContextKey is a custom type for the context key to avoid collisions.
type ProjectIDContextKey string

const projectIDKey ProjectIDContextKey = "projectID"

const (
	headerInternalAPIKey = "X-Internal-Api-Key"
	headerProjectID      = "X-Project-Id"
)

// InternalAuthMiddleware validates the shared internal API key and resolves
// the tenant project id into the request context.
func InternalAuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey != "" {
				provided := r.Header.Get(headerInternalAPIKey)
				if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
					http.Error(w, "Invalid internal API key", http.StatusUnauthorized)
					return
				}
			}

			projectID, err := uuid.Parse(r.Header.Get(headerProjectID))
			if err != nil {
				http.Error(w, "Missing or invalid X-Project-Id header", http.StatusBadRequest)
				return
			}

			ctx := context.WithValue(r.Context(), projectIDKey, projectID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetProjectID retrieves the tenant project id from the request context.
func GetProjectID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(projectIDKey).(uuid.UUID)
	return id, ok
}
