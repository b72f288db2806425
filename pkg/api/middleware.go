package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/mihaimyh/subtrack/pkg/billing"
)

// Headers forwarded by the gateway after authentication.
const (
	HeaderUserID        = "x-user-id"
	HeaderOrgID         = "x-org-id"
	HeaderUserEmail     = "x-user-email"
	HeaderCorrelationID = "x-correlation-id"
)

// RequireIdentity rejects requests without an organization header and stores
// the caller's identity in the request context.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := billing.Identity{
			UserID:         r.Header.Get(HeaderUserID),
			OrganizationID: r.Header.Get(HeaderOrgID),
			Email:          r.Header.Get(HeaderUserEmail),
		}
		if id.OrganizationID == "" {
			writeError(w, &billing.Error{
				Kind:    billing.KindUnauthorized,
				Code:    billing.CodeUnauthorized,
				Message: "organization id is required",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(billing.WithIdentity(r.Context(), id)))
	})
}

// CorrelationID propagates the caller's correlation id, or a new one, to the
// events published while serving the request.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(billing.WithCorrelationID(r.Context(), id)))
	})
}

func identity(r *http.Request) billing.Identity {
	id, _ := billing.IdentityFromContext(r.Context())
	return id
}
