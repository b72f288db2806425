package billing

import "context"

// Identity is the caller as already authenticated by the gateway.
type Identity struct {
	UserID         string
	OrganizationID string
	Email          string
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func (id Identity) validate() error {
	if id.OrganizationID == "" {
		return ValidationError("organization id is required")
	}
	return nil
}
