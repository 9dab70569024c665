package shared

import "context"

type contextKey string

const identityKey contextKey = "identity"

// Identity carries the authenticated actor and organization scope supplied by
// the authenticating collaborator. The core never derives these from request
// bodies.
type Identity struct {
	ActorID        int64
	OrganizationID int64
}

// ContextWithIdentity stores the identity in the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext retrieves the identity, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
