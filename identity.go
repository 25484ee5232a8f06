package feedcache

import "context"

type identityKey struct{}

// WithIdentity attaches the acting user's id to ctx. Gateways read it to
// authorize writes; the engine itself never inspects it beyond stamping
// placeholders.
func WithIdentity(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, identityKey{}, userID)
}

// IdentityFrom returns the user id set by WithIdentity.
func IdentityFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(identityKey{}).(string)
	return id, ok && id != ""
}
