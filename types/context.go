package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyOwnerID contextKey = "owner_id"
	keyRoles   contextKey = "roles"
)

// WithOwnerID adds the authenticated owner (campaigner) ID to context.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, keyOwnerID, ownerID)
}

// OwnerID extracts the owner ID from context.
func OwnerID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyOwnerID).(string)
	return v, ok && v != ""
}

// WithRoles adds caller roles to context.
func WithRoles(ctx context.Context, roles []string) context.Context {
	return context.WithValue(ctx, keyRoles, roles)
}

// Roles extracts caller roles from context.
func Roles(ctx context.Context) ([]string, bool) {
	v, ok := ctx.Value(keyRoles).([]string)
	return v, ok && len(v) > 0
}

// HasRole reports whether the caller carries the given role.
func HasRole(ctx context.Context, role string) bool {
	roles, _ := Roles(ctx)
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
