package auth

import (
	"context"
)

type ctxKey string

const identityKey ctxKey = "identity"

// Identity is the authenticated principal as resolved from the store for
// the current request.
type Identity struct {
	UserID   string `json:"id"`
	Email    string `json:"email"`
	RoleID   uint   `json:"role_id"`
	RoleName string `json:"role"`
	Unscoped bool   `json:"unscoped"`
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// Subject returns the authenticated user id, or "".
func Subject(ctx context.Context) string {
	id, _ := IdentityFrom(ctx)
	return id.UserID
}
