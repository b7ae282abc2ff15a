package identity

import (
	"context"
	"strings"
)

type ctxKey string

const (
	userIDKey ctxKey = "identity_user_id"
	emailKey  ctxKey = "identity_email"
)

// ContextWithUser stores the authenticated user identity in the context.
func ContextWithUser(ctx context.Context, userID, email string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, strings.TrimSpace(userID))
	if email = strings.TrimSpace(strings.ToLower(email)); email != "" {
		ctx = context.WithValue(ctx, emailKey, email)
	}
	return ctx
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userIDKey).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// EmailFromContext returns the authenticated user's email, if known.
func EmailFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(emailKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
