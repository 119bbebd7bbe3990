package auth

import (
	"context"
	"slices"
	"strings"
)

type principalKey struct{}

type principal struct {
	subject string
	roles   []string
}

// ContextWithUser stores the authenticated subject and its roles.
func ContextWithUser(ctx context.Context, subject string, roles []string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal{
		subject: strings.TrimSpace(subject),
		roles:   normalizeRoles(roles),
	})
}

func principalFrom(ctx context.Context) (principal, bool) {
	if ctx == nil {
		return principal{}, false
	}
	p, ok := ctx.Value(principalKey{}).(principal)
	return p, ok
}

// UserIDFromContext returns the subject set by ContextWithUser.
func UserIDFromContext(ctx context.Context) (string, bool) {
	p, ok := principalFrom(ctx)
	if !ok || p.subject == "" {
		return "", false
	}
	return p.subject, true
}

// HasRole reports whether the caller holds role (case-insensitive).
func HasRole(ctx context.Context, role string) bool {
	p, _ := principalFrom(ctx)
	return slices.Contains(p.roles, strings.ToLower(strings.TrimSpace(role)))
}
