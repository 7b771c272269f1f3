// Package auth carries the calling principal through a context and exposes
// it to the registry as the current caller.
package auth

import (
	"context"
	"errors"
	"strings"

	"ballotbox/internal/domain"
)

// ErrUnauthenticated means no caller identity was supplied.
var ErrUnauthenticated = errors.New("authentication required")

// Principal is an authenticated caller.
type Principal struct {
	ActorID string
	Source  string
}

func (p Principal) Identity() domain.Identity {
	return domain.Identity(p.ActorID)
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// WithCaller is WithPrincipal for callers without an auth source.
func WithCaller(ctx context.Context, id domain.Identity) context.Context {
	return WithPrincipal(ctx, Principal{ActorID: string(id), Source: "local"})
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok || strings.TrimSpace(p.ActorID) == "" {
		return Principal{}, false
	}
	return p, true
}

func CallerFromContext(ctx context.Context) (domain.Identity, bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return "", false
	}
	return p.Identity(), true
}

// ContextCaller reads the caller from the principal stored in the context.
type ContextCaller struct{}

func (ContextCaller) Caller(ctx context.Context) (domain.Identity, error) {
	id, ok := CallerFromContext(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	return id, nil
}

// StaticCaller always answers with the same identity. Used by the CLI.
type StaticCaller domain.Identity

func (s StaticCaller) Caller(context.Context) (domain.Identity, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrUnauthenticated
	}
	return domain.Identity(s), nil
}
