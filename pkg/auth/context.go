package auth

import (
	"context"
	"strings"

	"github.com/rhuss/plume/pkg/service"
)

// Meta keys under which the authenticated principal is stored.
const (
	MetaPrincipal = "principal"
	MetaStrategy  = "authentication.strategy"
)

// SetPrincipal stores p in the hook context metadata.
func SetPrincipal(hc *service.Context, p *Principal) {
	hc.Set(MetaPrincipal, p)
	if p != nil {
		hc.Set(MetaStrategy, p.Strategy)
	}
}

// PrincipalFrom returns the principal stored in hc, or nil.
func PrincipalFrom(hc *service.Context) *Principal {
	if hc == nil {
		return nil
	}
	v, _ := hc.Get(MetaPrincipal)
	p, _ := v.(*Principal)
	return p
}

// principalKey is a private type for the principal context key.
type principalKey struct{}

// WithPrincipal stores the authenticated principal in the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext retrieves the authenticated principal.
// Returns nil if no principal is set.
func PrincipalFromContext(ctx context.Context) *Principal {
	if v, ok := ctx.Value(principalKey{}).(*Principal); ok {
		return v
	}
	return nil
}

// BearerToken extracts an access token from the Authorization header or,
// for authentication requests, from the payload's accessToken field.
func BearerToken(hc *service.Context) string {
	if header := hc.Params.Header("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if hc.Data == nil {
		return ""
	}
	if s, _ := hc.Data["strategy"].(string); s != "" && s != "jwt" {
		return ""
	}
	token, _ := hc.Data["accessToken"].(string)
	return token
}

// RequestedStrategy returns the strategy named in the payload, if any.
func RequestedStrategy(hc *service.Context) string {
	if hc.Data == nil {
		return ""
	}
	s, _ := hc.Data["strategy"].(string)
	return s
}
