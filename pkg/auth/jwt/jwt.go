// Package jwt provides the "jwt" authentication strategy. It validates
// bearer tokens signed with a shared HMAC secret (tokens this server issues)
// or with RSA keys published at a JWKS (JSON Web Key Set) endpoint.
//
// Principals are built from the token claims alone; no store lookup takes
// place. Tokens carry a "jti" so they can be revoked before they expire.
package jwt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/auth"
	"github.com/rhuss/plume/pkg/service"
)

// StrategyName is the name under which the strategy is registered.
const StrategyName = "jwt"

// Metadata keys set on principals authenticated from a token.
const (
	MetaTokenID = "jti"
	MetaExpires = "exp"
)

// Config holds the JWT strategy configuration.
type Config struct {
	// Secret signs and verifies HS256 tokens. Required for Issue.
	Secret string

	// Issuer is the expected iss claim, also set on issued tokens. If empty,
	// the issuer is not validated.
	Issuer string

	// Audience is the expected aud claim, also set on issued tokens. If
	// empty, the audience is not validated.
	Audience string

	// Expiry is the lifetime of issued tokens. Default: 24 hours.
	Expiry time.Duration

	// JWKSURL enables RS256/384/512 tokens verified against a JWKS endpoint.
	JWKSURL string

	// PermissionsClaim is the claim holding the principal's permissions.
	// Either a JSON array or a space-separated string. Default: "permissions".
	PermissionsClaim string

	// CacheTTL controls how long JWKS keys are cached. Default: 1 hour.
	CacheTTL time.Duration

	// HTTPClient is used for JWKS requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client

	// Revocations, if set, is consulted for every token and updated by Revoke.
	Revocations Revocations
}

func (c *Config) applyDefaults() {
	if c.Expiry == 0 {
		c.Expiry = 24 * time.Hour
	}
	if c.PermissionsClaim == "" {
		c.PermissionsClaim = "permissions"
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 1 * time.Hour
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// Errors returned by the strategy.
var (
	ErrNoKeys       = errors.New("jwt: either a secret or a JWKS URL is required")
	ErrNoSecret     = errors.New("jwt: issuing tokens requires a secret")
	ErrTokenRevoked = errors.New("jwt: token has been revoked")
)

// Strategy validates and issues JWT bearer tokens.
type Strategy struct {
	config    Config
	jwksCache *jwksCache
	methods   []string
	now       func() time.Time
}

// New creates a JWT strategy.
func New(cfg Config) (*Strategy, error) {
	if cfg.Secret == "" && cfg.JWKSURL == "" {
		return nil, ErrNoKeys
	}
	cfg.applyDefaults()

	s := &Strategy{config: cfg, now: time.Now}
	if cfg.Secret != "" {
		s.methods = append(s.methods, "HS256")
	}
	if cfg.JWKSURL != "" {
		s.jwksCache = newJWKSCache(cfg.JWKSURL, cfg.CacheTTL, cfg.HTTPClient)
		s.methods = append(s.methods, "RS256", "RS384", "RS512")
	}
	return s, nil
}

// Name implements auth.Strategy.
func (s *Strategy) Name() string { return StrategyName }

// Authenticate validates the bearer token carried by hc.
//
//   - abstain (auth.ErrNoCredentials): no token, or the payload names
//     another strategy
//   - reject: malformed, expired, wrongly signed, or revoked token
//   - accept: valid token with a subject
func (s *Strategy) Authenticate(ctx context.Context, hc *service.Context) (*auth.Principal, error) {
	tokenStr := auth.BearerToken(hc)
	if tokenStr == "" {
		return nil, auth.ErrNoCredentials
	}

	token, err := jwtlib.Parse(tokenStr, func(token *jwtlib.Token) (any, error) {
		switch token.Method.(type) {
		case *jwtlib.SigningMethodHMAC:
			if s.config.Secret == "" {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(s.config.Secret), nil
		case *jwtlib.SigningMethodRSA:
			if s.jwksCache == nil {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			kid, ok := token.Header["kid"].(string)
			if !ok || kid == "" {
				return nil, fmt.Errorf("token missing kid header")
			}
			key, fetchErr := s.jwksCache.getKey(ctx, kid)
			if fetchErr != nil {
				return nil, fmt.Errorf("fetching JWKS key for kid %q: %w", kid, fetchErr)
			}
			return key, nil
		}
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}, s.parserOptions()...)
	if err != nil {
		slog.Debug("JWT validation failed", "error", err)
		return nil, fmt.Errorf("%w: %w", auth.ErrInvalidCredentials, err)
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid JWT claims", auth.ErrInvalidCredentials)
	}

	subject := claimString(claims, "sub")
	if subject == "" {
		return nil, fmt.Errorf("%w: JWT missing \"sub\" claim", auth.ErrInvalidCredentials)
	}

	p := &auth.Principal{
		Subject:     subject,
		Strategy:    StrategyName,
		Permissions: extractList(claims, s.config.PermissionsClaim),
		Metadata:    make(map[string]string),
	}
	if jti := claimString(claims, "jti"); jti != "" {
		p.Metadata[MetaTokenID] = jti
		if s.config.Revocations != nil {
			revoked, err := s.config.Revocations.Revoked(ctx, jti)
			if err != nil {
				return nil, fmt.Errorf("checking revocation: %w", err)
			}
			if revoked {
				return nil, ErrTokenRevoked
			}
		}
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		p.Metadata[MetaExpires] = exp.UTC().Format(time.RFC3339)
	}
	return p, nil
}

func (s *Strategy) parserOptions() []jwtlib.ParserOption {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods(s.methods),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(s.now),
	}
	if s.config.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(s.config.Issuer))
	}
	if s.config.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(s.config.Audience))
	}
	return opts
}

// Issue signs an HS256 access token for p. The token carries a fresh jti.
func (s *Strategy) Issue(p *auth.Principal) (string, error) {
	if s.config.Secret == "" {
		return "", ErrNoSecret
	}
	if p == nil || p.Subject == "" {
		return "", errors.New("jwt: cannot issue a token without a subject")
	}

	now := s.now()
	claims := jwtlib.MapClaims{
		"sub": p.Subject,
		"jti": api.NewTokenID(),
		"iat": now.Unix(),
		"exp": now.Add(s.config.Expiry).Unix(),
	}
	if len(p.Permissions) > 0 {
		claims[s.config.PermissionsClaim] = p.Permissions
	}
	if s.config.Issuer != "" {
		claims["iss"] = s.config.Issuer
	}
	if s.config.Audience != "" {
		claims["aud"] = s.config.Audience
	}

	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.Secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Revoke marks the token that authenticated p as revoked until it expires.
// Principals without a token id are ignored.
func (s *Strategy) Revoke(ctx context.Context, p *auth.Principal) error {
	if s.config.Revocations == nil || p == nil {
		return nil
	}
	jti := p.Metadata[MetaTokenID]
	if jti == "" {
		return nil
	}
	until := s.now().Add(s.config.Expiry)
	if exp, err := time.Parse(time.RFC3339, p.Metadata[MetaExpires]); err == nil {
		until = exp
	}
	return s.config.Revocations.Revoke(ctx, jti, until)
}

func claimString(claims jwtlib.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}

// extractList reads a claim that is either a space-separated string or a
// JSON array of strings.
func extractList(claims jwtlib.MapClaims, key string) []string {
	switch val := claims[key].(type) {
	case string:
		parts := strings.Fields(val)
		if len(parts) == 0 {
			return nil
		}
		return parts
	case []any:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
