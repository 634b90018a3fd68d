// Package authservice implements the store behind the "authentication"
// service. Creating an authentication issues an access token for the
// principal established by the service's before-hooks; removing one revokes
// the presented token.
package authservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/auth"
	"github.com/rhuss/plume/pkg/service"
	"github.com/rhuss/plume/pkg/storage"
)

// Path is the conventional mount path of the service.
const Path = "authentication"

// Result fields.
const (
	FieldAccessToken    = "accessToken"
	FieldAuthentication = "authentication"
	FieldUser           = "user"
)

// Tokens issues and revokes access tokens. Implemented by the jwt strategy.
type Tokens interface {
	Issue(p *auth.Principal) (string, error)
	Revoke(ctx context.Context, p *auth.Principal) error
}

// Store is the authentication service store. It supports create and remove.
type Store struct {
	tokens Tokens
	users  service.Store
	hidden []string
}

var _ service.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithUsers embeds the authenticated entity, looked up by subject, in the
// create result. Fields listed in hidden are removed from it.
func WithUsers(users service.Store, hidden ...string) Option {
	return func(s *Store) {
		s.users = users
		s.hidden = hidden
	}
}

// New creates the authentication store.
func New(tokens Tokens, opts ...Option) *Store {
	s := &Store{tokens: tokens}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Methods lists the operations the store supports.
func Methods() []service.Operation {
	return []service.Operation{service.Create, service.Remove}
}

func principal(ctx context.Context) (*auth.Principal, error) {
	p := auth.PrincipalFrom(service.FromContext(ctx))
	if p == nil {
		return nil, api.NewUnauthenticatedError("authentication required")
	}
	return p, nil
}

// Create issues an access token for the authenticated principal.
func (s *Store) Create(ctx context.Context, _ api.Record) (api.Record, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	token, err := s.tokens.Issue(p)
	if err != nil {
		return nil, fmt.Errorf("issuing access token: %w", err)
	}

	result := api.Record{
		FieldAccessToken: token,
		FieldAuthentication: map[string]any{
			"strategy": p.Strategy,
		},
	}
	if s.users != nil {
		user, err := s.users.Get(ctx, p.Subject)
		switch {
		case err == nil:
			result[FieldUser] = map[string]any(user.Without(s.hidden...))
		case errors.Is(err, storage.ErrNotFound):
			// Principals from API keys or foreign tokens have no entity.
		default:
			return nil, fmt.Errorf("loading entity %q: %w", p.Subject, err)
		}
	}
	return result, nil
}

// Remove revokes the token that authenticated the request. The id is the
// client's token or any placeholder; the presented token is what counts.
func (s *Store) Remove(ctx context.Context, _ string) (api.Record, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Revoke(ctx, p); err != nil {
		return nil, fmt.Errorf("revoking access token: %w", err)
	}
	return api.Record{
		FieldAccessToken: "",
		FieldAuthentication: map[string]any{
			"strategy": p.Strategy,
			"revoked":  true,
		},
	}, nil
}

func unsupported(op service.Operation) error {
	return api.NewMethodNotAllowedError(fmt.Sprintf("method %q is not supported by %s", op, Path))
}

// Find is not supported.
func (s *Store) Find(context.Context, api.Query) ([]api.Record, error) {
	return nil, unsupported(service.Find)
}

// Get is not supported.
func (s *Store) Get(context.Context, string) (api.Record, error) {
	return nil, unsupported(service.Get)
}

// Update is not supported.
func (s *Store) Update(context.Context, string, api.Record) (api.Record, error) {
	return nil, unsupported(service.Update)
}

// Patch is not supported.
func (s *Store) Patch(context.Context, string, api.Record) (api.Record, error) {
	return nil, unsupported(service.Patch)
}
