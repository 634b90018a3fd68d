package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/debug"
	"github.com/rhuss/plume/pkg/observability"
	"github.com/rhuss/plume/pkg/service"
)

// AuthDecision represents the three possible outcomes of one strategy attempt.
type AuthDecision int

const (
	// Yes means credentials are valid. The chain stops and the principal is used.
	Yes AuthDecision = iota

	// No means credentials are present but invalid. The chain continues.
	No

	// Abstain means the strategy's credential type is absent. The chain continues.
	Abstain
)

// String returns the metric label for d.
func (d AuthDecision) String() string {
	switch d {
	case Yes:
		return "yes"
	case No:
		return "no"
	default:
		return "abstain"
	}
}

// Principal represents an authenticated caller.
type Principal struct {
	// Subject is the unique identifier (required, non-empty).
	Subject string `json:"sub"`

	// Strategy names the strategy that established the principal.
	Strategy string `json:"strategy,omitempty"`

	// Permissions lists granted permission tokens.
	Permissions []string `json:"permissions,omitempty"`

	// Metadata carries strategy-specific data.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// HasPermission reports whether p holds perm. A "*" grant matches every
// permission and "<service>:*" matches every permission of that service.
func (p *Principal) HasPermission(perm string) bool {
	if p == nil {
		return false
	}
	if perm == "" {
		return true
	}
	prefix, _, scoped := strings.Cut(perm, ":")
	for _, granted := range p.Permissions {
		switch {
		case granted == "*", granted == perm:
			return true
		case scoped && granted == prefix+":*":
			return true
		}
	}
	return false
}

// Strategy authenticates the credentials carried by a hook context.
// It returns ErrNoCredentials (possibly wrapped) when its credential type
// is absent and any other error when the credentials are rejected.
type Strategy interface {
	Name() string
	Authenticate(ctx context.Context, hc *service.Context) (*Principal, error)
}

// Sentinel errors.
var (
	// ErrNoCredentials signals that a strategy abstains.
	ErrNoCredentials = errors.New("no credentials for strategy")

	// ErrInvalidCredentials is wrapped by strategies rejecting credentials.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnknownStrategy is returned when a chain names an unregistered strategy.
	ErrUnknownStrategy = errors.New("unknown authentication strategy")

	// ErrDuplicateStrategy is returned when two strategies share a name.
	ErrDuplicateStrategy = errors.New("duplicate authentication strategy")
)

// Strategies is a named set of strategies from which chains are built.
type Strategies struct {
	byName map[string]Strategy
	logger *slog.Logger
}

// NewStrategies registers the given strategies by name.
func NewStrategies(strategies ...Strategy) (*Strategies, error) {
	s := &Strategies{byName: make(map[string]Strategy, len(strategies)), logger: slog.Default()}
	for _, st := range strategies {
		name := st.Name()
		if _, exists := s.byName[name]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateStrategy, name)
		}
		s.byName[name] = st
	}
	return s, nil
}

// Get returns the strategy registered under name.
func (s *Strategies) Get(name string) (Strategy, bool) {
	st, ok := s.byName[name]
	return st, ok
}

// Chain builds a chain that tries the named strategies in order.
// Unknown names fail here rather than at request time.
func (s *Strategies) Chain(names ...string) (*Chain, error) {
	if len(names) == 0 {
		return nil, errors.New("authentication chain needs at least one strategy")
	}
	c := &Chain{names: append([]string(nil), names...), logger: s.logger}
	for _, name := range names {
		st, ok := s.byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
		}
		c.strategies = append(c.strategies, st)
	}
	return c, nil
}

// Chain is an ordered, first-match-wins list of strategies.
type Chain struct {
	names      []string
	strategies []Strategy
	logger     *slog.Logger
}

// Names returns the strategy names in order.
func (c *Chain) Names() []string {
	return append([]string(nil), c.names...)
}

// Authenticate tries each strategy in order and returns the first
// Principal. Later strategies are never invoked once one succeeds. If all
// strategies abstain or reject, the result is a generic unauthenticated
// API error.
func (c *Chain) Authenticate(ctx context.Context, hc *service.Context) (*Principal, error) {
	for _, st := range c.strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p, err := st.Authenticate(ctx, hc)
		decision := decide(p, err)
		observability.AuthAttemptsTotal.WithLabelValues(st.Name(), decision.String()).Inc()

		switch decision {
		case Yes:
			if p.Strategy == "" {
				p.Strategy = st.Name()
			}
			debug.Log("auth", "strategy accepted", "strategy", st.Name(), "subject", p.Subject, "service", hc.Path)
			return p, nil
		case No:
			debug.Log("auth", "strategy rejected", "strategy", st.Name(), "service", hc.Path, "error", err)
		default:
			debug.Log("auth", "strategy abstained", "strategy", st.Name(), "service", hc.Path)
		}
	}

	c.logger.Warn("authentication failed",
		"service", hc.Path,
		"method", hc.Method,
		"strategies", strings.Join(c.names, ","),
	)
	return nil, api.NewUnauthenticatedError("authentication failed")
}

func decide(p *Principal, err error) AuthDecision {
	switch {
	case err == nil && p != nil && p.Subject != "":
		return Yes
	case err == nil && p == nil, errors.Is(err, ErrNoCredentials):
		return Abstain
	default:
		return No
	}
}

// Hook returns the chain as a before-hook named "authenticate(a,b)". A
// Principal already present in the context is kept and the chain is skipped.
func (c *Chain) Hook() service.Hook {
	name := "authenticate(" + strings.Join(c.names, ",") + ")"
	return service.HookFunc(name, func(ctx context.Context, hc *service.Context) (*service.Context, error) {
		if PrincipalFrom(hc) != nil {
			return nil, nil
		}
		p, err := c.Authenticate(ctx, hc)
		if err != nil {
			return nil, err
		}
		SetPrincipal(hc, p)
		return hc, nil
	})
}

// Authenticate builds a chain from the named strategies and returns it as
// a before-hook.
func Authenticate(strategies *Strategies, names ...string) (service.Hook, error) {
	c, err := strategies.Chain(names...)
	if err != nil {
		return nil, err
	}
	return c.Hook(), nil
}

// Authorize checks that hc carries a Principal holding permission. An
// empty permission only requires authentication.
func Authorize(hc *service.Context, permission string) error {
	p := PrincipalFrom(hc)
	if p == nil {
		return api.NewUnauthenticatedError("authentication required")
	}
	if !p.HasPermission(permission) {
		return api.NewForbiddenError(fmt.Sprintf("missing permission %q", permission))
	}
	return nil
}
