package local

import (
	"context"
	"fmt"
	"strings"

	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/auth"
	"github.com/rhuss/plume/pkg/service"
)

// StrategyName is the name under which the strategy is registered.
const StrategyName = "local"

// Config configures the local strategy.
type Config struct {
	// UsernameField is the payload and record field holding the login name.
	// Default: "email".
	UsernameField string

	// PasswordField is the payload and record field holding the password.
	// Default: "password".
	PasswordField string

	// PermissionsField is the record field listing permissions.
	// Default: "permissions".
	PermissionsField string
}

func (c *Config) applyDefaults() {
	if c.UsernameField == "" {
		c.UsernameField = "email"
	}
	if c.PasswordField == "" {
		c.PasswordField = "password"
	}
	if c.PermissionsField == "" {
		c.PermissionsField = "permissions"
	}
}

// Strategy authenticates a username/password pair from the payload against
// records in a users store.
type Strategy struct {
	config Config
	users  service.Store
	dummy  string
}

// New creates a local strategy looking entities up in users.
func New(users service.Store, cfg Config) (*Strategy, error) {
	cfg.applyDefaults()
	// Compared against when the user does not exist, so unknown and known
	// users take the same time to reject.
	dummy, err := HashPassword("plume-dummy-password", DefaultCost)
	if err != nil {
		return nil, err
	}
	return &Strategy{config: cfg, users: users, dummy: dummy}, nil
}

// Name implements auth.Strategy.
func (s *Strategy) Name() string { return StrategyName }

// Authenticate implements auth.Strategy. It abstains unless the payload
// carries both fields and, when a strategy is named, it is "local".
func (s *Strategy) Authenticate(ctx context.Context, hc *service.Context) (*auth.Principal, error) {
	if hc.Data == nil {
		return nil, auth.ErrNoCredentials
	}
	if requested := auth.RequestedStrategy(hc); requested != "" && requested != StrategyName {
		return nil, auth.ErrNoCredentials
	}
	username, _ := hc.Data[s.config.UsernameField].(string)
	password, _ := hc.Data[s.config.PasswordField].(string)
	if username == "" || password == "" {
		return nil, auth.ErrNoCredentials
	}

	records, err := s.users.Find(ctx, api.Query{s.config.UsernameField: username, api.QueryLimit: 1})
	if err != nil {
		return nil, fmt.Errorf("looking up entity: %w", err)
	}
	if len(records) == 0 {
		_ = VerifyPassword(s.dummy, password)
		return nil, fmt.Errorf("%w: unknown %s", auth.ErrInvalidCredentials, s.config.UsernameField)
	}

	user := records[0]
	hash, _ := user[s.config.PasswordField].(string)
	if err := VerifyPassword(hash, password); err != nil {
		return nil, fmt.Errorf("%w: %w", auth.ErrInvalidCredentials, err)
	}

	return &auth.Principal{
		Subject:     user.ID(),
		Strategy:    StrategyName,
		Permissions: permissions(user[s.config.PermissionsField]),
		Metadata:    map[string]string{s.config.UsernameField: username},
	}, nil
}

func permissions(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(strings.ReplaceAll(t, ",", " "))
	}
	return nil
}
