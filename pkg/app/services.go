package app

import (
	"context"
	"fmt"
	"slices"

	"github.com/rhuss/plume/pkg/auth"
	"github.com/rhuss/plume/pkg/auth/anonymous"
	"github.com/rhuss/plume/pkg/auth/apikey"
	"github.com/rhuss/plume/pkg/auth/authservice"
	"github.com/rhuss/plume/pkg/auth/jwt"
	"github.com/rhuss/plume/pkg/auth/local"
	"github.com/rhuss/plume/pkg/config"
	"github.com/rhuss/plume/pkg/service"
	"github.com/rhuss/plume/pkg/storage"
)

const (
	usersPath = "users"
	authPath  = authservice.Path
)

// registerServices builds the users and authentication services plus any
// service named by auth.endpoints, and registers them with b.
func (a *App) registerServices(ctx context.Context, b *service.Builder) error {
	cfg := a.config.Auth

	users, err := a.backend.Collection(ctx, usersPath, storage.CollectionOptions{
		Unique: []string{cfg.Local.UsernameField},
	})
	if err != nil {
		return fmt.Errorf("opening %s collection: %w", usersPath, err)
	}

	if err := a.buildStrategies(users); err != nil {
		return err
	}
	jwtChain, err := a.chains.Chain(jwt.StrategyName)
	if err != nil {
		return err
	}

	hash := local.HashPasswordHook(local.HashOptions{
		Field: cfg.Local.PasswordField,
		Cost:  cfg.Local.HashCost,
	})
	usersSvc := service.New(usersPath, users)
	usersSvc.Mandatory(service.Create, hash)
	for _, name := range a.config.Services.Users.HashPassword.Operations {
		if op := service.Operation(name); op != service.Create {
			usersSvc.Mandatory(op, hash)
		}
	}
	usersSvc.Before(service.Find, jwtChain.Hook())
	usersSvc.Protect(service.Find, "")
	usersSvc.After(service.All, local.ProtectHook(cfg.Local.PasswordField))

	authChain, err := a.chains.Chain(cfg.Strategies...)
	if err != nil {
		return fmt.Errorf("auth.strategies: %w", err)
	}
	authSvc := service.New(authPath,
		authservice.New(a.tokens, authservice.WithUsers(users, cfg.Local.PasswordField)),
		service.WithMethods(authservice.Methods()...),
	)
	authSvc.Before(service.Create, authChain.Hook())
	authSvc.Before(service.Remove, jwtChain.Hook())

	services := []*service.Service{usersSvc, authSvc}
	byPath := map[string]*service.Service{usersPath: usersSvc, authPath: authSvc}

	for i, ep := range cfg.Endpoints {
		path := service.NormalizePath(ep.Service)
		svc, ok := byPath[path]
		if !ok {
			store, err := a.backend.Collection(ctx, path, storage.CollectionOptions{})
			if err != nil {
				return fmt.Errorf("opening %s collection: %w", path, err)
			}
			svc = service.New(path, store)
			byPath[path] = svc
			services = append(services, svc)
		}
		if err := a.protectEndpoint(svc, ep); err != nil {
			return fmt.Errorf("auth.endpoints[%d]: %w", i, err)
		}
	}

	if cfg.RateLimit.Enabled {
		tiers := make(map[string]auth.TierConfig, len(cfg.RateLimit.Tiers))
		for name, rpm := range cfg.RateLimit.Tiers {
			tiers[name] = auth.TierConfig{RequestsPerMinute: rpm}
		}
		limit := auth.RateLimit(auth.NewInProcessLimiter(tiers, cfg.RateLimit.DefaultRPM))
		// Registered last so the limiter sees the principal set by the
		// authentication hooks.
		for _, svc := range services {
			for _, op := range svc.Methods() {
				svc.Before(op, limit)
			}
		}
	}

	for _, svc := range services {
		if err := b.Register(svc); err != nil {
			return err
		}
	}
	return nil
}

// buildStrategies registers every strategy under its name. Chains decide
// which of them a call may use.
func (a *App) buildStrategies(users service.Store) error {
	cfg := a.config.Auth

	var revocations jwt.Revocations
	if cfg.JWT.RevocationCacheSize > 0 {
		r, err := jwt.NewMemoryRevocations(cfg.JWT.RevocationCacheSize)
		if err != nil {
			return fmt.Errorf("creating revocation cache: %w", err)
		}
		revocations = r
	}
	tokens, err := jwt.New(jwt.Config{
		Secret:           cfg.Secret,
		Issuer:           cfg.JWT.Issuer,
		Audience:         cfg.JWT.Audience,
		Expiry:           cfg.JWT.Expiry,
		JWKSURL:          cfg.JWT.JWKSURL,
		PermissionsClaim: cfg.JWT.PermissionsClaim,
		CacheTTL:         cfg.JWT.CacheTTL,
		Revocations:      revocations,
	})
	if err != nil {
		return fmt.Errorf("creating jwt strategy: %w", err)
	}

	credentials, err := local.New(users, local.Config{
		UsernameField: cfg.Local.UsernameField,
		PasswordField: cfg.Local.PasswordField,
	})
	if err != nil {
		return fmt.Errorf("creating local strategy: %w", err)
	}

	keys := make([]apikey.RawKeyEntry, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		entry := apikey.RawKeyEntry{
			Key: k.Key,
			Principal: auth.Principal{
				Subject:     k.Subject,
				Permissions: k.Permissions,
			},
		}
		if k.ServiceTier != "" {
			entry.Principal.Metadata = map[string]string{"tier": k.ServiceTier}
		}
		keys = append(keys, entry)
	}

	chains, err := auth.NewStrategies(tokens, credentials, apikey.New(keys), anonymous.Strategy{})
	if err != nil {
		return err
	}
	a.tokens = tokens
	a.chains = chains
	return nil
}

// protectEndpoint adds an authentication chain and protection to the
// operations named by ep. With auth.anonymous set, unauthenticated callers
// fall back to the anonymous principal and only permissions decide.
func (a *App) protectEndpoint(svc *service.Service, ep config.EndpointConfig) error {
	names := ep.Strategies
	if len(names) == 0 {
		names = []string{jwt.StrategyName}
	}
	if a.config.Auth.Anonymous && !slices.Contains(names, anonymous.StrategyName) {
		names = append(slices.Clone(names), anonymous.StrategyName)
	}
	chain, err := a.chains.Chain(names...)
	if err != nil {
		return err
	}

	ops := svc.Methods()
	if len(ep.Operations) > 0 {
		ops = nil
		for _, name := range ep.Operations {
			op, err := service.ParseOperation(name)
			if err != nil {
				return err
			}
			ops = append(ops, op)
		}
	}
	for _, op := range ops {
		svc.Before(op, chain.Hook())
		svc.Protect(op, ep.Permission)
	}
	return nil
}
