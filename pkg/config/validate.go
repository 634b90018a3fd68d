package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	operations     = []string{"find", "get", "create", "update", "patch", "remove"}
	hashOperations = []string{"create", "update", "patch"}
	strategies     = []string{"jwt", "local", "apikey", "anonymous"}
)

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}
	if c.Server.MaxBodySize <= 0 {
		errs = append(errs, fmt.Errorf("server.max_body_size must be > 0, got %d", c.Server.MaxBodySize))
	}

	switch c.Storage.Type {
	case "memory", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"memory\", \"postgres\" or \"sqlite\", got %q", c.Storage.Type))
	}
	if c.Storage.Type == "postgres" && c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
		errs = append(errs, fmt.Errorf("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
	}
	if c.Storage.Type == "sqlite" && c.Storage.SQLite.Path == "" {
		errs = append(errs, fmt.Errorf("storage.sqlite.path is required when storage.type is \"sqlite\""))
	}

	if c.Auth.Secret == "" && c.Auth.SecretFile == "" && c.Auth.JWT.JWKSURL == "" {
		errs = append(errs, fmt.Errorf("auth.secret, auth.secret_file or auth.jwt.jwks_url is required"))
	}
	if c.Auth.Secret != "" && len(c.Auth.Secret) < 16 {
		errs = append(errs, fmt.Errorf("auth.secret must be at least 16 characters"))
	}
	if len(c.Auth.Strategies) == 0 {
		errs = append(errs, fmt.Errorf("auth.strategies must not be empty"))
	}
	errs = append(errs, checkStrategies("auth.strategies", c.Auth.Strategies)...)
	if cost := c.Auth.Local.HashCost; cost != 0 && (cost < 4 || cost > 31) {
		errs = append(errs, fmt.Errorf("auth.local.hash_cost must be between 4 and 31, got %d", cost))
	}
	for i, k := range c.Auth.APIKeys {
		if k.Key == "" && k.KeyFile == "" {
			errs = append(errs, fmt.Errorf("auth.api_keys[%d]: key or key_file is required", i))
		}
		if k.Subject == "" {
			errs = append(errs, fmt.Errorf("auth.api_keys[%d].subject is required", i))
		}
	}
	if c.Auth.RateLimit.DefaultRPM < 0 {
		errs = append(errs, fmt.Errorf("auth.rate_limit.default_rpm must be >= 0"))
	}
	for i, ep := range c.Auth.Endpoints {
		field := fmt.Sprintf("auth.endpoints[%d]", i)
		if strings.Trim(ep.Service, "/") == "" {
			errs = append(errs, fmt.Errorf("%s.service is required", field))
		}
		for _, op := range ep.Operations {
			if !slices.Contains(operations, op) {
				errs = append(errs, fmt.Errorf("%s.operations: unknown operation %q", field, op))
			}
		}
		errs = append(errs, checkStrategies(field+".strategies", ep.Strategies)...)
	}
	if c.Auth.DefaultUser.Enabled && (c.Auth.DefaultUser.Email == "" || c.Auth.DefaultUser.Password == "") {
		errs = append(errs, fmt.Errorf("auth.default_user.email and auth.default_user.password are required when the default user is enabled"))
	}

	for _, op := range c.Services.Users.HashPassword.Operations {
		if !slices.Contains(hashOperations, op) {
			errs = append(errs, fmt.Errorf("services.users.hash_password.operations: %q is not one of create, update, patch", op))
		}
	}

	if c.Transports.Socket.Enabled && !strings.HasPrefix(c.Transports.Socket.Path, "/") {
		errs = append(errs, fmt.Errorf("transports.socket.path must start with /, got %q", c.Transports.Socket.Path))
	}
	if c.Transports.MCP.Enabled && !strings.HasPrefix(c.Transports.MCP.Path, "/") {
		errs = append(errs, fmt.Errorf("transports.mcp.path must start with /, got %q", c.Transports.MCP.Path))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json", "":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

func checkStrategies(field string, names []string) []error {
	var errs []error
	for _, name := range names {
		if !slices.Contains(strategies, name) {
			errs = append(errs, fmt.Errorf("%s: unknown strategy %q", field, name))
		}
	}
	return errs
}
