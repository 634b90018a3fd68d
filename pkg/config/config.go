// Package config provides unified configuration for the plume server.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (PLUME_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import "time"

// Config holds all configuration for the plume server.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Engine        EngineConfig        `yaml:"engine"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	Services      ServicesConfig      `yaml:"services"`
	Transports    TransportsConfig    `yaml:"transports"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // default: 8080
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // default: 30s
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // default: 120s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 30s
	MaxBodySize     int64         `yaml:"max_body_size"`    // default: 10MB
}

// EngineConfig holds pipeline settings.
type EngineConfig struct {
	DefaultTimeout   time.Duration `yaml:"default_timeout"`    // default: 30s, negative disables
	MaxPayloadFields int           `yaml:"max_payload_fields"` // default: 256
	MaxQueryLimit    int           `yaml:"max_query_limit"`    // default: 1000
	EventBuffer      int           `yaml:"event_buffer"`       // default: 64
}

// StorageConfig holds record store settings.
type StorageConfig struct {
	Type     string         `yaml:"type"`     // "memory", "postgres" or "sqlite", default: "memory"
	MaxSize  int            `yaml:"max_size"` // for memory store, default: 10000
	Postgres PostgresConfig `yaml:"postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"`         // _file variant for dsn
	MaxConns       int32  `yaml:"max_conns"`        // default: 25
	MigrateOnStart bool   `yaml:"migrate_on_start"` // default: false
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"` // default: "plume.db"
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Secret     string `yaml:"secret"`
	SecretFile string `yaml:"secret_file"` // _file variant for secret

	// Strategies are the strategies accepted by the authentication
	// service, in order. Default: ["jwt", "local"].
	Strategies []string `yaml:"strategies"`

	JWT         JWTConfig         `yaml:"jwt"`
	Local       LocalConfig       `yaml:"local"`
	APIKeys     []APIKeyConfig    `yaml:"api_keys"`
	Anonymous   bool              `yaml:"anonymous"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Endpoints   []EndpointConfig  `yaml:"endpoints"`
	DefaultUser DefaultUserConfig `yaml:"default_user"`
}

// JWTConfig holds access token settings.
type JWTConfig struct {
	Issuer              string        `yaml:"issuer"`
	Audience            string        `yaml:"audience"`
	Expiry              time.Duration `yaml:"expiry"`   // default: 24h
	JWKSURL             string        `yaml:"jwks_url"` // optional, enables RS* tokens
	CacheTTL            time.Duration `yaml:"cache_ttl"`
	PermissionsClaim    string        `yaml:"permissions_claim"`     // default: "permissions"
	RevocationCacheSize int           `yaml:"revocation_cache_size"` // default: 10000
}

// LocalConfig holds username/password settings.
type LocalConfig struct {
	UsernameField string `yaml:"username_field"` // default: "email"
	PasswordField string `yaml:"password_field"` // default: "password"
	HashCost      int    `yaml:"hash_cost"`      // default: bcrypt default cost
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key         string   `yaml:"key"`
	KeyFile     string   `yaml:"key_file"` // _file variant for key
	Subject     string   `yaml:"subject"`
	Permissions []string `yaml:"permissions"`
	ServiceTier string   `yaml:"service_tier"`
}

// RateLimitConfig holds per-subject rate limiting settings.
type RateLimitConfig struct {
	Enabled    bool           `yaml:"enabled"`
	DefaultRPM int            `yaml:"default_rpm"` // 0 means unlimited
	Tiers      map[string]int `yaml:"tiers"`       // tier name -> requests per minute
}

// EndpointConfig protects service operations with authentication.
type EndpointConfig struct {
	Service    string   `yaml:"service"`
	Operations []string `yaml:"operations"` // default: all supported operations
	Strategies []string `yaml:"strategies"` // default: ["jwt"]
	Permission string   `yaml:"permission"` // optional
}

// DefaultUserConfig describes the user seeded at startup.
type DefaultUserConfig struct {
	Enabled     bool     `yaml:"enabled"` // default: true
	Email       string   `yaml:"email"`
	Password    string   `yaml:"password"`
	Permissions []string `yaml:"permissions"`
}

// ServicesConfig holds per-service settings.
type ServicesConfig struct {
	Users UsersConfig `yaml:"users"`
}

// UsersConfig holds settings of the users service.
type UsersConfig struct {
	HashPassword HashPasswordConfig `yaml:"hash_password"`
}

// HashPasswordConfig selects the operations whose password field is hashed.
// Create is always hashed.
type HashPasswordConfig struct {
	Operations []string `yaml:"operations"` // default: ["create"]
}

// TransportsConfig holds settings of the non-REST transports.
type TransportsConfig struct {
	Socket SocketConfig `yaml:"socket"`
	MCP    MCPConfig    `yaml:"mcp"`
	Events EventsConfig `yaml:"events"`
}

// SocketConfig holds websocket transport settings.
type SocketConfig struct {
	Enabled        bool          `yaml:"enabled"`         // default: true
	Path           string        `yaml:"path"`            // default: "/socket"
	MaxConnections int           `yaml:"max_connections"` // 0 means unlimited
	PingInterval   time.Duration `yaml:"ping_interval"`   // default: 30s
	AllowedOrigins []string      `yaml:"allowed_origins"` // empty means same origin
}

// MCPConfig holds MCP transport settings.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/mcp"
}

// EventsConfig holds server-sent event stream settings.
type EventsConfig struct {
	Enabled bool `yaml:"enabled"` // default: true
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // ERROR, WARN, INFO, DEBUG, TRACE; default: INFO
	Debug  string `yaml:"debug"`  // comma-separated debug categories
	Format string `yaml:"format"` // "text" or "json", default: "text"
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`      // default: false
	ServiceName string `yaml:"service_name"` // default: "plume"
	Output      string `yaml:"output"`       // "stdout", "stderr" or a file path; default: "stderr"
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodySize:     10 << 20,
		},
		Engine: EngineConfig{
			DefaultTimeout:   30 * time.Second,
			MaxPayloadFields: 256,
			MaxQueryLimit:    1000,
			EventBuffer:      64,
		},
		Storage: StorageConfig{
			Type:    "memory",
			MaxSize: 10000,
			Postgres: PostgresConfig{
				MaxConns: 25,
			},
			SQLite: SQLiteConfig{
				Path: "plume.db",
			},
		},
		Auth: AuthConfig{
			Strategies: []string{"jwt", "local"},
			JWT: JWTConfig{
				Expiry:              24 * time.Hour,
				CacheTTL:            time.Hour,
				PermissionsClaim:    "permissions",
				RevocationCacheSize: 10000,
			},
			Local: LocalConfig{
				UsernameField: "email",
				PasswordField: "password",
			},
			DefaultUser: DefaultUserConfig{
				Enabled:     true,
				Email:       "admin@feathersjs.com",
				Password:    "admin",
				Permissions: []string{"*"},
			},
		},
		Services: ServicesConfig{
			Users: UsersConfig{
				HashPassword: HashPasswordConfig{
					Operations: []string{"create"},
				},
			},
		},
		Transports: TransportsConfig{
			Socket: SocketConfig{
				Enabled:      true,
				Path:         "/socket",
				PingInterval: 30 * time.Second,
			},
			MCP: MCPConfig{
				Enabled: true,
				Path:    "/mcp",
			},
			Events: EventsConfig{
				Enabled: true,
			},
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
			Tracing: TracingConfig{
				ServiceName: "plume",
				Output:      "stderr",
			},
		},
	}
}
