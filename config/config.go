package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// StorageMemory keeps identity, events and audit logs in process
	StorageMemory = "memory"
	// StoragePostgres keeps identity, events and audit logs in PostgreSQL
	StoragePostgres = "postgres"

	devJWTSecret = "development-only-secret"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Database      DatabaseConfig
	AuditDatabase *DatabaseConfig // Optional: separate DB for audit logs. When nil, audit uses main DB.
	Auth          AuthConfig
	Tenancy       TenancyConfig
	Events        EventsConfig
	Audit         AuditConfig
	Quota         QuotaConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// StorageConfig selects the backing store for identity, events and audit
type StorageConfig struct {
	Driver string
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// AuthConfig holds bearer token validation settings
type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	// JWKSURL switches validation to RS256 tokens signed by an external
	// identity provider. The shared secret is ignored when it is set.
	JWKSURL string
}

// TenancyConfig holds context resolution and guard settings
type TenancyConfig struct {
	OrgHeader           string
	OrgQueryParam       string
	PermissionCacheTTL  time.Duration
	FeatureCacheTTL     time.Duration
	TenantCollections   []string
	GlobalCollections   []string
	MixedCollections    []string
	ViolationBufferSize int
}

// HasCustomRegistry reports whether any collection classification was configured
func (c *TenancyConfig) HasCustomRegistry() bool {
	return len(c.TenantCollections) > 0 || len(c.GlobalCollections) > 0 || len(c.MixedCollections) > 0
}

// EventsConfig holds event emitter and forwarding settings
type EventsConfig struct {
	QueueSize      int
	OverflowPolicy string
	EnqueueTimeout time.Duration
	Kafka          KafkaConfig
}

// KafkaConfig holds event forwarding settings. Forwarding is off when
// BootstrapServers is empty.
type KafkaConfig struct {
	BootstrapServers string
	Topic            string
}

// Enabled reports whether events are forwarded to Kafka
func (k KafkaConfig) Enabled() bool {
	return k.BootstrapServers != ""
}

// AuditConfig holds audit persistence settings
type AuditConfig struct {
	Async       bool
	BufferSize  int
	WorkerCount int
}

// QuotaConfig holds per-organization request quotas by plan. A zero limit
// means unlimited.
type QuotaConfig struct {
	Enabled         bool
	Plans           map[string]PlanQuota
	CleanupInterval time.Duration
	Retention       time.Duration
}

// PlanQuota holds the request limits of one plan
type PlanQuota struct {
	RequestsPerMinute int
	RequestsPerHour   int
	RequestsPerDay    int
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string // json or console
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsSlice("SERVER_ALLOWED_ORIGINS", []string{"*"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Storage: StorageConfig{
			Driver: strings.ToLower(getEnv("STORAGE_DRIVER", StorageMemory)),
		},
		Database:      loadDatabaseConfig(),
		AuditDatabase: loadAuditDatabaseConfig(),
		Auth: AuthConfig{
			JWTSecret:   getEnv("JWT_SECRET", ""),
			JWTIssuer:   getEnv("JWT_ISSUER", ""),
			JWTAudience: getEnv("JWT_AUDIENCE", ""),
			JWKSURL:     getEnv("JWT_JWKS_URL", ""),
		},
		Tenancy: TenancyConfig{
			OrgHeader:           getEnv("TENANT_ORG_HEADER", "X-Organization-ID"),
			OrgQueryParam:       getEnv("TENANT_ORG_QUERY_PARAM", "org_id"),
			PermissionCacheTTL:  getEnvAsDuration("PERMISSION_CACHE_TTL", 5*time.Minute),
			FeatureCacheTTL:     getEnvAsDuration("FEATURE_CACHE_TTL", 5*time.Minute),
			TenantCollections:   getEnvAsSlice("TENANT_COLLECTIONS", nil),
			GlobalCollections:   getEnvAsSlice("GLOBAL_COLLECTIONS", nil),
			MixedCollections:    getEnvAsSlice("MIXED_COLLECTIONS", nil),
			ViolationBufferSize: getEnvAsInt("VIOLATION_BUFFER_SIZE", 1000),
		},
		Events: EventsConfig{
			QueueSize:      getEnvAsInt("EVENT_QUEUE_SIZE", 10000),
			OverflowPolicy: strings.ToLower(getEnv("EVENT_OVERFLOW_POLICY", "block")),
			EnqueueTimeout: getEnvAsDuration("EVENT_ENQUEUE_TIMEOUT", 2*time.Second),
			Kafka: KafkaConfig{
				BootstrapServers: getEnv("KAFKA_BOOTSTRAP_SERVERS", ""),
				Topic:            getEnv("KAFKA_EVENTS_TOPIC", "tenant-events"),
			},
		},
		Audit: AuditConfig{
			Async:       getEnvAsBool("AUDIT_ASYNC", true),
			BufferSize:  getEnvAsInt("AUDIT_BUFFER_SIZE", 10000),
			WorkerCount: getEnvAsInt("AUDIT_WORKER_COUNT", 5),
		},
		Quota: QuotaConfig{
			Enabled: getEnvAsBool("QUOTA_ENABLED", true),
			Plans: map[string]PlanQuota{
				"free":       loadPlanQuota("FREE", 120, 0, 10000),
				"pro":        loadPlanQuota("PRO", 1200, 0, 0),
				"enterprise": loadPlanQuota("ENTERPRISE", 0, 0, 0),
			},
			CleanupInterval: getEnvAsDuration("QUOTA_CLEANUP_INTERVAL", 10*time.Minute),
			Retention:       getEnvAsDuration("QUOTA_RETENTION", 24*time.Hour),
		},
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}

	if cfg.Auth.JWTSecret == "" && cfg.Auth.JWKSURL == "" && !cfg.IsProduction() {
		cfg.Auth.JWTSecret = devJWTSecret
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMemory:
	case StoragePostgres:
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	default:
		return fmt.Errorf("unsupported storage driver %q: use %s or %s", c.Storage.Driver, StorageMemory, StoragePostgres)
	}

	if c.IsProduction() && c.Auth.JWKSURL == "" && (c.Auth.JWTSecret == "" || c.Auth.JWTSecret == devJWTSecret) {
		return fmt.Errorf("JWT secret is required in production")
	}

	if c.Events.OverflowPolicy != "block" && c.Events.OverflowPolicy != "reject" {
		return fmt.Errorf("event overflow policy must be block or reject, got %q", c.Events.OverflowPolicy)
	}
	if c.Events.QueueSize <= 0 {
		return fmt.Errorf("event queue size must be positive")
	}
	if c.Tenancy.ViolationBufferSize <= 0 {
		return fmt.Errorf("violation buffer size must be positive")
	}
	if c.Events.Kafka.Enabled() && c.Events.Kafka.Topic == "" {
		return fmt.Errorf("kafka events topic is required when forwarding is enabled")
	}

	if c.Quota.Enabled {
		for plan, q := range c.Quota.Plans {
			if q.RequestsPerMinute < 0 || q.RequestsPerHour < 0 || q.RequestsPerDay < 0 {
				return fmt.Errorf("quota limits for plan %s must not be negative", plan)
			}
		}
		if c.Quota.CleanupInterval <= 0 {
			return fmt.Errorf("quota cleanup interval must be positive")
		}
		if c.Quota.Retention < 24*time.Hour {
			return fmt.Errorf("quota retention must cover the daily window")
		}
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// UsesPostgres reports whether the postgres storage driver is selected
func (c *Config) UsesPostgres() bool {
	return c.Storage.Driver == StoragePostgres
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			return fmt.Sprintf("host=%s port=%s database=%s", u.Hostname(), port, strings.TrimPrefix(u.Path, "/"))
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	pool := DatabaseConfig{
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		pool.ConnectionString = dbURL
		return pool
	}
	pool.Host = getEnv("DB_HOST", "localhost")
	pool.Port = getEnvAsInt("DB_PORT", 5432)
	pool.User = getEnv("DB_USER", "tenant")
	pool.Password = getEnv("DB_PASSWORD", "")
	pool.Database = getEnv("DB_NAME", "tenant_isolation")
	pool.SSLMode = getEnv("DB_SSLMODE", "disable")
	return pool
}

// loadPlanQuota reads QUOTA_<PLAN>_RPM, _RPH and _RPD
func loadPlanQuota(plan string, rpm, rph, rpd int) PlanQuota {
	prefix := "QUOTA_" + plan + "_"
	return PlanQuota{
		RequestsPerMinute: getEnvAsInt(prefix+"RPM", rpm),
		RequestsPerHour:   getEnvAsInt(prefix+"RPH", rph),
		RequestsPerDay:    getEnvAsInt(prefix+"RPD", rpd),
	}
}

// loadAuditDatabaseConfig loads audit DB config from DATABASE_URL_AUDIT.
// Returns nil when not set (audit uses main DB).
func loadAuditDatabaseConfig() *DatabaseConfig {
	dbURL := getEnv("DATABASE_URL_AUDIT", "")
	if dbURL == "" {
		return nil
	}
	return &DatabaseConfig{
		ConnectionString: dbURL,
		MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	for _, key := range []string{"PORT", "SERVER_PORT"} {
		if value := os.Getenv(key); value != "" {
			if p, err := strconv.Atoi(value); err == nil {
				return p
			}
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSlice reads a comma separated list, dropping blank items
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
