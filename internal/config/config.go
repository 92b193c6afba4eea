package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Database      DatabaseConfig
	AI            AIConfig
	Assistant     AssistantConfig
	Session       SessionConfig
	Audit         AuditConfig
	ObjectStore   ObjectStoreConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig describes the default target database. Sessions start out
// connected to it when Host (or Name, for file based drivers) is set.
type DatabaseConfig struct {
	Driver           string
	Host             string
	Port             string
	User             string
	Password         string
	Name             string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxIdleTime  time.Duration
	ConnMaxLifetime  time.Duration
	ReadOnly         bool
	MaxRows          int
	SchemaSampleRows int
	// AllowFileConnect lets sessions connect to sqlite and duckdb files on
	// the server's filesystem.
	AllowFileConnect bool
}

type AIConfig struct {
	Provider    string
	CallShape   string
	BaseURL     string
	APIKey      string
	APIVersion  string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

type AssistantConfig struct {
	Persona           string
	PersonaFile       string
	ValidateSQL       bool
	MaxQuestionLength int
}

type SessionConfig struct {
	TTL             time.Duration
	CleanupInterval time.Duration
}

type AuditConfig struct {
	ArchiveEnabled bool
	FlushInterval  time.Duration
	BatchSize      int
	Prefix         string
}

type ObjectStoreConfig struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

// HasDefaultDatabase reports whether enough of the database section is set to
// open a shared connection at start-up.
func (c DatabaseConfig) HasDefaultDatabase() bool {
	switch c.Driver {
	case "sqlite", "duckdb":
		return strings.TrimSpace(c.Name) != ""
	default:
		return strings.TrimSpace(c.Host) != "" && strings.TrimSpace(c.Name) != ""
	}
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("SQLCHAT_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid SQLCHAT_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	appliers := []func() error{
		func() error { return applyString(lookup, "SQLCHAT_SERVICE_NAME", &cfg.Service.Name) },
		func() error { return applyString(lookup, "SQLCHAT_HTTP_ADDR", &cfg.HTTP.Address) },
		func() error { return applyDuration(lookup, "SQLCHAT_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout) },
		func() error { return applyDuration(lookup, "SQLCHAT_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout) },
		func() error { return applyDuration(lookup, "SQLCHAT_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout) },

		func() error { return applyLower(lookup, "SQLCHAT_DATABASE_DRIVER", &cfg.Database.Driver) },
		func() error { return applyString(lookup, "SQLCHAT_DATABASE_HOST", &cfg.Database.Host) },
		func() error { return applyString(lookup, "SQLCHAT_DATABASE_PORT", &cfg.Database.Port) },
		func() error { return applyString(lookup, "SQLCHAT_DATABASE_USER", &cfg.Database.User) },
		func() error { return applyRaw(lookup, "SQLCHAT_DATABASE_PASSWORD", &cfg.Database.Password) },
		func() error { return applyString(lookup, "SQLCHAT_DATABASE_NAME", &cfg.Database.Name) },
		func() error { return applyInt(lookup, "SQLCHAT_DATABASE_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns) },
		func() error { return applyInt(lookup, "SQLCHAT_DATABASE_MAX_IDLE_CONNS", &cfg.Database.MaxIdleConns) },
		func() error {
			return applyDuration(lookup, "SQLCHAT_DATABASE_CONN_MAX_IDLE_TIME", &cfg.Database.ConnMaxIdleTime)
		},
		func() error {
			return applyDuration(lookup, "SQLCHAT_DATABASE_CONN_MAX_LIFETIME", &cfg.Database.ConnMaxLifetime)
		},
		func() error { return applyBool(lookup, "SQLCHAT_DATABASE_READ_ONLY", &cfg.Database.ReadOnly) },
		func() error {
			return applyBool(lookup, "SQLCHAT_DATABASE_ALLOW_FILE_CONNECT", &cfg.Database.AllowFileConnect)
		},
		func() error { return applyInt(lookup, "SQLCHAT_DATABASE_MAX_ROWS", &cfg.Database.MaxRows) },
		func() error {
			return applyInt(lookup, "SQLCHAT_DATABASE_SCHEMA_SAMPLE_ROWS", &cfg.Database.SchemaSampleRows)
		},

		func() error { return applyLower(lookup, "SQLCHAT_AI_PROVIDER", &cfg.AI.Provider) },
		func() error { return applyLower(lookup, "SQLCHAT_AI_CALL_SHAPE", &cfg.AI.CallShape) },
		func() error { return applyString(lookup, "SQLCHAT_AI_BASE_URL", &cfg.AI.BaseURL) },
		func() error { return applyString(lookup, "SQLCHAT_AI_API_KEY", &cfg.AI.APIKey) },
		func() error { return applyString(lookup, "SQLCHAT_AI_API_VERSION", &cfg.AI.APIVersion) },
		func() error { return applyString(lookup, "SQLCHAT_AI_MODEL", &cfg.AI.Model) },
		func() error { return applyFloat(lookup, "SQLCHAT_AI_TEMPERATURE", &cfg.AI.Temperature) },
		func() error { return applyInt(lookup, "SQLCHAT_AI_MAX_TOKENS", &cfg.AI.MaxTokens) },
		func() error { return applyDuration(lookup, "SQLCHAT_AI_TIMEOUT", &cfg.AI.Timeout) },

		func() error { return applyLower(lookup, "SQLCHAT_ASSISTANT_PERSONA", &cfg.Assistant.Persona) },
		func() error { return applyString(lookup, "SQLCHAT_ASSISTANT_PERSONA_FILE", &cfg.Assistant.PersonaFile) },
		func() error { return applyBool(lookup, "SQLCHAT_ASSISTANT_VALIDATE_SQL", &cfg.Assistant.ValidateSQL) },
		func() error {
			return applyInt(lookup, "SQLCHAT_ASSISTANT_MAX_QUESTION_LENGTH", &cfg.Assistant.MaxQuestionLength)
		},

		func() error { return applyDuration(lookup, "SQLCHAT_SESSION_TTL", &cfg.Session.TTL) },
		func() error {
			return applyDuration(lookup, "SQLCHAT_SESSION_CLEANUP_INTERVAL", &cfg.Session.CleanupInterval)
		},

		func() error { return applyBool(lookup, "SQLCHAT_AUDIT_ARCHIVE_ENABLED", &cfg.Audit.ArchiveEnabled) },
		func() error { return applyDuration(lookup, "SQLCHAT_AUDIT_FLUSH_INTERVAL", &cfg.Audit.FlushInterval) },
		func() error { return applyInt(lookup, "SQLCHAT_AUDIT_BATCH_SIZE", &cfg.Audit.BatchSize) },
		func() error { return applyString(lookup, "SQLCHAT_AUDIT_PREFIX", &cfg.Audit.Prefix) },

		func() error { return applyString(lookup, "SQLCHAT_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint) },
		func() error { return applyString(lookup, "SQLCHAT_OBJECTSTORE_REGION", &cfg.ObjectStore.Region) },
		func() error { return applyString(lookup, "SQLCHAT_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket) },
		func() error {
			return applyString(lookup, "SQLCHAT_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID)
		},
		func() error {
			return applyString(lookup, "SQLCHAT_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey)
		},
		func() error { return applyBool(lookup, "SQLCHAT_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL) },
		func() error { return applyString(lookup, "SQLCHAT_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix) },
		func() error {
			return applyBool(lookup, "SQLCHAT_OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket)
		},

		func() error { return applyBool(lookup, "SQLCHAT_LOG_JSON", &cfg.Observability.LogJSON) },
		func() error { return applyLogLevel(lookup, "SQLCHAT_LOG_LEVEL", &cfg.Observability.LogLevel) },
		func() error { return applyBool(lookup, "SQLCHAT_AUTH_REQUIRED", &cfg.Auth.Required) },
		func() error { return applyString(lookup, "SQLCHAT_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys) },
	}
	for _, apply := range appliers {
		if err := apply(); err != nil {
			return Config{}, err
		}
	}
	if cfg.HTTP.WriteTimeout <= 0 {
		cfg.HTTP.WriteTimeout = TurnWriteTimeout(cfg.AI.Timeout)
	}

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return Config{}, fmt.Errorf("http address is required")
	}
	if !isValidDriver(cfg.Database.Driver) {
		return Config{}, fmt.Errorf("invalid SQLCHAT_DATABASE_DRIVER: %q", cfg.Database.Driver)
	}
	if !isValidProvider(cfg.AI.Provider) {
		return Config{}, fmt.Errorf("invalid SQLCHAT_AI_PROVIDER: %q", cfg.AI.Provider)
	}
	if cfg.AI.CallShape != "chat" && cfg.AI.CallShape != "completion" {
		return Config{}, fmt.Errorf("invalid SQLCHAT_AI_CALL_SHAPE: %q", cfg.AI.CallShape)
	}
	if cfg.Database.MaxRows < 0 {
		return Config{}, fmt.Errorf("SQLCHAT_DATABASE_MAX_ROWS must not be negative")
	}
	if cfg.Audit.ArchiveEnabled && cfg.Audit.BatchSize <= 0 {
		return Config{}, fmt.Errorf("SQLCHAT_AUDIT_BATCH_SIZE must be positive when archiving is enabled")
	}
	return cfg, nil
}

// TurnWriteTimeout covers a chat turn: two model calls plus time for the
// schema read and the query.
func TurnWriteTimeout(modelTimeout time.Duration) time.Duration {
	return 2*modelTimeout + 30*time.Second
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "sqlchat-api"},
		HTTP: HTTPConfig{
			Address:     ":8080",
			ReadTimeout: 5 * time.Second,
			IdleTimeout: 60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:           "mysql",
			Host:             "localhost",
			Port:             "3306",
			User:             "sqlchat",
			Password:         "",
			Name:             "",
			MaxOpenConns:     10,
			MaxIdleConns:     10,
			ConnMaxIdleTime:  5 * time.Minute,
			ConnMaxLifetime:  30 * time.Minute,
			ReadOnly:         true,
			MaxRows:          200,
			SchemaSampleRows: 3,
			AllowFileConnect: false,
		},
		AI: AIConfig{
			Provider:    "openai",
			CallShape:   "chat",
			BaseURL:     "https://api.openai.com",
			APIVersion:  "2023-05-15",
			Model:       "gpt-3.5-turbo",
			Temperature: 0,
			MaxTokens:   500,
			Timeout:     60 * time.Second,
		},
		Assistant: AssistantConfig{
			Persona:           "analyst",
			ValidateSQL:       true,
			MaxQuestionLength: 1000,
		},
		Session: SessionConfig{
			TTL:             30 * time.Minute,
			CleanupInterval: 5 * time.Minute,
		},
		Audit: AuditConfig{
			ArchiveEnabled: false,
			FlushInterval:  time.Minute,
			BatchSize:      100,
			Prefix:         "audit",
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "sqlchat",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			Prefix:           "",
			AutoCreateBucket: true,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Auth.Required = false
		cfg.Session.TTL = 5 * time.Minute
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func isValidDriver(driver string) bool {
	switch driver {
	case "mysql", "postgres", "sqlserver", "sqlite", "duckdb":
		return true
	default:
		return false
	}
}

func isValidProvider(provider string) bool {
	switch provider {
	case "openai", "azure", "gemini":
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

// applyRaw keeps surrounding whitespace; passwords may legitimately contain it.
func applyRaw(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = raw
	return nil
}

func applyLower(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.ToLower(strings.TrimSpace(raw))
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
