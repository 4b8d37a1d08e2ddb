package internal

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	MinSecretLength         = 32
	DefaultAuditRetention   = 90
	DefaultBatchConcurrency = 8
)

type Config struct {
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Security      SecurityConfig      `mapstructure:"security"`
	Encryption    EncryptionConfig    `mapstructure:"encryption"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Env               string        `mapstructure:"env"`
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Source          string        `mapstructure:"source"`
}

type SecurityConfig struct {
	JWTSecret            string        `mapstructure:"jwt_secret"`
	JWTRefreshSecret     string        `mapstructure:"jwt_refresh_secret"`
	Issuer               string        `mapstructure:"issuer"`
	AccessTokenDuration  time.Duration `mapstructure:"access_token_duration"`
	RefreshTokenDuration time.Duration `mapstructure:"refresh_token_duration"`
	BCryptCost           int           `mapstructure:"bcrypt_cost"`
}

type EncryptionConfig struct {
	Strategy         string `mapstructure:"strategy"`
	MasterKey        string `mapstructure:"master_key"`
	KMSKeyID         string `mapstructure:"kms_key_id"`
	KMSRegion        string `mapstructure:"kms_region"`
	KMSEndpoint      string `mapstructure:"kms_endpoint"`
	Tracing          bool   `mapstructure:"tracing"`
	BatchConcurrency int    `mapstructure:"batch_concurrency"`
}

type AuditConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

type WorkerConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfigFromEnv builds the configuration purely from environment variables.
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Env:  getEnv("APP_ENV", "production"),
			Port: getEnvAsInt("PORT", 8080),
		},
		Database: DatabaseConfig{
			Source:       getEnv("DATABASE_URL", ""),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		},
		Security: SecurityConfig{
			JWTSecret:            getEnv("JWT_SECRET", ""),
			JWTRefreshSecret:     getEnv("JWT_REFRESH_SECRET", ""),
			Issuer:               getEnv("JWT_ISSUER", "fieldguard"),
			AccessTokenDuration:  getEnvAsDuration("JWT_ACCESS_TTL", 15*time.Minute),
			RefreshTokenDuration: getEnvAsDuration("JWT_REFRESH_TTL", 7*24*time.Hour),
			BCryptCost:           getEnvAsInt("BCRYPT_COST", 10),
		},
		Encryption: EncryptionConfig{
			Strategy:         getEnv("ENCRYPTION_STRATEGY", "disabled"),
			MasterKey:        getEnv("ENCRYPTION_MASTER_KEY", ""),
			KMSKeyID:         getEnv("KMS_KEY_ID", ""),
			KMSRegion:        getEnv("KMS_REGION", getEnv("AWS_REGION", "")),
			KMSEndpoint:      getEnv("KMS_ENDPOINT", ""),
			Tracing:          getEnv("KMS_TRACING", "false") == "true",
			BatchConcurrency: getEnvAsInt("ENCRYPTION_BATCH_CONCURRENCY", DefaultBatchConcurrency),
		},
		Audit: AuditConfig{
			RetentionDays: getEnvAsInt("AUDIT_RETENTION_DAYS", DefaultAuditRetention),
		},
		Worker: WorkerConfig{
			SweepInterval: getEnvAsDuration("SWEEP_INTERVAL", time.Hour),
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: getEnv("METRICS_ENABLED", "true") == "true",
				Path:    getEnv("METRICS_PATH", "/metrics"),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills zero values left by a partial config file.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Security.Issuer == "" {
		c.Security.Issuer = "fieldguard"
	}
	if c.Security.AccessTokenDuration == 0 {
		c.Security.AccessTokenDuration = 15 * time.Minute
	}
	if c.Security.RefreshTokenDuration == 0 {
		c.Security.RefreshTokenDuration = 7 * 24 * time.Hour
	}
	if c.Security.BCryptCost == 0 {
		c.Security.BCryptCost = 10
	}
	if c.Encryption.Strategy == "" {
		c.Encryption.Strategy = "disabled"
	}
	if c.Encryption.BatchConcurrency <= 0 {
		c.Encryption.BatchConcurrency = DefaultBatchConcurrency
	}
	if c.Audit.RetentionDays <= 0 {
		c.Audit.RetentionDays = DefaultAuditRetention
	}
	if c.Worker.SweepInterval <= 0 {
		c.Worker.SweepInterval = time.Hour
	}
	if c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = "/metrics"
	}
	if c.Observability.Logging.Level == "" {
		c.Observability.Logging.Level = "info"
	}
	if c.Observability.Logging.Format == "" {
		c.Observability.Logging.Format = "text"
	}
}

func (c *AuditConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("security config: %v", err))
	}

	if err := c.Encryption.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("encryption config: %v", err))
	}

	if err := c.Observability.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("logging config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *SecurityConfig) Validate() error {
	var errs []string
	if len(c.JWTSecret) < MinSecretLength {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least %d characters", MinSecretLength))
	}
	if len(c.JWTRefreshSecret) < MinSecretLength {
		errs = append(errs, fmt.Sprintf("JWT_REFRESH_SECRET must be at least %d characters", MinSecretLength))
	}
	if c.JWTSecret != "" && c.JWTSecret == c.JWTRefreshSecret {
		errs = append(errs, "JWT_SECRET and JWT_REFRESH_SECRET must differ")
	}
	if c.BCryptCost < 4 || c.BCryptCost > 31 {
		errs = append(errs, "bcrypt_cost must be between 4 and 31")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, ", "))
	}
	return nil
}

func (c *EncryptionConfig) Validate() error {
	switch strings.ToLower(c.Strategy) {
	case "", "disabled":
		return nil
	case "local":
		if len(c.MasterKey) != 64 {
			return errors.New("ENCRYPTION_MASTER_KEY must be 64 hex characters for the local strategy")
		}
		if _, err := hex.DecodeString(c.MasterKey); err != nil {
			return errors.New("ENCRYPTION_MASTER_KEY must be hex encoded")
		}
		return nil
	case "managed-kms", "aws_kms":
		if c.KMSKeyID == "" {
			return errors.New("KMS_KEY_ID is required for the managed-kms strategy")
		}
		if c.KMSRegion == "" {
			return errors.New("KMS_REGION or AWS_REGION is required for the managed-kms strategy")
		}
		return nil
	default:
		return fmt.Errorf("unknown ENCRYPTION_STRATEGY %q", c.Strategy)
	}
}

func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Level)
	}
	switch c.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format %q", c.Format)
	}
	return nil
}
