package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BlacklistBackendPostgres = "postgres"
	BlacklistBackendRedis    = "redis"
	BlacklistBackendDynamoDB = "dynamodb"
)

type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
	DynamoDB    DynamoDBConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Session     SessionConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	AllowOrigin  string
	// TrustedProxies lists the IPs or CIDRs whose X-Forwarded-For and
	// X-Real-IP headers are believed. Empty means none are.
	TrustedProxies []string
}

type DatabaseConfig struct {
	URL             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

type DynamoDBConfig struct {
	Endpoint  string
	Region    string
	TableName string
}

type RedisConfig struct {
	URL string
}

type JWTConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
	Issuer        string
	Audience      string
}

type SessionConfig struct {
	StrictIPBinding   bool
	RetentionWindow   time.Duration
	PurgeSchedule     string
	BlacklistBackend  string
	AccessCookieName  string
	RefreshCookieName string
	SecureCookies     bool
	RefreshCookiePath string
}

// Load reads configuration from the environment. A .env file is honoured in
// development so local runs do not need exported variables.
func Load() (*Config, error) {
	env := getEnv("GO_ENV", "development")
	if env == "development" {
		// .env is optional
		_ = godotenv.Load()
	}

	cfg := &Config{
		Environment: env,
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			AllowOrigin:    getEnv("CORS_ALLOW_ORIGIN", "http://localhost:3000"),
			TrustedProxies: getEnvAsSlice("TRUSTED_PROXIES"),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxIdleConns:    getEnvAsInt("DATABASE_MAX_IDLE_CONNS", 10),
			MaxOpenConns:    getEnvAsInt("DATABASE_MAX_OPEN_CONNS", 50),
			ConnMaxLifetime: getEnvAsDuration("DATABASE_CONN_MAX_LIFETIME", time.Hour),
		},
		DynamoDB: DynamoDBConfig{
			Endpoint:  getEnv("DYNAMODB_ENDPOINT", ""),
			Region:    getEnv("DYNAMODB_REGION", "us-east-1"),
			TableName: getEnv("DYNAMODB_TABLE_NAME", "QueryPortalAuth"),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
		},
		JWT: JWTConfig{
			AccessSecret:  getEnv("JWT_ACCESS_SECRET", ""),
			RefreshSecret: getEnv("JWT_REFRESH_SECRET", ""),
			AccessExpiry:  getEnvAsDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
			RefreshExpiry: getEnvAsDuration("JWT_REFRESH_EXPIRY", 7*24*time.Hour),
			Issuer:        getEnv("JWT_ISSUER", "query-portal"),
			Audience:      getEnv("JWT_AUDIENCE", "query-portal-api"),
		},
		Session: SessionConfig{
			StrictIPBinding:   getEnvAsBool("SESSION_STRICT_IP_BINDING", false),
			RetentionWindow:   getEnvAsDuration("SESSION_RETENTION_WINDOW", 30*24*time.Hour),
			PurgeSchedule:     getEnv("SESSION_PURGE_SCHEDULE", "0 0 * * * *"),
			BlacklistBackend:  strings.ToLower(getEnv("SESSION_BLACKLIST_BACKEND", BlacklistBackendPostgres)),
			AccessCookieName:  getEnv("SESSION_ACCESS_COOKIE", "access_token"),
			RefreshCookieName: getEnv("SESSION_REFRESH_COOKIE", "refresh_token"),
			SecureCookies:     getEnvAsBool("SESSION_SECURE_COOKIES", env != "development"),
			RefreshCookiePath: getEnv("SESSION_REFRESH_COOKIE_PATH", "/api/v1/auth"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the settings the token protocol depends on.
func (c *Config) Validate() error {
	if c.JWT.AccessSecret == "" {
		return fmt.Errorf("JWT_ACCESS_SECRET environment variable is required")
	}
	if c.JWT.RefreshSecret == "" {
		return fmt.Errorf("JWT_REFRESH_SECRET environment variable is required")
	}
	if len(c.JWT.AccessSecret) < 32 {
		return fmt.Errorf("JWT_ACCESS_SECRET must be at least 32 bytes (256 bits)")
	}
	if len(c.JWT.RefreshSecret) < 32 {
		return fmt.Errorf("JWT_REFRESH_SECRET must be at least 32 bytes (256 bits)")
	}
	if c.JWT.AccessSecret == c.JWT.RefreshSecret {
		return fmt.Errorf("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}
	if c.JWT.AccessExpiry <= 0 || c.JWT.RefreshExpiry <= 0 {
		return fmt.Errorf("token expiries must be positive")
	}
	if c.JWT.AccessExpiry >= c.JWT.RefreshExpiry {
		return fmt.Errorf("JWT_ACCESS_EXPIRY must be shorter than JWT_REFRESH_EXPIRY")
	}

	for _, proxy := range c.Server.TrustedProxies {
		if net.ParseIP(proxy) == nil {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("TRUSTED_PROXIES entry %q is neither an IP nor a CIDR", proxy)
			}
		}
	}

	switch c.Session.BlacklistBackend {
	case BlacklistBackendPostgres, BlacklistBackendRedis, BlacklistBackendDynamoDB:
	default:
		return fmt.Errorf("unsupported SESSION_BLACKLIST_BACKEND %q", c.Session.BlacklistBackend)
	}

	return nil
}

// IsDevelopment reports whether the service runs with development defaults.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string) []string {
	var values []string
	for _, value := range strings.Split(os.Getenv(key), ",") {
		if value = strings.TrimSpace(value); value != "" {
			values = append(values, value)
		}
	}
	return values
}
