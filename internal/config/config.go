package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Config holds all configuration
type Config struct {
	MySQL       MySQLConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Instance    InstanceConfig
	Enrollment  EnrollmentConfig
	Heartbeat   HeartbeatConfig
	ProbeWorker ProbeWorkerConfig
	Breaker     BreakerConfig
	IdP         IdPConfig
	Migrate     bool
	HTTPAddr    string
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	DSN string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret        string
	ExpireMinutes int
	Issuer        string
}

// InstanceConfig identifies this federation instance
type InstanceConfig struct {
	Code    string // stable short code, e.g. "USA"
	Role    string // HUB or SPOKE
	BaseURL string
	APIURL  string
	IdPURL  string
	DataDir string // signing key + certificate location
}

// EnrollmentConfig holds enrollment engine tunables
type EnrollmentConfig struct {
	TTLMinutes  int     // expiresAt window for an in-flight enrollment
	RateBurst   int     // per-fingerprint burst cap on enrollment creation
	RatePerMin  float64 // per-fingerprint sustained cap
	StreamQueue int     // per-subscriber event queue size
}

// HeartbeatConfig holds heartbeat protocol tunables
type HeartbeatConfig struct {
	IntervalSec     int // expected spoke push interval
	TimeoutSec      int // absolute missed-heartbeat timeout (marks link FAILED)
	TokenTTLMinutes int // lifetime of issued heartbeat tokens
}

// ProbeWorkerConfig holds active health probe worker configuration
type ProbeWorkerConfig struct {
	Enabled     bool
	IntervalSec int
	TimeoutSec  int
	Concurrency int
}

// BreakerConfig holds circuit breaker tunables
type BreakerConfig struct {
	FailureThreshold int // consecutive failures before CLOSED -> OPEN
	CooldownSec      int // OPEN -> HALF_OPEN wait
}

// IdPConfig holds the credential-provisioning collaborator endpoint
type IdPConfig struct {
	AdminURL   string
	TimeoutSec int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		MySQL: MySQLConfig{
			DSN: getEnv("MYSQL_DSN", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASS", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:        os.Getenv("JWT_SECRET"),
			ExpireMinutes: getEnvInt("JWT_EXPIRE_MINUTES", 1440),
			Issuer:        getEnv("JWT_ISSUER", "fedplane"),
		},
		Instance: InstanceConfig{
			Code:    getEnv("INSTANCE_CODE", ""),
			Role:    getEnv("INSTANCE_ROLE", "HUB"),
			BaseURL: getEnv("INSTANCE_BASE_URL", ""),
			APIURL:  getEnv("INSTANCE_API_URL", ""),
			IdPURL:  getEnv("INSTANCE_IDP_URL", ""),
			DataDir: getEnv("INSTANCE_DATA_DIR", "./data"),
		},
		Enrollment: EnrollmentConfig{
			TTLMinutes:  getEnvInt("ENROLLMENT_TTL_MINUTES", 60),
			RateBurst:   getEnvInt("ENROLLMENT_RATE_BURST", 3),
			RatePerMin:  float64(getEnvInt("ENROLLMENT_RATE_PER_MIN", 6)),
			StreamQueue: getEnvInt("ENROLLMENT_STREAM_QUEUE", 16),
		},
		Heartbeat: HeartbeatConfig{
			IntervalSec:     getEnvInt("HEARTBEAT_INTERVAL_SEC", 15),
			TimeoutSec:      getEnvInt("HEARTBEAT_TIMEOUT_SEC", 90),
			TokenTTLMinutes: getEnvInt("HEARTBEAT_TOKEN_TTL_MINUTES", 30),
		},
		ProbeWorker: ProbeWorkerConfig{
			Enabled:     getEnv("PROBE_WORKER_ENABLED", "1") == "1",
			IntervalSec: getEnvInt("PROBE_WORKER_INTERVAL_SEC", 20),
			TimeoutSec:  getEnvInt("PROBE_WORKER_TIMEOUT_SEC", 5),
			Concurrency: getEnvInt("PROBE_WORKER_CONCURRENCY", 10),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			CooldownSec:      getEnvInt("BREAKER_COOLDOWN_SEC", 30),
		},
		IdP: IdPConfig{
			AdminURL:   getEnv("IDP_ADMIN_URL", ""),
			TimeoutSec: getEnvInt("IDP_TIMEOUT_SEC", 10),
		},
		Migrate:  getEnv("MIGRATE", "0") == "1",
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.MySQL.DSN == "" {
		return fmt.Errorf("MYSQL_DSN is required")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Instance.Code == "" {
		return fmt.Errorf("INSTANCE_CODE is required")
	}
	if c.Instance.Role != "HUB" && c.Instance.Role != "SPOKE" {
		return fmt.Errorf("INSTANCE_ROLE must be HUB or SPOKE, got %q", c.Instance.Role)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// LoadFromINI loads configuration from INI file with environment variable override
func LoadFromINI(iniPath string) (*Config, error) {
	cfgFile, err := ini.Load(iniPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load INI file: %w", err)
	}

	// Helper function: get value with priority: ENV > INI > default
	getValue := func(envKey, iniSection, iniKey, defaultValue string) string {
		if value := os.Getenv(envKey); value != "" {
			return value
		}
		if value := cfgFile.Section(iniSection).Key(iniKey).String(); value != "" {
			return value
		}
		return defaultValue
	}

	getValueInt := func(envKey, iniSection, iniKey string, defaultValue int) int {
		if value := os.Getenv(envKey); value != "" {
			if intValue, err := strconv.Atoi(value); err == nil {
				return intValue
			}
		}
		if cfgFile.Section(iniSection).HasKey(iniKey) {
			if value, err := cfgFile.Section(iniSection).Key(iniKey).Int(); err == nil {
				return value
			}
		}
		return defaultValue
	}

	getValueBool := func(envKey, iniSection, iniKey string, defaultValue bool) bool {
		if value := os.Getenv(envKey); value != "" {
			return value == "1" || value == "true"
		}
		if value, err := cfgFile.Section(iniSection).Key(iniKey).Bool(); err == nil {
			return value
		}
		return defaultValue
	}

	cfg := &Config{
		MySQL: MySQLConfig{
			DSN: getValue("MYSQL_DSN", "mysql", "dsn", ""),
		},
		Redis: RedisConfig{
			Addr:     getValue("REDIS_ADDR", "redis", "addr", "localhost:6379"),
			Password: getValue("REDIS_PASS", "redis", "pass", ""),
			DB:       getValueInt("REDIS_DB", "redis", "db", 0),
		},
		JWT: JWTConfig{
			Secret:        getValue("JWT_SECRET", "jwt", "secret", ""),
			ExpireMinutes: getValueInt("JWT_EXPIRE_MINUTES", "jwt", "expire_minutes", 1440),
			Issuer:        getValue("JWT_ISSUER", "jwt", "issuer", "fedplane"),
		},
		Instance: InstanceConfig{
			Code:    getValue("INSTANCE_CODE", "instance", "code", ""),
			Role:    getValue("INSTANCE_ROLE", "instance", "role", "HUB"),
			BaseURL: getValue("INSTANCE_BASE_URL", "instance", "base_url", ""),
			APIURL:  getValue("INSTANCE_API_URL", "instance", "api_url", ""),
			IdPURL:  getValue("INSTANCE_IDP_URL", "instance", "idp_url", ""),
			DataDir: getValue("INSTANCE_DATA_DIR", "instance", "data_dir", "./data"),
		},
		Enrollment: EnrollmentConfig{
			TTLMinutes:  getValueInt("ENROLLMENT_TTL_MINUTES", "enrollment", "ttl_minutes", 60),
			RateBurst:   getValueInt("ENROLLMENT_RATE_BURST", "enrollment", "rate_burst", 3),
			RatePerMin:  float64(getValueInt("ENROLLMENT_RATE_PER_MIN", "enrollment", "rate_per_min", 6)),
			StreamQueue: getValueInt("ENROLLMENT_STREAM_QUEUE", "enrollment", "stream_queue", 16),
		},
		Heartbeat: HeartbeatConfig{
			IntervalSec:     getValueInt("HEARTBEAT_INTERVAL_SEC", "heartbeat", "interval_sec", 15),
			TimeoutSec:      getValueInt("HEARTBEAT_TIMEOUT_SEC", "heartbeat", "timeout_sec", 90),
			TokenTTLMinutes: getValueInt("HEARTBEAT_TOKEN_TTL_MINUTES", "heartbeat", "token_ttl_minutes", 30),
		},
		ProbeWorker: ProbeWorkerConfig{
			Enabled:     getValueBool("PROBE_WORKER_ENABLED", "probe_worker", "enabled", true),
			IntervalSec: getValueInt("PROBE_WORKER_INTERVAL_SEC", "probe_worker", "interval_sec", 20),
			TimeoutSec:  getValueInt("PROBE_WORKER_TIMEOUT_SEC", "probe_worker", "timeout_sec", 5),
			Concurrency: getValueInt("PROBE_WORKER_CONCURRENCY", "probe_worker", "concurrency", 10),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getValueInt("BREAKER_FAILURE_THRESHOLD", "breaker", "failure_threshold", 5),
			CooldownSec:      getValueInt("BREAKER_COOLDOWN_SEC", "breaker", "cooldown_sec", 30),
		},
		IdP: IdPConfig{
			AdminURL:   getValue("IDP_ADMIN_URL", "idp", "admin_url", ""),
			TimeoutSec: getValueInt("IDP_TIMEOUT_SEC", "idp", "timeout_sec", 10),
		},
		Migrate:  getValueBool("MIGRATE", "app", "migrate", false),
		HTTPAddr: getValue("HTTP_ADDR", "http", "addr", ":8080"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
