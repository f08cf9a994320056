package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Attendance    AttendanceConfig
	Auth          AuthConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	TLSPort        int
	EnableTLS      bool
	AutoCert       bool
	Domain         string
	CertFile       string
	KeyFile        string
	AutoCertDir    string
	Email          string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// AttendanceConfig holds the rotating-token session policy.
type AttendanceConfig struct {
	RotationInterval time.Duration
	IdleCycles       int
	MaxDuration      time.Duration
	ClosedRetention  time.Duration
	SweepInterval    time.Duration
	ScanRateLimit    int
	ScanRateWindow   time.Duration
	EventQueueSize   int
	EventWorkers     int
	RosterSource     string // "scylla" or "static"
	RosterCacheTTL   time.Duration
	StaticRoster     string // "CSE:5:A=stu-1,stu-2;ECE:3:B=stu-9"
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
	TokenTTL  time.Duration
}

type RedisConfig struct {
	Enabled  bool
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	ScanTopic    string
	SessionTopic string
	ClientID     string
	WriteTimeout time.Duration
	RequiredAcks int
	Compression  string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
}

type ElasticsearchConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Index    string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Pepper             string // optional base secret shared by replicas
	PepperRotationDays int
}

type BucketingConfig struct {
	SessionShards int
	EventBuckets  int
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvAsInt("SERVER_PORT", 8080),
			TLSPort:        getEnvAsInt("SERVER_TLS_PORT", 8443),
			EnableTLS:      getEnvAsBool("SERVER_ENABLE_TLS", false),
			AutoCert:       getEnvAsBool("SERVER_AUTOCERT", false),
			Domain:         getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:       getEnv("SERVER_CERT_FILE", ""),
			KeyFile:        getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:    getEnv("SERVER_AUTOCERT_DIR", "./certs"),
			Email:          getEnv("SERVER_ACME_EMAIL", ""),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			AllowedOrigins: getEnvAsSlice("SERVER_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Attendance: AttendanceConfig{
			RotationInterval: getEnvAsDuration("ATTENDANCE_ROTATION_INTERVAL", 30*time.Second),
			IdleCycles:       getEnvAsInt("ATTENDANCE_IDLE_CYCLES", 10),
			MaxDuration:      getEnvAsDuration("ATTENDANCE_MAX_DURATION", 3*time.Hour),
			ClosedRetention:  getEnvAsDuration("ATTENDANCE_CLOSED_RETENTION", 24*time.Hour),
			SweepInterval:    getEnvAsDuration("ATTENDANCE_SWEEP_INTERVAL", 10*time.Minute),
			ScanRateLimit:    getEnvAsInt("ATTENDANCE_SCAN_RATE_LIMIT", 20),
			ScanRateWindow:   getEnvAsDuration("ATTENDANCE_SCAN_RATE_WINDOW", time.Minute),
			EventQueueSize:   getEnvAsInt("ATTENDANCE_EVENT_QUEUE_SIZE", 4096),
			EventWorkers:     getEnvAsInt("ATTENDANCE_EVENT_WORKERS", 4),
			RosterSource:     getEnv("ATTENDANCE_ROSTER_SOURCE", "scylla"),
			RosterCacheTTL:   getEnvAsDuration("ATTENDANCE_ROSTER_CACHE_TTL", 5*time.Minute),
			StaticRoster:     getEnv("ATTENDANCE_STATIC_ROSTER", ""),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			Issuer:    getEnv("JWT_ISSUER", "attendance-service"),
			TokenTTL:  getEnvAsDuration("JWT_TOKEN_TTL", 12*time.Hour),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", true),
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvAsSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "attendance"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled:      getEnvAsBool("KAFKA_ENABLED", true),
			Brokers:      getEnvAsSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			ScanTopic:    getEnv("KAFKA_SCAN_TOPIC", "attendance.scans"),
			SessionTopic: getEnv("KAFKA_SESSION_TOPIC", "attendance.sessions"),
			ClientID:     getEnv("KAFKA_CLIENT_ID", "attendance-service"),
			WriteTimeout: getEnvAsDuration("KAFKA_WRITE_TIMEOUT", 10*time.Second),
			RequiredAcks: getEnvAsInt("KAFKA_REQUIRED_ACKS", 1),
			Compression:  getEnv("KAFKA_COMPRESSION", "snappy"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", true),
			URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "attendance"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:  getEnvAsBool("ELASTICSEARCH_ENABLED", true),
			URL:      getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username: getEnv("ELASTICSEARCH_USERNAME", ""),
			Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
			Index:    getEnv("ELASTICSEARCH_SESSION_INDEX", "attendance-sessions"),
		},
		KMS: KMSConfig{
			Enabled: getEnvAsBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", "ap-south-1"),
		},
		Hashing: HashingConfig{
			Pepper:             getEnv("HASHING_PEPPER", ""),
			PepperRotationDays: getEnvAsInt("HASHING_PEPPER_ROTATION_DAYS", 7),
		},
		Bucketing: BucketingConfig{
			SessionShards: getEnvAsInt("BUCKETING_SESSION_SHARDS", 32),
			EventBuckets:  getEnvAsInt("BUCKETING_EVENT_BUCKETS", 64),
		},
	}

	if cfg.Auth.JWTSecret == "" && !cfg.IsProduction() {
		cfg.Auth.JWTSecret = "dev-secret-change-me"
	}

	Set(cfg)
	return cfg
}

// Validate checks the settings the service cannot run without.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}
	if c.Attendance.RotationInterval <= 0 {
		return fmt.Errorf("rotation interval must be positive")
	}
	if c.Attendance.IdleCycles < 0 {
		return fmt.Errorf("idle cycles cannot be negative")
	}
	if c.Attendance.MaxDuration < 0 {
		return fmt.Errorf("max duration cannot be negative")
	}
	if c.Attendance.EventQueueSize <= 0 || c.Attendance.EventWorkers <= 0 {
		return fmt.Errorf("event queue size and workers must be positive")
	}
	switch c.Attendance.RosterSource {
	case "scylla", "static":
	default:
		return fmt.Errorf("unknown roster source %q", c.Attendance.RosterSource)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes in production")
	}
	if c.Bucketing.SessionShards <= 0 || c.Bucketing.EventBuckets <= 0 {
		return fmt.Errorf("bucket counts must be positive")
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		return fmt.Errorf("KMS_KEY_ID is required when KMS is enabled")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("at least one Kafka broker is required")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Get returns the last loaded configuration, loading it on first use.
func Get() *Config {
	mu.RLock()
	cfg := current
	mu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

// Set replaces the process-wide configuration. Tests use it to inject settings.
func Set(cfg *Config) {
	mu.Lock()
	current = cfg
	mu.Unlock()
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

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
