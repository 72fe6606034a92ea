package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Remote    RemoteConfig    `json:"remote"`
	Storage   StorageConfig   `json:"storage"`
	AWS       AWSConfig       `json:"aws"`
	Analytics AnalyticsConfig `json:"analytics"`
	Resume    ResumeConfig    `json:"resume"`
	Realtime  RealtimeConfig  `json:"realtime"`
	Security  SecurityConfig  `json:"security"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	Mode           string        `json:"mode"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
	AllowedOrigins []string      `json:"allowed_origins"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	User           string        `json:"user"`
	Password       string        `json:"password"`
	DBName         string        `json:"db_name"`
	SSLMode        string        `json:"ssl_mode"`
	MaxConnections int           `json:"max_connections"`
	MaxIdleConns   int           `json:"max_idle_conns"`
	MaxLifetime    time.Duration `json:"max_lifetime"`
}

// RemoteConfig points at the upstream onboarding state API
type RemoteConfig struct {
	BaseURL         string        `json:"base_url"`
	Timeout         time.Duration `json:"timeout"`
	DisableFallback bool          `json:"disable_fallback"`
}

// StorageConfig selects the local key/value backend
type StorageConfig struct {
	Backend         string        `json:"backend"`
	TTL             time.Duration `json:"ttl"`
	PostgresTable   string        `json:"postgres_table"`
	DynamoTable     string        `json:"dynamo_table"`
	MongoURI        string        `json:"mongo_uri"`
	MongoDatabase   string        `json:"mongo_database"`
	MongoCollection string        `json:"mongo_collection"`
}

// AWSConfig is shared by DynamoDB, SNS and S3
type AWSConfig struct {
	Region       string `json:"region"`
	Endpoint     string `json:"endpoint"`
	AccessKey    string `json:"access_key"`
	SecretKey    string `json:"secret_key"`
	UsePathStyle bool   `json:"use_path_style"`
}

// AnalyticsConfig controls event batching and sinks
type AnalyticsConfig struct {
	Sinks         []string            `json:"sinks"`
	BatchSize     int                 `json:"batch_size"`
	MaxBuffer     int                 `json:"max_buffer"`
	FlushSchedule string              `json:"flush_schedule"`
	FlushTimeout  time.Duration       `json:"flush_timeout"`
	Elasticsearch ElasticsearchConfig `json:"elasticsearch"`
	SNSTopicARN   string              `json:"sns_topic_arn"`
	S3Bucket      string              `json:"s3_bucket"`
	S3Prefix      string              `json:"s3_prefix"`
}

type ElasticsearchConfig struct {
	Addresses []string `json:"addresses"`
	Username  string   `json:"username"`
	Password  string   `json:"password"`
	Index     string   `json:"index"`
}

// ResumeConfig holds resume prompt thresholds
type ResumeConfig struct {
	MinIdle         time.Duration `json:"min_idle"`
	MaxIdle         time.Duration `json:"max_idle"`
	DismissCooldown time.Duration `json:"dismiss_cooldown"`
	MaxAttempts     int           `json:"max_attempts"`
	ExcludedPaths   []string      `json:"excluded_paths"`
}

// RealtimeConfig holds websocket settings
type RealtimeConfig struct {
	IdleTimeout time.Duration `json:"idle_timeout"`
}

// SecurityConfig
type SecurityConfig struct {
	JWTSecret string `json:"jwt_secret"`
	JWTIssuer string `json:"jwt_issuer"`
}

// LoggingConfig
type LoggingConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			Mode:         "release",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			User:           os.Getenv("USER"),
			DBName:         "einvoice_portal",
			SSLMode:        "disable",
			MaxConnections: 25,
			MaxIdleConns:   5,
			MaxLifetime:    5 * time.Minute,
		},
		Remote: RemoteConfig{
			Timeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Backend:         "memory",
			PostgresTable:   "onboarding_kv",
			DynamoTable:     "onboarding_state",
			MongoDatabase:   "einvoice_portal",
			MongoCollection: "onboarding_state",
		},
		AWS: AWSConfig{
			Region: "eu-west-1",
		},
		Analytics: AnalyticsConfig{
			Sinks:         []string{"log"},
			BatchSize:     50,
			MaxBuffer:     5000,
			FlushSchedule: "@every 10s",
			FlushTimeout:  10 * time.Second,
			Elasticsearch: ElasticsearchConfig{Index: "onboarding-events"},
			S3Prefix:      "onboarding-events",
		},
		Resume: ResumeConfig{
			MinIdle:         10 * time.Minute,
			MaxIdle:         7 * 24 * time.Hour,
			DismissCooldown: 24 * time.Hour,
			MaxAttempts:     3,
		},
		Realtime: RealtimeConfig{
			IdleTimeout: 15 * time.Minute,
		},
		Security: SecurityConfig{
			JWTIssuer: "einvoice-portal",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from file, .env and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := Default()

	// Load from file if exists
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// .env is optional; real environment variables take precedence
	_ = godotenv.Load()

	if err := overrideWithEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func overrideWithEnv(config *Config) error {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid SERVER_PORT %q: %w", port, err)
		}
		config.Server.Port = p
	}
	if mode := os.Getenv("GIN_MODE"); mode != "" {
		config.Server.Mode = mode
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.Server.AllowedOrigins = splitList(origins)
	}

	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		config.Database.Host = dbHost
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		config.Database.User = dbUser
	}
	if dbPass := os.Getenv("DATABASE_PASSWORD"); dbPass != "" {
		config.Database.Password = dbPass
	}
	if dbName := os.Getenv("DATABASE_DBNAME"); dbName != "" {
		config.Database.DBName = dbName
	}

	if url := os.Getenv("ONBOARDING_REMOTE_URL"); url != "" {
		config.Remote.BaseURL = url
	}
	if backend := os.Getenv("STORAGE_BACKEND"); backend != "" {
		config.Storage.Backend = backend
	}
	if uri := os.Getenv("MONGO_URI"); uri != "" {
		config.Storage.MongoURI = uri
	}
	if table := os.Getenv("DYNAMO_TABLE"); table != "" {
		config.Storage.DynamoTable = table
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		config.AWS.Region = region
	}
	if endpoint := os.Getenv("AWS_ENDPOINT_URL"); endpoint != "" {
		config.AWS.Endpoint = endpoint
	}
	if key := os.Getenv("AWS_ACCESS_KEY_ID"); key != "" {
		config.AWS.AccessKey = key
	}
	if secret := os.Getenv("AWS_SECRET_ACCESS_KEY"); secret != "" {
		config.AWS.SecretKey = secret
	}

	if sinks := os.Getenv("ANALYTICS_SINKS"); sinks != "" {
		config.Analytics.Sinks = splitList(sinks)
	}
	if addrs := os.Getenv("ELASTICSEARCH_ADDRESSES"); addrs != "" {
		config.Analytics.Elasticsearch.Addresses = splitList(addrs)
	}
	if arn := os.Getenv("ANALYTICS_SNS_TOPIC_ARN"); arn != "" {
		config.Analytics.SNSTopicARN = arn
	}
	if bucket := os.Getenv("ANALYTICS_S3_BUCKET"); bucket != "" {
		config.Analytics.S3Bucket = bucket
	}

	if idle := os.Getenv("REALTIME_IDLE_TIMEOUT"); idle != "" {
		d, err := time.ParseDuration(idle)
		if err != nil {
			return fmt.Errorf("invalid REALTIME_IDLE_TIMEOUT %q: %w", idle, err)
		}
		config.Realtime.IdleTimeout = d
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		config.Security.JWTSecret = secret
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if dev := os.Getenv("LOG_DEVELOPMENT"); dev != "" {
		config.Logging.Development = dev == "true" || dev == "1"
	}
	return nil
}

// Validate checks settings the process cannot start without
func (c *Config) Validate() error {
	if c.Security.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("unknown server mode %q", c.Server.Mode)
	}
	switch c.Storage.Backend {
	case "memory", "postgres", "dynamodb", "mongo":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "mongo" && c.Storage.MongoURI == "" {
		return errors.New("MONGO_URI is required for the mongo storage backend")
	}
	for _, sink := range c.Analytics.Sinks {
		switch sink {
		case "log", "postgres":
		case "elasticsearch":
			if len(c.Analytics.Elasticsearch.Addresses) == 0 {
				return errors.New("ELASTICSEARCH_ADDRESSES is required for the elasticsearch sink")
			}
		case "sns":
			if c.Analytics.SNSTopicARN == "" {
				return errors.New("ANALYTICS_SNS_TOPIC_ARN is required for the sns sink")
			}
		case "s3":
			if c.Analytics.S3Bucket == "" {
				return errors.New("ANALYTICS_S3_BUCKET is required for the s3 sink")
			}
		default:
			return fmt.Errorf("unknown analytics sink %q", sink)
		}
	}
	return nil
}

// HasSink reports whether an analytics sink is enabled
func (c *AnalyticsConfig) HasSink(name string) bool {
	for _, s := range c.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

// GetDatabaseURL returns the database connection string
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
