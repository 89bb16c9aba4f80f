package config

import (
	"fmt"
	"strings"
	"time"

	"talklink-backend/pkg/env"
)

// Config holds all configuration for the coordinator
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Cassandra     CassandraConfig
	MinIO         MinIOConfig
	JWT           JWTConfig
	Log           LogConfig
	Transcription TranscriptionConfig
	Grammar       GrammarConfig
	Push          PushConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int
	Environment string // development, staging, production
	ServiceName string
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// CassandraConfig holds Cassandra configuration for the transcript store
type CassandraConfig struct {
	Hosts       []string
	Keyspace    string
	Consistency string
	Timeout     time.Duration
}

// MinIOConfig holds MinIO configuration for audio-chunk archival
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret             string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// TranscriptionConfig holds the speech-to-text provider settings
type TranscriptionConfig struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	MaxPolls     int
}

// GrammarConfig holds the grammar-analysis provider settings
type GrammarConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// PushConfig holds push notification provider settings
type PushConfig struct {
	Provider          string // firebase, apns, mock
	FirebaseProjectID string
	APNsKeyPath       string
	APNsTopic         string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        env.GetInt("PORT", 8080),
			Environment: env.GetString("ENV", "development"),
			ServiceName: env.GetString("SERVICE_NAME", "call-service"),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "talklink"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  time.Duration(env.GetInt("REDIS_TIMEOUT", 5)) * time.Second,
		},
		Cassandra: CassandraConfig{
			Hosts:       splitHosts(env.GetString("CASSANDRA_HOSTS", "localhost")),
			Keyspace:    env.GetString("CASSANDRA_KEYSPACE", "talklink"),
			Consistency: env.GetString("CASSANDRA_CONSISTENCY", "QUORUM"),
			Timeout:     time.Duration(env.GetInt("CASSANDRA_TIMEOUT", 600)) * time.Millisecond,
		},
		MinIO: MinIOConfig{
			Endpoint:  env.GetString("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env.GetString("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env.GetStringFromFile("MINIO_SECRET_KEY", "minioadmin"),
			UseSSL:    env.GetBool("MINIO_USE_SSL", false),
			Bucket:    env.GetString("MINIO_BUCKET", "talklink-audio"),
		},
		JWT: JWTConfig{
			Secret:             env.GetStringFromFile("JWT_SECRET", ""),
			AccessTokenExpiry:  time.Duration(env.GetInt("JWT_ACCESS_EXPIRY", 15)) * time.Minute,
			RefreshTokenExpiry: time.Duration(env.GetInt("JWT_REFRESH_EXPIRY", 720)) * time.Hour,
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
		},
		Transcription: TranscriptionConfig{
			APIKey:       env.GetStringFromFile("ASSEMBLYAI_API_KEY", ""),
			BaseURL:      env.GetString("ASSEMBLYAI_BASE_URL", "https://api.assemblyai.com/v2"),
			PollInterval: env.GetDuration("ASSEMBLYAI_POLL_INTERVAL", 2*time.Second),
			MaxPolls:     env.GetInt("ASSEMBLYAI_MAX_POLLS", 30),
		},
		Grammar: GrammarConfig{
			APIKey:  env.GetStringFromFile("OPENAI_API_KEY", ""),
			BaseURL: env.GetString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Model:   env.GetString("OPENAI_MODEL", "gpt-4"),
			Timeout: env.GetDuration("OPENAI_TIMEOUT", 60*time.Second),
		},
		Push: PushConfig{
			Provider:          env.GetString("PUSH_PROVIDER", "mock"),
			FirebaseProjectID: env.GetStringFromFile("FIREBASE_PROJECT_ID", ""),
			APNsKeyPath:       env.GetString("APNS_KEY_PATH", ""),
			APNsTopic:         env.GetString("APNS_TOPIC", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.Push.Provider == "mock" {
			return fmt.Errorf("PUSH_PROVIDER=mock is not allowed in production")
		}
	}
	return nil
}

func splitHosts(value string) []string {
	parts := strings.Split(value, ",")
	hosts := make([]string, 0, len(parts))
	for _, p := range parts {
		if h := strings.TrimSpace(p); h != "" {
			hosts = append(hosts, h)
		}
	}
	if len(hosts) == 0 {
		hosts = []string{"localhost"}
	}
	return hosts
}
