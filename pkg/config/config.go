package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds the configuration for all services
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Storage  StorageConfig  `yaml:"storage"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
	Upload   UploadConfig   `yaml:"upload"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	PublicURL       string        `yaml:"public_url"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver     string `yaml:"driver"` // postgres, sqlite
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	DBName     string `yaml:"dbname"`
	SSLMode    string `yaml:"sslmode"`
	SQLitePath string `yaml:"sqlite_path"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	Type         string `yaml:"type"` // local, s3, minio
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
	UseSSL       bool   `yaml:"use_ssl"`
	LocalPath    string `yaml:"local_path"`
	// SigningSecret keys the HMAC on URLs issued by local storage.
	SigningSecret string `yaml:"signing_secret"`
	// PublicURL is the externally reachable base URL used in local signed URLs.
	PublicURL string `yaml:"public_url"`
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	JWTExpiration time.Duration `yaml:"jwt_expiration"`
	CookieName    string        `yaml:"cookie_name"`
	InternalToken string        `yaml:"internal_token"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
}

// UploadConfig holds the raw upload policy settings. Values are kept as
// strings so that malformed numbers surface as policy errors naming the
// variable instead of silently falling back to defaults.
type UploadConfig struct {
	Bucket               string `yaml:"bucket"`
	MaxFileBytes         string `yaml:"max_file_bytes"`
	MaxParts             string `yaml:"max_parts"`
	PartSizeBytes        string `yaml:"part_size_bytes"`
	MaxConcurrentPerUser string `yaml:"max_concurrent_per_user"`
	SessionTTLSec        string `yaml:"session_ttl_sec"`
	SignTTLSec           string `yaml:"sign_ttl_sec"`
	AllowedMIME          string `yaml:"allowed_mime"`
	BlockedMIME          string `yaml:"blocked_mime"`
	AllowedExt           string `yaml:"allowed_ext"`
	BlockedExt           string `yaml:"blocked_ext"`
	PrefixAllowlist      string `yaml:"prefix_allowlist"`
	AllowedOrigins       string `yaml:"allowed_origins"`
	SessionBackend       string `yaml:"session_backend"` // memory, database, redis
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	bucket := getEnv("STORAGE_BUCKET", "conduit-uploads")
	publicURL := getEnv("SERVER_PUBLIC_URL", "http://localhost:8080")

	return &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			PublicURL:       publicURL,
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Driver:     getEnv("DB_DRIVER", "postgres"),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnvInt("DB_PORT", 5432),
			User:       getEnv("DB_USER", "conduit"),
			Password:   getEnv("DB_PASSWORD", "password"),
			DBName:     getEnv("DB_NAME", "conduit"),
			SSLMode:    getEnv("DB_SSLMODE", "disable"),
			SQLitePath: getEnv("DB_SQLITE_PATH", "conduit.db"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Storage: StorageConfig{
			Type:          getEnv("STORAGE_TYPE", "local"),
			Bucket:        bucket,
			Region:        getEnv("STORAGE_REGION", "us-east-1"),
			Endpoint:      getEnv("STORAGE_ENDPOINT", ""),
			AccessKey:     getEnv("STORAGE_ACCESS_KEY", ""),
			SecretKey:     getEnv("STORAGE_SECRET_KEY", ""),
			UsePathStyle:  getEnvBool("STORAGE_USE_PATH_STYLE", false),
			UseSSL:        getEnvBool("STORAGE_USE_SSL", true),
			LocalPath:     getEnv("STORAGE_LOCAL_PATH", "./uploads"),
			SigningSecret: getEnv("STORAGE_SIGNING_SECRET", "local-signing-secret"),
			PublicURL:     getEnv("STORAGE_PUBLIC_URL", publicURL),
		},
		Auth: AuthConfig{
			JWTSecret:     getEnv("JWT_SECRET", ""),
			JWTExpiration: getEnvDuration("JWT_EXPIRATION", 24*time.Hour),
			CookieName:    getEnv("AUTH_COOKIE_NAME", "conduit_session"),
			InternalToken: getEnv("AUTH_INTERNAL_TOKEN", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Upload: UploadConfig{
			Bucket:               getEnv("UPLOAD_BUCKET", bucket),
			MaxFileBytes:         getEnv("UPLOAD_MAX_FILE_BYTES", "0"),
			MaxParts:             getEnv("UPLOAD_MAX_PARTS", "10000"),
			PartSizeBytes:        getEnv("UPLOAD_PART_SIZE_BYTES", "8388608"),
			MaxConcurrentPerUser: getEnv("UPLOAD_MAX_CONCURRENT_PER_USER", "0"),
			SessionTTLSec:        getEnv("UPLOAD_SESSION_TTL_SEC", "3600"),
			SignTTLSec:           getEnv("UPLOAD_SIGN_TTL_SEC", "900"),
			AllowedMIME:          os.Getenv("UPLOAD_ALLOWED_MIME"),
			BlockedMIME:          os.Getenv("UPLOAD_BLOCKED_MIME"),
			AllowedExt:           os.Getenv("UPLOAD_ALLOWED_EXT"),
			BlockedExt:           os.Getenv("UPLOAD_BLOCKED_EXT"),
			PrefixAllowlist:      os.Getenv("UPLOAD_PREFIX_ALLOWLIST"),
			AllowedOrigins:       os.Getenv("UPLOAD_ALLOWED_ORIGINS"),
			SessionBackend:       getEnv("UPLOAD_SESSION_BACKEND", "memory"),
		},
	}
}

// DatabaseURL returns a PostgreSQL connection string
func (d *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisAddr returns the Redis address
func (r *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// SetupLogging configures the global zerolog logger
func (l LoggingConfig) SetupLogging() {
	level, err := zerolog.ParseLevel(strings.ToLower(l.Level))
	if err != nil || l.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if l.Format == "console" || l.Format == "text" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Helper functions for environment variable parsing
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
