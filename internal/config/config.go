package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	ServerPort  string
	Environment string
	PublicURL   string

	// Secrets
	ConnectionSecret string
	AdminSecret      string
	InternalSecret   string

	// Database configuration, used when PermissionBackend is "db"
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// CRUD API, used by the http permission backend and snapshot store
	APIAddress string

	// Redis configuration; empty disables the permission cache
	RedisAddress       string
	PermissionCacheTTL time.Duration

	PermissionBackend string
	SnapshotBackend   string
	SnapshotWorkers   int

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// Relay tuning
	EvictionGrace    time.Duration
	PingInterval     time.Duration
	MaxBufferedBytes int64
	MaxSendFailures  int
}

// Load reads .env (searched in the working directory and up to two parents)
// and the environment. Missing secrets are generated outside production.
func Load() (Config, error) {
	envPath := ".env"
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		envPath = filepath.Join("..", ".env")
		if _, err := os.Stat(envPath); os.IsNotExist(err) {
			envPath = filepath.Join("..", "..", ".env")
		}
	}
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			log.Printf("Warning: Error loading .env file: %v\n", err)
		}
	}

	var errs []error
	cfg := Config{
		ServerPort:        getEnv("PORT", "8787"),
		Environment:       getEnv("ENV", "development"),
		ConnectionSecret:  os.Getenv("CONNECTION_SECRET"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		InternalSecret:    getEnv("INTERNAL_SECRET", "collab-internal-secret"),
		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            getEnv("DB_PORT", "5432"),
		DBUser:            getEnv("DB_USER", "postgres"),
		DBPassword:        getEnv("DB_PASSWORD", "postgres"),
		DBName:            getEnv("DB_NAME", "collab"),
		APIAddress:        getEnv("API_ADDRESS", "http://localhost:8080"),
		RedisAddress:      os.Getenv("REDIS_ADDRESS"),
		PermissionBackend: getEnv("PERMISSION_BACKEND", "http"),
		SnapshotBackend:   getEnv("SNAPSHOT_BACKEND", "none"),
		MinioEndpoint:     getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey:    os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey:    os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:       getEnv("MINIO_BUCKET", "collab-snapshots"),
	}
	cfg.PublicURL = getEnv("PUBLIC_URL", "ws://localhost:"+cfg.ServerPort)
	cfg.PermissionCacheTTL = getDuration("PERMISSION_CACHE_TTL", 30*time.Second, &errs)
	cfg.EvictionGrace = getDuration("EVICTION_GRACE", 5*time.Second, &errs)
	cfg.PingInterval = getDuration("PING_INTERVAL", 30*time.Second, &errs)
	cfg.MaxBufferedBytes = int64(getInt("MAX_BUFFERED_BYTES", 2<<20, &errs))
	cfg.MaxSendFailures = getInt("MAX_SEND_FAILURES", 3, &errs)
	cfg.SnapshotWorkers = getInt("SNAPSHOT_WORKERS", 4, &errs)
	cfg.MinioUseSSL = getEnv("MINIO_USE_SSL", "false") == "true"
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}

	if !cfg.IsProduction() {
		if cfg.ConnectionSecret == "" {
			cfg.ConnectionSecret = generateRandomSecret(32)
			log.Println("Generated random connection secret")
		}
		if cfg.AdminSecret == "" {
			cfg.AdminSecret = generateRandomSecret(32)
			log.Println("Generated random admin secret")
		}
	}
	return cfg, cfg.Validate()
}

func (c Config) IsProduction() bool { return c.Environment == "production" }

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.ServerPort == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	if c.ConnectionSecret == "" {
		errs = append(errs, errors.New("CONNECTION_SECRET is required"))
	}
	if c.AdminSecret == "" {
		errs = append(errs, errors.New("ADMIN_SECRET is required"))
	}
	switch c.PermissionBackend {
	case "http", "db":
	default:
		errs = append(errs, fmt.Errorf("PERMISSION_BACKEND must be http or db, got %q", c.PermissionBackend))
	}
	switch c.SnapshotBackend {
	case "none", "http", "redis", "minio":
	default:
		errs = append(errs, fmt.Errorf("SNAPSHOT_BACKEND must be none, http, redis or minio, got %q", c.SnapshotBackend))
	}
	if c.SnapshotBackend == "redis" && c.RedisAddress == "" {
		errs = append(errs, errors.New("REDIS_ADDRESS is required for the redis snapshot backend"))
	}
	if c.SnapshotBackend == "minio" && (c.MinioAccessKey == "" || c.MinioSecretKey == "") {
		errs = append(errs, errors.New("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required for the minio snapshot backend"))
	}
	if !strings.HasPrefix(c.PublicURL, "ws://") && !strings.HasPrefix(c.PublicURL, "wss://") {
		errs = append(errs, fmt.Errorf("PUBLIC_URL must be a ws:// or wss:// url, got %q", c.PublicURL))
	}
	for name, d := range map[string]time.Duration{
		"EVICTION_GRACE":       c.EvictionGrace,
		"PING_INTERVAL":        c.PingInterval,
		"PERMISSION_CACHE_TTL": c.PermissionCacheTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.MaxBufferedBytes <= 0 {
		errs = append(errs, errors.New("MAX_BUFFERED_BYTES must be positive"))
	}
	if c.MaxSendFailures <= 0 {
		errs = append(errs, errors.New("MAX_SEND_FAILURES must be positive"))
	}
	if c.SnapshotWorkers <= 0 {
		errs = append(errs, errors.New("SNAPSHOT_WORKERS must be positive"))
	}
	return errors.Join(errs...)
}

// DSN is the postgres connection string for gorm.
func (c Config) DSN() string {
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
	}
	return d
}

func getInt(key string, defaultValue int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
	}
	return n
}

// generateRandomSecret generates a random secret of the specified length
func generateRandomSecret(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	secret := make([]byte, length)
	for i := range secret {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			panic(err)
		}
		secret[i] = charset[n.Int64()]
	}
	return string(secret)
}
