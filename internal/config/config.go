package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage layouts
const (
	LayoutSplit = "split" // identity and status in two tables
	LayoutWide  = "wide"  // everything in one table
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Storage   StorageConfig
	Migration MigrationConfig
	Auth      AuthConfig
	Realtime  RealtimeConfig
	Scheduler SchedulerConfig
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Port           int
	AllowedOrigins []string
}

// DatabaseConfig holds the database configuration
type DatabaseConfig struct {
	Driver       string // "postgres" or "sqlite3"
	Host         string
	Port         int
	Username     string
	Password     string
	DBName       string
	SSLMode      string
	SQLitePath   string
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration // bounded wait for a pooled connection + query
}

// StorageConfig selects the physical layout of ship records
type StorageConfig struct {
	Layout string
}

// MigrationConfig controls the schema evolution manager
type MigrationConfig struct {
	// AllowDestructiveReset lets the manager drop and recreate an empty store
	// when migrations cannot reach a valid schema. Off unless an operator
	// turns it on.
	AllowDestructiveReset bool
}

// AuthConfig holds the authentication configuration
type AuthConfig struct {
	JWTSecret string
}

// RealtimeConfig tunes the websocket gateway
type RealtimeConfig struct {
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	SendBuffer   int
}

// SchedulerConfig holds cron specs for background jobs
type SchedulerConfig struct {
	DurationRefreshSpec string
}

// GetDSN returns the database connection string for the configured driver
func (c *DatabaseConfig) GetDSN() string {
	if c.Driver == "sqlite3" {
		return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", c.SQLitePath)
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.DBName, c.SSLMode,
	)
}

// placeholderSecret is the sample value from old .env templates. Tokens signed
// with it are forgeable by anyone.
const placeholderSecret = "your-secret-key-here"

// Validate rejects combinations the server cannot run with
func (c *Config) Validate() error {
	if err := c.ValidateStorage(); err != nil {
		return err
	}
	switch strings.TrimSpace(c.Auth.JWTSecret) {
	case "":
		return fmt.Errorf("JWT_SECRET must be set")
	case placeholderSecret:
		return fmt.Errorf("JWT_SECRET must not be the placeholder %q", placeholderSecret)
	}
	return nil
}

// ValidateStorage checks only the database and layout settings, for tools
// that never verify tokens
func (c *Config) ValidateStorage() error {
	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Storage.Layout {
	case LayoutSplit:
	case LayoutWide:
		if c.Database.Driver != "sqlite3" {
			return fmt.Errorf("storage layout %q requires the sqlite3 driver", LayoutWide)
		}
	default:
		return fmt.Errorf("unsupported storage layout %q", c.Storage.Layout)
	}
	return nil
}

// LoadConfig loads the configuration from environment variables. A .env file
// in the working directory is read first when present; real environment
// variables win over it.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port:           getEnvAsInt("SERVER_PORT", 8080),
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Driver:       getEnv("DB_DRIVER", "postgres"),
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			Username:     getEnv("DB_USERNAME", "postgres"),
			Password:     getEnv("DB_PASSWORD", "password"),
			DBName:       getEnv("DB_NAME", "shipprep"),
			SSLMode:      getEnv("DB_SSLMODE", "disable"),
			SQLitePath:   getEnv("DB_SQLITE_PATH", "shipprep.db"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			QueryTimeout: getEnvAsDuration("DB_QUERY_TIMEOUT", 5*time.Second),
		},
		Storage: StorageConfig{
			Layout: getEnv("STORAGE_LAYOUT", LayoutSplit),
		},
		Migration: MigrationConfig{
			AllowDestructiveReset: getEnvAsBool("MIGRATION_ALLOW_DESTRUCTIVE_RESET", false),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Realtime: RealtimeConfig{
			WriteTimeout: getEnvAsDuration("WS_WRITE_TIMEOUT", 10*time.Second),
			PongTimeout:  getEnvAsDuration("WS_PONG_TIMEOUT", 60*time.Second),
			SendBuffer:   getEnvAsInt("WS_SEND_BUFFER", 64),
		},
		Scheduler: SchedulerConfig{
			DurationRefreshSpec: getEnv("DURATION_REFRESH_SPEC", "@hourly"),
		},
	}
}

// Helper functions to read environment variables
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
