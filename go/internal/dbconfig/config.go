package dbconfig

import (
	"fmt"
	"os"
	"strconv"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres" // github.com/lib/pq
	DriverPgx      = "pgx"      // github.com/jackc/pgx/v5/stdlib
	DriverSQLite   = "sqlite"   // modernc.org/sqlite
)

// Config holds shared-store connection settings.
type Config struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	Path     string // SQLite file path, used only with DriverSQLite
}

// NewConfigFromEnv reads DB_* environment variables (with defaults).
func NewConfigFromEnv() Config {
	port, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		port = 5432
	}

	return Config{
		Driver:   getEnv("DB_DRIVER", DriverPostgres),
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     port,
		User:     getEnv("DB_USER", "postgres"),
		Password: getEnv("DB_PASSWORD", "postgres"),
		Database: getEnv("DB_NAME", "tasting"),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
		Path:     getEnv("DB_PATH", "tasting.db"),
	}
}

// IsPostgres reports whether the configured driver talks to Postgres.
func (c Config) IsPostgres() bool {
	return c.Driver == DriverPostgres || c.Driver == DriverPgx
}

// DSN returns the connection string for the configured driver.
func (c Config) DSN() string {
	if c.Driver == DriverSQLite {
		return c.Path
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
