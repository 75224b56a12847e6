// Package database owns the Postgres connection pool shared by every
// component that needs transactional writes: the delay queue (C1), the
// offer refresh pipeline (C5), the event dispatcher (C6), the job
// scheduler (C7), and the cleanup handler (C8).
package database

import (
	"fmt"
	"os"
	"strconv"
	"time"

	// Registers the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	apperrors "github.com/maccas-fleet/engine/internal/errors"
)

// Config describes how to reach the Postgres instance backing every
// core-owned table in spec.md §3/§6.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns sane defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		User:            "maccas",
		Database:        "maccas",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// LoadFromEnv overlays DB_HOST/DB_PORT/DB_USER/DB_PASSWORD/DB_NAME/DB_SSL_MODE
// onto c when set, leaving c unchanged for any variable that is absent or
// unparseable (an invalid DB_PORT keeps the existing port rather than
// erroring, since this is usually layered on top of DefaultConfig).
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database = v
	}
	if v := os.Getenv("DB_SSL_MODE"); v != "" {
		c.SSLMode = v
	}
}

// Validate checks that c describes a usable connection.
func (c *Config) Validate() error {
	if c.Host == "" {
		return apperrors.NewValidationError("database host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return apperrors.NewValidationError("database port must be between 1 and 65535")
	}
	if c.User == "" {
		return apperrors.NewValidationError("database user is required")
	}
	if c.Database == "" {
		return apperrors.NewValidationError("database name is required")
	}
	if c.MaxOpenConns <= 0 {
		return apperrors.NewValidationError("max open connections must be greater than 0")
	}
	if c.MaxIdleConns < 0 {
		return apperrors.NewValidationError("max idle connections must be non-negative")
	}
	return nil
}

// ConnectionString renders c as a libpq key/value DSN. Password is omitted
// entirely when empty so the string is safe to log when unset.
func (c *Config) ConnectionString() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Database, c.SSLMode)
	if c.Password != "" {
		dsn += fmt.Sprintf(" password=%s", c.Password)
	}
	return dsn
}

// Connect opens a pooled connection to Postgres via the pgx database/sql
// driver, wrapped in sqlx for struct scanning and named-parameter queries.
func Connect(c *Config, log *logrus.Logger) (*sqlx.DB, error) {
	if err := c.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "invalid database configuration")
	}

	db, err := sqlx.Connect("pgx", c.ConnectionString())
	if err != nil {
		return nil, apperrors.NewDatabaseError("connect", err)
	}

	db.SetMaxOpenConns(c.MaxOpenConns)
	db.SetMaxIdleConns(c.MaxIdleConns)
	db.SetConnMaxLifetime(c.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.ConnMaxIdleTime)

	if log != nil {
		log.WithFields(logrus.Fields{
			"host":     c.Host,
			"port":     c.Port,
			"database": c.Database,
		}).Info("connected to database")
	}

	return db, nil
}
