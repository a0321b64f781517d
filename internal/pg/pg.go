// Package pg wraps database/sql with the pgx stdlib driver, connection
// pooling, and the startup schema migration (spec §4.2, §6).
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
)

const (
	defaultConnMaxLifetime = 45 * time.Minute
	defaultConnMaxIdleTime = 15 * time.Minute
	defaultConnectTimeout  = 10 * time.Second
	defaultPingTimeout     = 5 * time.Second
)

// ErrEmptyDSN is returned when a connection is attempted with no DSN.
var ErrEmptyDSN = errors.New("pg: empty DSN")

// Config configures the connection pool. MinConns is advisory (the
// database/sql pool does not pre-open idle connections up to a minimum the
// way pgxpool does) and is kept as MaxIdleConns so POSTGRES_POOL_MIN_CONNECTIONS
// still shapes behaviour.
type Config struct {
	Host     string
	User     string
	Password string
	Database string
	MinConns int
	MaxConns int
}

func (c Config) dsn() string {
	db := c.Database
	if db == "" {
		db = "postgres"
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", c.User, c.Password, c.Host, db)
}

// DB wraps sql.DB with the schema migration used at startup.
type DB struct {
	*sql.DB
}

// Connect opens a pooled Postgres connection and verifies connectivity.
func Connect(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, ErrEmptyDSN
	}

	connectCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	sqlDB, err := sql.Open("pgx", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("pg: open: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 10
	}
	minConns := cfg.MinConns
	if minConns <= 0 || minConns > maxConns {
		minConns = maxConns
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(minConns)
	sqlDB.SetConnMaxLifetime(defaultConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	if err := sqlDB.PingContext(connectCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}

	return &DB{DB: sqlDB}, nil
}

// IsNotFound reports whether err indicates no matching rows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "unique constraint")
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pg: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("pg: rollback after %v: %w", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pg: commit: %w", err)
	}
	return nil
}
