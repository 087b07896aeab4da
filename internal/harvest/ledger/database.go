// Package ledger records the append-only run history of the harvester in PostgreSQL.
// Every entry is inserted in its own statement, so concurrent regions never share a transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const table = "harvest_history"

// ErrNotInitialized is returned when the ledger is used after Close.
var ErrNotInitialized = errors.New("database not initialized")

// Config holds the configuration for connecting to the PostgreSQL database.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type dbPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// Manager writes and reads run history entries.
type Manager struct {
	dbpool dbPool
	now    func() time.Time
}

type options struct {
	newPool func(ctx context.Context, dsn string) (dbPool, error)
	now     func() time.Time
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// New creates a ledger manager with a PostgreSQL connection pool using the provided configuration.
// The connection is validated with a ping.
func New(ctx context.Context, cfg Config, args ...Options) (*Manager, error) {
	opts := options{
		newPool: func(ctx context.Context, dsn string) (dbPool, error) {
			return pgxpool.New(ctx, dsn)
		},
		now: time.Now,
	}
	for _, opt := range args {
		opt(&opts)
	}

	dbpool, err := opts.newPool(ctx, cfg.URI("postgres"))
	if err != nil {
		return nil, fmt.Errorf("unable to create database connection pool: %w", err)
	}

	slog.Debug("Testing database connection", "host", cfg.Host, "port", cfg.Port)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %v", err)
	}

	slog.Info("Successfully pinged PostgreSQL database", "host", cfg.Host, "port", cfg.Port)
	return &Manager{dbpool: dbpool, now: opts.now}, nil
}

// Record appends e to the history. A zero timestamp is set to the current time.
func (db *Manager) Record(ctx context.Context, e Entry) error {
	if db.dbpool == nil {
		return ErrNotInitialized
	}
	if err := e.validate(); err != nil {
		return fmt.Errorf("refusing to record entry for %s: %v", e.Unit, err)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = db.now()
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (
			run_id,
			city,
			district,
			artifact_name,
			record_count,
			status,
			message,
			entry_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		pgx.Identifier{table}.Sanitize(),
	)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := db.dbpool.Exec(ctx, query,
		e.RunID,          // run_id
		e.Unit.City,      // city
		e.Unit.District,  // district
		e.ArtifactName,   // artifact_name
		e.RecordCount,    // record_count
		string(e.Status), // status
		e.Message,        // message
		e.Timestamp,      // entry_time
	); err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("recording canceled: %v", err)
		}
		return fmt.Errorf("failed to record entry for %s: %v", e.Unit, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (db *Manager) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if db.dbpool == nil {
		return nil, ErrNotInitialized
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	query := fmt.Sprintf(
		`SELECT run_id, city, district, artifact_name, record_count, status, message, entry_time
		FROM %s
		ORDER BY entry_time DESC, id DESC
		LIMIT $1`,
		pgx.Identifier{table}.Sanitize(),
	)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := db.dbpool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %v", err)
	}

	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %v", err)
	}
	return entries, nil
}

func scanEntry(row pgx.CollectableRow) (Entry, error) {
	var (
		e      Entry
		status string
	)
	err := row.Scan(
		&e.RunID,
		&e.Unit.City,
		&e.Unit.District,
		&e.ArtifactName,
		&e.RecordCount,
		&status,
		&e.Message,
		&e.Timestamp,
	)
	e.Status = Status(status)
	return e, err
}

// Close closes the database connection.
//
// If the connection is already closed, it does nothing.
// If the connection does not close within 10 seconds, it returns an error.
func (db *Manager) Close() error {
	if db.dbpool == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		db.dbpool.Close()
	}()

	select {
	case <-done:
		db.dbpool = nil
		return nil
	case <-time.After(10 * time.Second):
		return errors.New("timeout while closing database, connection may still be open")
	}
}

// URI returns a connection URI for PostgreSQL.
// It does not check the validity of the configuration values.
//
// Security warning: the returned string may include credentials.
func (c Config) URI(scheme string) string {
	host := c.Host
	if c.Port != 0 {
		host = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}

	user := url.User(c.User)
	if c.Password != "" {
		user = url.UserPassword(c.User, c.Password)
	}

	u := &url.URL{
		Scheme: scheme,
		User:   user,
		Host:   host,
		Path:   c.DBName,
	}

	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
