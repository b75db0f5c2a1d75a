package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/kubilitics/churnwatch/migrations"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// SQLRepository implements Store over SQLite or PostgreSQL. Queries are written
// with '?' placeholders and rebound for the active driver.
type SQLRepository struct {
	db      *sqlx.DB
	dialect string // goose dialect: sqlite3 or postgres
}

var _ Store = (*SQLRepository)(nil)

// NewSQLiteRepository opens a SQLite database at path (":memory:" for tests).
func NewSQLiteRepository(path string) (*SQLRepository, error) {
	memory := path == ":memory:" || strings.Contains(path, "mode=memory")
	dsn := sqliteDSN(path, memory)

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(4)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	return &SQLRepository{db: db, dialect: "sqlite3"}, nil
}

func sqliteDSN(path string, memory bool) string {
	params := []string{"_pragma=foreign_keys(1)", "_time_format=sqlite", "_txlock=immediate"}
	if !memory {
		params = append(params, "_pragma=busy_timeout(5000)", "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	if path == ":memory:" {
		path = "file::memory:"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(params, "&")
}

// NewPostgresRepository connects to PostgreSQL.
func NewPostgresRepository(connectionString string) (*SQLRepository, error) {
	db, err := sqlx.Connect("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &SQLRepository{db: db, dialect: "postgres"}, nil
}

// Open picks the backend by type ("sqlite" or "postgres").
func Open(dbType, sqlitePath, postgresURL string) (*SQLRepository, error) {
	switch dbType {
	case "postgres":
		return NewPostgresRepository(postgresURL)
	case "sqlite", "":
		return NewSQLiteRepository(sqlitePath)
	}
	return nil, fmt.Errorf("unsupported database type %q", dbType)
}

// Migrate runs all pending goose migrations.
func (r *SQLRepository) Migrate() error {
	goose.SetBaseFS(migrations.FS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(r.dialect); err != nil {
		return fmt.Errorf("setting dialect: %w", err)
	}
	goose.SetLogger(goose.NopLogger())
	if err := goose.Up(r.db.DB, "."); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Ping verifies the connection.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// DB exposes the underlying handle for tests and tooling.
func (r *SQLRepository) DB() *sqlx.DB {
	return r.db
}

func (r *SQLRepository) q(query string) string {
	return r.db.Rebind(query)
}

// withTx runs fn in a transaction, rolling back on error.
func (r *SQLRepository) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func notFound(err error, entity, id string) error {
	if err == sql.ErrNoRows {
		return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
	}
	return err
}

// utc normalises timestamps before they are written; SQLite compares them as text.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
