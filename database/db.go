package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"scuffedchat/apperr"
)

// Config selects the SQL driver and pool settings
type Config struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Store is the SQL persistence layer: users, friend links and messages.
type Store struct {
	conn    *sql.DB
	dialect dialect
	logger  *zap.Logger
}

// Open connects to the configured database and creates the schema.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	dsn := cfg.DSN
	if d.name == "sqlite3" {
		dsn = sqliteDSN(dsn)
	}

	conn, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if d.name == "sqlite3" {
		// sqlite serializes writers anyway; one connection keeps
		// transactions from failing with SQLITE_BUSY.
		conn.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			conn.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			conn.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	s := &Store{conn: conn, dialect: d, logger: logger.Named("database")}
	if err := s.createTables(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	s.logger.Info("Database initialized", zap.String("driver", d.name))
	return s, nil
}

// Close closes the underlying pool
func (s *Store) Close() error {
	return s.conn.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func sqliteDSN(path string) string {
	if path == "" {
		path = "scuffedchat.db"
	}
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
}

func (s *Store) createTables(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// dialect hides the differences between sqlite and postgres
type dialect struct {
	name      string
	driver    string
	numbered  bool // $1 placeholders instead of ?
	idColumn  string
	timestamp string
	like      string
	lockPair  string // locks both user rows of a pair for the rest of the tx
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "", "sqlite", "sqlite3":
		return dialect{
			name:      "sqlite3",
			driver:    "sqlite3",
			idColumn:  "INTEGER PRIMARY KEY AUTOINCREMENT",
			timestamp: "TIMESTAMP",
			like:      "LIKE",
		}, nil
	case "postgres", "postgresql":
		return postgresDialect("postgres"), nil
	case "pgx":
		return postgresDialect("pgx"), nil
	}
	return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
}

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS users (
			id ` + d.idColumn + `,
			username TEXT UNIQUE NOT NULL,
			email TEXT UNIQUE,
			phone TEXT UNIQUE,
			password TEXT NOT NULL,
			avatar TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			last_seen ` + d.timestamp + `,
			created_at ` + d.timestamp + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS friend_requests (
			sender_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			receiver_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			created_at ` + d.timestamp + ` NOT NULL,
			PRIMARY KEY (sender_id, receiver_id)
		)`,
		`CREATE TABLE IF NOT EXISTS friendships (
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			friend_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			created_at ` + d.timestamp + ` NOT NULL,
			PRIMARY KEY (user_id, friend_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id ` + d.idColumn + `,
			sender_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			receiver_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			created_at ` + d.timestamp + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_friend_requests_receiver ON friend_requests(receiver_id)`,
	}
}

// rebind rewrites ? placeholders for drivers that want $n
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// withTx runs fn inside a transaction, committing when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Unavailable(err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Unavailable(err)
	}
	return nil
}

// storeErr converts driver errors into application errors. Errors that are
// already classified pass through.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Unavailable(err)
}

func isUniqueViolation(err error) bool {
	_, ok := uniqueViolation(err)
	return ok
}

// uniqueViolation reports whether err is a unique constraint failure and
// returns the driver's description of the constraint, which names the column.
func uniqueViolation(err error) (string, bool) {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			// "UNIQUE constraint failed: users.phone"
			return sqliteErr.Error(), true
		}
		return "", false
	}
	return postgresUniqueViolation(err)
}

// takenErr maps a unique violation on users to the field that collided
func takenErr(err error) error {
	constraint, _ := uniqueViolation(err)
	if strings.Contains(constraint, "username") {
		return apperr.ErrUsernameTaken.Wrap(err)
	}
	return apperr.ErrIdentifierTaken.Wrap(err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
