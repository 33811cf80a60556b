package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// dialect captures the few places where SQLite and Postgres differ.
type dialect struct {
	name      string
	forUpdate string
	types     *strings.Replacer
	numbered  bool
}

var (
	sqliteDialect = dialect{
		name:  "sqlite3",
		types: strings.NewReplacer(),
	}
	postgresDialect = dialect{
		name:      "postgres",
		forUpdate: " FOR UPDATE",
		types:     strings.NewReplacer("INTEGER", "BIGINT", "DATETIME", "TIMESTAMPTZ"),
		numbered:  true,
	}
)

// rebind rewrites ? placeholders into $n for dialects with numbered parameters.
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

func (d dialect) isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = withSQLiteParams(dsn)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if strings.HasPrefix(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return newSQLStore(db, sqliteDialect, true)
}

// NewPostgresStore creates a new Postgres-backed store.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return newSQLStore(db, postgresDialect, true)
}

// Open creates a store for the named driver.
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "sqlite3", "":
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func newSQLStore(db *sql.DB, d dialect, migrate bool) (*SQLStore, error) {
	store := &SQLStore{db: db, dialect: d}
	if migrate {
		if err := store.migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return store, nil
}

// withSQLiteParams makes every transaction take the write lock at BEGIN so two
// writers never deadlock upgrading from a shared lock. Shared cache is dropped
// for file databases: its table locks fail with SQLITE_LOCKED, which the busy
// timeout does not retry.
func withSQLiteParams(dsn string) string {
	base, query, _ := strings.Cut(dsn, "?")
	memory := base == ":memory:" || strings.Contains(query, "mode=memory")

	params := []string{}
	for _, p := range strings.Split(query, "&") {
		if p == "" || (!memory && p == "cache=shared") {
			continue
		}
		params = append(params, p)
	}
	if !strings.Contains(query, "_txlock=") {
		params = append(params, "_txlock=immediate")
	}
	if !strings.Contains(query, "_busy_timeout=") {
		params = append(params, "_busy_timeout=5000")
	}
	return base + "?" + strings.Join(params, "&")
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS chat_sessions (
		session_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		payer TEXT NOT NULL,
		agent_recipient TEXT NOT NULL,
		endpoint_type TEXT NOT NULL,
		endpoint_url TEXT NOT NULL,
		auth_nonce TEXT,
		status TEXT NOT NULL DEFAULT 'open',
		message_fee INTEGER NOT NULL,
		settle_threshold INTEGER NOT NULL,
		prepaid_balance INTEGER NOT NULL CHECK (prepaid_balance >= 0),
		unsettled_balance INTEGER NOT NULL DEFAULT 0 CHECK (unsettled_balance >= 0),
		total_settled INTEGER NOT NULL DEFAULT 0 CHECK (total_settled >= 0),
		message_count INTEGER NOT NULL DEFAULT 0,
		channel_app_session_id TEXT,
		channel_asset TEXT NOT NULL DEFAULT '',
		channel_version INTEGER NOT NULL DEFAULT 0,
		channel_status TEXT NOT NULL DEFAULT '',
		channel_error TEXT,
		last_settled_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		closed_at DATETIME
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_sessions_payer_nonce ON chat_sessions(payer, auth_nonce) WHERE auth_nonce IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_chat_sessions_agent ON chat_sessions(agent_id, agent_recipient)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_sessions_status ON chat_sessions(status, unsettled_balance)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		message_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		fee INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES chat_sessions(session_id),
		UNIQUE (session_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS agent_chat_earnings (
		agent_id TEXT NOT NULL,
		recipient TEXT NOT NULL,
		earned INTEGER NOT NULL DEFAULT 0 CHECK (earned >= 0),
		settled INTEGER NOT NULL DEFAULT 0 CHECK (settled >= 0),
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (agent_id, recipient)
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		payout_address TEXT NOT NULL,
		endpoint_type TEXT NOT NULL DEFAULT '',
		endpoint_url TEXT NOT NULL DEFAULT '',
		message_fee INTEGER NOT NULL DEFAULT 0,
		settle_threshold INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`,
}

// migrate runs database migrations.
func (s *SQLStore) migrate() error {
	for _, m := range schema {
		ddl := s.dialect.types.Replace(m)
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, ddl)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

// withTx runs fn in a transaction, committing on success and rolling back otherwise.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
