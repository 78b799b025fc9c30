// Package sqlite implements the repository interfaces on top of SQLite.
//
// modernc.org/sqlite is a pure Go port, so the binary needs no C toolchain
// and tests can run against ":memory:" databases.
//
// Uniqueness is the store's job, not the service's: (type, identifier) has a
// UNIQUE constraint and "one primary per (user, type)" is a partial unique
// index. Two requests racing to link the same address are settled here;
// exactly one INSERT wins and the other gets apperror.ErrDuplicateIdentity.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/userbase/internal/apperror"
	"github.com/sakif/userbase/internal/repository"
)

// queryer is the subset of *sql.DB and *sql.Tx the repositories use, so the
// same code runs inside and outside a transaction.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps a sql.DB connection pool and hands out repositories bound to it
// (or to a transaction, see WithinTx).
type DB struct {
	conn *sql.DB
	q    queryer
}

var _ repository.Store = (*DB)(nil)

// connPragmas are applied by the driver to every connection the pool opens.
//
// PER-CONNECTION SETTINGS:
// PRAGMAs live on a connection, not on the database file. Running them once
// with conn.Exec only configures whichever pooled connection served that
// call; the next connection opened under load would start with
// busy_timeout=0 and foreign_keys=OFF. Passing them as _pragma DSN
// parameters makes the driver replay them on each new connection.
//
//   - journal_mode(WAL): readers proceed while a writer holds the lock
//   - foreign_keys(1):   identity, session and challenge rows need a real user
//   - busy_timeout(5000): wait for a competing writer instead of SQLITE_BUSY
var connPragmas = []string{
	"busy_timeout(5000)",
	"foreign_keys(1)",
	"journal_mode(WAL)",
}

// dsn turns dbPath into a modernc.org/sqlite data source name carrying
// connPragmas.
//
// _txlock=immediate makes BeginTx issue BEGIN IMMEDIATE, so a transaction
// takes the write lock up front (waiting under busy_timeout) rather than
// upgrading from a read lock mid-transaction, which SQLite refuses with
// SQLITE_BUSY without consulting the busy handler.
func dsn(dbPath string) string {
	params := make([]string, 0, len(connPragmas)+1)
	for _, p := range connPragmas {
		params = append(params, "_pragma="+p)
	}
	params = append(params, "_txlock=immediate")

	name := dbPath
	if !strings.HasPrefix(name, "file:") {
		name = "file:" + name
	}
	sep := "?"
	if strings.Contains(name, "?") {
		sep = "&"
	}
	return name + sep + strings.Join(params, "&")
}

// New opens the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/userbase.db" → file-based database
//   - ":memory:"         → in-memory database (tests)
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// An in-memory database lives inside one connection. Letting the pool
	// open a second one would hand out a fresh, empty database.
	if dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory") {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	db := &DB{conn: conn, q: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the database is reachable. Used by the health endpoint.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) Users() repository.UserRepository { return &UserDB{q: db.q} }
func (db *DB) Identities() repository.IdentityRepository { return &IdentityDB{q: db.q} }
func (db *DB) Sessions() repository.SessionRepository { return &SessionDB{q: db.q} }
func (db *DB) Challenges() repository.ChallengeRepository { return &ChallengeDB{q: db.q} }

// WithinTx runs fn inside a single transaction.
//
// TRANSACTION REUSE:
// The Store handed to fn is bound to the *sql.Tx, and so is every repository
// it returns. If fn (or something it calls) asks that Store for WithinTx
// again, the call sees db.q is already a *sql.Tx and runs fn on the same
// transaction instead of opening a second one. The outer call alone commits
// or rolls back, so an error anywhere inside undoes the whole unit.
//
//	db.WithinTx(ctx, func(tx Store) error {     // BEGIN IMMEDIATE
//	    tx.Identities().Insert(...)              // uses tx (inTx sees *sql.Tx)
//	    return tx.WithinTx(ctx, func(inner Store) error {
//	        return inner.Challenges().MarkConsumed(...) // still tx
//	    })
//	})                                           // COMMIT or ROLLBACK
//
// A second BeginTx on the pool would deadlock against the first under
// SQLite's single-writer lock until busy_timeout expired.
func (db *DB) WithinTx(ctx context.Context, fn func(tx repository.Store) error) error {
	if _, nested := db.q.(*sql.Tx); nested {
		return fn(db)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperror.BackendUnavailable("sqlite.begin", err)
	}

	if err := fn(&DB{conn: db.conn, q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, apperror.BackendUnavailable("sqlite.rollback", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperror.BackendUnavailable("sqlite.commit", err)
	}
	return nil
}

// migrate creates the schema. CREATE ... IF NOT EXISTS keeps it idempotent.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id           TEXT PRIMARY KEY,
			handle       TEXT UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			avatar_url   TEXT NOT NULL DEFAULT '',
			cover_url    TEXT NOT NULL DEFAULT '',
			bio          TEXT NOT NULL DEFAULT '',
			location     TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT '',
			created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			display_name_key TEXT NOT NULL DEFAULT ''
		);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}
	if err := db.addDisplayNameKey(); err != nil {
		return fmt.Errorf("adding users.display_name_key: %w", err)
	}
	_, err = db.conn.Exec(`CREATE INDEX IF NOT EXISTS idx_users_display_name_key ON users(display_name_key)`)
	if err != nil {
		return fmt.Errorf("indexing users.display_name_key: %w", err)
	}

	// identifier duplicates address/handle/external_id depending on type, so
	// a single UNIQUE(type, identifier) covers all providers.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS identities (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL REFERENCES users(id),
			type        TEXT NOT NULL CHECK (type IN ('hive', 'evm', 'farcaster')),
			identifier  TEXT NOT NULL,
			handle      TEXT,
			address     TEXT,
			external_id TEXT,
			is_primary  INTEGER NOT NULL DEFAULT 0,
			verified_at DATETIME,
			metadata    TEXT NOT NULL DEFAULT '{}',
			created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (type, identifier)
		);
		CREATE INDEX IF NOT EXISTS idx_identities_user_id ON identities(user_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_identities_one_primary
			ON identities(user_id, type) WHERE is_primary = 1;
	`)
	if err != nil {
		return fmt.Errorf("creating identities table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id                 TEXT PRIMARY KEY,
			user_id            TEXT NOT NULL REFERENCES users(id),
			refresh_token_hash TEXT NOT NULL UNIQUE,
			created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at         DATETIME NOT NULL,
			revoked_at         DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
	`)
	if err != nil {
		return fmt.Errorf("creating sessions table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS challenges (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL REFERENCES users(id),
			type        TEXT NOT NULL,
			identifier  TEXT NOT NULL,
			nonce       TEXT NOT NULL,
			message     TEXT NOT NULL,
			created_at  DATETIME NOT NULL,
			expires_at  DATETIME NOT NULL,
			consumed_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_challenges_lookup
			ON challenges(user_id, type, identifier, created_at);
	`)
	if err != nil {
		return fmt.Errorf("creating challenges table: %w", err)
	}

	return nil
}

// addDisplayNameKey upgrades a users table created before display_name_key
// existed: it adds the column and fills it from display_name.
func (db *DB) addDisplayNameKey() error {
	var n int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info('users') WHERE name = 'display_name_key'`,
	).Scan(&n)
	if err != nil || n > 0 {
		return err
	}

	if _, err := db.conn.Exec(`ALTER TABLE users ADD COLUMN display_name_key TEXT NOT NULL DEFAULT ''`); err != nil {
		return err
	}

	rows, err := db.conn.Query(`SELECT id, display_name FROM users`)
	if err != nil {
		return err
	}
	type pending struct{ id, key string }
	var backfill []pending
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return err
		}
		backfill = append(backfill, pending{id: id, key: displayNameKey(name)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range backfill {
		if _, err := db.conn.Exec(`UPDATE users SET display_name_key = ? WHERE id = ?`, p.key, p.id); err != nil {
			return err
		}
	}
	return nil
}

// uniqueViolation reports whether err is a UNIQUE / PRIMARY KEY constraint
// failure and returns the driver message so callers can tell which
// constraint fired.
func uniqueViolation(err error) (string, bool) {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return "", false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return se.Error(), true
	}
	return "", false
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// inTx runs fn on q if q is already a transaction, else inside a new one.
// Repositories use it for multi-statement writes that must not half-apply.
// Inside WithinTx it never begins anything, see TRANSACTION REUSE above.
func inTx(ctx context.Context, q queryer, fn func(q queryer) error) error {
	switch conn := q.(type) {
	case *sql.Tx:
		return fn(conn)
	case *sql.DB:
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return apperror.BackendUnavailable("sqlite.begin", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return apperror.BackendUnavailable("sqlite.commit", err)
		}
		return nil
	default:
		return fn(q)
	}
}
