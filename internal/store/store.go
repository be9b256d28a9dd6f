// Package store persists server-side account state in SQLite: registered
// accounts, active sessions, login history, contact edges, and per-account
// message counters.
//
// The processor loop is the only writer at runtime; the connection pool is
// capped at one so the database is never touched from two threads at once.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrAlreadyExists is returned when registering a name that is taken.
	ErrAlreadyExists = errors.New("account already exists")
	// ErrNotRegistered is returned for operations on an unknown account.
	ErrNotRegistered = errors.New("account not registered")
)

// Storage is the server's credential store.
type Storage struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database, runs migrations, and truncates
// the active-session view: active sessions are an in-memory artefact whose
// mirrored table must not survive a restart.
func Open(path string) (*Storage, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// Single owning executor; never shared across threads.
	db.SetMaxOpenConns(1)

	st := &Storage{db: db}
	ctx := context.Background()
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM Active_users`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("truncate active users: %w", err)
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Storage) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS All_users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	last_login INTEGER NOT NULL,
	password_hash TEXT NOT NULL,
	pubkey TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS Active_users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL UNIQUE REFERENCES All_users(id),
	ip_address TEXT NOT NULL,
	port INTEGER NOT NULL,
	login_time INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS Login_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES All_users(id),
	ip_address TEXT NOT NULL,
	port INTEGER NOT NULL,
	date_time INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_login_history_user ON Login_history(user_id);

CREATE TABLE IF NOT EXISTS User_contacts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES All_users(id),
	contact INTEGER NOT NULL REFERENCES All_users(id),
	UNIQUE(user_id, contact)
);

CREATE TABLE IF NOT EXISTS User_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL UNIQUE REFERENCES All_users(id),
	sent INTEGER NOT NULL DEFAULT 0,
	accepted INTEGER NOT NULL DEFAULT 0
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// userID resolves an account name inside a transaction.
func userID(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM All_users WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	if err != nil {
		return 0, fmt.Errorf("look up account %q: %w", name, err)
	}
	return id, nil
}

// Register creates an account row plus its zeroed statistics row.
func (s *Storage) Register(ctx context.Context, name string, passwordHash []byte) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("account name is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin register: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM All_users WHERE name = ?`, name).Scan(&n); err != nil {
		return fmt.Errorf("check account %q: %w", name, err)
	}
	if n > 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO All_users (name, last_login, password_hash) VALUES (?, ?, ?)`,
		name, time.Now().UnixMilli(), string(passwordHash))
	if err != nil {
		return fmt.Errorf("insert account %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("account id for %q: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO User_history (user_id) VALUES (?)`, id); err != nil {
		return fmt.Errorf("insert statistics row for %q: %w", name, err)
	}
	return tx.Commit()
}

// Delete removes the account and everything that references it: the active
// session, login history, contact edges in both directions, and statistics.
func (s *Storage) Delete(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	id, err := userID(ctx, tx, name)
	if err != nil {
		return err
	}
	steps := []struct {
		query string
		args  []any
	}{
		{`DELETE FROM Active_users WHERE user_id = ?`, []any{id}},
		{`DELETE FROM Login_history WHERE user_id = ?`, []any{id}},
		{`DELETE FROM User_contacts WHERE user_id = ? OR contact = ?`, []any{id, id}},
		{`DELETE FROM User_history WHERE user_id = ?`, []any{id}},
		{`DELETE FROM All_users WHERE id = ?`, []any{id}},
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step.query, step.args...); err != nil {
			return fmt.Errorf("delete account %q: %w", name, err)
		}
	}
	return tx.Commit()
}

// Check reports whether the account exists.
func (s *Storage) Check(ctx context.Context, name string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM All_users WHERE name = ?`, name).Scan(&n); err != nil {
		return false, fmt.Errorf("check account %q: %w", name, err)
	}
	return n > 0, nil
}

// HashOf returns the stored password hash bytes for the account.
func (s *Storage) HashOf(ctx context.Context, name string) ([]byte, error) {
	var h string
	err := s.db.QueryRowContext(ctx, `SELECT password_hash FROM All_users WHERE name = ?`, name).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	if err != nil {
		return nil, fmt.Errorf("password hash for %q: %w", name, err)
	}
	return []byte(h), nil
}

// PublicKeyOf returns the stored public key, or "" when the account has
// never announced one.
func (s *Storage) PublicKeyOf(ctx context.Context, name string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `SELECT pubkey FROM All_users WHERE name = ?`, name).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	if err != nil {
		return "", fmt.Errorf("public key for %q: %w", name, err)
	}
	return key, nil
}

// Login records a successful authentication: updates last-seen, replaces the
// stored public key if it changed, writes the active-session row, and appends
// to the login history. The whole update is one transaction.
func (s *Storage) Login(ctx context.Context, name, addr string, port int, publicKey string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin login: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	id, err := userID(ctx, tx, name)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`UPDATE All_users SET last_login = ?, pubkey = ? WHERE id = ?`,
		now, publicKey, id); err != nil {
		return fmt.Errorf("update last login for %q: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO Active_users (user_id, ip_address, port, login_time) VALUES (?, ?, ?, ?)`,
		id, addr, port, now); err != nil {
		return fmt.Errorf("insert active session for %q: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO Login_history (user_id, ip_address, port, date_time) VALUES (?, ?, ?, ?)`,
		id, addr, port, now); err != nil {
		return fmt.Errorf("append login history for %q: %w", name, err)
	}
	return tx.Commit()
}

// Logout removes the account's active-session row. Idempotent.
func (s *Storage) Logout(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM Active_users WHERE user_id IN (SELECT id FROM All_users WHERE name = ?)`, name)
	if err != nil {
		return fmt.Errorf("logout %q: %w", name, err)
	}
	return nil
}

// CountMessage increments the sender's sent counter and the recipient's
// received counter. Both accounts must exist.
func (s *Storage) CountMessage(ctx context.Context, sender, recipient string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin count message: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	senderID, err := userID(ctx, tx, sender)
	if err != nil {
		return err
	}
	recipientID, err := userID(ctx, tx, recipient)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE User_history SET sent = sent + 1 WHERE user_id = ?`, senderID); err != nil {
		return fmt.Errorf("count sent for %q: %w", sender, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE User_history SET accepted = accepted + 1 WHERE user_id = ?`, recipientID); err != nil {
		return fmt.Errorf("count accepted for %q: %w", recipient, err)
	}
	return tx.Commit()
}

// AddContact adds a directed contact edge. Silently a no-op when the target
// does not exist, the edge already exists, or owner and target are the same
// account (an account never appears in its own contact set).
func (s *Storage) AddContact(ctx context.Context, owner, target string) error {
	if owner == target {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add contact: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ownerID, err := userID(ctx, tx, owner)
	if err != nil {
		return err
	}
	targetID, err := userID(ctx, tx, target)
	if err != nil {
		if errors.Is(err, ErrNotRegistered) {
			return nil
		}
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO User_contacts (user_id, contact) VALUES (?, ?)`,
		ownerID, targetID); err != nil {
		return fmt.Errorf("add contact %q -> %q: %w", owner, target, err)
	}
	return tx.Commit()
}

// RemoveContact deletes a directed contact edge. Silently a no-op when the
// target or the edge is absent.
func (s *Storage) RemoveContact(ctx context.Context, owner, target string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remove contact: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ownerID, err := userID(ctx, tx, owner)
	if err != nil {
		return err
	}
	targetID, err := userID(ctx, tx, target)
	if err != nil {
		if errors.Is(err, ErrNotRegistered) {
			return nil
		}
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM User_contacts WHERE user_id = ? AND contact = ?`,
		ownerID, targetID); err != nil {
		return fmt.Errorf("remove contact %q -> %q: %w", owner, target, err)
	}
	return tx.Commit()
}
