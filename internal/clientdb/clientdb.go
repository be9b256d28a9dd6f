// Package clientdb is the client-side SQLite mirror: the roster the server
// reported last (known users and contacts) and the local chat history. One
// database file per account.
package clientdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// MessageRow is one locally recorded chat message.
type MessageRow struct {
	From string
	To   string
	Text string
	Date time.Time
}

// DB is the client mirror store.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the mirror database. The contacts mirror is
// truncated: it is rebuilt from the server on every connect.
func Open(path string) (*DB, error) {
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
	db.SetMaxOpenConns(1)

	d := &DB{db: db}
	ctx := context.Background()
	if err := d.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM Contacts`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("truncate contacts: %w", err)
	}
	slog.Debug("client mirror opened", "path", path)
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DB) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS Known_users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS Message_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	from_user TEXT NOT NULL,
	to_user TEXT NOT NULL,
	message TEXT NOT NULL,
	date INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS Contacts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE
);
`
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	return nil
}

// ReplaceUsers replaces the known-users mirror with the server's list.
func (d *DB) ReplaceUsers(ctx context.Context, names []string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace users: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM Known_users`); err != nil {
		return fmt.Errorf("truncate known users: %w", err)
	}
	for _, name := range names {
		if _, err := tx.ExecContext(ctx, `INSERT INTO Known_users (username) VALUES (?)`, name); err != nil {
			return fmt.Errorf("insert known user %q: %w", name, err)
		}
	}
	return tx.Commit()
}

// ReplaceContacts replaces the contacts mirror with the server's list.
func (d *DB) ReplaceContacts(ctx context.Context, names []string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace contacts: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM Contacts`); err != nil {
		return fmt.Errorf("truncate contacts: %w", err)
	}
	for _, name := range names {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO Contacts (username) VALUES (?)`, name); err != nil {
			return fmt.Errorf("insert contact %q: %w", name, err)
		}
	}
	return tx.Commit()
}

// AddContact records one contact locally. Idempotent.
func (d *DB) AddContact(ctx context.Context, name string) error {
	_, err := d.db.ExecContext(ctx, `INSERT OR IGNORE INTO Contacts (username) VALUES (?)`, name)
	if err != nil {
		return fmt.Errorf("add contact %q: %w", name, err)
	}
	return nil
}

// RemoveContact removes one contact locally. Idempotent.
func (d *DB) RemoveContact(ctx context.Context, name string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM Contacts WHERE username = ?`, name)
	if err != nil {
		return fmt.Errorf("remove contact %q: %w", name, err)
	}
	return nil
}

// Users returns the mirrored known-user names.
func (d *DB) Users(ctx context.Context) ([]string, error) {
	return d.names(ctx, `SELECT username FROM Known_users ORDER BY username`)
}

// Contacts returns the mirrored contact names.
func (d *DB) Contacts(ctx context.Context) ([]string, error) {
	return d.names(ctx, `SELECT username FROM Contacts ORDER BY username`)
}

// HasUser reports whether name is in the known-users mirror.
func (d *DB) HasUser(ctx context.Context, name string) (bool, error) {
	var n int
	if err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM Known_users WHERE username = ?`, name).Scan(&n); err != nil {
		return false, fmt.Errorf("check known user %q: %w", name, err)
	}
	return n > 0, nil
}

// HasContact reports whether name is in the contacts mirror.
func (d *DB) HasContact(ctx context.Context, name string) (bool, error) {
	var n int
	if err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM Contacts WHERE username = ?`, name).Scan(&n); err != nil {
		return false, fmt.Errorf("check contact %q: %w", name, err)
	}
	return n > 0, nil
}

// SaveMessage appends one message to the local history.
func (d *DB) SaveMessage(ctx context.Context, from, to, text string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO Message_history (from_user, to_user, message, date) VALUES (?, ?, ?, ?)`,
		from, to, text, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// History returns recorded messages, optionally filtered by sender and/or
// recipient. Empty filter strings match everything.
func (d *DB) History(ctx context.Context, from, to string) ([]MessageRow, error) {
	q := `SELECT from_user, to_user, message, date FROM Message_history`
	var (
		conds []string
		args  []any
	)
	if from != "" {
		conds = append(conds, `from_user = ?`)
		args = append(args, from)
	}
	if to != "" {
		conds = append(conds, `to_user = ?`)
		args = append(args, to)
	}
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	q += ` ORDER BY date, id`

	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query message history: %w", err)
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		var r MessageRow
		var ms int64
		if err := rows.Scan(&r.From, &r.To, &r.Text, &ms); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		r.Date = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *DB) names(ctx context.Context, query string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query names: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan name: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
