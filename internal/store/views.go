package store

import (
	"context"
	"fmt"
	"time"
)

// UserRow is one registered account as seen by the all-users view.
type UserRow struct {
	Name      string
	LastLogin time.Time
}

// SessionRow is one active session.
type SessionRow struct {
	Name      string
	IPAddress string
	Port      int
	LoginTime time.Time
}

// LoginRow is one login-history record.
type LoginRow struct {
	Name      string
	IPAddress string
	Port      int
	DateTime  time.Time
}

// StatsRow carries the per-account message counters.
type StatsRow struct {
	Name      string
	LastLogin time.Time
	Sent      int
	Accepted  int
}

// AllUsers returns every registered account with its last-seen timestamp.
func (s *Storage) AllUsers(ctx context.Context) ([]UserRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, last_login FROM All_users ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query all users: %w", err)
	}
	defer rows.Close()

	var out []UserRow
	for rows.Next() {
		var r UserRow
		var ms int64
		if err := rows.Scan(&r.Name, &ms); err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		r.LastLogin = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// UserNames returns just the registered account names, sorted.
func (s *Storage) UserNames(ctx context.Context) ([]string, error) {
	users, err := s.AllUsers(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Name)
	}
	return names, nil
}

// ActiveUsers returns the sessions currently marked active.
func (s *Storage) ActiveUsers(ctx context.Context) ([]SessionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT u.name, a.ip_address, a.port, a.login_time
FROM Active_users a JOIN All_users u ON u.id = a.user_id
ORDER BY u.name`)
	if err != nil {
		return nil, fmt.Errorf("query active users: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var ms int64
		if err := rows.Scan(&r.Name, &r.IPAddress, &r.Port, &ms); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		r.LoginTime = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoginHistory returns login records, filtered to one account when name is
// non-empty.
func (s *Storage) LoginHistory(ctx context.Context, name string) ([]LoginRow, error) {
	q := `
SELECT u.name, h.ip_address, h.port, h.date_time
FROM Login_history h JOIN All_users u ON u.id = h.user_id`
	var args []any
	if name != "" {
		q += ` WHERE u.name = ?`
		args = append(args, name)
	}
	q += ` ORDER BY h.date_time`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query login history: %w", err)
	}
	defer rows.Close()

	var out []LoginRow
	for rows.Next() {
		var r LoginRow
		var ms int64
		if err := rows.Scan(&r.Name, &r.IPAddress, &r.Port, &ms); err != nil {
			return nil, fmt.Errorf("scan login row: %w", err)
		}
		r.DateTime = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// ContactsOf returns the contact names of one account, sorted.
func (s *Storage) ContactsOf(ctx context.Context, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT t.name
FROM User_contacts c
JOIN All_users o ON o.id = c.user_id
JOIN All_users t ON t.id = c.contact
WHERE o.name = ?
ORDER BY t.name`, name)
	if err != nil {
		return nil, fmt.Errorf("query contacts of %q: %w", name, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var contact string
		if err := rows.Scan(&contact); err != nil {
			return nil, fmt.Errorf("scan contact row: %w", err)
		}
		out = append(out, contact)
	}
	return out, rows.Err()
}

// MessageHistory returns sent/accepted counters for every account.
func (s *Storage) MessageHistory(ctx context.Context) ([]StatsRow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT u.name, u.last_login, h.sent, h.accepted
FROM User_history h JOIN All_users u ON u.id = h.user_id
ORDER BY u.name`)
	if err != nil {
		return nil, fmt.Errorf("query message history: %w", err)
	}
	defer rows.Close()

	var out []StatsRow
	for rows.Next() {
		var r StatsRow
		var ms int64
		if err := rows.Scan(&r.Name, &ms, &r.Sent, &r.Accepted); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		r.LastLogin = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
