// Package session tracks which authenticated account owns which live
// connection. The table is a strict bijection: binding a name replaces
// nothing silently, callers must unbind first.
//
// The table is not safe for concurrent use. The processor loop is its only
// mutator, which is what makes per-structure locking unnecessary.
package session

import (
	"fmt"
	"net"
	"sort"
)

// Table maps authenticated account names to live connections and back.
type Table struct {
	byName map[string]net.Conn
	byConn map[net.Conn]string
}

// NewTable returns an empty session table.
func NewTable() *Table {
	return &Table{
		byName: make(map[string]net.Conn),
		byConn: make(map[net.Conn]string),
	}
}

// Bind associates name with conn. It fails if either side is already bound,
// preserving the at-most-one-session invariant.
func (t *Table) Bind(name string, conn net.Conn) error {
	if _, ok := t.byName[name]; ok {
		return fmt.Errorf("session: name %q already bound", name)
	}
	if _, ok := t.byConn[conn]; ok {
		return fmt.Errorf("session: connection already bound")
	}
	t.byName[name] = conn
	t.byConn[conn] = name
	return nil
}

// UnbindName removes the session for name, if any, and reports whether one
// existed.
func (t *Table) UnbindName(name string) bool {
	conn, ok := t.byName[name]
	if !ok {
		return false
	}
	delete(t.byName, name)
	delete(t.byConn, conn)
	return true
}

// UnbindConn removes the session owning conn, returning the account name it
// was bound to.
func (t *Table) UnbindConn(conn net.Conn) (string, bool) {
	name, ok := t.byConn[conn]
	if !ok {
		return "", false
	}
	delete(t.byName, name)
	delete(t.byConn, conn)
	return name, true
}

// Conn returns the live connection bound to name.
func (t *Table) Conn(name string) (net.Conn, bool) {
	conn, ok := t.byName[name]
	return conn, ok
}

// Name returns the account name bound to conn.
func (t *Table) Name(conn net.Conn) (string, bool) {
	name, ok := t.byConn[conn]
	return name, ok
}

// Names returns all bound account names, sorted.
func (t *Table) Names() []string {
	out := make([]string, 0, len(t.byName))
	for name := range t.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of bound sessions.
func (t *Table) Len() int {
	return len(t.byName)
}
