package clientdb

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func equalNames(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestReplaceUsers(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	if err := d.ReplaceUsers(ctx, []string{"carol", "alice"}); err != nil {
		t.Fatalf("ReplaceUsers: %v", err)
	}
	users, err := d.Users(ctx)
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	if !equalNames(users, []string{"alice", "carol"}) {
		t.Errorf("Users = %v", users)
	}

	// A replace is a full overwrite, not a merge.
	if err := d.ReplaceUsers(ctx, []string{"bob"}); err != nil {
		t.Fatalf("ReplaceUsers: %v", err)
	}
	users, err = d.Users(ctx)
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	if !equalNames(users, []string{"bob"}) {
		t.Errorf("Users after replace = %v", users)
	}

	ok, err := d.HasUser(ctx, "bob")
	if err != nil {
		t.Fatalf("HasUser: %v", err)
	}
	if !ok {
		t.Error("HasUser(bob) = false")
	}
	ok, err = d.HasUser(ctx, "alice")
	if err != nil {
		t.Fatalf("HasUser: %v", err)
	}
	if ok {
		t.Error("HasUser(alice) should be false after replace")
	}
}

func TestContactsLifecycle(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	if err := d.ReplaceContacts(ctx, []string{"bob", "carol"}); err != nil {
		t.Fatalf("ReplaceContacts: %v", err)
	}
	if err := d.AddContact(ctx, "dave"); err != nil {
		t.Fatalf("AddContact: %v", err)
	}
	if err := d.AddContact(ctx, "dave"); err != nil {
		t.Fatalf("AddContact dup: %v", err)
	}
	if err := d.RemoveContact(ctx, "bob"); err != nil {
		t.Fatalf("RemoveContact: %v", err)
	}
	if err := d.RemoveContact(ctx, "ghost"); err != nil {
		t.Fatalf("RemoveContact absent: %v", err)
	}

	contacts, err := d.Contacts(ctx)
	if err != nil {
		t.Fatalf("Contacts: %v", err)
	}
	if !equalNames(contacts, []string{"carol", "dave"}) {
		t.Errorf("Contacts = %v, want [carol dave]", contacts)
	}

	ok, err := d.HasContact(ctx, "dave")
	if err != nil {
		t.Fatalf("HasContact: %v", err)
	}
	if !ok {
		t.Error("HasContact(dave) = false")
	}
}

func TestContactsTruncatedOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.db")
	ctx := context.Background()

	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := d.ReplaceContacts(ctx, []string{"bob"}); err != nil {
		t.Fatalf("ReplaceContacts: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Contacts are rebuilt from the server each connect; stale rows must not
	// survive a reopen.
	d, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d.Close()

	contacts, err := d.Contacts(ctx)
	if err != nil {
		t.Fatalf("Contacts: %v", err)
	}
	if len(contacts) != 0 {
		t.Errorf("contacts survived reopen: %v", contacts)
	}
}

func TestMessageHistory(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	pairs := [][2]string{{"alice", "bob"}, {"bob", "alice"}, {"alice", "carol"}}
	for i, p := range pairs {
		if err := d.SaveMessage(ctx, p[0], p[1], "hello"); err != nil {
			t.Fatalf("SaveMessage #%d: %v", i, err)
		}
	}

	all, err := d.History(ctx, "", "")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("unfiltered rows = %d, want 3", len(all))
	}

	fromAlice, err := d.History(ctx, "alice", "")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(fromAlice) != 2 {
		t.Errorf("from-alice rows = %d, want 2", len(fromAlice))
	}

	exact, err := d.History(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(exact) != 1 || exact[0].From != "alice" || exact[0].To != "bob" || exact[0].Text != "hello" {
		t.Errorf("exact filter = %+v", exact)
	}
}

func TestHistorySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.db")
	ctx := context.Background()

	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := d.SaveMessage(ctx, "alice", "bob", "kept"); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d.Close()

	rows, err := d.History(ctx, "", "")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(rows) != 1 || rows[0].Text != "kept" {
		t.Errorf("history lost across reopen: %+v", rows)
	}
}
