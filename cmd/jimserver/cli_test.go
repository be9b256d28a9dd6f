package main

import (
	"context"
	"path/filepath"
	"testing"

	"jimchat/internal/auth"
	"jimchat/internal/store"
)

// cliDBSetup creates a temp directory with an initialized store and returns
// the database path.
func cliDBSetup(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "jimserver.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	db.Close()
	return dbPath
}

func TestRunCLINoArgs(t *testing.T) {
	if RunCLI(nil, "unused.db") {
		t.Error("no arguments must fall through to server mode")
	}
}

func TestRunCLIUnknownSubcommand(t *testing.T) {
	if RunCLI([]string{"frobnicate"}, "unused.db") {
		t.Error("unknown subcommand must fall through to server mode")
	}
}

func TestRunCLIVersion(t *testing.T) {
	if !RunCLI([]string{"version"}, "unused.db") {
		t.Error("version must be handled")
	}
}

func TestCLIUsersAdd(t *testing.T) {
	dbPath := cliDBSetup(t)

	if !RunCLI([]string{"users", "add", "alice", "secret"}, dbPath) {
		t.Fatal("users add must be handled")
	}

	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()

	exists, err := db.Check(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !exists {
		t.Error("account not created")
	}
	hash, err := db.HashOf(context.Background(), "alice")
	if err != nil {
		t.Fatalf("HashOf: %v", err)
	}
	if string(hash) != string(auth.PasswordHash("alice", "secret")) {
		t.Error("CLI must derive the same credential as the handshake")
	}
}

func TestCLIUsersDel(t *testing.T) {
	dbPath := cliDBSetup(t)
	if !RunCLI([]string{"users", "add", "alice", "secret"}, dbPath) {
		t.Fatal("users add must be handled")
	}

	if !RunCLI([]string{"users", "del", "alice"}, dbPath) {
		t.Fatal("users del must be handled")
	}

	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()

	exists, err := db.Check(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if exists {
		t.Error("account survived deletion")
	}
}

func TestCLIListSubcommands(t *testing.T) {
	dbPath := cliDBSetup(t)
	if !RunCLI([]string{"users", "add", "alice", "secret"}, dbPath) {
		t.Fatal("users add must be handled")
	}

	for _, args := range [][]string{
		{"users"},
		{"users", "list"},
		{"active"},
		{"history"},
		{"history", "alice"},
		{"stats"},
	} {
		if !RunCLI(args, dbPath) {
			t.Errorf("RunCLI(%v) = false, want handled", args)
		}
	}
}
