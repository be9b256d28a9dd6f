package transport

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"jimchat/internal/auth"
	"jimchat/internal/clientdb"
	"jimchat/internal/jim"
	"jimchat/internal/server"
	"jimchat/internal/store"
)

// waitFor is generous because the background reader polls on a one second
// cadence.
const waitFor = 5 * time.Second

// startStack runs a full server on an ephemeral port.
func startStack(t *testing.T) (*server.Processor, *store.Storage) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	p := server.New(db, "127.0.0.1", 0)
	if err := p.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p, db
}

func registerAccount(t *testing.T, db *store.Storage, name, password string) {
	t.Helper()
	if err := db.Register(context.Background(), name, auth.PasswordHash(name, password)); err != nil {
		t.Fatalf("Register(%s): %v", name, err)
	}
}

func serverPort(t *testing.T, p *server.Processor) int {
	t.Helper()
	addr, ok := p.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("listener address is %T, want *net.TCPAddr", p.Addr())
	}
	return addr.Port
}

func newMirror(t *testing.T, name string) *clientdb.DB {
	t.Helper()
	m, err := clientdb.Open(filepath.Join(t.TempDir(), name+".db"))
	if err != nil {
		t.Fatalf("clientdb.Open: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func connectClient(t *testing.T, p *server.Processor, name, password string) (*Transport, *clientdb.DB) {
	t.Helper()
	mirror := newMirror(t, name)
	tr, err := Connect(Config{
		Addr:     "127.0.0.1",
		Port:     serverPort(t, p),
		Username: name,
		Password: password,
		Mirror:   mirror,
	})
	if err != nil {
		t.Fatalf("Connect(%s): %v", name, err)
	}
	t.Cleanup(tr.Shutdown)
	return tr, mirror
}

// ---------------------------------------------------------------------------
// Connect
// ---------------------------------------------------------------------------

func TestConnectHydratesMirrors(t *testing.T) {
	p, db := startStack(t)
	registerAccount(t, db, "alice", "secret")
	registerAccount(t, db, "bob", "hunter2")
	if err := db.AddContact(context.Background(), "alice", "bob"); err != nil {
		t.Fatalf("AddContact: %v", err)
	}

	tr, mirror := connectClient(t, p, "alice", "secret")
	if !tr.Running() {
		t.Error("transport should be running after Connect")
	}
	if tr.Username() != "alice" {
		t.Errorf("Username = %q", tr.Username())
	}

	users, err := mirror.Users(context.Background())
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("users mirror = %v, want both accounts", users)
	}
	contacts, err := mirror.Contacts(context.Background())
	if err != nil {
		t.Fatalf("Contacts: %v", err)
	}
	if len(contacts) != 1 || contacts[0] != "bob" {
		t.Errorf("contacts mirror = %v, want [bob]", contacts)
	}
}

func TestConnectWrongPassword(t *testing.T) {
	p, db := startStack(t)
	registerAccount(t, db, "alice", "secret")

	_, err := Connect(Config{
		Addr:     "127.0.0.1",
		Port:     serverPort(t, p),
		Username: "alice",
		Password: "wrong",
		Mirror:   newMirror(t, "alice"),
	})
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("got %v, want ServerError", err)
	}
	if se.Msg != "wrong password" {
		t.Errorf("Msg = %q, want wrong password", se.Msg)
	}
}

func TestConnectUnknownAccount(t *testing.T) {
	p, _ := startStack(t)

	_, err := Connect(Config{
		Addr:     "127.0.0.1",
		Port:     serverPort(t, p),
		Username: "ghost",
		Password: "x",
		Mirror:   newMirror(t, "ghost"),
	})
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("got %v, want ServerError", err)
	}
	if se.Msg != "not registered" {
		t.Errorf("Msg = %q, want not registered", se.Msg)
	}
}

func TestConnectUnreachableServer(t *testing.T) {
	// Grab a port that nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	oldAttempts, oldPause := dialAttempts, dialPause
	dialAttempts, dialPause = 1, 0
	defer func() { dialAttempts, dialPause = oldAttempts, oldPause }()

	_, err = Connect(Config{
		Addr:     "127.0.0.1",
		Port:     port,
		Username: "alice",
		Password: "secret",
		Mirror:   newMirror(t, "alice"),
	})
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("got %v, want ServerError", err)
	}
}

// ---------------------------------------------------------------------------
// Messaging
// ---------------------------------------------------------------------------

func TestSendAndReceiveMessage(t *testing.T) {
	p, db := startStack(t)
	registerAccount(t, db, "alice", "secret")
	registerAccount(t, db, "bob", "hunter2")

	alice, aliceMirror := connectClient(t, p, "alice", "secret")
	bob, bobMirror := connectClient(t, p, "bob", "hunter2")

	got := make(chan jim.Message, 1)
	bob.SetOnMessage(func(m jim.Message) { got <- m })

	if err := alice.SendMessage("bob", "hello bob"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case m := <-got:
		if m.Sender != "alice" || m.Text != "hello bob" {
			t.Errorf("delivered message = %+v", m)
		}
	case <-time.After(waitFor):
		t.Fatal("message never delivered to the receiver")
	}

	// Both sides keep plaintext history.
	sent, err := aliceMirror.History(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(sent) != 1 || sent[0].Text != "hello bob" {
		t.Errorf("sender history = %+v", sent)
	}
	received, err := bobMirror.History(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(received) != 1 || received[0].Text != "hello bob" {
		t.Errorf("receiver history = %+v", received)
	}
}

func TestSendMessageToOfflineUser(t *testing.T) {
	p, db := startStack(t)
	registerAccount(t, db, "alice", "secret")
	registerAccount(t, db, "bob", "hunter2")

	alice, _ := connectClient(t, p, "alice", "secret")

	err := alice.SendMessage("bob", "anyone there")
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("got %v, want ServerError", err)
	}
	if se.Msg != "user not registered" {
		t.Errorf("Msg = %q, want user not registered", se.Msg)
	}
	// A rejected send must not kill the session.
	if !alice.Running() {
		t.Error("transport stopped after an offline destination")
	}
}

// ---------------------------------------------------------------------------
// Contacts and keys
// ---------------------------------------------------------------------------

func TestContactManagement(t *testing.T) {
	p, db := startStack(t)
	registerAccount(t, db, "alice", "secret")
	registerAccount(t, db, "bob", "hunter2")

	alice, mirror := connectClient(t, p, "alice", "secret")

	if err := alice.AddContact("bob"); err != nil {
		t.Fatalf("AddContact: %v", err)
	}
	ok, err := mirror.HasContact(context.Background(), "bob")
	if err != nil {
		t.Fatalf("HasContact: %v", err)
	}
	if !ok {
		t.Error("contact not mirrored after add")
	}

	if err := alice.RemoveContact("bob"); err != nil {
		t.Fatalf("RemoveContact: %v", err)
	}
	ok, err = mirror.HasContact(context.Background(), "bob")
	if err != nil {
		t.Fatalf("HasContact: %v", err)
	}
	if ok {
		t.Error("contact still mirrored after removal")
	}
}

func TestPublicKeyLookup(t *testing.T) {
	p, db := startStack(t)
	registerAccount(t, db, "alice", "secret")
	registerAccount(t, db, "bob", "hunter2")

	bobMirror := newMirror(t, "bob")
	bob, err := Connect(Config{
		Addr:      "127.0.0.1",
		Port:      serverPort(t, p),
		Username:  "bob",
		Password:  "hunter2",
		PublicKey: "bob-public-key",
		Mirror:    bobMirror,
	})
	if err != nil {
		t.Fatalf("Connect(bob): %v", err)
	}
	t.Cleanup(bob.Shutdown)

	alice, _ := connectClient(t, p, "alice", "secret")

	key, err := alice.PublicKey("bob")
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if key != "bob-public-key" {
		t.Errorf("key = %q", key)
	}

	if _, err := alice.PublicKey("alice"); err == nil {
		t.Error("expected an error for an account without a key")
	}
}

// ---------------------------------------------------------------------------
// Roster invalidation and shutdown
// ---------------------------------------------------------------------------

func TestRosterResetSignal(t *testing.T) {
	p, db := startStack(t)
	registerAccount(t, db, "alice", "secret")

	alice, mirror := connectClient(t, p, "alice", "secret")

	changed := make(chan struct{}, 1)
	alice.SetOnRosterChanged(func() { changed <- struct{}{} })

	// A new registration plus an invalidation, as the admin API would do.
	registerAccount(t, db, "bob", "hunter2")
	p.InvalidateRosters()

	select {
	case <-changed:
	case <-time.After(waitFor):
		t.Fatal("roster-changed signal never fired")
	}

	users, err := mirror.Users(context.Background())
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("users mirror = %v, want refreshed list of 2", users)
	}
}

func TestShutdownStopsSession(t *testing.T) {
	p, db := startStack(t)
	registerAccount(t, db, "alice", "secret")

	alice, _ := connectClient(t, p, "alice", "secret")
	alice.Shutdown()

	if alice.Running() {
		t.Error("Running should be false after Shutdown")
	}

	// The server must release the name so a new session can bind it.
	deadline := time.Now().Add(waitFor)
	for {
		tr, err := Connect(Config{
			Addr:     "127.0.0.1",
			Port:     serverPort(t, p),
			Username: "alice",
			Password: "secret",
			Mirror:   newMirror(t, "alice2"),
		})
		if err == nil {
			tr.Shutdown()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("name never released after shutdown: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestDecodePayload(t *testing.T) {
	if got := decodePayload("aGVsbG8gYm9i"); got != "hello bob" {
		t.Errorf("decodePayload = %q, want hello bob", got)
	}
	// A non-conforming peer's raw text is delivered as received.
	if got := decodePayload("not base64!"); got != "not base64!" {
		t.Errorf("decodePayload = %q, want the input unchanged", got)
	}
}

func TestConnectionLostSignal(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	registerAccount(t, db, "alice", "secret")

	p := server.New(db, "127.0.0.1", 0)
	if err := p.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	alice, _ := connectClient(t, p, "alice", "secret")

	lost := make(chan struct{}, 1)
	alice.SetOnConnectionLost(func() { lost <- struct{}{} })

	// Stopping the server closes every session socket; the background reader
	// must notice and raise the signal.
	cancel()
	<-done

	select {
	case <-lost:
	case <-time.After(waitFor):
		t.Fatal("connection-lost signal never fired")
	}
	if alice.Running() {
		t.Error("Running should be false after the connection dropped")
	}
}
