// Package transport implements the client-side connection core: one TCP
// socket, the challenge/response handshake, serialised request/reply
// exchanges, and a background reader that demultiplexes unsolicited frames
// into observer callbacks.
//
// The socket mutex is the concurrency contract: a requester holds it for a
// whole request+reply exchange; the reader holds it only for one short poll
// and sleeps with it released so requests are never starved.
package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"jimchat/internal/auth"
	"jimchat/internal/clientdb"
	"jimchat/internal/jim"
)

// ServerError reports a 400 rejection or a broken exchange with the server.
type ServerError struct {
	Msg string
}

func (e *ServerError) Error() string { return e.Msg }

// Dial behaviour. Variables so tests can shorten the retry schedule.
var (
	dialAttempts = 5
	dialPause    = time.Second
)

const (
	dialTimeout  = 5 * time.Second
	replyTimeout = 5 * time.Second
	// readPoll is the reader's per-attempt deadline while holding the
	// socket mutex.
	readPoll = 500 * time.Millisecond
	// readPause keeps the mutex free between reader polls.
	readPause = time.Second
	// maxSkippedFrames bounds how many unsolicited frames a requester will
	// consume while waiting for its reply.
	maxSkippedFrames = 8
)

// Config carries everything needed to establish a session.
type Config struct {
	Addr      string
	Port      int
	Username  string
	Password  string
	PublicKey string // opaque text announced in PRESENCE
	Mirror    *clientdb.DB
}

// Transport owns one authenticated connection to the server.
type Transport struct {
	username string
	mirror   *clientdb.DB

	sockMu sync.Mutex // guards conn for whole request+reply exchanges
	conn   net.Conn

	running atomic.Bool

	cbMu             sync.RWMutex
	onMessage        func(jim.Message)
	onConnectionLost func()
	onRosterChanged  func()
}

// Connect dials the server, authenticates, hydrates the local mirrors, and
// starts the background reader. A refused connection is retried dialAttempts
// times, one second apart.
func Connect(cfg Config) (*Transport, error) {
	t := &Transport{
		username: cfg.Username,
		mirror:   cfg.Mirror,
	}

	target := net.JoinHostPort(cfg.Addr, strconv.Itoa(cfg.Port))
	var conn net.Conn
	var err error
	for i := 0; i < dialAttempts; i++ {
		slog.Debug("connection attempt", "n", i+1, "target", target)
		conn, err = net.DialTimeout("tcp", target, dialTimeout)
		if err == nil {
			break
		}
		time.Sleep(dialPause)
	}
	if err != nil {
		return nil, &ServerError{Msg: fmt.Sprintf("cannot reach server at %s: %v", target, err)}
	}
	t.conn = conn

	if err := t.handshake(cfg.Password, cfg.PublicKey); err != nil {
		_ = conn.Close()
		return nil, err
	}
	slog.Info("session established", "account", t.username, "server", target)
	t.running.Store(true)

	if err := t.RefreshUsers(); err != nil {
		t.running.Store(false)
		_ = conn.Close()
		return nil, fmt.Errorf("hydrate user list: %w", err)
	}
	if err := t.RefreshContacts(); err != nil {
		t.running.Store(false)
		_ = conn.Close()
		return nil, fmt.Errorf("hydrate contacts: %w", err)
	}

	go t.readLoop()
	return t, nil
}

// SetOnMessage registers the new-message observer. The callback receives the
// frame with MESSAGE_TEXT already decoded.
func (t *Transport) SetOnMessage(fn func(jim.Message)) {
	t.cbMu.Lock()
	t.onMessage = fn
	t.cbMu.Unlock()
}

// SetOnConnectionLost registers the connection-lost observer.
func (t *Transport) SetOnConnectionLost(fn func()) {
	t.cbMu.Lock()
	t.onConnectionLost = fn
	t.cbMu.Unlock()
}

// SetOnRosterChanged registers the roster-invalidation observer, fired after
// the mirrors have been refreshed in response to a 205.
func (t *Transport) SetOnRosterChanged(fn func()) {
	t.cbMu.Lock()
	t.onRosterChanged = fn
	t.cbMu.Unlock()
}

// Username returns the authenticated account name.
func (t *Transport) Username() string { return t.username }

// Running reports whether the transport still considers the session alive.
func (t *Transport) Running() bool { return t.running.Load() }

// handshake performs PRESENCE -> 511 challenge -> 511 proof -> 200.
func (t *Transport) handshake(password, publicKey string) error {
	hash := auth.PasswordHash(t.username, password)

	presence := jim.Presence{
		Time: timestamp(),
		User: jim.UserBlock{AccountName: t.username, PublicKey: publicKey},
	}
	if err := t.writeConn(presence); err != nil {
		return &ServerError{Msg: fmt.Sprintf("handshake send failed: %v", err)}
	}

	reply, err := t.readReply()
	if err != nil {
		return &ServerError{Msg: fmt.Sprintf("handshake failed: %v", err)}
	}
	switch reply.Code {
	case jim.CodeBadRequest:
		return &ServerError{Msg: reply.Error}
	case jim.CodeAuth:
		// Challenge received; answer with the HMAC proof.
	default:
		return &ServerError{Msg: fmt.Sprintf("unexpected handshake reply %d", reply.Code)}
	}

	proof := auth.Proof(hash, reply.Data)
	answer := jim.Response{Code: jim.CodeAuth, Data: base64.StdEncoding.EncodeToString(proof)}
	if err := t.writeConn(answer); err != nil {
		return &ServerError{Msg: fmt.Sprintf("proof send failed: %v", err)}
	}

	final, err := t.readReply()
	if err != nil {
		return &ServerError{Msg: fmt.Sprintf("handshake failed: %v", err)}
	}
	switch final.Code {
	case jim.CodeOK:
		return nil
	case jim.CodeBadRequest:
		return &ServerError{Msg: final.Error}
	default:
		return &ServerError{Msg: fmt.Sprintf("unexpected handshake reply %d", final.Code)}
	}
}

// SendMessage delivers text to another account and records it in the local
// history once the server confirms the forward. The payload travels
// base64-encoded; the server never inspects it.
func (t *Transport) SendMessage(to, text string) error {
	msg := jim.Message{
		Sender:      t.username,
		Destination: to,
		Time:        timestamp(),
		Text:        base64.StdEncoding.EncodeToString([]byte(text)),
	}
	resp, err := t.request(msg)
	if err != nil {
		return err
	}
	switch resp.Code {
	case jim.CodeOK:
		if err := t.mirror.SaveMessage(context.Background(), t.username, to, text); err != nil {
			slog.Error("record sent message", "err", err)
		}
		return nil
	case jim.CodeBadRequest:
		return &ServerError{Msg: resp.Error}
	default:
		return &ServerError{Msg: fmt.Sprintf("unexpected reply %d", resp.Code)}
	}
}

// AddContact registers a contact on the server and mirrors it locally.
func (t *Transport) AddContact(name string) error {
	resp, err := t.request(jim.AddContact{Time: timestamp(), User: t.username, AccountName: name})
	if err != nil {
		return err
	}
	if resp.Code != jim.CodeOK {
		return &ServerError{Msg: resp.Error}
	}
	return t.mirror.AddContact(context.Background(), name)
}

// RemoveContact removes a contact on the server and locally.
func (t *Transport) RemoveContact(name string) error {
	resp, err := t.request(jim.RemoveContact{Time: timestamp(), User: t.username, AccountName: name})
	if err != nil {
		return err
	}
	if resp.Code != jim.CodeOK {
		return &ServerError{Msg: resp.Error}
	}
	return t.mirror.RemoveContact(context.Background(), name)
}

// PublicKey fetches the stored public key of another account.
func (t *Transport) PublicKey(name string) (string, error) {
	resp, err := t.request(jim.PublicKeyRequest{Time: timestamp(), AccountName: name})
	if err != nil {
		return "", err
	}
	if resp.Code != jim.CodeAuth || resp.Data == "" {
		return "", &ServerError{Msg: resp.Error}
	}
	return resp.Data, nil
}

// RefreshUsers reloads the known-users mirror from the server.
func (t *Transport) RefreshUsers() error {
	resp, err := t.request(jim.UsersRequest{Time: timestamp(), AccountName: t.username})
	if err != nil {
		return err
	}
	if resp.Code != jim.CodeList {
		return &ServerError{Msg: fmt.Sprintf("unexpected reply %d to users request", resp.Code)}
	}
	return t.mirror.ReplaceUsers(context.Background(), resp.ListInfo)
}

// RefreshContacts reloads the contacts mirror from the server.
func (t *Transport) RefreshContacts() error {
	resp, err := t.request(jim.GetContacts{Time: timestamp(), User: t.username})
	if err != nil {
		return err
	}
	if resp.Code != jim.CodeList {
		return &ServerError{Msg: fmt.Sprintf("unexpected reply %d to contacts request", resp.Code)}
	}
	return t.mirror.ReplaceContacts(context.Background(), resp.ListInfo)
}

// Shutdown sends EXIT best-effort, stops the reader, and closes the socket.
// The short sleep lets a reader blocked in its poll observe the flag before
// the socket goes away under it.
func (t *Transport) Shutdown() {
	if !t.running.CompareAndSwap(true, false) {
		return
	}
	t.sockMu.Lock()
	_ = t.writeConn(jim.Exit{Time: timestamp(), AccountName: t.username})
	t.sockMu.Unlock()
	time.Sleep(readPoll)
	_ = t.conn.Close()
	slog.Info("transport shut down", "account", t.username)
}

// request performs one serialised request+reply exchange. Unsolicited frames
// that arrive ahead of the reply (a routed message, a 205 reset) are put
// aside and handled after the socket mutex is released, so observer
// callbacks can safely call back into the transport.
func (t *Transport) request(f jim.Frame) (jim.Response, error) {
	var (
		resp        jim.Response
		pending     []jim.Message
		rosterReset bool
	)

	t.sockMu.Lock()
	err := func() error {
		if err := t.writeConn(f); err != nil {
			return err
		}
		for i := 0; i < maxSkippedFrames; i++ {
			fr, err := t.readFrame(replyTimeout)
			if err != nil {
				return err
			}
			switch v := fr.(type) {
			case jim.Response:
				if v.Code == jim.CodeReset {
					rosterReset = true
					continue
				}
				resp = v
				return nil
			case jim.Message:
				pending = append(pending, v)
			}
		}
		return fmt.Errorf("no reply after %d frames", maxSkippedFrames)
	}()
	t.sockMu.Unlock()

	for _, msg := range pending {
		t.deliver(msg)
	}
	if rosterReset {
		t.handleReset()
	}
	if err != nil {
		if isFatal(err) {
			t.fail()
		}
		return jim.Response{}, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// readLoop is the background reader: poll one frame under the socket mutex,
// release it, sleep, repeat. Any non-timeout error tears the session down
// and raises the connection-lost signal.
func (t *Transport) readLoop() {
	for t.running.Load() {
		time.Sleep(readPause)
		if !t.running.Load() {
			return
		}

		t.sockMu.Lock()
		fr, err := t.readFrame(readPoll)
		t.sockMu.Unlock()

		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if !t.running.Load() {
				return // shutdown closed the socket under us
			}
			slog.Info("connection to server lost", "err", err)
			t.fail()
			return
		}
		t.handleInbound(fr)
	}
}

func (t *Transport) handleInbound(f jim.Frame) {
	switch v := f.(type) {
	case jim.Message:
		if v.Destination == t.username {
			t.deliver(v)
		}
	case jim.Response:
		if v.Code == jim.CodeReset {
			t.handleReset()
			return
		}
		slog.Debug("unexpected response outside an exchange", "code", v.Code)
	default:
		slog.Debug("unexpected frame from server")
	}
}

// deliver records an incoming message and fires the new-message signal with
// the payload decoded.
func (t *Transport) deliver(msg jim.Message) {
	msg.Text = decodePayload(msg.Text)
	if err := t.mirror.SaveMessage(context.Background(), msg.Sender, t.username, msg.Text); err != nil {
		slog.Error("record received message", "err", err)
	}
	t.cbMu.RLock()
	fn := t.onMessage
	t.cbMu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

// handleReset refreshes both mirrors and fires the roster-invalidated signal.
func (t *Transport) handleReset() {
	if err := t.RefreshUsers(); err != nil {
		slog.Error("refresh users after reset", "err", err)
	}
	if err := t.RefreshContacts(); err != nil {
		slog.Error("refresh contacts after reset", "err", err)
	}
	t.cbMu.RLock()
	fn := t.onRosterChanged
	t.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}

// fail flips the running flag exactly once and fires connection-lost.
func (t *Transport) fail() {
	if !t.running.CompareAndSwap(true, false) {
		return
	}
	t.cbMu.RLock()
	fn := t.onConnectionLost
	t.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}

// writeConn sends one frame under the write deadline.
func (t *Transport) writeConn(f jim.Frame) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(replyTimeout))
	defer t.conn.SetWriteDeadline(time.Time{}) //nolint:errcheck
	return jim.WriteFrame(t.conn, f)
}

// readFrame reads one frame under the given deadline.
func (t *Transport) readFrame(timeout time.Duration) (jim.Frame, error) {
	_ = t.conn.SetReadDeadline(time.Now().Add(timeout))
	defer t.conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	return jim.ReadFrame(t.conn)
}

// readReply reads one frame during the handshake and requires it to be a
// Response.
func (t *Transport) readReply() (jim.Response, error) {
	f, err := t.readFrame(replyTimeout)
	if err != nil {
		return jim.Response{}, err
	}
	resp, ok := f.(jim.Response)
	if !ok {
		return jim.Response{}, fmt.Errorf("expected a response frame, got %T", f)
	}
	return resp, nil
}

// isFatal reports whether a request error means the session is dead (as
// opposed to a malformed but survivable exchange).
func isFatal(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

// decodePayload undoes the client-side base64 encoding of MESSAGE_TEXT. The
// encoding is fixed by the protocol, so a payload that does not decode comes
// from a non-conforming peer: it is logged as an anomaly and delivered as
// received rather than dropped.
func decodePayload(text string) string {
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		slog.Warn("message payload is not base64, delivering raw", "err", err)
		return text
	}
	return string(raw)
}

func timestamp() string {
	return time.Now().Format(time.RFC1123)
}
