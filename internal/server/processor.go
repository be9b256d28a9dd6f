// Package server implements the message processor: it accepts client
// connections, drives the challenge/response handshake, routes directed
// messages between bound sessions, services roster queries, and broadcasts
// roster-invalidation notices.
//
// All session-table and store mutations happen on the single Run loop
// goroutine. Per-connection readers do nothing but decode frames and forward
// them (or the terminating error) over the events channel, so frames from
// one connection are processed strictly in arrival order and no state needs
// locking.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"jimchat/internal/jim"
	"jimchat/internal/session"
	"jimchat/internal/store"
)

const (
	// acceptTimeout bounds each Accept call so a cleared running flag is
	// observed within one tick.
	acceptTimeout = 500 * time.Millisecond
	// ioTimeout is the per-call deadline for writes to peer sockets.
	ioTimeout = 5 * time.Second
)

type peerState int

const (
	// stateUnbound: connected, nothing accepted but PRESENCE.
	stateUnbound peerState = iota
	// stateChallenged: 511 challenge sent, awaiting the proof frame.
	stateChallenged
	// stateBound: authenticated, entry in the session table.
	stateBound
)

// peer is the per-connection handshake state. Owned by the Run loop.
type peer struct {
	conn  net.Conn
	state peerState
	name  string // account name once bound

	// Challenge state, valid in stateChallenged only.
	pendingName string
	pendingKey  string
	expected    []byte // expected HMAC-MD5 digest over the nonce
}

type eventKind int

const (
	evConnect eventKind = iota
	evFrame
	evError
)

type event struct {
	kind  eventKind
	conn  net.Conn
	frame jim.Frame
	err   error
}

// Processor is the server-side message processor.
type Processor struct {
	db       *store.Storage
	addr     string
	port     int
	ln       net.Listener
	sessions *session.Table
	peers    map[net.Conn]*peer

	events   chan event
	commands chan func()
	running  atomic.Bool
	done     chan struct{}
}

// New creates a processor serving on addr:port against db. Call Listen and
// then Run.
func New(db *store.Storage, addr string, port int) *Processor {
	return &Processor{
		db:       db,
		addr:     addr,
		port:     port,
		sessions: session.NewTable(),
		peers:    make(map[net.Conn]*peer),
		events:   make(chan event),
		commands: make(chan func()),
		done:     make(chan struct{}),
	}
}

// Listen binds the TCP listener. Separate from Run so callers can learn the
// bound address (port 0 in tests) before serving.
func (p *Processor) Listen() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(p.addr, strconv.Itoa(p.port)))
	if err != nil {
		return fmt.Errorf("listen on %s:%d: %w", p.addr, p.port, err)
	}
	p.ln = ln
	slog.Info("server listening", "addr", ln.Addr())
	return nil
}

// Addr returns the bound listen address. Valid after Listen.
func (p *Processor) Addr() net.Addr {
	return p.ln.Addr()
}

// InvalidateRosters asks the loop to broadcast a 205 reset to every bound
// session. Safe to call from any goroutine; a no-op once the loop stopped.
func (p *Processor) InvalidateRosters() {
	select {
	case p.commands <- p.broadcastReset:
	case <-p.done:
	}
}

// Run serves until ctx is cancelled. It owns every mutation of the session
// table and the store; Listen must have been called.
func (p *Processor) Run(ctx context.Context) error {
	if p.ln == nil {
		return fmt.Errorf("server: Run called before Listen")
	}
	p.running.Store(true)
	go p.acceptLoop()

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return nil
		case ev := <-p.events:
			p.handleEvent(ev)
		case cmd := <-p.commands:
			cmd()
		}
	}
}

// acceptLoop accepts sockets under a rolling deadline and hands them to the
// Run loop. It exits once the running flag clears or the listener dies.
func (p *Processor) acceptLoop() {
	for p.running.Load() {
		if tl, ok := p.ln.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(acceptTimeout))
		}
		conn, err := p.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if p.running.Load() {
				slog.Error("accept failed, stopping accept loop", "err", err)
			}
			return
		}
		select {
		case p.events <- event{kind: evConnect, conn: conn}:
		case <-p.done:
			_ = conn.Close()
			return
		}
	}
}

// readLoop decodes frames from one connection and forwards them to the Run
// loop. It never touches processor state. Each read runs under a rolling
// deadline so no single call can block past ioTimeout; an idle connection
// just re-arms. A decode or I/O error is forwarded once and ends the loop;
// the Run loop decides between a 400 reply and a bare eviction.
func (p *Processor) readLoop(conn net.Conn) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(ioTimeout))
		f, err := jim.ReadFrame(conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case p.events <- event{kind: evError, conn: conn, err: err}:
			case <-p.done:
			}
			return
		}
		select {
		case p.events <- event{kind: evFrame, conn: conn, frame: f}:
		case <-p.done:
			return
		}
	}
}

func (p *Processor) handleEvent(ev event) {
	switch ev.kind {
	case evConnect:
		slog.Info("connection accepted", "peer", ev.conn.RemoteAddr())
		p.peers[ev.conn] = &peer{conn: ev.conn, state: stateUnbound}
		connectionsTotal.Inc()
		go p.readLoop(ev.conn)

	case evError:
		pr, ok := p.peers[ev.conn]
		if !ok {
			return // already evicted
		}
		// A well-formed frame with an action outside the protocol gets the
		// dispatcher's catch-all reply before the connection drops.
		if errors.Is(ev.err, jim.ErrUnknownAction) {
			slog.Debug("unsupported action", "peer", ev.conn.RemoteAddr(), "err", ev.err)
			p.reject(pr, errBadRequest)
			return
		}
		slog.Debug("peer read failed", "peer", ev.conn.RemoteAddr(), "err", ev.err)
		p.evict(ev.conn)

	case evFrame:
		pr, ok := p.peers[ev.conn]
		if !ok {
			return // frame raced with an eviction
		}
		framesTotal.Inc()
		p.dispatch(pr, ev.frame)
	}
}

// write sends one frame to conn under the per-call I/O deadline.
func (p *Processor) write(conn net.Conn, f jim.Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	defer conn.SetWriteDeadline(time.Time{}) //nolint:errcheck
	return jim.WriteFrame(conn, f)
}

// reply sends a frame to an established peer, evicting it when the send
// fails.
func (p *Processor) reply(pr *peer, f jim.Frame) {
	if err := p.write(pr.conn, f); err != nil {
		slog.Debug("reply failed, evicting peer", "peer", pr.conn.RemoteAddr(), "err", err)
		p.evict(pr.conn)
	}
}

// reject sends a 400 with reason and drops the connection.
func (p *Processor) reject(pr *peer, reason string) {
	_ = p.write(pr.conn, jim.Response{Code: jim.CodeBadRequest, Error: reason})
	p.evict(pr.conn)
}

// evict removes a connection from the live set, unbinds its session if any,
// and marks the account logged out in the store.
func (p *Processor) evict(conn net.Conn) {
	if _, ok := p.peers[conn]; !ok {
		return
	}
	delete(p.peers, conn)
	_ = conn.Close()
	if name, ok := p.sessions.UnbindConn(conn); ok {
		if err := p.db.Logout(context.Background(), name); err != nil {
			slog.Error("logout failed", "account", name, "err", err)
		}
		slog.Info("session closed", "account", name, "peer", conn.RemoteAddr())
		activeSessions.Set(float64(p.sessions.Len()))
	}
}

// broadcastReset sends a 205 to every bound session. Failed sends evict the
// target, so the roster stays consistent with reality.
func (p *Processor) broadcastReset() {
	for _, name := range p.sessions.Names() {
		conn, ok := p.sessions.Conn(name)
		if !ok {
			continue
		}
		if err := p.write(conn, jim.Response{Code: jim.CodeReset}); err != nil {
			slog.Debug("reset broadcast failed", "account", name, "err", err)
			p.evict(conn)
		}
	}
	slog.Info("roster invalidation broadcast", "sessions", p.sessions.Len())
}

// shutdown closes the listener and every live connection. Messages in flight
// are dropped, not persisted.
func (p *Processor) shutdown() {
	p.running.Store(false)
	close(p.done)
	_ = p.ln.Close()
	for conn := range p.peers {
		p.evict(conn)
	}
	slog.Info("server stopped")
}
