package server

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"

	"jimchat/internal/auth"
	"jimchat/internal/jim"
	"jimchat/internal/store"
)

// Human-readable 400 reasons. Part of the observable protocol.
const (
	errNameTaken     = "name already taken"
	errNotRegistered = "not registered"
	errWrongPassword = "wrong password"
	errUnknownUser   = "user not registered"
	errNoPublicKey   = "no public key"
	errBadRequest    = "bad request"
)

// dispatch routes one decoded frame according to the connection state
// machine: Unbound -> Challenged -> Bound.
func (p *Processor) dispatch(pr *peer, f jim.Frame) {
	switch pr.state {
	case stateUnbound:
		presence, ok := f.(jim.Presence)
		if !ok {
			p.reject(pr, errBadRequest)
			return
		}
		p.startAuth(pr, presence)
	case stateChallenged:
		p.finishAuth(pr, f)
	case stateBound:
		p.dispatchBound(pr, f)
	}
}

// startAuth handles a PRESENCE frame on an unbound connection: it checks the
// account and emits the 511 challenge. The expected digest is computed up
// front so the stored hash is read exactly once per handshake.
func (p *Processor) startAuth(pr *peer, f jim.Presence) {
	ctx := context.Background()
	name := strings.TrimSpace(f.User.AccountName)
	slog.Debug("handshake started", "account", name, "peer", pr.conn.RemoteAddr())

	if name == "" {
		p.reject(pr, errBadRequest)
		return
	}
	if _, bound := p.sessions.Conn(name); bound {
		authFailures.Inc()
		p.reject(pr, errNameTaken)
		return
	}
	exists, err := p.db.Check(ctx, name)
	if err != nil {
		slog.Error("account check failed", "account", name, "err", err)
		p.evict(pr.conn)
		return
	}
	if !exists {
		authFailures.Inc()
		p.reject(pr, errNotRegistered)
		return
	}

	hash, err := p.db.HashOf(ctx, name)
	if err != nil {
		slog.Error("password hash lookup failed", "account", name, "err", err)
		p.evict(pr.conn)
		return
	}
	nonce, err := auth.NewNonce()
	if err != nil {
		slog.Error("nonce generation failed", "err", err)
		p.evict(pr.conn)
		return
	}
	if err := p.write(pr.conn, jim.Response{Code: jim.CodeAuth, Data: nonce}); err != nil {
		slog.Debug("challenge send failed", "account", name, "err", err)
		p.evict(pr.conn)
		return
	}

	pr.state = stateChallenged
	pr.pendingName = name
	pr.pendingKey = f.User.PublicKey
	pr.expected = auth.Proof(hash, nonce)
}

// finishAuth verifies the proof frame. On success the connection is bound
// and the login recorded; on any failure the connection is dropped without
// ever entering a half-bound state.
func (p *Processor) finishAuth(pr *peer, f jim.Frame) {
	resp, ok := f.(jim.Response)
	if !ok || resp.Code != jim.CodeAuth {
		authFailures.Inc()
		p.reject(pr, errWrongPassword)
		return
	}
	digest, err := base64.StdEncoding.DecodeString(strings.TrimSpace(resp.Data))
	if err != nil || !auth.VerifyProof(pr.expected, digest) {
		authFailures.Inc()
		slog.Info("authentication failed", "account", pr.pendingName, "peer", pr.conn.RemoteAddr())
		p.reject(pr, errWrongPassword)
		return
	}

	// A second handshake for the same name may have raced ours between the
	// challenge and the proof.
	if err := p.sessions.Bind(pr.pendingName, pr.conn); err != nil {
		authFailures.Inc()
		p.reject(pr, errNameTaken)
		return
	}

	host, port := remoteHostPort(pr.conn)
	if err := p.db.Login(context.Background(), pr.pendingName, host, port, pr.pendingKey); err != nil {
		slog.Error("login record failed", "account", pr.pendingName, "err", err)
		p.sessions.UnbindName(pr.pendingName)
		p.evict(pr.conn)
		return
	}

	pr.state = stateBound
	pr.name = pr.pendingName
	pr.pendingName, pr.pendingKey, pr.expected = "", "", nil
	activeSessions.Set(float64(p.sessions.Len()))
	slog.Info("session bound", "account", pr.name, "peer", pr.conn.RemoteAddr())

	p.reply(pr, jim.Response{Code: jim.CodeOK})
}

// dispatchBound handles the request table for an authenticated peer. Every
// owner-scoped frame must claim the origin bound to this connection; a
// mismatch is a protocol violation that closes the connection.
func (p *Processor) dispatchBound(pr *peer, f jim.Frame) {
	ctx := context.Background()
	switch v := f.(type) {
	case jim.Message:
		if v.Sender != pr.name {
			p.reject(pr, errBadRequest)
			return
		}
		p.routeMessage(pr, v)

	case jim.GetContacts:
		if v.User != pr.name {
			p.reject(pr, errBadRequest)
			return
		}
		contacts, err := p.db.ContactsOf(ctx, pr.name)
		if err != nil {
			slog.Error("contacts lookup failed", "account", pr.name, "err", err)
			p.evict(pr.conn)
			return
		}
		p.reply(pr, jim.Response{Code: jim.CodeList, ListInfo: contacts})

	case jim.AddContact:
		if v.User != pr.name {
			p.reject(pr, errBadRequest)
			return
		}
		if err := p.db.AddContact(ctx, pr.name, v.AccountName); err != nil {
			slog.Error("add contact failed", "account", pr.name, "contact", v.AccountName, "err", err)
			p.evict(pr.conn)
			return
		}
		p.reply(pr, jim.Response{Code: jim.CodeOK})

	case jim.RemoveContact:
		if v.User != pr.name {
			p.reject(pr, errBadRequest)
			return
		}
		if err := p.db.RemoveContact(ctx, pr.name, v.AccountName); err != nil {
			slog.Error("remove contact failed", "account", pr.name, "contact", v.AccountName, "err", err)
			p.evict(pr.conn)
			return
		}
		p.reply(pr, jim.Response{Code: jim.CodeOK})

	case jim.UsersRequest:
		if v.AccountName != pr.name {
			p.reject(pr, errBadRequest)
			return
		}
		names, err := p.db.UserNames(ctx)
		if err != nil {
			slog.Error("user list failed", "err", err)
			p.evict(pr.conn)
			return
		}
		p.reply(pr, jim.Response{Code: jim.CodeList, ListInfo: names})

	case jim.PublicKeyRequest:
		// ACCOUNT_NAME here is the lookup target, not the origin.
		key, err := p.db.PublicKeyOf(ctx, v.AccountName)
		if err != nil && !errors.Is(err, store.ErrNotRegistered) {
			slog.Error("public key lookup failed", "account", v.AccountName, "err", err)
			p.evict(pr.conn)
			return
		}
		if key == "" {
			p.reply(pr, jim.Response{Code: jim.CodeBadRequest, Error: errNoPublicKey})
			return
		}
		p.reply(pr, jim.Response{Code: jim.CodeAuth, Data: key})

	case jim.Exit:
		if v.AccountName != pr.name {
			p.reject(pr, errBadRequest)
			return
		}
		slog.Info("client exit", "account", pr.name)
		p.evict(pr.conn)

	default:
		p.reject(pr, errBadRequest)
	}
}

// routeMessage forwards a directed message. 200 on successful forward, 400
// when the destination has no bound session; a failed forward evicts the
// destination and produces no reply at all.
func (p *Processor) routeMessage(pr *peer, msg jim.Message) {
	dest, ok := p.sessions.Conn(msg.Destination)
	if !ok {
		p.reply(pr, jim.Response{Code: jim.CodeBadRequest, Error: errUnknownUser})
		return
	}
	if err := p.write(dest, msg); err != nil {
		slog.Info("forward failed, evicting destination",
			"from", msg.Sender, "to", msg.Destination, "err", err)
		p.evict(dest)
		return
	}
	if err := p.db.CountMessage(context.Background(), msg.Sender, msg.Destination); err != nil {
		slog.Error("message counters failed", "from", msg.Sender, "to", msg.Destination, "err", err)
	}
	messagesRouted.Inc()
	slog.Debug("message routed", "from", msg.Sender, "to", msg.Destination)
	p.reply(pr, jim.Response{Code: jim.CodeOK})
}
