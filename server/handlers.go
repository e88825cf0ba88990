package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"time"

	"herochat/auth"
	"herochat/store"
	"herochat/wire"
)

// authorize runs the server side of the challenge-response handshake on a
// fresh connection. On success the returned session is registered and the
// login is persisted; on any failure the caller closes the connection.
func (s *Server) authorize(conn net.Conn, rd *wire.Reader) (*Session, error) {
	env, err := rd.ReadEnvelope(s.cfg.ReadDeadline())
	if err != nil {
		return nil, err
	}
	if env.Action != wire.ActionPresence || env.Account == "" {
		wire.WriteEnvelope(conn, wire.Errorf(wire.ReasonBadRequest, "presence expected"), s.cfg.WriteDeadline())
		return nil, fmt.Errorf("first envelope is not a presence")
	}

	account := env.Account
	pubkey := env.Data

	if _, ok := s.session(account); ok {
		wire.WriteEnvelope(conn, wire.Errorf(wire.ReasonAlreadyConnected, "account %s is already connected", account), s.cfg.WriteDeadline())
		return nil, fmt.Errorf("%s already has a session", account)
	}

	verifier, err := s.store.VerifierOf(account)
	if errors.Is(err, store.ErrNoAccount) {
		wire.WriteEnvelope(conn, wire.Errorf(wire.ReasonNotRegistered, "account %s is not registered", account), s.cfg.WriteDeadline())
		return nil, fmt.Errorf("%s is not registered", account)
	}
	if err != nil {
		wire.WriteEnvelope(conn, wire.Errorf(wire.ReasonStoreError, "internal error"), s.cfg.WriteDeadline())
		return nil, err
	}

	nonce, err := auth.NewNonce()
	if err != nil {
		return nil, err
	}
	expected := auth.Digest(verifier, nonce)

	if err := wire.WriteEnvelope(conn, wire.Challenge(nonce), s.cfg.WriteDeadline()); err != nil {
		return nil, err
	}
	reply, err := rd.ReadEnvelope(s.cfg.ReadDeadline())
	if err != nil {
		return nil, err
	}
	digest, decodeErr := base64.StdEncoding.DecodeString(reply.Data)
	if reply.Response != wire.StatusChallenge || decodeErr != nil || !auth.Verify(expected, digest) {
		wire.WriteEnvelope(conn, wire.Errorf(wire.ReasonBadDigest, "incorrect password"), s.cfg.WriteDeadline())
		return nil, fmt.Errorf("digest mismatch for %s", account)
	}

	sess := &Session{
		Account:   account,
		Conn:      conn,
		Addr:      conn.RemoteAddr().String(),
		LoginTime: time.Now().UTC(),
	}
	if !s.register(sess) {
		// Lost the race against a concurrent handshake for the same name.
		wire.WriteEnvelope(conn, wire.Errorf(wire.ReasonAlreadyConnected, "account %s is already connected", account), s.cfg.WriteDeadline())
		return nil, fmt.Errorf("%s already has a session", account)
	}
	if err := s.store.RecordLogin(account, sess.Addr, pubkey); err != nil {
		s.deregister(sess)
		wire.WriteEnvelope(conn, wire.Errorf(wire.ReasonStoreError, "internal error"), s.cfg.WriteDeadline())
		return nil, err
	}
	if err := s.send(sess, wire.OK()); err != nil {
		s.deregister(sess)
		return nil, err
	}
	return sess, nil
}

// dispatch routes one authenticated envelope. The claimed identity must
// match the account bound to the connection; a forged sender field is
// rejected without touching the registry. Returns false when the connection
// should be torn down.
func (s *Server) dispatch(sess *Session, env *wire.Envelope) bool {
	if claimed := claimedIdentity(env); claimed != "" && claimed != sess.Account {
		s.log.Warningf("%s claimed identity %q, rejecting", sess.Account, claimed)
		s.send(sess, wire.Errorf(wire.ReasonSpoofedSender, "sender does not match session"))
		return true
	}

	switch env.Action {
	case wire.ActionMessage:
		s.route(sess, env)
	case wire.ActionExit:
		return false
	case wire.ActionGetContacts:
		s.handleGetContacts(sess)
	case wire.ActionAddContact:
		s.handleAddContact(sess, env)
	case wire.ActionRemoveContact:
		s.handleRemoveContact(sess, env)
	case wire.ActionListAccounts:
		s.handleListAccounts(sess)
	case wire.ActionPublicKey:
		s.handlePublicKey(sess, env)
	default:
		s.send(sess, wire.Errorf(wire.ReasonBadRequest, "incorrect request"))
	}
	return true
}

// claimedIdentity extracts whichever identity field the request carries.
func claimedIdentity(env *wire.Envelope) string {
	if env.Sender != "" {
		return env.Sender
	}
	return env.Account
}

// route forwards a message envelope unmodified to the destination session
// and acknowledges the sender. There is no queuing: an unreachable
// destination is a delivery failure, and neither side's counters move.
func (s *Server) route(sess *Session, env *wire.Envelope) {
	if env.Destination == "" {
		s.send(sess, wire.Errorf(wire.ReasonBadRequest, "destination required"))
		return
	}

	dest, ok := s.session(env.Destination)
	if !ok {
		deliveriesFailed.Inc()
		s.send(sess, wire.Errorf(wire.ReasonUnreachable, "recipient %s is not reachable", env.Destination))
		return
	}

	if err := s.send(dest, env); err != nil {
		// The destination's connection is stale; it only finds out now.
		deliveriesFailed.Inc()
		s.log.Infof("forward to %s failed, dropping session: %v", dest.Account, err)
		s.deregister(dest)
		s.send(sess, wire.Errorf(wire.ReasonStaleSession, "recipient %s is not reachable", env.Destination))
		return
	}

	messagesRouted.Inc()
	if err := s.store.BumpSent(sess.Account); err != nil {
		s.log.Errorf("bump sent for %s: %v", sess.Account, err)
	}
	if err := s.store.BumpAccepted(dest.Account); err != nil {
		s.log.Errorf("bump accepted for %s: %v", dest.Account, err)
	}
	s.send(sess, wire.OK())
}

func (s *Server) handleGetContacts(sess *Session) {
	contacts, err := s.store.ContactsOf(sess.Account)
	if err != nil {
		s.log.Errorf("contacts of %s: %v", sess.Account, err)
		s.send(sess, wire.Errorf(wire.ReasonStoreError, "internal error"))
		return
	}
	s.send(sess, wire.OKList(contacts))
}

func (s *Server) handleAddContact(sess *Session, env *wire.Envelope) {
	if env.Destination == "" {
		s.send(sess, wire.Errorf(wire.ReasonBadRequest, "contact required"))
		return
	}
	err := s.store.AddContact(sess.Account, env.Destination)
	if errors.Is(err, store.ErrNoAccount) {
		s.send(sess, wire.Errorf(wire.ReasonNotRegistered, "no such account: %s", env.Destination))
		return
	}
	if err != nil {
		s.log.Errorf("add contact %s -> %s: %v", sess.Account, env.Destination, err)
		s.send(sess, wire.Errorf(wire.ReasonStoreError, "internal error"))
		return
	}
	s.send(sess, wire.OK())
}

func (s *Server) handleRemoveContact(sess *Session, env *wire.Envelope) {
	if env.Destination == "" {
		s.send(sess, wire.Errorf(wire.ReasonBadRequest, "contact required"))
		return
	}
	if err := s.store.RemoveContact(sess.Account, env.Destination); err != nil {
		s.log.Errorf("remove contact %s -> %s: %v", sess.Account, env.Destination, err)
		s.send(sess, wire.Errorf(wire.ReasonStoreError, "internal error"))
		return
	}
	s.send(sess, wire.OK())
}

func (s *Server) handleListAccounts(sess *Session) {
	names, err := s.store.ListAccounts()
	if err != nil {
		s.log.Errorf("list accounts: %v", err)
		s.send(sess, wire.Errorf(wire.ReasonStoreError, "internal error"))
		return
	}
	s.send(sess, wire.OKList(names))
}

// handlePublicKey resolves a stored public key. Keys persist independent of
// sessions, so an offline account's key is still served.
func (s *Server) handlePublicKey(sess *Session, env *wire.Envelope) {
	target := env.Destination
	if target == "" {
		s.send(sess, wire.Errorf(wire.ReasonBadRequest, "account required"))
		return
	}
	key, err := s.store.PublicKeyOf(target)
	if errors.Is(err, store.ErrNoKey) || errors.Is(err, store.ErrNoAccount) {
		s.send(sess, wire.Errorf(wire.ReasonNoKey, "no public key for %s", target))
		return
	}
	if err != nil {
		s.log.Errorf("public key of %s: %v", target, err)
		s.send(sess, wire.Errorf(wire.ReasonStoreError, "internal error"))
		return
	}
	s.send(sess, wire.Challenge(key))
}
