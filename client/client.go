// Package client is the transport side of the relay protocol: one
// persistent connection per process, synchronous request/response calls,
// and a background receive loop for server pushes.
//
// One socket is shared between callers and the receive loop, so every read
// and write goes through a single mutex; a call's response and an unrelated
// pushed message are never interleaved mid-frame. Tearing the connection
// down is the only cancellation primitive.
package client

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"herochat/auth"
	"herochat/keys"
	hlog "herochat/logging"
	"herochat/wire"
)

const (
	dialAttempts = 5
	dialBackoff  = time.Second
	dialTimeout  = 5 * time.Second

	// pushWait bounds one background read; short so callers get the
	// socket lock back quickly.
	pushWait  = 500 * time.Millisecond
	pushPause = 250 * time.Millisecond

	defaultCallTimeout = 10 * time.Second
)

var (
	// ErrServerUnreachable means every dial attempt failed.
	ErrServerUnreachable = errors.New("client: cannot reach server")

	// ErrConnectionLost means the connection is gone; the session is over.
	ErrConnectionLost = errors.New("client: connection lost")

	// ErrNotConnected means the transport has no live session.
	ErrNotConnected = errors.New("client: not connected")
)

// ServerError is a rejection from the relay: a machine-distinguishable
// reason code plus the human-readable text the server sent.
type ServerError struct {
	Reason  string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("client: server rejected request (%s): %s", e.Reason, e.Message)
}

// IsDeliveryFailed reports whether err is a routing failure: the recipient
// had no live session or its connection turned out stale.
func IsDeliveryFailed(err error) bool {
	var se *ServerError
	if !errors.As(err, &se) {
		return false
	}
	return se.Reason == wire.ReasonUnreachable || se.Reason == wire.ReasonStaleSession
}

// Config carries what the transport needs to establish a session.
type Config struct {
	// Server is the relay's TCP address.
	Server string

	// Account and Password identify this client.
	Account  string
	Password string

	// Keys is the local keypair; the public half is sent at presence.
	Keys *keys.Pair

	// CallTimeout bounds a synchronous request/response exchange.
	// Expiry is escalated to a connection-lost condition.
	CallTimeout time.Duration

	// OnMessage receives pushed message envelopes. The payload is opaque
	// to the transport; decryption is the caller's business.
	OnMessage func(*wire.Envelope)

	// OnConnectionLost fires once when the connection dies.
	OnConnectionLost func()

	// OnSessionInvalidated fires on a server liveness probe; the server
	// may have deregistered this session, and re-validating is the
	// application's decision.
	OnSessionInvalidated func()
}

type Transport struct {
	cfg Config
	log *logging.Logger

	// sockMu serializes all socket reads and writes.
	sockMu sync.Mutex
	conn   net.Conn
	rd     *wire.Reader

	// pushCh feeds server pushes to a single dispatch goroutine, so
	// callbacks fire one at a time in arrival order.
	pushCh chan *wire.Envelope

	closed    chan struct{}
	closeOnce sync.Once
	lostOnce  sync.Once
	connMu    sync.Mutex
	up        bool
}

func New(cfg Config, logBackend *hlog.Backend) *Transport {
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	return &Transport{
		cfg:    cfg,
		log:    logBackend.GetLogger("client"),
		pushCh: make(chan *wire.Envelope, 64),
		closed: make(chan struct{}),
	}
}

// Dial connects with bounded retries and fixed backoff, then runs the
// authentication handshake. On success the background receive loop starts.
func (t *Transport) Dial() error {
	var conn net.Conn
	var err error
	for i := 0; i < dialAttempts; i++ {
		t.log.Infof("connection attempt %d", i+1)
		conn, err = net.DialTimeout("tcp", t.cfg.Server, dialTimeout)
		if err == nil {
			break
		}
		time.Sleep(dialBackoff)
	}
	if conn == nil {
		t.log.Critical("failed to connect to %s: %v", t.cfg.Server, err)
		return ErrServerUnreachable
	}
	t.conn = conn
	t.rd = wire.NewReader(conn)

	if err := t.login(); err != nil {
		conn.Close()
		return err
	}

	t.connMu.Lock()
	t.up = true
	t.connMu.Unlock()

	go t.dispatchLoop()
	go t.receiveLoop()
	t.log.Infof("session established for %s", t.cfg.Account)
	return nil
}

// login runs the client side of the challenge-response handshake.
func (t *Transport) login() error {
	pubkey, err := t.cfg.Keys.PublicPEM()
	if err != nil {
		return err
	}

	t.sockMu.Lock()
	defer t.sockMu.Unlock()

	presence := &wire.Envelope{
		Action:  wire.ActionPresence,
		Time:    time.Now().Unix(),
		Account: t.cfg.Account,
		Data:    pubkey,
	}
	if err := wire.WriteEnvelope(t.conn, presence, t.cfg.CallTimeout); err != nil {
		return ErrConnectionLost
	}

	challenge, err := t.rd.ReadEnvelope(t.cfg.CallTimeout)
	if err != nil {
		return ErrConnectionLost
	}
	if challenge.Response == wire.StatusError {
		return &ServerError{Reason: challenge.Reason, Message: challenge.Error}
	}
	if challenge.Response != wire.StatusChallenge {
		return fmt.Errorf("client: unexpected handshake response %d", challenge.Response)
	}

	verifier := auth.DeriveVerifier(t.cfg.Account, t.cfg.Password)
	digest := auth.Digest(verifier, challenge.Data)
	reply := &wire.Envelope{
		Response: wire.StatusChallenge,
		Time:     time.Now().Unix(),
		Data:     base64.StdEncoding.EncodeToString(digest),
	}
	if err := wire.WriteEnvelope(t.conn, reply, t.cfg.CallTimeout); err != nil {
		return ErrConnectionLost
	}

	final, err := t.rd.ReadEnvelope(t.cfg.CallTimeout)
	if err != nil {
		return ErrConnectionLost
	}
	if final.Response != wire.StatusOK {
		return &ServerError{Reason: final.Reason, Message: final.Error}
	}
	return nil
}

// Close sends a best-effort exit envelope and tears the connection down.
// Send failure is ignored; the socket is going away regardless.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.connMu.Lock()
		wasUp := t.up
		t.up = false
		t.connMu.Unlock()

		close(t.closed)

		if wasUp {
			exit := &wire.Envelope{
				Action:  wire.ActionExit,
				Time:    time.Now().Unix(),
				Account: t.cfg.Account,
			}
			t.sockMu.Lock()
			wire.WriteEnvelope(t.conn, exit, time.Second)
			t.sockMu.Unlock()
		}
		if t.conn != nil {
			t.conn.Close()
		}
		t.log.Infof("transport shut down")
	})
}

// Connected reports whether the session is live.
func (t *Transport) Connected() bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.up
}

// receiveLoop waits for server pushes that are not responses to an
// outstanding call: incoming messages and liveness probes. It shares the
// socket with callers and only holds the lock for one short bounded read.
func (t *Transport) receiveLoop() {
	for {
		select {
		case <-t.closed:
			return
		case <-time.After(pushPause):
		}

		t.sockMu.Lock()
		env, err := t.rd.ReadEnvelope(pushWait)
		t.sockMu.Unlock()

		if err != nil {
			if wire.IsTimeout(err) {
				continue
			}
			select {
			case <-t.closed:
			default:
				t.log.Critical("connection lost: %v", err)
				t.connectionLost()
			}
			return
		}
		t.enqueuePush(env)
	}
}

// enqueuePush hands a pushed envelope to the dispatch goroutine. Both the
// receive loop and calls waiting on a response feed this queue, so callbacks
// observe pushes in wire arrival order no matter which path read them.
func (t *Transport) enqueuePush(env *wire.Envelope) {
	select {
	case t.pushCh <- env:
	case <-t.closed:
	}
}

func (t *Transport) dispatchLoop() {
	for {
		select {
		case <-t.closed:
			return
		case env := <-t.pushCh:
			t.handlePush(env)
		}
	}
}

// handlePush dispatches one pushed envelope to the matching callback.
func (t *Transport) handlePush(env *wire.Envelope) {
	switch {
	case env.Response == wire.StatusProbe:
		t.log.Debugf("liveness probe from server")
		if t.cfg.OnSessionInvalidated != nil {
			t.cfg.OnSessionInvalidated()
		}
	case env.Action == wire.ActionMessage:
		t.log.Debugf("message from %s", env.Sender)
		if t.cfg.OnMessage != nil {
			t.cfg.OnMessage(env)
		}
	case env.Action == wire.ActionExit:
		// Server-initiated shutdown.
		t.connectionLost()
	default:
		t.log.Debugf("ignoring unexpected push: action=%q response=%d", env.Action, env.Response)
	}
}

func (t *Transport) connectionLost() {
	t.lostOnce.Do(func() {
		t.connMu.Lock()
		t.up = false
		t.connMu.Unlock()
		if t.conn != nil {
			t.conn.Close()
		}
		if t.cfg.OnConnectionLost != nil {
			t.cfg.OnConnectionLost()
		}
	})
}

// call performs one synchronous request/response exchange. Pushes that
// arrive while waiting are dispatched in order. The whole exchange is
// bounded by CallTimeout; expiry escalates to connection-lost.
func (t *Transport) call(req *wire.Envelope) (*wire.Envelope, error) {
	if !t.Connected() {
		return nil, ErrNotConnected
	}

	t.sockMu.Lock()
	defer t.sockMu.Unlock()

	if err := wire.WriteEnvelope(t.conn, req, t.cfg.CallTimeout); err != nil {
		t.connectionLost()
		return nil, ErrConnectionLost
	}

	deadline := time.Now().Add(t.cfg.CallTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.log.Critical("no reply within %v, dropping connection", t.cfg.CallTimeout)
			t.connectionLost()
			return nil, ErrConnectionLost
		}
		env, err := t.rd.ReadEnvelope(remaining)
		if err != nil {
			if wire.IsTimeout(err) {
				continue
			}
			t.connectionLost()
			return nil, ErrConnectionLost
		}
		if env.IsResponse() {
			if env.Response == wire.StatusError {
				return nil, &ServerError{Reason: env.Reason, Message: env.Error}
			}
			return env, nil
		}
		// An interleaved push; queue it so arrival order is preserved.
		t.enqueuePush(env)
	}
}

// Contacts returns this account's contact list.
func (t *Transport) Contacts() ([]string, error) {
	resp, err := t.call(&wire.Envelope{
		Action:  wire.ActionGetContacts,
		Time:    time.Now().Unix(),
		Account: t.cfg.Account,
	})
	if err != nil {
		return nil, err
	}
	return resp.List, nil
}

// AddContact adds a directed contact edge; duplicates are no-ops.
func (t *Transport) AddContact(name string) error {
	_, err := t.call(&wire.Envelope{
		Action:      wire.ActionAddContact,
		Time:        time.Now().Unix(),
		Account:     t.cfg.Account,
		Destination: name,
	})
	return err
}

// RemoveContact removes a contact edge; a missing edge is a no-op.
func (t *Transport) RemoveContact(name string) error {
	_, err := t.call(&wire.Envelope{
		Action:      wire.ActionRemoveContact,
		Time:        time.Now().Unix(),
		Account:     t.cfg.Account,
		Destination: name,
	})
	return err
}

// Accounts returns every registered account name, sessioned or not.
func (t *Transport) Accounts() ([]string, error) {
	resp, err := t.call(&wire.Envelope{
		Action:  wire.ActionListAccounts,
		Time:    time.Now().Unix(),
		Account: t.cfg.Account,
	})
	if err != nil {
		return nil, err
	}
	return resp.List, nil
}

// PublicKeyOf resolves an account's stored encryption key. Keys persist
// independent of sessions, so offline recipients still resolve.
func (t *Transport) PublicKeyOf(name string) (*rsa.PublicKey, error) {
	resp, err := t.call(&wire.Envelope{
		Action:      wire.ActionPublicKey,
		Time:        time.Now().Unix(),
		Account:     t.cfg.Account,
		Destination: name,
	})
	if err != nil {
		return nil, err
	}
	return keys.ParsePublicPEM(resp.Data)
}

// Send relays an opaque payload to another account. The relay forwards the
// payload byte-for-byte; a recipient without a live session is a delivery
// failure, not a queued message.
func (t *Transport) Send(to, payload string) error {
	_, err := t.call(&wire.Envelope{
		Action:      wire.ActionMessage,
		Time:        time.Now().Unix(),
		Sender:      t.cfg.Account,
		Destination: to,
		Payload:     payload,
	})
	return err
}

// SendEncrypted resolves the recipient's public key, encrypts plaintext for
// it and relays the result.
func (t *Transport) SendEncrypted(to string, plaintext []byte) error {
	pub, err := t.PublicKeyOf(to)
	if err != nil {
		return err
	}
	payload, err := keys.Encrypt(pub, plaintext)
	if err != nil {
		return err
	}
	return t.Send(to, payload)
}
