// Package server implements the relay: the accept loop, the authoritative
// session registry, the authentication handshake and the message router.
package server

import (
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"herochat/config"
	hlog "herochat/logging"
	"herochat/store"
	"herochat/wire"
)

type Server struct {
	store *store.Store
	cfg   *config.Server
	log   *logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	listener net.Listener
	quit     chan struct{}
	wg       sync.WaitGroup
}

// Session binds one authenticated account to one live connection. At most
// one exists per account at any instant.
type Session struct {
	Account   string
	Conn      net.Conn
	Addr      string
	LoginTime time.Time

	// writeMu serializes writes: the owning connection goroutine, the
	// router forwarding on behalf of a peer, and the liveness ticker all
	// write to this conn.
	writeMu sync.Mutex
}

func New(st *store.Store, cfg *config.Server, logBackend *hlog.Backend) *Server {
	return &Server{
		store:    st,
		cfg:      cfg,
		log:      logBackend.GetLogger("server"),
		sessions: make(map[string]*Session),
		quit:     make(chan struct{}),
	}
}

// Start listens and serves until Shutdown. It returns on listener failure
// only; per-connection failures never escalate here.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.log.Noticef("herochat relay listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.probeLoop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			s.log.Errorf("accept: %v", err)
			continue
		}
		connectionsAccepted.Inc()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Addr returns the bound listener address, once Start has claimed it.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown notifies every live session, closes all connections and stops
// the listener. Safe to call once.
func (s *Server) Shutdown() {
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}

	notice := &wire.Envelope{Action: wire.ActionExit, Time: time.Now().Unix()}
	for _, sess := range s.sessionSnapshot() {
		s.send(sess, notice)
		s.deregister(sess)
	}
	s.wg.Wait()
	s.log.Noticef("shutdown complete")
}

// handleConnection services one socket for its whole life: handshake first,
// then authenticated dispatch. Any decode or I/O failure tears down this
// connection and nothing else.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.log.Infof("connection from %s", remote)

	rd := wire.NewReader(conn)
	sess, err := s.authorize(conn, rd)
	if err != nil {
		handshakesRejected.Inc()
		s.log.Infof("handshake with %s failed: %v", remote, err)
		return
	}
	handshakesAccepted.Inc()
	defer s.deregister(sess)

	s.log.Noticef("%s authenticated from %s", sess.Account, remote)

	for {
		env, err := rd.ReadEnvelope(s.cfg.ReadDeadline())
		if err != nil {
			if wire.IsTimeout(err) {
				// Idle is fine; liveness is the probe's job.
				continue
			}
			select {
			case <-s.quit:
			default:
				s.log.Infof("%s disconnected: %v", sess.Account, err)
			}
			return
		}

		if !s.dispatch(sess, env) {
			return
		}
	}
}

// send writes one envelope to a session, serialized against concurrent
// writers on the same conn. The registry lock is never held here.
func (s *Server) send(sess *Session, env *wire.Envelope) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	return wire.WriteEnvelope(sess.Conn, env, s.cfg.WriteDeadline())
}

// register claims the account for sess. It fails when a live session
// already holds the name; concurrent handshake attempts race on the
// registry lock with exactly one winner.
func (s *Server) register(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.Account]; ok {
		return false
	}
	s.sessions[sess.Account] = sess
	activeSessions.Set(float64(len(s.sessions)))
	return true
}

// deregister removes the session, closes its connection and records the
// logout. It does not delete the account. Deregistering a session that
// already lost its slot is a no-op.
func (s *Server) deregister(sess *Session) {
	s.mu.Lock()
	current, ok := s.sessions[sess.Account]
	if !ok || current != sess {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sess.Account)
	activeSessions.Set(float64(len(s.sessions)))
	s.mu.Unlock()

	sess.Conn.Close()
	if err := s.store.RecordLogout(sess.Account); err != nil {
		s.log.Errorf("record logout for %s: %v", sess.Account, err)
	}
	s.log.Infof("session for %s closed", sess.Account)
}

func (s *Server) session(account string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[account]
	return sess, ok
}

func (s *Server) sessionSnapshot() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// probeLoop periodically pushes a liveness probe to every session. A write
// failure means the peer is gone: tear the session down. This ticker is the
// only other goroutine that walks the registry; the snapshot keeps the lock
// out of the socket writes.
func (s *Server) probeLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ProbePeriod())
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
		}
		s.ProbeSessions()
	}
}

// ProbeSessions pushes one liveness probe to every session, tearing down
// those whose connection is gone. Besides the periodic ticker, the control
// surface runs a sweep after account changes so live clients know to
// refresh their account view.
func (s *Server) ProbeSessions() {
	probe := wire.Probe()
	for _, sess := range s.sessionSnapshot() {
		if err := s.send(sess, probe); err != nil {
			probesFailed.Inc()
			s.log.Infof("probe to %s failed, dropping session: %v", sess.Account, err)
			s.deregister(sess)
		}
	}
}

// ActiveSessions reports the live account names, for the control surface.
func (s *Server) ActiveSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.sessions))
	for name := range s.sessions {
		names = append(names, name)
	}
	return names
}
