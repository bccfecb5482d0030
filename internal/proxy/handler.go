// Package proxy wires the MySQL wire protocol (internal/backend) onto
// the routing-worker event loop (internal/worker) through a Handler:
// it owns the accept-time synthetic handshake, authenticates the
// client against the owning service's configured credentials, and
// then drives routed commands non-blockingly from whichever worker
// goroutine currently owns the session (spec.md §4.2a, §4.4, §4.6).
//
// Grounded on the teacher's internal/proxy MySQLHandler, which ran one
// blocking goroutine per connection and relayed with io.Copy; this
// replaces that with the same protocol moves (synthetic handshake,
// auth check, per-command forward-and-drain) expressed as the
// non-blocking OnClientReadable/OnBackendReadable callbacks the
// runtime's single-threaded-per-worker model requires.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/routingcore/proxy/internal/backend"
	"github.com/routingcore/proxy/internal/metrics"
	"github.com/routingcore/proxy/internal/router"
	"github.com/routingcore/proxy/internal/server"
	"github.com/routingcore/proxy/internal/session"
	"github.com/routingcore/proxy/internal/worker"
	"github.com/routingcore/proxy/internal/wire"
)

// readChunk is how many bytes Handler reads off a readable fd per
// callback invocation, matching the teacher's fixed-size relay buffer.
const readChunk = 16 * 1024

// ServiceBinding is everything a Handler needs to stand up one
// configured service (spec.md §6's service section): the router and
// candidate set sessions route through, and the credentials the proxy
// itself authenticates clients against and presents to backends.
type ServiceBinding struct {
	Name       string
	Router     router.Router
	Candidates []*server.Server

	BackendUsername string
	BackendPassword string

	ConnectionTimeout time.Duration
	NetWriteTimeout   time.Duration
}

// Handler implements worker.SessionHandler for one ServiceBinding. A
// Runtime with multiple listeners/services runs one Handler per
// service, each with its own AcceptHook bound to the listener that
// serves it.
type Handler struct {
	binding ServiceBinding
	metrics *metrics.Collector
	logger  *slog.Logger

	nextConnID uint32
}

// NewHandler builds a Handler bound to one service.
func NewHandler(binding ServiceBinding, m *metrics.Collector, logger *slog.Logger) *Handler {
	return &Handler{binding: binding, metrics: m, logger: logger}
}

// handshakePhase tracks where a session sits in the pre-routing
// handshake dance, before any command has been routed to a backend.
type handshakePhase int

const (
	phaseAwaitingHandshakeResponse handshakePhase = iota
	phaseRouting
)

// connState is the protocol-level bookkeeping a Handler stashes on
// session.Session.HandlerState (spec.md §4.2a): the synthetic
// handshake's scramble (needed to verify the client's auth response),
// a client-facing byte accumulation buffer, which command is
// currently in flight on the held backend (needed by ObserveReply
// once its reply completes), and the handshake phase.
type connState struct {
	phase       handshakePhase
	connID      uint32
	scramble    []byte
	inbuf       []byte
	pendingCmd  []byte
	pinRecorded bool

	// clientDatabase is the schema the client's HandshakeResponse41
	// requested, reused every time a fresh backend connection is dialed
	// for this session so the backend starts on the schema the client
	// asked the proxy for.
	clientDatabase string

	// handler is the Handler that accepted this session, so a
	// multi-service Dispatcher can route a session's callbacks back to
	// the right ServiceBinding without per-session lookups.
	handler *Handler
}

// AcceptHook implements worker.AcceptHookFunc: send the synthetic
// handshake greeting, register a Session carrying this service's
// router/candidates, and park it awaiting the client's
// HandshakeResponse41 (spec.md §4.2a, §4.4).
func (h *Handler) AcceptHook(w *worker.RoutingWorker, conn net.Conn) {
	connID := atomic.AddUint32(&h.nextConnID, 1)
	packet, scramble, err := worker.BuildSyntheticHandshake(connID)
	if err != nil {
		h.logger.Error("failed to build synthetic handshake", "error", err)
		conn.Close()
		return
	}
	if _, err := conn.Write(packet); err != nil {
		conn.Close()
		return
	}

	s := session.New(conn, h.binding.Router, h.binding.Candidates)
	s.SetTimeouts(h.binding.ConnectionTimeout, h.binding.NetWriteTimeout)
	s.HandlerState = &connState{phase: phaseAwaitingHandshakeResponse, connID: connID, scramble: scramble, handler: h}

	if err := w.AddSession(s); err != nil {
		h.logger.Error("failed to register accepted session", "worker", w.ID, "error", err)
		conn.Close()
	}
}

// OnClientReadable implements worker.SessionHandler.
func (h *Handler) OnClientReadable(w *worker.RoutingWorker, s *session.Session) (bool, error) {
	cs, ok := s.HandlerState.(*connState)
	if !ok {
		return false, fmt.Errorf("proxy: session %d has no handler state", s.ID)
	}

	buf := make([]byte, readChunk)
	n, err := s.ClientConn.Read(buf)
	if n > 0 {
		cs.inbuf = append(cs.inbuf, buf[:n]...)
		s.TouchRead()
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if n == 0 {
			return false, err
		}
	}

	switch cs.phase {
	case phaseAwaitingHandshakeResponse:
		return h.onHandshakeResponse(w, s, cs)
	case phaseRouting:
		return h.onClientCommands(w, s, cs)
	default:
		return false, fmt.Errorf("proxy: session %d in unrecognized phase", s.ID)
	}
}

// onHandshakeResponse consumes one logical packet as a
// HandshakeResponse41, verifies the client's claimed auth response
// against this service's configured password, and on success replies
// with a synthetic OK and moves the session into phaseRouting (spec.md
// §4.2a).
func (h *Handler) onHandshakeResponse(w *worker.RoutingWorker, s *session.Session, cs *connState) (bool, error) {
	payload, _, consumed, ok := wire.PopLogicalPacket(cs.inbuf)
	if !ok {
		return true, nil
	}
	cs.inbuf = append(cs.inbuf[:0:0], cs.inbuf[consumed:]...)

	hs, err := backend.ParseClientHandshakeResponse41(payload)
	if err != nil {
		h.sendClientErr(s, 1043, "08S01", "Bad handshake")
		return false, fmt.Errorf("proxy: session %d: %w", s.ID, err)
	}

	if !backend.VerifyNativePassword(h.binding.BackendPassword, cs.scramble, hs.AuthResponse) {
		h.sendClientErr(s, 1045, "28000", "Access denied for user '"+hs.Username+"'")
		return false, fmt.Errorf("proxy: session %d: authentication failed for user %q", s.ID, hs.Username)
	}

	if err := h.writeClientPacket(s, backend.BuildOKPacket(backend.StatusAutocommit), 2); err != nil {
		return false, err
	}
	cs.clientDatabase = hs.Database
	cs.phase = phaseRouting
	if h.metrics != nil {
		h.metrics.SessionRouted(h.binding.Name)
	}
	return true, nil
}

// onClientCommands pops every complete command packet currently
// buffered and submits each in turn (spec.md §4.2's "route to a
// backend whose ReplyState is Done").
func (h *Handler) onClientCommands(w *worker.RoutingWorker, s *session.Session, cs *connState) (bool, error) {
	for {
		payload, _, consumed, ok := wire.PopLogicalPacket(cs.inbuf)
		if !ok {
			return true, nil
		}
		cs.inbuf = append(cs.inbuf[:0:0], cs.inbuf[consumed:]...)

		ok2, err := h.submitCommand(w, s, cs, payload)
		if !ok2 {
			return ok2, err
		}
	}
}

// submitCommand acquires a backend for s if it doesn't already hold
// one, then either routes payload immediately (backend Idle) or
// queues it for once the in-flight reply completes. COM_QUIT tears
// the session down after returning its backend to the pool (spec.md
// §4.3's connection hand-back on client disconnect).
func (h *Handler) submitCommand(w *worker.RoutingWorker, s *session.Session, cs *connState, payload []byte) (bool, error) {
	if session.IsQuit(payload) {
		h.releaseBackendOnQuit(w, s)
		return false, nil
	}

	if s.BackendConn == nil {
		if err := h.acquireBackend(w, s); err != nil {
			h.sendClientErr(s, 1040, "08004", "cannot connect to database")
			return false, fmt.Errorf("proxy: session %d: acquire backend: %w", s.ID, err)
		}
	}

	if !s.BackendConn.Idle() {
		s.QueueCommand(payload)
		return true, nil
	}

	cs.pendingCmd = payload
	if err := s.BackendConn.RouteCommand(payload); err != nil {
		return false, fmt.Errorf("proxy: session %d: route command: %w", s.ID, err)
	}
	return true, nil
}

// acquireBackend asks the session's router for a target, takes an
// idle pooled connection for it if one is parked in this worker's
// registry, or dials a fresh one, and registers the backend fd with
// the worker's poll set (spec.md §4.3, §4.5, §4.6).
func (h *Handler) acquireBackend(w *worker.RoutingWorker, s *session.Session) error {
	cs, _ := s.HandlerState.(*connState)

	target, err := s.Router.ChooseTarget(context.Background(), s.Candidates, router.QueryInfo{})
	if err != nil {
		return err
	}

	conn := h.takePooledConn(w, target, cs)
	if conn == nil {
		if h.metrics != nil {
			h.metrics.PoolExhausted(fmt.Sprintf("%d", w.ID), target.Name)
		}
		cfg := backend.Config{
			Username:         h.binding.BackendUsername,
			Password:         h.binding.BackendPassword,
			WantSessionTrack: s.Router.Capabilities().NeedsSessionTrack,
		}
		if cs != nil {
			cfg.Database = cs.clientDatabase
		}
		dialed, dialErr := backend.Dial(context.Background(), target, s.ClientConn.RemoteAddr(), cfg)
		if dialErr != nil {
			s.Router.OnError(target, dialErr)
			return dialErr
		}
		conn = dialed
	}
	s.Attach(target, conn)

	if err := w.AttachBackend(s); err != nil {
		s.BackendConn.Close()
		s.Release()
		return err
	}
	if h.metrics != nil {
		h.metrics.UpdatePoolStats(fmt.Sprintf("%d", w.ID), target.Name, 1, w.Pools().Get(target).Len(), target.PoolMax)
	}
	return nil
}

// takePooledConn pops entries out of target's pool in this worker
// until one accepts a reset under the session's credentials and
// requested database, or the pool empties (spec.md §4.3 take: "On
// success it sends a COM_CHANGE_USER ... On failure the entry is
// closed and the next entry is tried"). Without this, server state
// left over from the previous session holding the connection —
// user variables, temp tables, prepared statements — would leak into
// whichever session the pool hands the connection to next.
func (h *Handler) takePooledConn(w *worker.RoutingWorker, target *server.Server, cs *connState) *backend.Conn {
	database := ""
	if cs != nil {
		database = cs.clientDatabase
	}
	for {
		conn, ok := w.TakeFromPool(target)
		if !ok {
			return nil
		}
		if err := conn.ChangeUser(h.binding.BackendUsername, h.binding.BackendPassword, database); err != nil {
			h.logger.Warn("pooled connection failed change-user, discarding", "server", target.Name, "error", err)
			conn.Close()
			continue
		}
		return conn
	}
}

// OnBackendReadable implements worker.SessionHandler: feed bytes read
// from the held backend through the reply-state machine, forward
// completed frames to the client verbatim, and once the reply
// finishes update session/router state, release the backend if the
// session is Movable, and drain any queued commands (spec.md §4.2,
// §4.4, §8).
func (h *Handler) OnBackendReadable(w *worker.RoutingWorker, s *session.Session) (bool, error) {
	cs, ok := s.HandlerState.(*connState)
	if !ok {
		return false, fmt.Errorf("proxy: session %d has no handler state", s.ID)
	}
	if s.BackendConn == nil {
		return false, fmt.Errorf("proxy: session %d: backend readable with no backend held", s.ID)
	}

	buf := make([]byte, readChunk)
	n, readErr := s.BackendConn.NetConn().Read(buf)
	if n > 0 {
		frames, feedErr := s.BackendConn.Feed(buf[:n])
		for _, frame := range frames {
			if err := h.writeClientFrame(s, frame); err != nil {
				return false, err
			}
		}
		if feedErr != nil {
			return false, fmt.Errorf("proxy: session %d: %w", s.ID, feedErr)
		}
	}
	if readErr != nil {
		if errors.Is(readErr, io.EOF) {
			return false, nil
		}
		if n == 0 {
			return false, readErr
		}
	}

	if !s.BackendConn.Idle() {
		return true, nil
	}

	h.completeReply(w, s, cs)

	// Drain commands buffered while the previous reply was in flight,
	// in order. The first one that leaves the backend non-Idle (or
	// tears the session down) stops the drain; anything still
	// unprocessed goes back on the queue for the next time this
	// callback runs.
	queued := s.DrainQueue()
	for i, cmd := range queued {
		ok2, err := h.submitCommand(w, s, cs, cmd)
		if !ok2 {
			return ok2, err
		}
		if s.BackendConn == nil || !s.BackendConn.Idle() {
			for _, rest := range queued[i+1:] {
				s.QueueCommand(rest)
			}
			break
		}
	}
	return true, nil
}

// completeReply updates session/router bookkeeping once a reply
// finishes, and releases the backend to its worker pool when the
// session is Movable (spec.md §3, §4.3, §4.4).
func (h *Handler) completeReply(w *worker.RoutingWorker, s *session.Session, cs *connState) {
	meta := s.BackendConn.Meta()
	target := s.Current
	s.ObserveReply(cs.pendingCmd, meta)
	cs.pendingCmd = nil
	s.Router.OnReply(target, meta)
	if h.metrics != nil {
		h.metrics.ReplyCompleted(target.Name, replyShapeLabel(meta))
		if pinned, reason := s.Pinned(); pinned && !cs.pinRecorded {
			cs.pinRecorded = true
			h.metrics.SessionPinned(reason)
		}
	}

	if !s.Movable() {
		return
	}
	w.DetachBackend(s)
	conn := s.Release()
	h.offerOrClose(w, target, conn)
}

// releaseBackendOnQuit hands a session's backend back to the pool (or
// closes it, if the session is pinned or mid-transaction) when the
// client sends COM_QUIT, matching the teacher's resetAndReturn.
func (h *Handler) releaseBackendOnQuit(w *worker.RoutingWorker, s *session.Session) {
	if s.BackendConn == nil {
		return
	}
	movable := s.Movable()
	target := s.Current
	conn := s.BackendConn
	w.DetachBackend(s)
	s.Release()

	if !movable {
		conn.Close()
		return
	}
	if err := conn.ResetConnection(); err != nil {
		conn.Close()
		return
	}
	h.offerOrClose(w, target, conn)
}

// OnIdleTimeout implements worker.SessionHandler: an idle session is
// torn down like any other disconnect, returning its backend to the
// pool when safe to do so.
func (h *Handler) OnIdleTimeout(w *worker.RoutingWorker, s *session.Session) {
	if s.BackendConn == nil {
		return
	}
	if s.Movable() {
		target := s.Current
		w.DetachBackend(s)
		conn := s.Release()
		h.offerOrClose(w, target, conn)
	}
}

// offerOrClose hands conn to target's pool, first checking Established
// (spec.md §4.2/§4.3's offer gate: "proto is established") so a
// connection somehow caught mid hand-off, or otherwise not in clean
// steady state, is closed instead of parked where a future Take would
// hand it to a session with no reset in front of it.
func (h *Handler) offerOrClose(w *worker.RoutingWorker, target *server.Server, conn *backend.Conn) {
	if !conn.Established() {
		conn.Close()
		return
	}
	w.OfferToPool(target, conn)
}

func (h *Handler) writeClientPacket(s *session.Session, payload []byte, seq byte) error {
	_, err := s.ClientConn.Write(wire.EncodePacket(payload, seq))
	if err == nil {
		s.TouchWrite()
	}
	return err
}

func (h *Handler) writeClientFrame(s *session.Session, frame []byte) error {
	_, err := s.ClientConn.Write(frame)
	if err == nil {
		s.TouchWrite()
	}
	return err
}

func (h *Handler) sendClientErr(s *session.Session, code uint16, sqlState, message string) {
	_ = h.writeClientPacket(s, backend.BuildErrPacket(code, sqlState, message), 2)
}

// replyShapeLabel classifies a completed reply's shape for metrics
// (spec.md §8's reply-state machine outcomes): "err" for a SQL error,
// "rows" for a result set, "ok" otherwise.
func replyShapeLabel(meta backend.Meta) string {
	switch {
	case meta.LastErrorCode != 0:
		return "err"
	case meta.ColumnCount > 0:
		return "rows"
	default:
		return "ok"
	}
}
