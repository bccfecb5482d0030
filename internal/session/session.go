// Package session holds the per-client Session: the entity that owns
// a client connection, its chosen routing candidates, the backend
// connection it currently holds (if any), and enough transaction
// state to decide whether it may be moved to another worker or handed
// a different backend between commands (spec.md §3, §4.4).
package session

import (
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/routingcore/proxy/internal/backend"
	"github.com/routingcore/proxy/internal/router"
	"github.com/routingcore/proxy/internal/server"
)

// pinReasons are command shapes that make a session unsafe to detach
// from its current backend between statements (spec.md §3's "movable"
// predicate). Grounded on the teacher's mysql_relay.go pin detection,
// generalized from "stop pooling this tenant's backend" into "this
// session may not move or be re-routed until explicitly unpinned."
const (
	PinPreparedStatement = "prepared_statement"
	PinSetOption         = "set_option"
	PinLockOrExplicitTxn = "lock_or_explicit_txn"
)

// Command tags relevant to pin detection and transaction tracking.
const (
	comQuery       byte = 0x03
	comStmtPrepare byte = 0x16
	comSetOption   byte = 0x1b
	comQuit        byte = 0x01
)

var nextID uint64

// Session is one client's logical connection to the proxy. It is
// owned by exactly one RoutingWorker at a time (spec.md §4.4); all
// fields are accessed only from that worker's single goroutine and
// carry no internal synchronization.
type Session struct {
	ID         uint64
	ClientConn net.Conn

	Router     router.Router
	Candidates []*server.Server

	Current     *server.Server
	BackendConn *backend.Conn // nil when no backend is currently held

	pinned     bool
	pinReason  string
	inTrans    bool
	autocommit bool

	clientSeq byte
	queued    [][]byte // commands buffered while no backend is held

	// connectionTimeout and netWriteTimeout mirror the owning
	// service's configured deadlines (spec.md §4.4, §9): 0 disables
	// the respective check. lastRead/lastWrite are touched by the
	// protocol handler on every client-facing I/O event and consulted
	// by the per-tick idle scanner.
	connectionTimeout time.Duration
	netWriteTimeout   time.Duration
	lastRead          time.Time
	lastWrite         time.Time

	// HandlerState is an opaque slot a SessionHandler implementation
	// may use to stash protocol-level bookkeeping this package has no
	// business knowing about (e.g. MySQL handshake-in-progress state,
	// client-side packet reassembly buffers). Only ever touched by the
	// worker goroutine that currently owns this session, matching
	// every other field here.
	HandlerState interface{}
}

// New creates a Session with a process-wide unique ID.
func New(clientConn net.Conn, rtr router.Router, candidates []*server.Server) *Session {
	now := time.Now()
	return &Session{
		ID:         atomic.AddUint64(&nextID, 1),
		ClientConn: clientConn,
		Router:     rtr,
		Candidates: candidates,
		autocommit: true,
		lastRead:   now,
		lastWrite:  now,
	}
}

// SetTimeouts configures the idle-eviction deadlines the per-tick
// scanner enforces for this session (spec.md §4.4 step 1, §9). A zero
// duration disables the respective check.
func (s *Session) SetTimeouts(connectionTimeout, netWriteTimeout time.Duration) {
	s.connectionTimeout = connectionTimeout
	s.netWriteTimeout = netWriteTimeout
}

// TouchRead records that the client fd was just read from.
func (s *Session) TouchRead() { s.lastRead = time.Now() }

// TouchWrite records that the client fd was just written to.
func (s *Session) TouchWrite() { s.lastWrite = time.Now() }

// IdleExpired reports whether this session has exceeded its configured
// connection_timeout (time since last read) or net_write_timeout (time
// since last write) as of now (spec.md §4.4 step 1).
func (s *Session) IdleExpired(now time.Time) bool {
	if s.connectionTimeout > 0 && now.Sub(s.lastRead) > s.connectionTimeout {
		return true
	}
	if s.netWriteTimeout > 0 && now.Sub(s.lastWrite) > s.netWriteTimeout {
		return true
	}
	return false
}

// Pin marks the session as unsafe to detach from its current backend,
// e.g. because it holds a named prepared statement or an explicit
// table lock. Idempotent: the first reason given sticks.
func (s *Session) Pin(reason string) {
	if !s.pinned {
		s.pinned = true
		s.pinReason = reason
	}
}

// Unpin clears pin state, e.g. on COM_STMT_CLOSE for the last
// outstanding prepared statement. The core does not track outstanding
// statement counts itself (spec.md §9 scopes statement-level
// bookkeeping to the router/application), so callers that want
// fine-grained unpinning must track it themselves and call this only
// when safe.
func (s *Session) Unpin() {
	s.pinned = false
	s.pinReason = ""
}

// Pinned reports whether the session is currently pinned, and why.
func (s *Session) Pinned() (bool, string) {
	return s.pinned, s.pinReason
}

// InTransaction reports whether the session's last known backend
// status indicated an open transaction.
func (s *Session) InTransaction() bool { return s.inTrans }

// Autocommit reports the session's last known autocommit state.
func (s *Session) Autocommit() bool { return s.autocommit }

// Movable reports whether this session may be serialized and handed
// to a different worker, or have its backend released back to the
// pool between statements (spec.md §3, §4.4): not pinned, and not
// mid-transaction.
func (s *Session) Movable() bool {
	return !s.pinned && !s.inTrans
}

// ObserveReply updates transaction/autocommit state and pin status
// from a completed command's shape and its backend reply metadata.
// Grounded on the teacher's inline pin-detection switch in
// relayMySQLTransactionMode, generalized into a single entry point
// the worker calls once per completed command.
func (s *Session) ObserveReply(cmdPayload []byte, meta backend.Meta) {
	s.inTrans = meta.StatusFlags&backend.StatusInTrans != 0
	s.autocommit = meta.StatusFlags&backend.StatusAutocommit != 0

	if s.pinned || len(cmdPayload) == 0 {
		return
	}
	switch cmdPayload[0] {
	case comStmtPrepare:
		s.Pin(PinPreparedStatement)
	case comSetOption:
		s.Pin(PinSetOption)
	case comQuery:
		q := strings.ToUpper(strings.TrimSpace(string(cmdPayload[1:])))
		if strings.HasPrefix(q, "LOCK ") || strings.Contains(q, "GET_LOCK(") || strings.HasPrefix(q, "START TRANSACTION") {
			s.Pin(PinLockOrExplicitTxn)
		}
	}
}

// IsQuit reports whether cmdPayload is COM_QUIT.
func IsQuit(cmdPayload []byte) bool {
	return len(cmdPayload) > 0 && cmdPayload[0] == comQuit
}

// NextClientSeq returns the next outbound sequence number for packets
// sent to the client, incrementing the session's counter.
func (s *Session) NextClientSeq() byte {
	seq := s.clientSeq
	s.clientSeq++
	return seq
}

// ResetClientSeq resets the client-facing sequence counter, done at
// the start of each new command (spec.md §6: sequence numbers restart
// at 0 per command).
func (s *Session) ResetClientSeq() {
	s.clientSeq = 0
}

// QueueCommand buffers a client command received while the session
// has no backend connection currently held (e.g. still being
// (re)acquired from the pool). Buffered commands are drained in order
// once a backend becomes available.
func (s *Session) QueueCommand(payload []byte) {
	s.queued = append(s.queued, payload)
}

// DrainQueue returns and clears any buffered commands.
func (s *Session) DrainQueue() [][]byte {
	q := s.queued
	s.queued = nil
	return q
}

// Release detaches the session from its current backend connection
// without closing it, so the caller can return it to a WorkerPool.
// Only valid when Movable (the worker must check before calling).
func (s *Session) Release() *backend.Conn {
	c := s.BackendConn
	s.BackendConn = nil
	s.Current = nil
	return c
}

// Attach binds the session to a newly acquired backend connection.
func (s *Session) Attach(srv *server.Server, conn *backend.Conn) {
	s.Current = srv
	s.BackendConn = conn
}
