// Package backend implements the per-backend-connection MySQL
// protocol state machine (spec.md §4.2): the outer FSM that carries a
// fresh TCP connection through handshake, authentication, connection
// init queries and into steady-state routing, plus the reply-state
// sub-machine that tracks a routed command's multi-packet response so
// the worker knows when it is safe to route the next one.
//
// Grounded on the teacher's internal/pool/pool.go authenticateMySQL
// (handshake/auth, generalized from "run once at dial time" into an
// explicit, introspectable state machine) and
// internal/proxy/mysql_relay.go's drainMySQLResponse (generalized into
// ReplyState).
package backend

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/routingcore/proxy/internal/errkind"
	"github.com/routingcore/proxy/internal/wire"
)

// State is the outer per-connection state (spec.md §4.2).
type State int

const (
	StateHandshaking State = iota
	StateAuthenticating
	StateConnectionInit
	StateSendDelayQ
	StateRouting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticating:
		return "authenticating"
	case StateConnectionInit:
		return "connection_init"
	case StateSendDelayQ:
		return "send_delay_q"
	case StateRouting:
		return "routing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReplyState tracks where a routed command's response currently sits
// in a potentially multi-packet reply (spec.md §4.2, §8). A command
// may only be routed to a backend whose ReplyState is Done.
type ReplyState int

const (
	ReplyDone ReplyState = iota
	ReplyStart
	ReplyColumnDefs
	ReplyColumnDefsEOF
	ReplyRows
	ReplyPrepareOK
)

func (s ReplyState) String() string {
	switch s {
	case ReplyDone:
		return "done"
	case ReplyStart:
		return "start"
	case ReplyColumnDefs:
		return "column_defs"
	case ReplyColumnDefsEOF:
		return "column_defs_eof"
	case ReplyRows:
		return "rows"
	case ReplyPrepareOK:
		return "prepare_ok"
	default:
		return "unknown"
	}
}

// Config carries the per-session authentication and init parameters
// the outer FSM needs to establish a backend connection (spec.md
// §4.2, §6).
type Config struct {
	Username         string
	Password         string
	Database         string
	Charset          byte
	InitQueries      []string
	UseTLS           bool
	TLSConfig        *tls.Config
	WantSessionTrack bool
	ConnAttrs        map[string]string
	DialTimeout      time.Duration
}

// Meta accumulates what the reply-state machine has learned about the
// in-flight response: the last OK/EOF status flags (transaction and
// more-results state), and any session-state changes the server
// reported via SERVER_SESSION_STATE_CHANGED (spec.md §4.2, §8). Vars
// holds the recognised subset of a decoded session-track block (system
// variables by name, schema change under "schema", the first reported
// GTID under "@@last_gtid"), nil unless SessionChanged is set and
// session tracking was negotiated.
type Meta struct {
	StatusFlags    uint16
	Warnings       uint16
	LastErrorCode  uint16
	LastErrorMsg   string
	SessionChanged bool
	Vars           map[string]string
	ColumnCount    uint64
}

// InTransaction reports SERVER_STATUS_IN_TRANS from the last reply.
func (m Meta) InTransaction() bool { return m.StatusFlags&StatusInTrans != 0 }

// Conn is one backend-facing MySQL connection: a TCP (or unix-socket)
// socket to a single Server, driven through State by Init and then
// through ReplyState by Feed once Routing is reached. A Conn belongs
// to exactly one worker for its entire life (spec.md §4.2, §9); it is
// not safe for concurrent use.
type Conn struct {
	netConn net.Conn
	cfg     Config

	state      State
	replyState ReplyState
	seq        byte // next outbound sequence number

	serverCaps uint32
	negCaps    uint32
	threadID   uint32
	scramble   []byte // retained from the initial handshake, for COM_CHANGE_USER re-hashing

	pendingInit   []string // remaining init queries to send, FIFO
	meta          Meta
	lastCommand   byte // command tag of the in-flight routed command
	colDefsLeft   int  // column-definition packets still expected (pre-deprecate-eof)

	// ignoreReplies counts replies this connection has committed to
	// swallowing rather than surface anywhere (spec.md §3, §8's
	// "ignore_replies(S.backend) >= 0" invariant) — incremented around
	// ChangeUser/ResetConnection/Ping's own blocking reply read. The
	// synchronous pool hand-off never lets this sit above 0 between
	// calls; it exists so Established can refuse to call a connection
	// reusable mid hand-off.
	ignoreReplies int

	inbuf []byte // accumulated, not-yet-split bytes read from netConn
}

// NewConn wraps an already-dialed socket. The caller is responsible
// for dialing (spec.md §4.3's pool owns connection lifetime, not this
// package).
func NewConn(netConn net.Conn, cfg Config) *Conn {
	return &Conn{netConn: netConn, cfg: cfg, state: StateHandshaking}
}

// NetConn returns the underlying socket, for callers that need its raw
// fd (the worker's epoll registration) or peer address (PROXY protocol
// headers on a freshly dialed backend).
func (c *Conn) NetConn() net.Conn { return c.netConn }

// State returns the current outer state.
func (c *Conn) State() State { return c.state }

// ReplyState returns the current reply sub-state.
func (c *Conn) ReplyState() ReplyState { return c.replyState }

// Idle reports whether the connection is in Routing state with no
// reply in flight: the only state in which the pool may hand it to a
// new session, or the worker may route it a new command.
func (c *Conn) Idle() bool {
	return c.state == StateRouting && c.replyState == ReplyDone
}

// Established reports whether the connection is steady-state reusable:
// Routing, no reply in flight, and no ignorable reply still
// outstanding (spec.md §4.2's established() predicate). The pool's
// offer gate consults this instead of Idle, so a connection caught
// mid change-user/reset/ping hand-off is never parked.
func (c *Conn) Established() bool {
	return c.Idle() && c.ignoreReplies == 0
}

// Meta returns the accumulated reply metadata for the most recently
// completed (or in-flight) command.
func (c *Conn) Meta() Meta { return c.meta }

// ThreadID returns the backend's connection id, used for KILL and
// diagnostics.
func (c *Conn) ThreadID() uint32 { return c.threadID }

// Close tears down the socket. Safe to call from Failed or any other
// state; does not send COM_QUIT (callers that want a clean backend
// close should use Quit first).
func (c *Conn) Close() error { return c.netConn.Close() }

// Quit sends COM_QUIT best-effort and closes the socket.
func (c *Conn) Quit() error {
	_ = c.writeCommand(comQuit())
	return c.netConn.Close()
}

// Init drives the connection from Handshaking through Authenticating
// and ConnectionInit to Routing (or Failed), blocking on the socket.
// This runs once, off the worker's event loop, at connection
// establishment (spec.md §4.3's pool dial path) — exactly where the
// teacher's authenticateMySQL ran, generalized into explicit states.
func (c *Conn) Init(ctx context.Context) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.netConn.SetDeadline(dl)
	} else if c.cfg.DialTimeout > 0 {
		_ = c.netConn.SetDeadline(time.Now().Add(c.cfg.DialTimeout))
	}
	defer c.netConn.SetDeadline(time.Time{})

	hsPayload, err := c.readPacket()
	if err != nil {
		c.state = StateFailed
		return errkind.Wrap(errkind.Transient, fmt.Errorf("backend: read handshake: %w", err))
	}
	if wire.IsErrPacket(hsPayload) {
		c.state = StateFailed
		return errkind.Wrap(errkind.AuthFailed, fmt.Errorf("backend: handshake refused: %s", formatErrPacket(hsPayload)))
	}
	hs, err := parseHandshakeV10(hsPayload)
	if err != nil {
		c.state = StateFailed
		return errkind.Wrap(errkind.BadPacket, err)
	}
	c.serverCaps = hs.Capabilities
	c.threadID = hs.ConnectionID
	c.scramble = hs.Scramble

	charset := c.cfg.Charset
	if charset == 0 {
		charset = 0x21 // utf8_general_ci, teacher's default
	}
	c.negCaps = NegotiateCapabilities(hs.Capabilities, c.cfg.UseTLS, c.cfg.WantSessionTrack, c.cfg.Database != "")

	if c.cfg.UseTLS && hs.Capabilities&CapSSL != 0 {
		if err := c.upgradeTLS(charset); err != nil {
			c.state = StateFailed
			return errkind.Wrap(errkind.Transient, err)
		}
	}

	authResp := mysqlNativePasswordHash(c.cfg.Password, hs.Scramble)
	resp := buildHandshakeResponse41(c.negCaps, charset, c.cfg.Username, c.cfg.Database, authResp, c.cfg.ConnAttrs)
	if err := c.writeCommand(resp); err != nil {
		c.state = StateFailed
		return errkind.Wrap(errkind.Transient, fmt.Errorf("backend: write handshake response: %w", err))
	}

	c.state = StateAuthenticating
	if err := c.runAuthentication(); err != nil {
		c.state = StateFailed
		return err
	}

	c.state = StateConnectionInit
	c.pendingInit = append([]string{}, c.cfg.InitQueries...)
	if err := c.runInitQueries(); err != nil {
		c.state = StateFailed
		return err
	}

	c.state = StateRouting
	c.replyState = ReplyDone
	return nil
}

// runAuthentication consumes packets after the handshake response
// until OK (success), ERR (failure) or an AuthSwitchRequest that it
// answers by recomputing the hash with the new scramble. Only
// mysql_native_password is supported as a switch target, matching
// spec.md §6's documented auth-plugin scope.
func (c *Conn) runAuthentication() error {
	for {
		payload, err := c.readPacket()
		if err != nil {
			return errkind.Wrap(errkind.Transient, fmt.Errorf("backend: read auth reply: %w", err))
		}
		switch {
		case wire.IsOKPacket(payload):
			return nil
		case wire.IsErrPacket(payload):
			return errkind.Wrap(errkind.AuthFailed, fmt.Errorf("backend: auth failed: %s", formatErrPacket(payload)))
		case wire.IsAuthSwitchRequest(payload):
			r := wire.NewPacketReader(payload[1:])
			pluginName, err := r.NullString()
			if err != nil {
				return errkind.Wrap(errkind.BadPacket, fmt.Errorf("backend: auth switch plugin name: %w", err))
			}
			newScramble := r.Rest()
			if pluginName != "mysql_native_password" {
				return errkind.Wrap(errkind.AuthFailed, fmt.Errorf("backend: unsupported auth plugin %q", pluginName))
			}
			resp := mysqlNativePasswordHash(c.cfg.Password, newScramble)
			if err := c.writeCommand(resp); err != nil {
				return errkind.Wrap(errkind.Transient, fmt.Errorf("backend: write auth switch response: %w", err))
			}
		default:
			return errkind.Wrap(errkind.BadPacket, fmt.Errorf("backend: unexpected packet during authentication, tag 0x%02x", payload[0]))
		}
	}
}

// runInitQueries sends each configured init query in turn, requiring a
// bare OK for each (spec.md §4.2's "anything but OK fails the
// connection" rule — a result-set-returning init query is a
// configuration error, not handled here).
func (c *Conn) runInitQueries() error {
	for len(c.pendingInit) > 0 {
		q := c.pendingInit[0]
		c.pendingInit = c.pendingInit[1:]
		c.seq = 0
		if err := c.writeCommand(comQuery(q)); err != nil {
			return errkind.Wrap(errkind.Transient, fmt.Errorf("backend: write init query: %w", err))
		}
		payload, err := c.readPacket()
		if err != nil {
			return errkind.Wrap(errkind.Transient, fmt.Errorf("backend: read init query reply: %w", err))
		}
		if !wire.IsOKPacket(payload) {
			return errkind.Wrap(errkind.InitQueryFailed, fmt.Errorf("backend: init query %q did not return OK", q))
		}
	}
	return nil
}

func (c *Conn) upgradeTLS(charset byte) error {
	sslReq := buildHandshakeResponse41(c.negCaps, charset, "", "", nil, nil)
	// The SSLRequest packet is a truncated HandshakeResponse41: only
	// capability flags, max-packet-size and charset, per spec.md §6.
	sslReq = sslReq[:32]
	if err := c.writeCommand(sslReq); err != nil {
		return fmt.Errorf("backend: write SSLRequest: %w", err)
	}
	tlsConn := tls.Client(c.netConn, c.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("backend: TLS handshake: %w", err)
	}
	c.netConn = tlsConn
	return nil
}

// readPacket blocks for exactly one logical packet (following the
// large-packet continuation chain if present) during Init's
// synchronous phases.
func (c *Conn) readPacket() ([]byte, error) {
	for {
		if payload, seq, consumed, ok := wire.PopLogicalPacket(c.inbuf); ok {
			c.inbuf = append(c.inbuf[:0:0], c.inbuf[consumed:]...)
			c.seq = seq + 1
			return payload, nil
		}
		chunk := make([]byte, 4096)
		n, err := c.netConn.Read(chunk)
		if n > 0 {
			c.inbuf = append(c.inbuf, chunk[:n]...)
		}
		if err != nil {
			return nil, err
		}
	}
}

// writeCommand frames payload as a single packet (or a large-packet
// chain, if oversized) using the next outbound sequence number.
func (c *Conn) writeCommand(payload []byte) error {
	for {
		n := len(payload)
		if n > wire.MaxPacketSize {
			n = wire.MaxPacketSize
		}
		frame := wire.EncodePacket(payload[:n], c.seq)
		c.seq++
		if _, err := c.netConn.Write(frame); err != nil {
			return err
		}
		payload = payload[n:]
		if n < wire.MaxPacketSize {
			return nil
		}
	}
}

func formatErrPacket(payload []byte) string {
	if len(payload) < 3 {
		return "malformed ERR packet"
	}
	code := uint16(payload[1]) | uint16(payload[2])<<8
	rest := payload[3:]
	if len(rest) > 0 && rest[0] == '#' && len(rest) >= 6 {
		return fmt.Sprintf("%d (%s) %s", code, rest[1:6], rest[6:])
	}
	return fmt.Sprintf("%d %s", code, rest)
}
