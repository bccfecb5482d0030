package backend

import (
	"fmt"

	"github.com/routingcore/proxy/internal/errkind"
	"github.com/routingcore/proxy/internal/wire"
)

// comStmtPrepare is the one command tag whose reply shape the
// reply-state machine branches on (spec.md §4.2, §8): everything else
// follows the generic column-count / rows / terminator shape.
const comStmtPrepare byte = 0x16

// RouteCommand hands a client command packet to this backend
// connection. It is only valid to call while Idle; the worker must
// hold the command until the previous reply completes (spec.md §4.2's
// "may only route to a backend whose ReplyState is Done" invariant).
func (c *Conn) RouteCommand(payload []byte) error {
	if !c.Idle() {
		return fmt.Errorf("backend: RouteCommand called while not idle (state=%s reply=%s)", c.state, c.replyState)
	}
	// Every command starts a fresh sequence-number space on the wire
	// (spec.md §6): the backend connection's own sequence counter must
	// restart at 0 here, independent of whatever value it reached while
	// receiving the previous command's reply.
	c.seq = 0
	if err := c.writeCommand(payload); err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("backend: write routed command: %w", err))
	}
	c.lastCommand = 0
	if len(payload) > 0 {
		c.lastCommand = payload[0]
	}
	c.meta = Meta{}
	c.colDefsLeft = 0
	c.replyState = ReplyStart
	return nil
}

// Feed delivers bytes read from the backend socket (by the owning
// worker's event loop) to the reply-state machine. It returns the
// complete packets that should be forwarded to the client verbatim,
// in arrival order, and advances ReplyState until the response
// completes. data is not retained past the call; its bytes are copied
// into the connection's own accumulation buffer.
func (c *Conn) Feed(data []byte) ([][]byte, error) {
	c.inbuf = append(c.inbuf, data...)
	var out [][]byte
	for {
		payload, seq, consumed, ok := wire.PopLogicalPacket(c.inbuf)
		if !ok {
			break
		}
		c.inbuf = append(c.inbuf[:0:0], c.inbuf[consumed:]...)
		c.seq = seq + 1
		out = append(out, wire.EncodePacket(payload, seq))
		if err := c.advanceReply(payload); err != nil {
			return out, err
		}
		if c.replyState == ReplyDone {
			break
		}
	}
	return out, nil
}

// advanceReply steps the reply-state machine given one logical
// packet's payload (spec.md §4.2, §8). Grounded on the teacher's
// drainMySQLResponse, generalized from "count EOFs seen" into named
// states so the worker can introspect exactly where a reply sits.
func (c *Conn) advanceReply(payload []byte) error {
	switch c.replyState {
	case ReplyStart:
		switch {
		case c.lastCommand == comStmtPrepare && wire.IsOKPacket(payload) && len(payload) >= 9:
			// COM_STMT_PREPARE_OK: num_columns at [5:7], num_params at [7:9].
			cols, params := int(payload[5])|int(payload[6])<<8, int(payload[7])|int(payload[8])<<8
			c.colDefsLeft = cols + params
			if c.negCaps&CapDeprecateEOF == 0 {
				c.colDefsLeft += min(cols, 1) + min(params, 1)
			}
			c.replyState = ReplyPrepareOK
			if c.colDefsLeft == 0 {
				c.replyState = ReplyDone
			}
			return nil
		case wire.IsOKPacket(payload):
			c.recordOK(payload)
			c.replyState = ReplyDone
			return nil
		case wire.IsErrPacket(payload):
			c.recordErr(payload)
			c.replyState = ReplyDone
			return nil
		case wire.IsLocalInfile(payload):
			// Client streams file contents next; from the reply-state
			// machine's point of view this behaves like a single
			// terminal packet — the worker relays the LOCAL INFILE
			// exchange at the session layer.
			c.replyState = ReplyDone
			return nil
		default:
			r := wire.NewPacketReader(payload)
			n, ok, err := r.LenEncInt()
			if err != nil || !ok {
				return errkind.Wrap(errkind.BadPacket, fmt.Errorf("backend: reply start: expected column count, got tag 0x%02x", payload[0]))
			}
			c.meta.ColumnCount = n
			c.colDefsLeft = int(n)
			if c.lastCommand == comStmtPrepare {
				c.replyState = ReplyPrepareOK
				return nil
			}
			if c.colDefsLeft == 0 {
				c.replyState = ReplyColumnDefsEOF
				return nil
			}
			c.replyState = ReplyColumnDefs
			return nil
		}

	case ReplyColumnDefs:
		c.colDefsLeft--
		if c.colDefsLeft <= 0 {
			if c.negCaps&CapDeprecateEOF != 0 {
				c.replyState = ReplyRows
			} else {
				c.replyState = ReplyColumnDefsEOF
			}
		}
		return nil

	case ReplyColumnDefsEOF:
		if !wire.IsEOFPacket(payload) {
			return errkind.Wrap(errkind.BadPacket, fmt.Errorf("backend: expected column-defs EOF, got tag 0x%02x", payload[0]))
		}
		c.meta.StatusFlags = wire.StatusFlags(payload)
		c.replyState = ReplyRows
		return nil

	case ReplyRows:
		switch {
		case wire.IsErrPacket(payload):
			c.recordErr(payload)
			c.replyState = ReplyDone
			return nil
		case wire.IsEOFPacket(payload):
			c.meta.StatusFlags = wire.StatusFlags(payload)
			c.replyState = ReplyDone
			return nil
		case wire.IsOKPacket(payload) && c.negCaps&CapDeprecateEOF != 0:
			// With CLIENT_DEPRECATE_EOF the row sequence is terminated
			// by an OK packet instead of EOF.
			c.recordOK(payload)
			c.replyState = ReplyDone
			return nil
		default:
			// An ordinary row packet; nothing to track.
			return nil
		}

	case ReplyPrepareOK:
		if wire.IsErrPacket(payload) {
			c.recordErr(payload)
			c.replyState = ReplyDone
			return nil
		}
		// COM_STMT_PREPARE's OK packet is followed by param and column
		// definition packets (each non-empty group closed by an EOF
		// unless CLIENT_DEPRECATE_EOF was negotiated); the proxy
		// forwards them unexamined and counts them down to Done.
		c.colDefsLeft--
		if c.colDefsLeft <= 0 {
			c.replyState = ReplyDone
		}
		return nil

	default:
		return fmt.Errorf("backend: advanceReply called in state %s", c.replyState)
	}
}

func (c *Conn) recordOK(payload []byte) {
	c.meta.StatusFlags = wire.StatusFlags(payload)
	c.meta.SessionChanged = c.meta.StatusFlags&StatusSessionStateChanged != 0
	c.meta.Vars = nil
	if c.meta.SessionChanged && c.negCaps&CapSessionTrack != 0 {
		c.meta.Vars = parseOKSessionTrack(payload)
	}
}

// parseOKSessionTrack walks the fields of an OK packet that follow
// status_flags to reach the session-track block CLIENT_SESSION_TRACK
// negotiates (spec.md §4.2 "Session-tracking parsing"), then hands the
// block to parseSessionTrackBlocks. Returns nil if the packet is
// shorter than the fixed fields it expects, rather than erroring the
// reply-state machine over an optional, best-effort parse.
func parseOKSessionTrack(payload []byte) map[string]string {
	if len(payload) < 1 {
		return nil
	}
	r := wire.NewPacketReader(payload[1:])
	if _, _, err := r.LenEncInt(); err != nil { // affected_rows
		return nil
	}
	if _, _, err := r.LenEncInt(); err != nil { // last_insert_id
		return nil
	}
	if _, err := r.U16LE(); err != nil { // status_flags
		return nil
	}
	if _, err := r.U16LE(); err != nil { // warnings
		return nil
	}
	if _, err := r.LenEncString(); err != nil { // human-readable info
		return nil
	}
	changes, err := r.LenEncString()
	if err != nil {
		return nil
	}
	return parseSessionTrackBlocks(changes)
}

// Session-track block type tags (spec.md §4.2's named list: schema
// change, system variables, GTIDs, transaction characteristics).
const (
	sessionTrackSystemVariables byte = 0
	sessionTrackSchema          byte = 1
	sessionTrackStateChange     byte = 2
	sessionTrackGTIDs           byte = 3
)

// parseSessionTrackBlocks decodes the recognised subset of a
// session_state_changes blob: a repeating (type byte, lenenc data)
// sequence. System-variable blocks are flattened by name; the schema
// block is stored under "schema"; the first GTID block is stored
// under "@@last_gtid" per spec.md's own example. Transaction
// characteristics/state and any unrecognised future type are skipped
// over (their length prefix is still honoured) rather than aborting
// the parse — this is the documented scope of an explicitly optional
// feature, not a complete session-track decoder.
func parseSessionTrackBlocks(data []byte) map[string]string {
	vars := make(map[string]string)
	r := wire.NewPacketReader(data)
	for {
		typ, err := r.U8()
		if err != nil {
			break
		}
		block, err := r.LenEncString()
		if err != nil {
			break
		}
		switch typ {
		case sessionTrackSystemVariables:
			br := wire.NewPacketReader(block)
			for {
				name, err := br.LenEncString()
				if err != nil {
					break
				}
				val, err := br.LenEncString()
				if err != nil {
					break
				}
				vars[string(name)] = string(val)
			}
		case sessionTrackSchema:
			if name, err := wire.NewPacketReader(block).LenEncString(); err == nil {
				vars["schema"] = string(name)
			}
		case sessionTrackStateChange:
			vars["autocommit"] = string(block)
		case sessionTrackGTIDs:
			br := wire.NewPacketReader(block)
			if _, err := br.U8(); err == nil { // encoding specification byte
				if gtid, err := br.LenEncString(); err == nil {
					if _, ok := vars["@@last_gtid"]; !ok {
						vars["@@last_gtid"] = string(gtid)
					}
				}
			}
		}
	}
	if len(vars) == 0 {
		return nil
	}
	return vars
}

func (c *Conn) recordErr(payload []byte) {
	if len(payload) >= 3 {
		c.meta.LastErrorCode = uint16(payload[1]) | uint16(payload[2])<<8
	}
	c.meta.LastErrorMsg = formatErrPacket(payload)
}

// ChangeUser reissues authentication on an already-established
// connection under new credentials (spec.md §4.3's pooled-connection
// hand-off). Only valid while Idle; blocks on the socket like Init
// since the hand-off happens before the connection is (re)published
// to the owning session's event-driven phase.
func (c *Conn) ChangeUser(username, password, database string) error {
	if !c.Idle() {
		return fmt.Errorf("backend: ChangeUser called while not idle")
	}
	authResp := mysqlNativePasswordHash(password, c.scramble)
	pkt := buildChangeUserPacket(c.negCaps, username, database, authResp, c.cfg.Charset)
	c.ignoreReplies++
	defer func() { c.ignoreReplies-- }()
	c.seq = 0
	if err := c.writeCommand(pkt); err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("backend: write change-user: %w", err))
	}
	c.cfg.Username, c.cfg.Password, c.cfg.Database = username, password, database
	return c.runAuthentication()
}

// ResetConnection issues COM_RESET_CONNECTION, the cheaper hand-off
// used when a pooled connection is reused under the same credentials
// (spec.md §4.3).
func (c *Conn) ResetConnection() error {
	if !c.Idle() {
		return fmt.Errorf("backend: ResetConnection called while not idle")
	}
	c.ignoreReplies++
	defer func() { c.ignoreReplies-- }()
	c.seq = 0
	if err := c.writeCommand(comResetConnection()); err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("backend: write reset connection: %w", err))
	}
	payload, err := c.readPacket()
	if err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("backend: read reset connection reply: %w", err))
	}
	if !wire.IsOKPacket(payload) {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("backend: reset connection: %s", formatErrPacket(payload)))
	}
	return nil
}

// Ping writes a reserved, ignorable keepalive while the connection
// sits Idle and discards its reply rather than surfacing it anywhere
// (spec.md §4.2's ping(): "writes a reserved ignorable ping packet
// whose reply will be swallowed"). Intended for a pooled connection
// between uses, to stop the backend from timing out an idle session
// it doesn't know is parked; blocks on the socket like
// ChangeUser/ResetConnection since nothing else may touch the
// connection while this runs.
func (c *Conn) Ping() error {
	if !c.Idle() {
		return fmt.Errorf("backend: Ping called while not idle")
	}
	c.ignoreReplies++
	defer func() { c.ignoreReplies-- }()
	c.seq = 0
	if err := c.writeCommand(comPing()); err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("backend: write ping: %w", err))
	}
	payload, err := c.readPacket()
	if err != nil {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("backend: read ping reply: %w", err))
	}
	if !wire.IsOKPacket(payload) {
		return errkind.Wrap(errkind.Transient, fmt.Errorf("backend: ping: %s", formatErrPacket(payload)))
	}
	return nil
}
