package backend

import (
	"fmt"

	"github.com/routingcore/proxy/internal/errkind"
	"github.com/routingcore/proxy/internal/wire"
)

// ExecQuery runs sql to completion and returns its rows as strings,
// blocking on the socket. This is a synchronous convenience for
// administrative callers that own a Conn outright and don't route it
// through the non-blocking Feed path — the cluster monitor's
// membership queries (spec.md §4.5) are the only caller; ordinary
// session traffic always goes through RouteCommand/Feed instead.
// Only text-protocol result sets are supported. The column-definitions
// EOF is read only when CLIENT_DEPRECATE_EOF was not negotiated (the
// connection's own negotiation keeps that flag whenever the server
// offers it).
func (c *Conn) ExecQuery(sql string) ([][]string, error) {
	if !c.Idle() {
		return nil, fmt.Errorf("backend: ExecQuery called while reply in flight (state=%s)", c.replyState)
	}
	c.seq = 0
	if err := c.writeCommand(comQuery(sql)); err != nil {
		return nil, errkind.Wrap(errkind.Transient, fmt.Errorf("backend: write query: %w", err))
	}

	first, err := c.readPacket()
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, fmt.Errorf("backend: read query reply: %w", err))
	}
	if wire.IsErrPacket(first) {
		return nil, errkind.Wrap(errkind.Transient, fmt.Errorf("backend: query failed: %s", formatErrPacket(first)))
	}
	if wire.IsOKPacket(first) {
		return nil, nil // no result set, e.g. DDL/DML
	}

	r := wire.NewPacketReader(first)
	colCount, ok, err := r.LenEncInt()
	if err != nil || !ok {
		return nil, errkind.Wrap(errkind.BadPacket, fmt.Errorf("backend: malformed column-count packet"))
	}

	for i := uint64(0); i < colCount; i++ {
		if _, err := c.readPacket(); err != nil {
			return nil, errkind.Wrap(errkind.Transient, fmt.Errorf("backend: read column def: %w", err))
		}
	}
	if c.negCaps&CapDeprecateEOF == 0 {
		if _, err := c.readPacket(); err != nil { // column-defs EOF
			return nil, errkind.Wrap(errkind.Transient, fmt.Errorf("backend: read column-defs EOF: %w", err))
		}
	}

	var rows [][]string
	for {
		payload, err := c.readPacket()
		if err != nil {
			return nil, errkind.Wrap(errkind.Transient, fmt.Errorf("backend: read row: %w", err))
		}
		if wire.IsEOFPacket(payload) || wire.IsOKPacket(payload) {
			return rows, nil
		}
		if wire.IsErrPacket(payload) {
			return rows, errkind.Wrap(errkind.Transient, fmt.Errorf("backend: row fetch failed: %s", formatErrPacket(payload)))
		}
		row := make([]string, 0, colCount)
		rr := wire.NewPacketReader(payload)
		for i := uint64(0); i < colCount; i++ {
			v, err := rr.LenEncString()
			if err != nil {
				return rows, errkind.Wrap(errkind.BadPacket, fmt.Errorf("backend: malformed row value: %w", err))
			}
			row = append(row, string(v))
		}
		rows = append(rows, row)
	}
}
