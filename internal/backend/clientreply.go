package backend

import "github.com/routingcore/proxy/internal/wire"

// BuildOKPacket encodes a minimal OK_Packet payload with the given
// SERVER_STATUS flags and no affected-rows/last-insert-id/warnings, the
// shape the proxy sends for its own synthetic replies (handshake
// completion, RESET CONNECTION acknowledgement) rather than anything
// forwarded from a real backend. Grounded on the teacher's sendMySQLOK.
func BuildOKPacket(statusFlags uint16) []byte {
	return []byte{
		wire.OKPacket,
		0x00, 0x00, // affected_rows = 0
		byte(statusFlags), byte(statusFlags >> 8),
		0x00, 0x00, // warnings = 0
	}
}

// BuildErrPacket encodes an ERR_Packet payload with a SQL state marker,
// the shape the proxy sends when it must fail a client's connection or
// command itself rather than forward a backend's error (no backend
// chosen yet, authentication rejected, pool exhausted). Grounded on the
// teacher's sendMySQLErrorPkt.
func BuildErrPacket(code uint16, sqlState, message string) []byte {
	if len(sqlState) > 5 {
		sqlState = sqlState[:5]
	}
	for len(sqlState) < 5 {
		sqlState += "0"
	}
	buf := make([]byte, 0, 4+len(sqlState)+len(message))
	buf = append(buf, wire.ErrPacket, byte(code), byte(code>>8), '#')
	buf = append(buf, sqlState...)
	buf = append(buf, message...)
	return buf
}
