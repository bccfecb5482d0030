package backend

import (
	"fmt"

	"github.com/routingcore/proxy/internal/wire"
)

// serverHandshake is the parsed Handshake v10 payload (spec.md §4.2,
// §6). connectionID and the scramble feed mysql_native_password;
// capabilities and charset drive NegotiateCapabilities.
type serverHandshake struct {
	ProtocolVersion byte
	ServerVersion   string
	ConnectionID    uint32
	Scramble        []byte // full 20-byte auth-plugin-data, both parts joined
	Capabilities    uint32
	Charset         byte
	StatusFlags     uint16
	AuthPluginName  string
}

// parseHandshakeV10 decodes the server's initial Handshake packet.
// Grounded on the teacher's authenticateMySQL handshake parse,
// generalized to also retain capabilities/charset/status for the
// outer FSM instead of discarding them after computing the scramble.
func parseHandshakeV10(payload []byte) (*serverHandshake, error) {
	r := wire.NewPacketReader(payload)
	proto, err := r.U8()
	if err != nil {
		return nil, fmt.Errorf("backend: handshake protocol byte: %w", err)
	}
	if proto != 10 {
		return nil, fmt.Errorf("backend: unsupported handshake protocol version %d", proto)
	}
	version, err := r.NullString()
	if err != nil {
		return nil, fmt.Errorf("backend: handshake server version: %w", err)
	}
	connID, err := r.U32LE()
	if err != nil {
		return nil, fmt.Errorf("backend: handshake connection id: %w", err)
	}
	scramblePart1, err := r.FixedBytes(8)
	if err != nil {
		return nil, fmt.Errorf("backend: handshake scramble part 1: %w", err)
	}
	if _, err := r.U8(); err != nil { // filler
		return nil, fmt.Errorf("backend: handshake filler: %w", err)
	}
	capLow, err := r.U16LE()
	if err != nil {
		return nil, fmt.Errorf("backend: handshake capability_flags_1: %w", err)
	}
	h := &serverHandshake{
		ProtocolVersion: proto,
		ServerVersion:   version,
		ConnectionID:    connID,
	}
	if r.Len() == 0 {
		h.Capabilities = uint32(capLow)
		h.Scramble = append([]byte{}, scramblePart1...)
		return h, nil
	}
	charset, err := r.U8()
	if err != nil {
		return nil, fmt.Errorf("backend: handshake charset: %w", err)
	}
	status, err := r.U16LE()
	if err != nil {
		return nil, fmt.Errorf("backend: handshake status flags: %w", err)
	}
	capHigh, err := r.U16LE()
	if err != nil {
		return nil, fmt.Errorf("backend: handshake capability_flags_2: %w", err)
	}
	caps := uint32(capLow) | uint32(capHigh)<<16
	scrambleLen, err := r.U8()
	if err != nil {
		return nil, fmt.Errorf("backend: handshake auth_plugin_data_len: %w", err)
	}
	if err := r.Skip(10); err != nil { // reserved
		return nil, fmt.Errorf("backend: handshake reserved: %w", err)
	}
	h.Capabilities = caps
	h.Charset = charset
	h.StatusFlags = status

	scramble := append([]byte{}, scramblePart1...)
	if caps&CapSecureConnection != 0 {
		n := int(scrambleLen) - 8
		if n < 0 {
			n = 13
		}
		if n > 13 {
			n = 13
		}
		part2, err := r.FixedBytes(n)
		if err != nil {
			return nil, fmt.Errorf("backend: handshake scramble part 2: %w", err)
		}
		// part2 includes a trailing NUL; drop it if present.
		if n > 0 && part2[n-1] == 0 {
			part2 = part2[:n-1]
		}
		scramble = append(scramble, part2...)
	}
	h.Scramble = scramble

	if caps&CapPluginAuth != 0 {
		name, err := r.NullString()
		if err != nil {
			// Some servers omit the trailing NUL on the last field;
			// fall back to whatever remains.
			name = string(r.Rest())
		}
		h.AuthPluginName = name
	}
	return h, nil
}

// buildHandshakeResponse41 encodes a HandshakeResponse41 packet
// (spec.md §4.2a) authenticating with mysql_native_password. Grounded
// on the teacher's authenticateMySQL response-packet assembly,
// generalized to take negotiated capabilities instead of a fixed set.
func buildHandshakeResponse41(caps uint32, charset byte, user, database string, authResponse []byte, connAttrs map[string]string) []byte {
	buf := make([]byte, 0, 64+len(user)+len(database)+len(authResponse))
	var capBytes [4]byte
	capBytes[0] = byte(caps)
	capBytes[1] = byte(caps >> 8)
	capBytes[2] = byte(caps >> 16)
	capBytes[3] = byte(caps >> 24)
	buf = append(buf, capBytes[:]...)
	buf = append(buf, 0, 0, 0, 1) // max_packet_size, fixed at 16777216 (16MB)
	buf = append(buf, charset)
	buf = append(buf, make([]byte, 23)...) // reserved
	buf = append(buf, user...)
	buf = append(buf, 0)

	if caps&CapPluginAuthLenencData != 0 {
		buf = wire.PutLenEncInt(buf, uint64(len(authResponse)))
		buf = append(buf, authResponse...)
	} else if caps&CapSecureConnection != 0 {
		buf = append(buf, byte(len(authResponse)))
		buf = append(buf, authResponse...)
	} else {
		buf = append(buf, authResponse...)
		buf = append(buf, 0)
	}

	if caps&CapConnectWithDB != 0 && database != "" {
		buf = append(buf, database...)
		buf = append(buf, 0)
	}
	if caps&CapPluginAuth != 0 {
		buf = append(buf, "mysql_native_password"...)
		buf = append(buf, 0)
	}
	if caps&CapConnectAttrs != 0 && len(connAttrs) > 0 {
		attrs := make([]byte, 0, 32)
		for k, v := range connAttrs {
			attrs = wire.PutLenEncInt(attrs, uint64(len(k)))
			attrs = append(attrs, k...)
			attrs = wire.PutLenEncInt(attrs, uint64(len(v)))
			attrs = append(attrs, v...)
		}
		buf = wire.PutLenEncInt(buf, uint64(len(attrs)))
		buf = append(buf, attrs...)
	}
	return buf
}
