package backend

import (
	"fmt"

	"github.com/routingcore/proxy/internal/wire"
)

// ClientHandshake is the parsed HandshakeResponse41 a connecting client
// sends back to the proxy's synthetic handshake (spec.md §4.2a, §6).
// Unlike parseHandshakeV10 (server → proxy), this walks the
// client-to-server shape: no server-version or status-flags fields,
// and the auth-response length encoding depends on the client's own
// capability flags rather than a negotiated mask.
type ClientHandshake struct {
	Capabilities   uint32
	MaxPacketSize  uint32
	Charset        byte
	Username       string
	AuthResponse   []byte
	Database       string
	AuthPluginName string
}

// ParseClientHandshakeResponse41 decodes payload as a
// HandshakeResponse41 (spec.md §4.2a). Grounded on the teacher's
// readHandshakeResponse, generalized to use wire.PacketReader instead
// of hand-rolled offsets and to report every field the proxy's own
// authentication check and session setup need, not just the ones the
// teacher's tenant-extraction logic used.
func ParseClientHandshakeResponse41(payload []byte) (*ClientHandshake, error) {
	if len(payload) < 32 {
		return nil, fmt.Errorf("backend: client handshake response too short (%d bytes)", len(payload))
	}
	r := wire.NewPacketReader(payload)

	caps, err := r.U32LE()
	if err != nil {
		return nil, fmt.Errorf("backend: client handshake capability_flags: %w", err)
	}
	maxPacket, err := r.U32LE()
	if err != nil {
		return nil, fmt.Errorf("backend: client handshake max_packet_size: %w", err)
	}
	charset, err := r.U8()
	if err != nil {
		return nil, fmt.Errorf("backend: client handshake charset: %w", err)
	}
	if err := r.Skip(23); err != nil { // reserved
		return nil, fmt.Errorf("backend: client handshake reserved: %w", err)
	}

	h := &ClientHandshake{
		Capabilities:  caps,
		MaxPacketSize: maxPacket,
		Charset:       charset,
	}

	username, err := r.NullString()
	if err != nil {
		return nil, fmt.Errorf("backend: client handshake username: %w", err)
	}
	h.Username = username

	switch {
	case caps&CapPluginAuthLenencData != 0:
		auth, err := r.LenEncString()
		if err != nil {
			return nil, fmt.Errorf("backend: client handshake lenenc auth_response: %w", err)
		}
		h.AuthResponse = auth
	case caps&CapSecureConnection != 0:
		n, err := r.U8()
		if err != nil {
			return nil, fmt.Errorf("backend: client handshake auth_response_len: %w", err)
		}
		auth, err := r.FixedBytes(int(n))
		if err != nil {
			return nil, fmt.Errorf("backend: client handshake auth_response: %w", err)
		}
		h.AuthResponse = auth
	default:
		auth, err := r.NullString()
		if err != nil {
			return nil, fmt.Errorf("backend: client handshake null-terminated auth_response: %w", err)
		}
		h.AuthResponse = []byte(auth)
	}

	if caps&CapConnectWithDB != 0 {
		db, err := r.NullString()
		if err != nil {
			return nil, fmt.Errorf("backend: client handshake database: %w", err)
		}
		h.Database = db
	}

	if caps&CapPluginAuth != 0 {
		name, err := r.NullString()
		if err != nil {
			// Some clients omit the trailing NUL when it's the last
			// field present (no connect-attrs follow).
			name = string(r.Rest())
		}
		h.AuthPluginName = name
	}

	// Connect-attrs (if CapConnectAttrs) follow as a lenenc-string blob
	// of key/value pairs; the proxy has no use for them yet, so they
	// are left unparsed rather than walked field by field.
	return h, nil
}
