package worker

import (
	"crypto/rand"
	"fmt"

	"github.com/routingcore/proxy/internal/backend"
	"github.com/routingcore/proxy/internal/wire"
)

// serverVersion is reported in every synthetic handshake the proxy
// sends to clients before a backend has been chosen.
const serverVersion = "5.7.0-routingcore"

// syntheticCaps is the full capability set the proxy advertises in
// its own greeting, before it knows which backend (and therefore
// which negotiated subset) a session will end up using.
const syntheticCaps = backend.CapLongPassword | backend.CapFoundRows | backend.CapLongFlag |
	backend.CapConnectWithDB | backend.CapProtocol41 | backend.CapInteractive |
	backend.CapTransactions | backend.CapSecureConnection | backend.CapMultiStatements |
	backend.CapMultiResults | backend.CapPSMultiResults | backend.CapPluginAuth |
	backend.CapConnectAttrs | backend.CapPluginAuthLenencData

// BuildSyntheticHandshake encodes a Protocol::HandshakeV10 greeting
// the proxy sends to a freshly-accepted client connection, before any
// backend has been selected: the client must complete a handshake
// dance with *something* to get its connection attributes and
// intended database onto the wire, and only then can the router pick
// a target (spec.md §4.4's "Session asks the router for an ordered
// set of backend endpoints" happens after this exchange).
//
// Grounded on the teacher's MySQLHandler.sendSyntheticHandshake,
// generalized to share internal/wire's packet encoding and
// internal/backend's capability constants instead of hand-rolled byte
// literals, and to return the scramble for the caller to verify the
// client's auth response against (the teacher discarded it, since it
// routed on tenant ID rather than verifying credentials against a
// real database).
func BuildSyntheticHandshake(connID uint32) (packet, scramble []byte, err error) {
	scramble = make([]byte, 20)
	if _, err = rand.Read(scramble); err != nil {
		return nil, nil, fmt.Errorf("worker: generating synthetic scramble: %w", err)
	}
	// The protocol forbids NUL bytes inside auth-plugin-data.
	for i := range scramble {
		if scramble[i] == 0 {
			scramble[i] = 1
		}
	}

	var buf []byte
	buf = append(buf, 10) // protocol version
	buf = append(buf, serverVersion...)
	buf = append(buf, 0)
	buf = append(buf, byte(connID), byte(connID>>8), byte(connID>>16), byte(connID>>24))
	buf = append(buf, scramble[:8]...)
	buf = append(buf, 0) // filler

	caps := uint32(syntheticCaps)
	buf = append(buf, byte(caps), byte(caps>>8))
	buf = append(buf, 33)                       // charset: utf8_general_ci
	buf = append(buf, byte(backend.StatusAutocommit), 0x00)
	buf = append(buf, byte(caps>>16), byte(caps>>24))
	buf = append(buf, 21) // auth-plugin-data length (8 + 13)
	buf = append(buf, make([]byte, 10)...)
	buf = append(buf, scramble[8:]...)
	buf = append(buf, 0x00)
	buf = append(buf, "mysql_native_password"...)
	buf = append(buf, 0)

	return wire.EncodePacket(buf, 0), scramble, nil
}
