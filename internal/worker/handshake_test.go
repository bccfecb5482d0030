package worker

import (
	"bytes"
	"testing"

	"github.com/routingcore/proxy/internal/wire"
)

func TestBuildSyntheticHandshakeWellFormed(t *testing.T) {
	packet, scramble, err := BuildSyntheticHandshake(42)
	if err != nil {
		t.Fatalf("BuildSyntheticHandshake: %v", err)
	}
	if len(scramble) != 20 {
		t.Fatalf("expected 20-byte scramble, got %d", len(scramble))
	}
	for _, b := range scramble {
		if b == 0 {
			t.Fatal("scramble must not contain NUL bytes")
		}
	}

	payloadLen, seq, err := wire.ReadHeader(packet)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if seq != 0 {
		t.Fatalf("expected synthetic handshake to use seq 0, got %d", seq)
	}
	payload := packet[wire.HeaderLen:]
	if len(payload) != payloadLen {
		t.Fatalf("header length %d does not match payload length %d", payloadLen, len(payload))
	}

	if payload[0] != 10 {
		t.Fatalf("expected protocol version 10, got %d", payload[0])
	}
	if !bytes.Contains(payload, []byte(serverVersion)) {
		t.Fatal("expected server version string in payload")
	}
	if !bytes.Contains(payload, []byte("mysql_native_password")) {
		t.Fatal("expected auth plugin name in payload")
	}
}

func TestBuildSyntheticHandshakeUniqueScramble(t *testing.T) {
	_, s1, err := BuildSyntheticHandshake(1)
	if err != nil {
		t.Fatal(err)
	}
	_, s2, err := BuildSyntheticHandshake(1)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(s1, s2) {
		t.Fatal("expected distinct random scrambles across calls")
	}
}
