package backend

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/routingcore/proxy/internal/wire"
)

// fakeServer drives the other end of a net.Pipe as a minimal
// MySQL server: sends one handshake, expects one handshake response,
// replies OK, then replies OK to any number of init queries.
func fakeServer(conn net.Conn, numInitQueries int) {
	go func() {
		scramble := bytes.Repeat([]byte{0x2a}, 20)
		hs := buildTestHandshake(scramble)
		if _, err := conn.Write(wire.EncodePacket(hs, 0)); err != nil {
			return
		}
		if _, err := readOnePacket(conn); err != nil { // handshake response
			return
		}
		if _, err := conn.Write(wire.EncodePacket(okPacketBytes(), 2)); err != nil {
			return
		}
		for i := 0; i < numInitQueries; i++ {
			if _, err := readOnePacket(conn); err != nil {
				return
			}
			if _, err := conn.Write(wire.EncodePacket(okPacketBytes(), byte(i)+3)); err != nil {
				return
			}
		}
	}()
}

func buildTestHandshake(scramble []byte) []byte {
	var buf []byte
	buf = append(buf, 10)              // protocol version
	buf = append(buf, "5.7.44-test"...) // server version
	buf = append(buf, 0)
	buf = append(buf, 1, 0, 0, 0) // connection id
	buf = append(buf, scramble[:8]...)
	buf = append(buf, 0) // filler
	caps := CapLongPassword | CapProtocol41 | CapSecureConnection | CapPluginAuth | CapTransactions | CapConnectWithDB
	buf = append(buf, byte(caps), byte(caps>>8))
	buf = append(buf, 0x21)    // charset
	buf = append(buf, 2, 0)   // status flags
	buf = append(buf, byte(caps>>16), byte(caps>>24))
	buf = append(buf, 21) // auth_plugin_data_len (8+13)
	buf = append(buf, make([]byte, 10)...)
	buf = append(buf, scramble[8:20]...)
	buf = append(buf, 0)
	buf = append(buf, "mysql_native_password"...)
	buf = append(buf, 0)
	return buf
}

func okPacketBytes() []byte {
	return []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}
}

func readOnePacket(conn net.Conn) ([]byte, error) {
	hdr := make([]byte, wire.HeaderLen)
	if _, err := readFull(conn, hdr); err != nil {
		return nil, err
	}
	plen, _, err := wire.ReadHeader(hdr)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, plen)
	if plen > 0 {
		if _, err := readFull(conn, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestInitHandshakeAuthAndInitQueries(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	fakeServer(server, 2)

	c := NewConn(client, Config{
		Username:    "app",
		Password:    "secret",
		Database:    "appdb",
		InitQueries: []string{"SET time_zone='+00:00'", "SET sql_mode=''"},
		DialTimeout: 2 * time.Second,
	})
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if c.State() != StateRouting {
		t.Fatalf("expected StateRouting, got %s", c.State())
	}
	if !c.Idle() {
		t.Fatal("expected Idle after successful init")
	}
	if c.ThreadID() != 1 {
		t.Fatalf("expected thread id 1, got %d", c.ThreadID())
	}
}

func TestRouteCommandRejectedWhenNotIdle(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	c := &Conn{netConn: client, state: StateHandshaking, replyState: ReplyStart}
	if err := c.RouteCommand([]byte{0x03, 's'}); err == nil {
		t.Fatal("expected error routing command while not idle")
	}
}

func TestFeedSimpleOKReply(t *testing.T) {
	c := &Conn{state: StateRouting, replyState: ReplyStart, lastCommand: 0x03}
	out, err := c.Feed(wire.EncodePacket(okPacketBytes(), 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 forwarded packet, got %d", len(out))
	}
	if c.ReplyState() != ReplyDone {
		t.Fatalf("expected ReplyDone, got %s", c.ReplyState())
	}
	if !c.Idle() {
		t.Fatal("expected idle after OK reply")
	}
}

func TestFeedResultSetWithDeprecateEOF(t *testing.T) {
	c := &Conn{state: StateRouting, replyState: ReplyStart, lastCommand: 0x03, negCaps: CapDeprecateEOF}

	colCount := wire.PutLenEncInt(nil, 1)
	colDef := []byte("coldef-placeholder")
	row := []byte{0x03, 'f', 'o', 'o'}
	final := okPacketBytes()

	var buf []byte
	buf = append(buf, wire.EncodePacket(colCount, 1)...)
	buf = append(buf, wire.EncodePacket(colDef, 2)...)
	buf = append(buf, wire.EncodePacket(row, 3)...)
	buf = append(buf, wire.EncodePacket(final, 4)...)

	out, err := c.Feed(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 4 {
		t.Fatalf("expected 4 forwarded packets, got %d", len(out))
	}
	if c.ReplyState() != ReplyDone {
		t.Fatalf("expected ReplyDone, got %s", c.ReplyState())
	}
}

func TestFeedResultSetWithEOFs(t *testing.T) {
	c := &Conn{state: StateRouting, replyState: ReplyStart, lastCommand: 0x03}

	colCount := wire.PutLenEncInt(nil, 1)
	colDef := []byte("coldef-placeholder")
	eof1 := []byte{0xfe, 0x00, 0x00, 0x02, 0x00}
	row := []byte{0x03, 'f', 'o', 'o'}
	eof2 := []byte{0xfe, 0x00, 0x00, 0x02, 0x00}

	var buf []byte
	for i, p := range [][]byte{colCount, colDef, eof1, row, eof2} {
		buf = append(buf, wire.EncodePacket(p, byte(i)+1)...)
	}

	out, err := c.Feed(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 5 {
		t.Fatalf("expected 5 forwarded packets, got %d", len(out))
	}
	if c.ReplyState() != ReplyDone {
		t.Fatalf("expected ReplyDone, got %s", c.ReplyState())
	}
}

func TestFeedErrPacketEndsReply(t *testing.T) {
	c := &Conn{state: StateRouting, replyState: ReplyStart, lastCommand: 0x03}
	errPkt := []byte{0xff, 0x20, 0x04, '#', 'H', 'Y', '0', '0', '0', 'b', 'o', 'o', 'm'}
	out, err := c.Feed(wire.EncodePacket(errPkt, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 forwarded packet, got %d", len(out))
	}
	if c.ReplyState() != ReplyDone {
		t.Fatal("ERR packet must terminate the reply")
	}
	if c.Meta().LastErrorCode != 0x0420 {
		t.Fatalf("got error code 0x%04x", c.Meta().LastErrorCode)
	}
}

func TestFeedPartialPacketHeldOverToNextCall(t *testing.T) {
	c := &Conn{state: StateRouting, replyState: ReplyStart, lastCommand: 0x03}
	full := wire.EncodePacket(okPacketBytes(), 1)
	out, err := c.Feed(full[:3])
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no forwarded packets from a partial header, got %d", len(out))
	}
	out, err = c.Feed(full[3:])
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 forwarded packet once buffer completes, got %d", len(out))
	}
}

func TestNegotiateCapabilitiesMasksUnknownBits(t *testing.T) {
	serverCaps := CapLongPassword | CapProtocol41 | CapSecureConnection | uint32(1<<30)
	got := NegotiateCapabilities(serverCaps, false, false, true)
	if got&(1<<30) != 0 {
		t.Fatal("unrecognised server capability bit leaked into negotiated caps")
	}
	if got&CapConnectWithDB == 0 {
		t.Fatal("expected CapConnectWithDB when hasInitialDB is true")
	}
	if got&CapSSL != 0 {
		t.Fatal("expected no CapSSL when useTLS is false")
	}
}
