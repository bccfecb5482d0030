package backend

import (
	"net"
	"testing"

	"github.com/routingcore/proxy/internal/wire"
)

func newIdleConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	client, srv := net.Pipe()
	c := NewConn(client, Config{})
	c.state = StateRouting
	c.replyState = ReplyDone
	return c, srv
}

func TestExecQueryReturnsRows(t *testing.T) {
	c, srv := newIdleConn(t)
	defer c.Close()
	defer srv.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// COM_QUERY
		if _, err := readOnePacket(srv); err != nil {
			t.Error(err)
			return
		}
		colCount := wire.PutLenEncInt(nil, 2)
		writePacket(srv, colCount, 1)
		writePacket(srv, []byte("col1 def"), 2)
		writePacket(srv, []byte("col2 def"), 3)
		writePacket(srv, []byte{wire.EOFPacket, 0, 0, 0, 0}, 4)

		row1 := wire.PutLenEncInt(nil, 3)
		row1 = append(row1, "foo"...)
		row1 = wire.PutLenEncInt(row1, 3)
		row1 = append(row1, "bar"...)
		writePacket(srv, row1, 5)

		writePacket(srv, []byte{wire.EOFPacket, 0, 0, 0, 0}, 6)
	}()

	rows, err := c.ExecQuery("SELECT a, b FROM t")
	if err != nil {
		t.Fatalf("ExecQuery: %v", err)
	}
	<-done
	if len(rows) != 1 || rows[0][0] != "foo" || rows[0][1] != "bar" {
		t.Fatalf("unexpected rows: %v", rows)
	}
}

func TestExecQueryNoResultSet(t *testing.T) {
	c, srv := newIdleConn(t)
	defer c.Close()
	defer srv.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := readOnePacket(srv); err != nil {
			t.Error(err)
			return
		}
		writePacket(srv, okPacketBytes(), 1)
	}()

	rows, err := c.ExecQuery("SET @@x = 1")
	if err != nil {
		t.Fatalf("ExecQuery: %v", err)
	}
	<-done
	if rows != nil {
		t.Fatalf("expected nil rows for a non-result-set query, got %v", rows)
	}
}

func TestExecQueryRejectsWhenNotIdle(t *testing.T) {
	c, srv := newIdleConn(t)
	defer c.Close()
	defer srv.Close()
	c.replyState = ReplyRows

	if _, err := c.ExecQuery("SELECT 1"); err == nil {
		t.Fatal("expected ExecQuery to reject a non-idle connection")
	}
}

func writePacket(conn net.Conn, payload []byte, seq byte) {
	conn.Write(wire.EncodePacket(payload, seq))
}
