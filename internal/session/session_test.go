package session

import (
	"net"
	"testing"

	"github.com/routingcore/proxy/internal/backend"
	"github.com/routingcore/proxy/internal/router"
	"github.com/routingcore/proxy/internal/server"
)

func newTestSession() *Session {
	client, _ := net.Pipe()
	srv := server.New("db1", "10.0.0.1", 3306, server.StatusRunning)
	return New(client, router.NewRoundRobinRouter([]*server.Server{srv}), []*server.Server{srv})
}

func TestNewSessionHasUniqueIDAndDefaults(t *testing.T) {
	a := newTestSession()
	b := newTestSession()
	if a.ID == b.ID {
		t.Fatal("expected distinct session IDs")
	}
	if !a.Autocommit() {
		t.Fatal("expected autocommit true by default")
	}
	if !a.Movable() {
		t.Fatal("expected a fresh session to be movable")
	}
}

func TestObserveReplyTracksTransactionState(t *testing.T) {
	s := newTestSession()
	s.ObserveReply([]byte{0x03}, backend.Meta{StatusFlags: backend.StatusInTrans})
	if !s.InTransaction() {
		t.Fatal("expected InTransaction after status flag set")
	}
	if s.Movable() {
		t.Fatal("expected session to be unmovable mid-transaction")
	}

	s.ObserveReply([]byte{0x03}, backend.Meta{StatusFlags: backend.StatusAutocommit})
	if s.InTransaction() {
		t.Fatal("expected InTransaction cleared once status flag drops")
	}
	if !s.Movable() {
		t.Fatal("expected session movable again at the next boundary")
	}
}

func TestObserveReplyPinsOnStmtPrepare(t *testing.T) {
	s := newTestSession()
	s.ObserveReply([]byte{comStmtPrepare}, backend.Meta{})
	pinned, reason := s.Pinned()
	if !pinned || reason != PinPreparedStatement {
		t.Fatalf("expected pin %q, got pinned=%v reason=%q", PinPreparedStatement, pinned, reason)
	}
	if s.Movable() {
		t.Fatal("expected pinned session to be unmovable")
	}
}

func TestObserveReplyPinsOnSetOption(t *testing.T) {
	s := newTestSession()
	s.ObserveReply([]byte{comSetOption}, backend.Meta{})
	pinned, reason := s.Pinned()
	if !pinned || reason != PinSetOption {
		t.Fatalf("expected pin %q, got %q", PinSetOption, reason)
	}
}

func TestObserveReplyPinsOnLockAndExplicitTransaction(t *testing.T) {
	cases := []string{
		"LOCK TABLES t WRITE",
		"SELECT GET_LOCK('x', 1)",
		"START TRANSACTION",
	}
	for _, q := range cases {
		s := newTestSession()
		payload := append([]byte{0x03}, []byte(q)...)
		s.ObserveReply(payload, backend.Meta{})
		pinned, reason := s.Pinned()
		if !pinned || reason != PinLockOrExplicitTxn {
			t.Fatalf("query %q: expected pin %q, got pinned=%v reason=%q", q, PinLockOrExplicitTxn, pinned, reason)
		}
	}
}

func TestObserveReplyDoesNotPinOrdinaryQuery(t *testing.T) {
	s := newTestSession()
	s.ObserveReply(append([]byte{0x03}, []byte("SELECT 1")...), backend.Meta{})
	if pinned, _ := s.Pinned(); pinned {
		t.Fatal("expected an ordinary SELECT not to pin the session")
	}
}

func TestPinIsStickyUntilUnpin(t *testing.T) {
	s := newTestSession()
	s.ObserveReply([]byte{comStmtPrepare}, backend.Meta{})
	s.ObserveReply(append([]byte{0x03}, []byte("SELECT 1")...), backend.Meta{})
	if pinned, reason := s.Pinned(); !pinned || reason != PinPreparedStatement {
		t.Fatal("expected first pin reason to stick despite later unrelated commands")
	}
	s.Unpin()
	if pinned, _ := s.Pinned(); pinned {
		t.Fatal("expected Unpin to clear pin state")
	}
}

func TestIsQuit(t *testing.T) {
	if !IsQuit([]byte{comQuit}) {
		t.Fatal("expected COM_QUIT to be recognized")
	}
	if IsQuit([]byte{0x03}) {
		t.Fatal("did not expect COM_QUERY to be recognized as quit")
	}
	if IsQuit(nil) {
		t.Fatal("did not expect empty payload to be recognized as quit")
	}
}

func TestClientSeqResetsPerCommand(t *testing.T) {
	s := newTestSession()
	if got := s.NextClientSeq(); got != 0 {
		t.Fatalf("expected first seq 0, got %d", got)
	}
	if got := s.NextClientSeq(); got != 1 {
		t.Fatalf("expected second seq 1, got %d", got)
	}
	s.ResetClientSeq()
	if got := s.NextClientSeq(); got != 0 {
		t.Fatalf("expected seq to reset to 0, got %d", got)
	}
}

func TestQueueCommandDrainsInOrder(t *testing.T) {
	s := newTestSession()
	s.QueueCommand([]byte("a"))
	s.QueueCommand([]byte("b"))
	got := s.DrainQueue()
	if len(got) != 2 || string(got[0]) != "a" || string(got[1]) != "b" {
		t.Fatalf("expected queued commands in order, got %v", got)
	}
	if more := s.DrainQueue(); len(more) != 0 {
		t.Fatal("expected queue empty after drain")
	}
}

func TestAttachAndRelease(t *testing.T) {
	s := newTestSession()
	srv := server.New("db2", "10.0.0.2", 3306, server.StatusRunning)
	client, _ := net.Pipe()
	conn := backend.NewConn(client, backend.Config{})

	s.Attach(srv, conn)
	if s.Current != srv || s.BackendConn != conn {
		t.Fatal("expected Attach to set Current and BackendConn")
	}

	released := s.Release()
	if released != conn {
		t.Fatal("expected Release to return the attached connection")
	}
	if s.Current != nil || s.BackendConn != nil {
		t.Fatal("expected Release to clear Current and BackendConn")
	}
}
