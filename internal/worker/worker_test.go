package worker

import (
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/routingcore/proxy/internal/router"
	"github.com/routingcore/proxy/internal/server"
	"github.com/routingcore/proxy/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTCPPair(t *testing.T) (client, serverSide net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	select {
	case serverSide = <-acceptCh:
	case err := <-errCh:
		t.Fatalf("accept: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accept")
	}
	return client, serverSide
}

func newTestSessionWithConn(conn net.Conn) *session.Session {
	srv := server.New("db1", "10.0.0.1", 3306, server.StatusRunning)
	return session.New(conn, router.NewRoundRobinRouter([]*server.Server{srv}), []*server.Server{srv})
}

func TestPostRunsOnNextDrain(t *testing.T) {
	w, err := NewRoutingWorker(0, 5, discardLogger())
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	var order []int
	w.Post(func(*RoutingWorker) { order = append(order, 1) })
	w.Post(func(*RoutingWorker) { order = append(order, 2) })
	w.drainPosts()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected posts to run in order, got %v", order)
	}
	w.drainPosts()
	if len(order) != 2 {
		t.Fatal("expected drained posts not to re-run")
	}
}

func TestAddRemoveSessionTracksCount(t *testing.T) {
	w, err := NewRoutingWorker(0, 5, discardLogger())
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer w.poller.Close()

	client, serverSide := newTCPPair(t)
	defer client.Close()
	defer serverSide.Close()

	s := newTestSessionWithConn(serverSide)
	if err := w.AddSession(s); err != nil {
		t.Fatalf("AddSession: %v", err)
	}
	if w.SessionCount() != 1 {
		t.Fatalf("expected session count 1, got %d", w.SessionCount())
	}

	fd, err := connFD(serverSide)
	if err != nil {
		t.Fatalf("connFD: %v", err)
	}
	w.RemoveSession(fd)
	if w.SessionCount() != 0 {
		t.Fatalf("expected session count 0 after remove, got %d", w.SessionCount())
	}
}

func TestLoadAverageAcrossSamples(t *testing.T) {
	w, err := NewRoutingWorker(0, 3, discardLogger())
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer w.poller.Close()

	w.loadSamples = []int{2, 4, 6}
	if got := w.LoadAverage(); got != 4 {
		t.Fatalf("expected average 4, got %v", got)
	}
}

func TestMovableSessionsFiltersPinned(t *testing.T) {
	w, err := NewRoutingWorker(0, 5, discardLogger())
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer w.poller.Close()

	client1, server1 := newTCPPair(t)
	defer client1.Close()
	defer server1.Close()
	client2, server2 := newTCPPair(t)
	defer client2.Close()
	defer server2.Close()

	movable := newTestSessionWithConn(server1)
	pinned := newTestSessionWithConn(server2)
	pinned.Pin(session.PinLockOrExplicitTxn)

	if err := w.AddSession(movable); err != nil {
		t.Fatalf("AddSession: %v", err)
	}
	if err := w.AddSession(pinned); err != nil {
		t.Fatalf("AddSession: %v", err)
	}

	got := w.MovableSessions(2)
	if len(got) != 1 || got[0] != movable {
		t.Fatalf("expected only the unpinned session to be movable, got %d results", len(got))
	}
}
