package worker

import (
	"testing"
	"time"
)

func newTestRuntime(t *testing.T, threads int, threshold float64) *Runtime {
	t.Helper()
	rt, err := NewRuntime(RuntimeConfig{
		Threads:            threads,
		RebalanceWindow:    3,
		RebalanceThreshold: threshold,
		RebalanceInterval:  time.Hour, // not exercised directly in these tests
	}, nil, discardLogger())
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	t.Cleanup(func() { rt.shared.Close() })
	return rt
}

func TestRebalanceOnceMovesFromBusiestToQuietest(t *testing.T) {
	rt := newTestRuntime(t, 2, 1.0)
	busy, quiet := rt.workers[0], rt.workers[1]
	defer busy.poller.Close()
	defer quiet.poller.Close()

	busy.loadSamples = []int{5, 5, 5}
	quiet.loadSamples = []int{0, 0, 0}

	client, serverSide := newTCPPair(t)
	defer client.Close()
	defer serverSide.Close()
	s := newTestSessionWithConn(serverSide)
	if err := busy.AddSession(s); err != nil {
		t.Fatalf("AddSession: %v", err)
	}

	rt.rebalanceOnce()
	busy.drainPosts()
	quiet.drainPosts()

	if busy.SessionCount() != 0 {
		t.Fatalf("expected busiest worker to have evicted its session, got count %d", busy.SessionCount())
	}
	if quiet.SessionCount() != 1 {
		t.Fatalf("expected quietest worker to have gained the session, got count %d", quiet.SessionCount())
	}
}

func TestRebalanceOnceSkipsWhenBelowThreshold(t *testing.T) {
	rt := newTestRuntime(t, 2, 10.0)
	busy, quiet := rt.workers[0], rt.workers[1]
	defer busy.poller.Close()
	defer quiet.poller.Close()

	busy.loadSamples = []int{5, 5, 5}
	quiet.loadSamples = []int{0, 0, 0}

	client, serverSide := newTCPPair(t)
	defer client.Close()
	defer serverSide.Close()
	s := newTestSessionWithConn(serverSide)
	if err := busy.AddSession(s); err != nil {
		t.Fatalf("AddSession: %v", err)
	}

	rt.rebalanceOnce()
	busy.drainPosts()

	if busy.SessionCount() != 1 {
		t.Fatal("expected no move when max-min is within threshold")
	}
}

func TestRebalanceOnceNoopWithSingleWorker(t *testing.T) {
	rt := newTestRuntime(t, 1, 0)
	defer rt.workers[0].poller.Close()
	rt.rebalanceOnce() // must not panic comparing a worker against itself
}
