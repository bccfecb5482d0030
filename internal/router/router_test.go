package router

import (
	"context"
	"testing"

	"github.com/routingcore/proxy/internal/server"
)

func TestChooseTargetPrefersLowestRank(t *testing.T) {
	primary := server.New("primary", "10.0.0.1", 3306, server.StatusRunning|server.StatusMaster)
	replica := server.New("replica", "10.0.0.2", 3306, server.StatusRunning|server.StatusSlave)
	replica.Rank = server.RankSecondary

	r := NewRoundRobinRouter([]*server.Server{primary, replica})
	for i := 0; i < 5; i++ {
		got, err := r.ChooseTarget(context.Background(), nil, QueryInfo{})
		if err != nil {
			t.Fatal(err)
		}
		if got != primary {
			t.Fatalf("expected primary to win on rank, got %s", got.Name)
		}
	}
}

func TestChooseTargetFallsBackWhenPrimaryIneligible(t *testing.T) {
	primary := server.New("primary", "10.0.0.1", 3306, server.StatusRunning)
	primary.SetBit(server.StatusMaintenance)
	replica := server.New("replica", "10.0.0.2", 3306, server.StatusRunning)
	replica.Rank = server.RankSecondary

	r := NewRoundRobinRouter([]*server.Server{primary, replica})
	got, err := r.ChooseTarget(context.Background(), nil, QueryInfo{})
	if err != nil {
		t.Fatal(err)
	}
	if got != replica {
		t.Fatalf("expected replica once primary is in maintenance, got %s", got.Name)
	}
}

func TestChooseTargetRoundRobinsWithinTier(t *testing.T) {
	a := server.New("a", "10.0.0.1", 3306, server.StatusRunning)
	b := server.New("b", "10.0.0.2", 3306, server.StatusRunning)
	r := NewRoundRobinRouter([]*server.Server{a, b})

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		got, err := r.ChooseTarget(context.Background(), nil, QueryInfo{})
		if err != nil {
			t.Fatal(err)
		}
		seen[got.Name] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("expected round-robin to visit both tied candidates, saw %v", seen)
	}
}

func TestChooseTargetErrorsWithNoEligibleCandidates(t *testing.T) {
	down := server.New("down", "10.0.0.1", 3306, 0)
	r := NewRoundRobinRouter([]*server.Server{down})
	if _, err := r.ChooseTarget(context.Background(), nil, QueryInfo{}); err == nil {
		t.Fatal("expected error with no eligible candidates")
	}
}

func TestPriorityBreaksTiesWithinSameRank(t *testing.T) {
	low := server.New("low", "10.0.0.1", 3306, server.StatusRunning)
	low.Priority = 1
	high := server.New("high", "10.0.0.2", 3306, server.StatusRunning)
	high.Priority = 10

	r := NewRoundRobinRouter([]*server.Server{low, high})
	for i := 0; i < 5; i++ {
		got, err := r.ChooseTarget(context.Background(), nil, QueryInfo{})
		if err != nil {
			t.Fatal(err)
		}
		if got != high {
			t.Fatalf("expected higher-priority candidate to win, got %s", got.Name)
		}
	}
}

func TestSetCandidatesReplacesSnapshot(t *testing.T) {
	a := server.New("a", "10.0.0.1", 3306, server.StatusRunning)
	r := NewRoundRobinRouter([]*server.Server{a})

	b := server.New("b", "10.0.0.2", 3306, server.StatusRunning)
	r.SetCandidates([]*server.Server{b})

	got, err := r.ChooseTarget(context.Background(), nil, QueryInfo{})
	if err != nil {
		t.Fatal(err)
	}
	if got != b {
		t.Fatal("expected SetCandidates to take effect")
	}
}
