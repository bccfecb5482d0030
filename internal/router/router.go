// Package router defines the pluggable routing contract (spec.md
// §4.5) and ships one illustrative implementation, RoundRobinRouter.
// Concrete routing algorithms beyond this illustrative one are out of
// scope for the core; anything implementing Router can be swapped in.
package router

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/routingcore/proxy/internal/backend"
	"github.com/routingcore/proxy/internal/server"
)

// Capabilities advertises what a Router implementation needs from the
// worker runtime, so the runtime can refuse to load a router whose
// requirements it can't satisfy (spec.md §4.5).
type Capabilities struct {
	// NeedsSessionTrack requests CLIENT_SESSION_TRACK be negotiated on
	// every backend connection this router is given, so OnReply sees
	// session-state-change notifications.
	NeedsSessionTrack bool
	// Stateless routers may have their decision reused for every
	// statement in a session without re-invoking ChooseTarget; a
	// stateful router (read/write splitting, sticky sessions) must be
	// asked on every statement.
	Stateless bool
}

// QueryInfo is the minimal per-statement context a Router is given to
// decide placement — the core never parses SQL, so it does not offer
// more than this (spec.md §4.5, §9's "no SQL parser" note).
type QueryInfo struct {
	// FirstKeyword is the first whitespace-delimited token of the
	// statement, uppercased ("SELECT", "INSERT", ...), or "" for
	// non-COM_QUERY commands.
	FirstKeyword string
	// IsNewTransaction is true for a command issued while the
	// session's trx-state is not already InTransaction.
	IsNewTransaction bool
}

// Router chooses which Server a session's next command is sent to,
// and is told the outcome afterward. Implementations must be safe for
// concurrent use only to the extent that a single worker calls all
// three methods for any one session serially — across different
// sessions (on the same or other workers) calls may overlap (spec.md
// §4.5, §9).
type Router interface {
	// ChooseTarget selects a backend for the next command of a
	// session currently connected (or about to connect) to one of
	// candidates. Returning an error fails the command with that
	// error rather than routing it.
	ChooseTarget(ctx context.Context, candidates []*server.Server, q QueryInfo) (*server.Server, error)
	// OnReply is called after a routed command's reply completes,
	// with the accumulated reply metadata (spec.md §4.2's Meta).
	OnReply(target *server.Server, meta backend.Meta)
	// OnError is called when a routed command's backend connection
	// failed outright (not a SQL-level ERR_Packet, which OnReply
	// already reports via Meta).
	OnError(target *server.Server, err error)
	// Capabilities reports this router's runtime requirements.
	Capabilities() Capabilities
}

// snapshot is an immutable point-in-time candidate list, swapped
// atomically on Reload — the same pattern the teacher's Router uses
// for its tenant table, repurposed from tenant lookup to backend
// candidate-set lookup (spec.md §4.5).
type snapshot struct {
	candidates []*server.Server
}

// RoundRobinRouter is the one illustrative Router the core ships:
// eligible candidates are ordered by Rank (primaries before
// secondaries), then Priority (higher first), and the router cycles
// round-robin within the best tier that currently has an eligible
// member. It is Stateless and does not need session tracking.
type RoundRobinRouter struct {
	snap    atomic.Value // holds *snapshot
	wmu     sync.Mutex   // serializes SetCandidates/Reload
	counter uint64        // round-robin cursor, advanced with atomic.AddUint64
}

// NewRoundRobinRouter creates a router over the given candidate
// Servers. Candidates are re-evaluated for eligibility on every
// ChooseTarget call (a Server's Status can change between calls), so
// the snapshot only needs to change when the candidate *set* changes.
func NewRoundRobinRouter(candidates []*server.Server) *RoundRobinRouter {
	r := &RoundRobinRouter{}
	r.snap.Store(&snapshot{candidates: append([]*server.Server{}, candidates...)})
	return r
}

func (r *RoundRobinRouter) load() *snapshot {
	return r.snap.Load().(*snapshot)
}

// SetCandidates atomically replaces the candidate set, e.g. when
// configuration is hot-reloaded (spec.md §6).
func (r *RoundRobinRouter) SetCandidates(candidates []*server.Server) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	r.snap.Store(&snapshot{candidates: append([]*server.Server{}, candidates...)})
}

// ChooseTarget implements Router. candidates is accepted as a
// parameter (not just read from the router's own snapshot) so a
// caller can narrow to, e.g., a single Service's member list; when
// nil or empty it falls back to the router's full candidate set.
func (r *RoundRobinRouter) ChooseTarget(_ context.Context, candidates []*server.Server, _ QueryInfo) (*server.Server, error) {
	if len(candidates) == 0 {
		candidates = r.load().candidates
	}
	best := bestTier(candidates)
	if len(best) == 0 {
		return nil, fmt.Errorf("router: no eligible backend among %d candidates", len(candidates))
	}
	n := atomic.AddUint64(&r.counter, 1)
	return best[n%uint64(len(best))], nil
}

// bestTier filters candidates to the eligible ones, then returns only
// those sharing the lowest Rank value and, within that, the highest
// Priority (spec.md §3, §4.5's rank→priority→round-robin order).
func bestTier(candidates []*server.Server) []*server.Server {
	var eligible []*server.Server
	for _, s := range candidates {
		if s.Eligible() {
			eligible = append(eligible, s)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	minRank := eligible[0].Rank
	for _, s := range eligible[1:] {
		if s.Rank < minRank {
			minRank = s.Rank
		}
	}
	var rankTier []*server.Server
	for _, s := range eligible {
		if s.Rank == minRank {
			rankTier = append(rankTier, s)
		}
	}
	maxPriority := rankTier[0].Priority
	for _, s := range rankTier[1:] {
		if s.Priority > maxPriority {
			maxPriority = s.Priority
		}
	}
	var out []*server.Server
	for _, s := range rankTier {
		if s.Priority == maxPriority {
			out = append(out, s)
		}
	}
	return out
}

// OnReply implements Router. RoundRobinRouter is stateless and keeps
// no per-reply bookkeeping.
func (r *RoundRobinRouter) OnReply(*server.Server, backend.Meta) {}

// OnError implements Router. RoundRobinRouter does not track backend
// failure history; spec.md §4.5 leaves that to the cluster monitor's
// status bits, which Eligible already consults.
func (r *RoundRobinRouter) OnError(*server.Server, error) {}

// Capabilities implements Router.
func (r *RoundRobinRouter) Capabilities() Capabilities {
	return Capabilities{NeedsSessionTrack: false, Stateless: true}
}
