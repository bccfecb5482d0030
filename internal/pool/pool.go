// Package pool holds the per-(worker, server) backend connection
// pool (spec.md §4.3): a LIFO stack of idle, already-authenticated
// backend connections, owned exclusively by one RoutingWorker for one
// Server. Because only that worker ever calls Take/Offer — there is
// no cross-goroutine access — the pool carries no lock, unlike the
// teacher's TenantPool which serialized Acquire/Return behind a mutex
// and sync.Cond for any goroutine that might call them concurrently.
package pool

import (
	"time"

	"github.com/routingcore/proxy/internal/server"
)

// Stats is a point-in-time snapshot of one WorkerPool, surfaced
// through the admin API and metrics (spec.md §4.3, §5).
type Stats struct {
	Server    string
	Worker    int
	Idle      int
	MaxSize   int
	Evictions int64
}

// WorkerPool is the idle-connection stack for one (worker, server)
// pair. Grounded on the teacher's TenantPool idle/total accounting
// (internal/pool/pool.go) and PooledConn aging (internal/pool/conn.go),
// re-architected to single-threaded LIFO with no locking per spec.md
// §4.3/§5 ("each worker owns its connections outright").
type WorkerPool struct {
	server    *server.Server
	workerID  int
	maxSize   int
	maxAge    time.Duration
	idle      []*Entry // LIFO: idle[len-1] is the most recently returned
	evictions int64
}

// NewWorkerPool creates an empty pool for one (worker, server) pair.
// maxSize mirrors the Server's configured pool_max; maxAge mirrors
// pool_max_age (0 disables connection aging).
func NewWorkerPool(srv *server.Server, workerID, maxSize int, maxAge time.Duration) *WorkerPool {
	return &WorkerPool{server: srv, workerID: workerID, maxSize: maxSize, maxAge: maxAge}
}

// Server returns the backend this pool holds connections for.
func (p *WorkerPool) Server() *server.Server { return p.server }

// Len reports the number of idle connections currently parked.
func (p *WorkerPool) Len() int { return len(p.idle) }

// Take pops the most recently returned idle connection (LIFO,
// favoring warm connections over cold ones — spec.md §4.3). Entries
// found expired along the way are discarded and closed rather than
// handed out; Take keeps popping until it finds a live one or the
// pool empties.
func (p *WorkerPool) Take() (*Entry, bool) {
	for len(p.idle) > 0 {
		last := len(p.idle) - 1
		e := p.idle[last]
		p.idle = p.idle[:last]
		if e.Expired(p.maxAge) {
			_ = e.Conn.Close()
			p.evictions++
			continue
		}
		e.Touch()
		return e, true
	}
	return nil, false
}

// Offer returns a connection to the pool. If the connection is
// already expired or the pool is at pool_max, Offer closes it instead
// and reports false — callers should treat a false return as "the
// connection is gone," not "try again."
func (p *WorkerPool) Offer(e *Entry) bool {
	if e.Expired(p.maxAge) || (p.maxSize > 0 && len(p.idle) >= p.maxSize) {
		_ = e.Conn.Close()
		return false
	}
	e.Touch()
	p.idle = append(p.idle, e)
	return true
}

// EvictExpired sweeps every idle entry for pool_max_age, closing and
// removing any that have aged out. Called once per worker tick
// (spec.md §4.4), not on a background timer — the owning worker is
// the only goroutine allowed to touch this pool.
func (p *WorkerPool) EvictExpired() int {
	if p.maxAge <= 0 || len(p.idle) == 0 {
		return 0
	}
	kept := p.idle[:0]
	evicted := 0
	for _, e := range p.idle {
		if e.Expired(p.maxAge) {
			_ = e.Conn.Close()
			evicted++
			continue
		}
		kept = append(kept, e)
	}
	p.idle = kept
	p.evictions += int64(evicted)
	return evicted
}

// EvictOne removes and closes a specific entry, used when the worker
// observes a hung-up socket outside of Take/Offer (spec.md §4.3's
// "hang-up as eviction trigger" — a POLLHUP/POLLERR on an idle
// connection's fd removes it immediately rather than waiting for the
// next aging sweep).
func (p *WorkerPool) EvictOne(target *Entry) bool {
	for i, e := range p.idle {
		if e == target {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			_ = e.Conn.Close()
			p.evictions++
			return true
		}
	}
	return false
}

// Close closes every idle connection and empties the pool, used on
// worker shutdown or when a Server is removed from configuration.
func (p *WorkerPool) Close() {
	for _, e := range p.idle {
		_ = e.Conn.Close()
	}
	p.idle = nil
}

// Stats returns a snapshot for the admin surface and metrics.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Server:    p.server.Name,
		Worker:    p.workerID,
		Idle:      len(p.idle),
		MaxSize:   p.maxSize,
		Evictions: p.evictions,
	}
}

// Registry indexes one WorkerPool per Server for a single worker —
// the worker's complete view of its backend connection pools (spec.md
// §4.3). Not safe for concurrent use, matching the worker's
// single-threaded ownership of everything it touches.
type Registry struct {
	workerID int
	pools    map[string]*WorkerPool // keyed by Server.Name
}

// NewRegistry creates an empty per-worker pool registry.
func NewRegistry(workerID int) *Registry {
	return &Registry{workerID: workerID, pools: make(map[string]*WorkerPool)}
}

// Get returns the pool for srv, creating it on first use.
func (r *Registry) Get(srv *server.Server) *WorkerPool {
	if p, ok := r.pools[srv.Name]; ok {
		return p
	}
	p := NewWorkerPool(srv, r.workerID, srv.PoolMax, time.Duration(srv.PoolMaxAge)*time.Second)
	r.pools[srv.Name] = p
	return p
}

// EvictExpired runs EvictExpired across every pool in the registry,
// called once per worker tick.
func (r *Registry) EvictExpired() int {
	total := 0
	for _, p := range r.pools {
		total += p.EvictExpired()
	}
	return total
}

// AllStats returns a Stats snapshot for every pool in the registry.
func (r *Registry) AllStats() []Stats {
	out := make([]Stats, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p.Stats())
	}
	return out
}

// Close closes every pool in the registry.
func (r *Registry) Close() {
	for _, p := range r.pools {
		p.Close()
	}
}
