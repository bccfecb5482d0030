// Package worker implements the routing-worker runtime (spec.md
// §4.4): a fixed pool of single-threaded event-loop workers owning
// all I/O, sessions, and per-worker pool state, dispatched off a
// shared level-triggered listener poll set and rebalanced by a
// coordinator watching per-worker load.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/routingcore/proxy/internal/backend"
	"github.com/routingcore/proxy/internal/pool"
	"github.com/routingcore/proxy/internal/server"
	"github.com/routingcore/proxy/internal/session"
)

// tickTimeoutMS bounds how long a worker's private epoll_wait blocks
// before returning to run queued post() callbacks and the per-tick
// scanner even with no ready fd — spec.md §4.4 step 3's "registered
// epoll-tick callbacks" and §9's "client-facing timeouts ... enforced
// by the per-tick scanner" both need the loop to wake periodically.
const tickTimeoutMS = 250

// maxEventsPerTick bounds how many ready fds one Tick drains from the
// private poll set before returning to run post() callbacks, so a
// burst of ready sessions can't starve cross-worker messages.
const maxEventsPerTick = 256

// idleScanInterval is how often the idle-session scanner runs: ten
// heartbeats at tickTimeoutMS resolution (spec.md §4.4 step 1).
const idleScanInterval = 10 * tickTimeoutMS * time.Millisecond

// SessionHandler is supplied by the caller (the MySQL protocol
// binding) to drive a session's state machine when either of its fds
// becomes readable, and to know when the session has gone idle enough
// to be considered for eviction or a cross-worker move.
// w is always the RoutingWorker currently running the calling
// goroutine, given to the handler so it can reach the worker's pool
// registry and backend-fd (de)registration without Session itself
// needing a back-reference to its owner.
type SessionHandler interface {
	// OnClientReadable is called when a session's client fd is
	// readable. Returning an error or (ok=false) means the session is
	// done and should be torn down.
	OnClientReadable(w *RoutingWorker, s *session.Session) (ok bool, err error)
	// OnBackendReadable is called when the backend fd currently
	// attached to a session is readable. Only fires for sessions that
	// hold a backend connection (spec.md §4.4's "wait for both the
	// client and the held backend connection" fd set).
	OnBackendReadable(w *RoutingWorker, s *session.Session) (ok bool, err error)
	// OnIdleTimeout is called by the per-tick scanner for sessions
	// that have exceeded their configured idle deadline.
	OnIdleTimeout(w *RoutingWorker, s *session.Session)
}

// RoutingWorker is one single-threaded event-loop worker (spec.md
// §4.4). All fields below are touched only from the goroutine running
// Run — cross-worker interaction happens exclusively through Post,
// whose callbacks are drained at the start of the next tick.
type RoutingWorker struct {
	ID int

	poller  *Poller
	pools   *pool.Registry
	handler SessionHandler
	logger  *slog.Logger

	sessions   map[int]*session.Session // keyed by client fd
	backendFDs map[int]*session.Session // keyed by the backend fd currently attached, if any

	// pooledFDs tracks backend connections parked in this worker's pool
	// registry, keyed by fd (spec.md §4.3's offer contract: "the conn's
	// handler is swapped to a trivial one that treats any I/O event as
	// eviction"). A connection must stay registered with the poll set
	// while idle in a pool so a server-initiated close, or any
	// unsolicited byte, is noticed instead of only surfacing the next
	// time Take hands the connection to a session.
	pooledFDs map[int]pooledConn

	postMu sync.Mutex
	postQ  []func(*RoutingWorker)

	shouldShutdown atomic.Bool
	stopped        chan struct{}

	// loadSamples is a fixed-size ring of active-session counts, one
	// sample per tick-group, consulted by the rebalance coordinator's
	// moving average (spec.md §4.4 "Rebalancing").
	loadMu      sync.Mutex
	loadSamples []int
	loadHead    int
	lastSample  time.Time

	// lastIdleScan gates the idle-session scanner to at most once per
	// idleScanInterval (spec.md §4.4 step 1's "checked at most once per
	// 10 heartbeats").
	lastIdleScan time.Time
}

// pooledConn is what a pooledFDs entry needs to evict itself from the
// right WorkerPool once its fd reports an event.
type pooledConn struct {
	server *server.Server
	entry  *pool.Entry
}

// NewRoutingWorker creates worker id with its own private epoll
// instance and backend-connection pool registry.
func NewRoutingWorker(id int, rebalanceWindow int, logger *slog.Logger) (*RoutingWorker, error) {
	p, err := NewPoller()
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", id, err)
	}
	if rebalanceWindow < 1 {
		rebalanceWindow = 1
	}
	return &RoutingWorker{
		ID:          id,
		poller:      p,
		pools:       pool.NewRegistry(id),
		sessions:    make(map[int]*session.Session),
		backendFDs:  make(map[int]*session.Session),
		pooledFDs:   make(map[int]pooledConn),
		stopped:     make(chan struct{}),
		loadSamples: make([]int, rebalanceWindow),
		logger:      logger,
	}, nil
}

// SetHandler wires the protocol-level session driver. Must be called
// before Run.
func (w *RoutingWorker) SetHandler(h SessionHandler) { w.handler = h }

// Pools returns this worker's private backend connection pool
// registry (spec.md §4.3: one WorkerPool per (worker, server) pair,
// worker-private, never touched off-worker).
func (w *RoutingWorker) Pools() *pool.Registry { return w.pools }

// Post enqueues fn to run on this worker's goroutine at the start of
// its next tick (spec.md §4.4 "Cross-worker invocation is only via
// typed messages (post(fn))"). Safe to call from any goroutine.
func (w *RoutingWorker) Post(fn func(*RoutingWorker)) {
	w.postMu.Lock()
	w.postQ = append(w.postQ, fn)
	w.postMu.Unlock()
}

func (w *RoutingWorker) drainPosts() {
	w.postMu.Lock()
	q := w.postQ
	w.postQ = nil
	w.postMu.Unlock()
	for _, fn := range q {
		fn(w)
	}
}

// AddSession registers a session's client fd with this worker's
// private poll set and takes ownership of it.
func (w *RoutingWorker) AddSession(s *session.Session) error {
	fd, err := connFD(s.ClientConn)
	if err != nil {
		return err
	}
	if err := w.poller.Add(fd, false); err != nil {
		return err
	}
	w.sessions[fd] = s
	return nil
}

// RemoveSession deregisters fd from the poll set and forgets the
// session, without closing its connection — the caller decides
// whether to close it outright or hand it off to another worker.
func (w *RoutingWorker) RemoveSession(fd int) {
	w.poller.Del(fd)
	delete(w.sessions, fd)
}

// AttachBackend registers the backend fd a session just acquired
// (s.BackendConn must already be set) with this worker's private poll
// set, so the event loop delivers OnBackendReadable when the backend
// has bytes waiting (spec.md §4.4's "waits on ... the backend
// connections currently held by its sessions").
func (w *RoutingWorker) AttachBackend(s *session.Session) error {
	if s.BackendConn == nil {
		return fmt.Errorf("worker: AttachBackend called with no backend held")
	}
	fd, err := connFD(s.BackendConn.NetConn())
	if err != nil {
		return err
	}
	if err := w.poller.Add(fd, false); err != nil {
		return err
	}
	w.backendFDs[fd] = s
	return nil
}

// DetachBackend deregisters a session's currently attached backend fd,
// if any, without touching the connection itself — called just before
// the session releases the backend back to a pool or hands it off.
func (w *RoutingWorker) DetachBackend(s *session.Session) {
	if s.BackendConn == nil {
		return
	}
	fd, err := connFD(s.BackendConn.NetConn())
	if err != nil {
		return
	}
	w.poller.Del(fd)
	delete(w.backendFDs, fd)
}

// OfferToPool hands conn back to target's pool for this worker and, if
// the pool accepts it, registers its fd with the poll set so any
// later event on it — a server-initiated close or unsolicited data —
// is treated as eviction rather than going unnoticed until the next
// Take (spec.md §4.3's offer contract). If the pool rejects the
// connection (full, or already expired) it is already closed by the
// time Offer returns, and there is nothing to register.
func (w *RoutingWorker) OfferToPool(target *server.Server, conn *backend.Conn) {
	e := pool.NewEntry(conn)
	p := w.pools.Get(target)
	if !p.Offer(e) {
		return
	}
	fd, err := connFD(conn.NetConn())
	if err != nil {
		p.EvictOne(e)
		return
	}
	if err := w.poller.Add(fd, false); err != nil {
		p.EvictOne(e)
		return
	}
	w.pooledFDs[fd] = pooledConn{server: target, entry: e}
}

// TakeFromPool pops an idle connection for target off this worker's
// pool, if one is parked, deregistering its fd from the poll set since
// it is about to be handed to a live session (spec.md §4.3's take).
// Any entry whose fd reported an event while parked was already
// evicted by Run's dispatch loop, so every entry Take returns here is
// one the poll set never flagged as dead.
func (w *RoutingWorker) TakeFromPool(target *server.Server) (*backend.Conn, bool) {
	p := w.pools.Get(target)
	e, ok := p.Take()
	if !ok {
		return nil, false
	}
	if fd, err := connFD(e.Conn.NetConn()); err == nil {
		w.poller.Del(fd)
		delete(w.pooledFDs, fd)
	}
	return e.Conn, true
}

// SessionCount reports how many sessions this worker currently owns,
// the load metric the rebalance coordinator samples.
func (w *RoutingWorker) SessionCount() int { return len(w.sessions) }

// RequestShutdown sets the cooperative shutdown flag (spec.md §4.4
// "Shutdown": broadcast sets each worker's should_shutdown).
func (w *RoutingWorker) RequestShutdown() { w.shouldShutdown.Store(true) }

// ShouldShutdown reports the cooperative shutdown flag, checked
// between work units within a tick (spec.md §9).
func (w *RoutingWorker) ShouldShutdown() bool { return w.shouldShutdown.Load() }

// Stopped is closed once Run has returned.
func (w *RoutingWorker) Stopped() <-chan struct{} { return w.stopped }

// Run is the worker's event loop: drain posted callbacks, wait on the
// private poll set, dispatch readable sessions, run the per-tick
// scanner, sample load, repeat until should_shutdown (spec.md §4.4).
func (w *RoutingWorker) Run(ctx context.Context) {
	defer close(w.stopped)
	events := make([]unix.EpollEvent, maxEventsPerTick)

	for !w.ShouldShutdown() {
		select {
		case <-ctx.Done():
			w.RequestShutdown()
		default:
		}

		w.drainPosts()

		n, err := w.poller.Wait(events, tickTimeoutMS)
		if err != nil {
			w.logger.Error("worker epoll_wait failed", "worker", w.ID, "error", err)
			continue
		}

		for i := 0; i < n; i++ {
			if w.ShouldShutdown() {
				break
			}
			ev := events[i]
			fd := int(ev.Fd)

			if s, ok := w.sessions[fd]; ok {
				if ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0 {
					w.evictSession(fd, s)
					continue
				}
				if ev.Events&unix.EPOLLIN == 0 {
					continue
				}
				ok2, herr := w.handler.OnClientReadable(w, s)
				if herr != nil || !ok2 {
					w.evictSession(fd, s)
				}
				continue
			}

			if s, ok := w.backendFDs[fd]; ok {
				cfd, err := connFD(s.ClientConn)
				if err != nil {
					w.poller.Del(fd)
					delete(w.backendFDs, fd)
					continue
				}
				if ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0 {
					w.evictSession(cfd, s)
					continue
				}
				if ev.Events&unix.EPOLLIN == 0 {
					continue
				}
				ok2, herr := w.handler.OnBackendReadable(w, s)
				if herr != nil || !ok2 {
					w.evictSession(cfd, s)
				}
				continue
			}

			if pc, ok := w.pooledFDs[fd]; ok {
				// Any event on a pooled connection's fd means the peer
				// closed or sent something unsolicited while it sat idle
				// (spec.md §4.3's offer contract): evict it outright,
				// regardless of which event flags fired.
				w.poller.Del(fd)
				delete(w.pooledFDs, fd)
				w.pools.Get(pc.server).EvictOne(pc.entry)
				continue
			}

			w.poller.Del(fd)
		}

		w.scanIdleSessions()
		w.sampleLoad()
	}

	for fd := range w.sessions {
		w.poller.Del(fd)
	}
	for fd := range w.backendFDs {
		w.poller.Del(fd)
	}
	for fd := range w.pooledFDs {
		w.poller.Del(fd)
	}
	w.poller.Close()
}

func (w *RoutingWorker) evictSession(fd int, s *session.Session) {
	w.RemoveSession(fd)
	w.DetachBackend(s)
	if s.ClientConn != nil {
		_ = s.ClientConn.Close()
	}
	if s.BackendConn != nil {
		_ = s.BackendConn.Close()
	}
}

// scanIdleSessions implements spec.md §4.4 per-tick work item 1: any
// session whose client fd has exceeded its configured connection_timeout
// or net_write_timeout is handed to the handler's idle callback and
// then evicted, exactly as if it had hung up. Gated to idleScanInterval
// so a burst of ticks doesn't re-walk every session every 250ms.
func (w *RoutingWorker) scanIdleSessions() {
	now := time.Now()
	if now.Sub(w.lastIdleScan) < idleScanInterval {
		return
	}
	w.lastIdleScan = now

	var expired []struct {
		fd int
		s  *session.Session
	}
	for fd, s := range w.sessions {
		if s.IdleExpired(now) {
			expired = append(expired, struct {
				fd int
				s  *session.Session
			}{fd, s})
		}
	}
	for _, e := range expired {
		if w.handler != nil {
			w.handler.OnIdleTimeout(w, e.s)
		}
		w.evictSession(e.fd, e.s)
	}
}

func (w *RoutingWorker) sampleLoad() {
	now := time.Now()
	if now.Sub(w.lastSample) < time.Second {
		return
	}
	w.lastSample = now
	w.loadMu.Lock()
	w.loadSamples[w.loadHead] = len(w.sessions)
	w.loadHead = (w.loadHead + 1) % len(w.loadSamples)
	w.loadMu.Unlock()
}

// LoadAverage returns the moving average of this worker's sampled
// session counts over its rebalance window (spec.md §4.4).
func (w *RoutingWorker) LoadAverage() float64 {
	w.loadMu.Lock()
	defer w.loadMu.Unlock()
	sum := 0
	for _, v := range w.loadSamples {
		sum += v
	}
	return float64(sum) / float64(len(w.loadSamples))
}

// MovableSessions returns up to k sessions owned by this worker whose
// Session.Movable predicate reports them safe to reassign (spec.md
// §4.4 "restricted to sessions whose router reports movable"). No
// I/O-activity ranking is attempted, since the core keeps no
// per-session activity counters: sessions are taken in map iteration
// order, which Go randomizes, so which movable session comes first
// can differ from call to call.
func (w *RoutingWorker) MovableSessions(k int) []*session.Session {
	var out []*session.Session
	for _, s := range w.sessions {
		if len(out) >= k {
			break
		}
		if s.Movable() {
			out = append(out, s)
		}
	}
	return out
}

// EvictSessionForMove removes a session from this worker's bookkeeping
// ahead of a rebalance move, without closing its connection (spec.md
// §4.4 "closes its fds in this worker's poll set, and reposts to the
// destination" — the fd is deregistered here; the destination worker
// re-adds it to its own poll set once the move message is delivered).
func (w *RoutingWorker) EvictSessionForMove(s *session.Session) error {
	fd, err := connFD(s.ClientConn)
	if err != nil {
		return err
	}
	w.RemoveSession(fd)
	w.DetachBackend(s)
	return nil
}
