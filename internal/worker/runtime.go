package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/routingcore/proxy/internal/session"
)

// RuntimeConfig holds the knobs spec.md §6/§10.3 name for the worker
// runtime.
type RuntimeConfig struct {
	Threads            int
	RebalanceWindow    int
	RebalanceThreshold float64
	RebalanceInterval  time.Duration
}

// Runtime owns the fixed set of RoutingWorkers, the shared listener
// poll set every worker races on, and the rebalance coordinator
// (spec.md §4.4). It is the "Global state ... maps to a Runtime
// context struct constructed at startup and passed explicitly" redesign
// note (spec.md §9's REDESIGN FLAGS) rather than package-level
// singletons.
type Runtime struct {
	cfg     RuntimeConfig
	logger  *slog.Logger
	workers []*RoutingWorker

	shared      *Poller
	listenersMu sync.Mutex
	listeners   map[int]net.Listener // keyed by listener fd

	// AcceptHook, when set before Start, replaces the default
	// bare-Session registration with caller-supplied logic (building a
	// Session with real router/candidate wiring, sending the synthetic
	// handshake, etc.).
	AcceptHook AcceptHookFunc

	wg sync.WaitGroup
}

// NewRuntime creates cfg.Threads fixed workers, assigned dense
// integer ids 0..N-1, and never created or destroyed thereafter
// (spec.md §4.4).
func NewRuntime(cfg RuntimeConfig, handler SessionHandler, logger *slog.Logger) (*Runtime, error) {
	if cfg.Threads < 1 {
		return nil, fmt.Errorf("worker: Threads must be >= 1")
	}
	shared, err := NewPoller()
	if err != nil {
		return nil, fmt.Errorf("worker: shared poller: %w", err)
	}
	rt := &Runtime{
		cfg:       cfg,
		logger:    logger,
		shared:    shared,
		listeners: make(map[int]net.Listener),
	}
	for i := 0; i < cfg.Threads; i++ {
		w, err := NewRoutingWorker(i, cfg.RebalanceWindow, logger)
		if err != nil {
			return nil, err
		}
		w.SetHandler(handler)
		rt.workers = append(rt.workers, w)
	}
	return rt, nil
}

// Workers returns the fixed worker slice, indexed by worker id.
func (rt *Runtime) Workers() []*RoutingWorker { return rt.workers }

// AddListener registers ln's fd in the shared, level-triggered poll
// set every worker watches (spec.md §4.4 "Shared listener dispatch").
// EPOLLET is never set on this set, by construction of Poller.Add.
func (rt *Runtime) AddListener(ln net.Listener) error {
	fd, err := listenerFD(ln)
	if err != nil {
		return err
	}
	if err := rt.shared.Add(fd, false); err != nil {
		return err
	}
	rt.listenersMu.Lock()
	rt.listeners[fd] = ln
	rt.listenersMu.Unlock()
	return nil
}

// Start launches every worker's event loop, one accept-dispatch
// goroutine per worker racing the shared poll set, and the rebalance
// coordinator.
func (rt *Runtime) Start(ctx context.Context) {
	for _, w := range rt.workers {
		rt.wg.Add(1)
		go func(w *RoutingWorker) {
			defer rt.wg.Done()
			w.Run(ctx)
		}(w)

		rt.wg.Add(1)
		go func(w *RoutingWorker) {
			defer rt.wg.Done()
			rt.acceptDispatch(ctx, w)
		}(w)
	}

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.rebalanceLoop(ctx)
	}()
}

// acceptDispatch implements spec.md §4.4's "whichever worker's
// epoll_wait returns the accept event owns the new client": every
// worker's dispatch goroutine blocks on the same shared,
// level-triggered poll set; whichever one wakes first extracts
// exactly one event, accepts one connection, and hands it to its own
// worker via Post, then returns to the shared wait. Because the set
// is level-triggered, a burst of pending accepts is naturally spread
// across workers proportional to idle capacity.
func (rt *Runtime) acceptDispatch(ctx context.Context, w *RoutingWorker) {
	events := make([]unix.EpollEvent, 1)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if w.ShouldShutdown() {
			return
		}
		n, err := rt.shared.Wait(events, tickTimeoutMS)
		if err != nil {
			rt.logger.Error("shared epoll_wait failed", "error", err)
			continue
		}
		if n == 0 {
			continue
		}
		fd := int(events[0].Fd)
		rt.listenersMu.Lock()
		ln := rt.listeners[fd]
		rt.listenersMu.Unlock()
		if ln == nil {
			continue
		}
		conn, err := ln.Accept()
		if err != nil {
			continue
		}
		w.Post(func(w *RoutingWorker) {
			rt.onAccept(w, conn)
		})
	}
}

// onAccept is overridable via AcceptHook for callers that need to run
// the synthetic-handshake dance before a Session is registered with
// the owning worker's poll set; the default builds a bare Session
// with no candidates, which is only useful for tests.
func (rt *Runtime) onAccept(w *RoutingWorker, conn net.Conn) {
	if rt.AcceptHook != nil {
		rt.AcceptHook(w, conn)
		return
	}
	s := session.New(conn, nil, nil)
	if err := w.AddSession(s); err != nil {
		rt.logger.Error("failed to register accepted session", "worker", w.ID, "error", err)
		conn.Close()
	}
}

// AcceptHookFunc replaces the default bare-Session registration with
// caller-supplied logic (building a Session with real router/candidate
// wiring, sending the synthetic handshake, etc.) — set on
// Runtime.AcceptHook by the binding that wires config into a Runtime.
type AcceptHookFunc func(w *RoutingWorker, conn net.Conn)

// Shutdown broadcasts should_shutdown to every worker and waits for
// all worker, dispatch, and coordinator goroutines to return (spec.md
// §4.4 "Shutdown").
func (rt *Runtime) Shutdown() {
	for _, w := range rt.workers {
		w.RequestShutdown()
	}
	rt.wg.Wait()
	rt.shared.Close()
}

// rebalanceLoop is the coordinator goroutine (spec.md §4.4
// "Rebalancing"): every cfg.RebalanceInterval it collects each
// worker's moving-average load; if max-min exceeds
// cfg.RebalanceThreshold, it posts a message to the busiest worker
// asking it to move one movable session to the quietest.
func (rt *Runtime) rebalanceLoop(ctx context.Context) {
	interval := rt.cfg.RebalanceInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.rebalanceOnce()
		}
	}
}

func (rt *Runtime) rebalanceOnce() {
	if len(rt.workers) < 2 {
		return
	}
	busiest, quietest := rt.workers[0], rt.workers[0]
	maxLoad, minLoad := busiest.LoadAverage(), quietest.LoadAverage()
	for _, w := range rt.workers[1:] {
		l := w.LoadAverage()
		if l > maxLoad {
			busiest, maxLoad = w, l
		}
		if l < minLoad {
			quietest, minLoad = w, l
		}
	}
	if busiest == quietest || maxLoad-minLoad <= rt.cfg.RebalanceThreshold {
		return
	}
	busiest.Post(func(w *RoutingWorker) {
		rt.moveOneSession(w, quietest)
	})
}

// moveOneSession runs on the busiest worker's own tick (spec.md
// §4.4's "Moves are deferred to epoll-tick because processing inbound
// data for a DCB concurrently with moving it would be unsafe"): it
// picks one movable session, deregisters its fd here, and posts the
// session to the destination worker to re-register.
func (rt *Runtime) moveOneSession(from *RoutingWorker, to *RoutingWorker) {
	candidates := from.MovableSessions(1)
	if len(candidates) == 0 {
		return
	}
	s := candidates[0]
	if err := from.EvictSessionForMove(s); err != nil {
		rt.logger.Error("failed to evict session for rebalance move", "from", from.ID, "error", err)
		return
	}
	to.Post(func(w *RoutingWorker) {
		if err := w.AddSession(s); err != nil {
			rt.logger.Error("failed to re-register moved session", "to", w.ID, "error", err)
			s.ClientConn.Close()
			return
		}
		rt.logger.Info("session moved by rebalance", "session", s.ID, "from", from.ID, "to", w.ID)
	})
}
