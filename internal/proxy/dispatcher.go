package proxy

import (
	"fmt"
	"net"

	"github.com/routingcore/proxy/internal/session"
	"github.com/routingcore/proxy/internal/worker"
)

// Dispatcher fans a single Runtime's callbacks out across several
// Handlers, one per configured listener/service (spec.md §6 allows
// many [listener] sections, each bound to one [service]). A Runtime
// only ever holds one worker.SessionHandler and one AcceptHookFunc, so
// Dispatcher is the thing actually registered with the runtime; it
// picks which Handler accepts a new connection by local port, then
// leans on the accepted session's own connState (stashed by that
// Handler's AcceptHook) to route every later callback back to it.
type Dispatcher struct {
	byPort map[int]*Handler
}

// NewDispatcher builds a Dispatcher routing by the accepting listener's
// local port. byPort must have one entry per listener port in use.
func NewDispatcher(byPort map[int]*Handler) *Dispatcher {
	return &Dispatcher{byPort: byPort}
}

// AcceptHook implements worker.AcceptHookFunc.
func (d *Dispatcher) AcceptHook(w *worker.RoutingWorker, conn net.Conn) {
	port := localPort(conn)
	h, ok := d.byPort[port]
	if !ok {
		conn.Close()
		return
	}
	h.AcceptHook(w, conn)
}

// OnClientReadable implements worker.SessionHandler.
func (d *Dispatcher) OnClientReadable(w *worker.RoutingWorker, s *session.Session) (bool, error) {
	h, err := handlerFor(s)
	if err != nil {
		return false, err
	}
	return h.OnClientReadable(w, s)
}

// OnBackendReadable implements worker.SessionHandler.
func (d *Dispatcher) OnBackendReadable(w *worker.RoutingWorker, s *session.Session) (bool, error) {
	h, err := handlerFor(s)
	if err != nil {
		return false, err
	}
	return h.OnBackendReadable(w, s)
}

// OnIdleTimeout implements worker.SessionHandler.
func (d *Dispatcher) OnIdleTimeout(w *worker.RoutingWorker, s *session.Session) {
	if h, err := handlerFor(s); err == nil {
		h.OnIdleTimeout(w, s)
	}
}

func handlerFor(s *session.Session) (*Handler, error) {
	cs, ok := s.HandlerState.(*connState)
	if !ok || cs.handler == nil {
		return nil, fmt.Errorf("proxy: session %d has no owning handler", s.ID)
	}
	return cs.handler, nil
}

func localPort(conn net.Conn) int {
	tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return tcpAddr.Port
}
