// Package api exposes a thin administrative HTTP surface: runtime
// status, server/pool inspection, and soft-fail control over cluster
// nodes. It is deliberately minimal — the admin REST API is named in
// spec.md §1 as an external collaborator, not part of the hard core.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/routingcore/proxy/internal/cluster"
	"github.com/routingcore/proxy/internal/metrics"
	"github.com/routingcore/proxy/internal/pool"
	"github.com/routingcore/proxy/internal/server"
	"github.com/routingcore/proxy/internal/worker"
)

// Server is the admin HTTP surface.
type Server struct {
	runtime  *worker.Runtime
	servers  map[string]*server.Server
	monitors map[string]*cluster.ClusterMonitor
	metrics  *metrics.Collector
	logger   *slog.Logger

	httpServer *http.Server
	startTime  time.Time
}

// NewServer builds an admin API server over the given runtime, static
// server set, and configured cluster monitors.
func NewServer(rt *worker.Runtime, servers map[string]*server.Server, monitors map[string]*cluster.ClusterMonitor, m *metrics.Collector, logger *slog.Logger) *Server {
	return &Server{
		runtime:   rt,
		servers:   servers,
		monitors:  monitors,
		metrics:   m,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Start starts the HTTP admin server on the given bind address.
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/servers", s.listServersHandler).Methods("GET")
	r.HandleFunc("/servers/{name}", s.getServerHandler).Methods("GET")
	r.HandleFunc("/pools", s.listPoolsHandler).Methods("GET")
	r.HandleFunc("/monitors/{monitor}/nodes/{nid}/softfail", s.softFailHandler).Methods("POST")
	r.HandleFunc("/monitors/{monitor}/nodes/{nid}/unsoftfail", s.unSoftFailHandler).Methods("POST")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.logger.Info("admin API listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin API server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the admin server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"workers":        len(s.runtime.Workers()),
		"servers":        len(s.servers),
		"monitors":       len(s.monitors),
	})
}

type serverView struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`
	Status  string `json:"status"`
}

func (s *Server) listServersHandler(w http.ResponseWriter, r *http.Request) {
	var out []serverView
	for name, srv := range s.servers {
		out = append(out, serverView{Name: name, Address: srv.Address, Port: srv.Port, Status: srv.Status().String()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getServerHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	srv, ok := s.servers[name]
	if !ok {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	writeJSON(w, http.StatusOK, serverView{Name: name, Address: srv.Address, Port: srv.Port, Status: srv.Status().String()})
}

func (s *Server) listPoolsHandler(w http.ResponseWriter, r *http.Request) {
	var out []pool.Stats
	for _, rw := range s.runtime.Workers() {
		out = append(out, rw.Pools().AllStats()...)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) softFailHandler(w http.ResponseWriter, r *http.Request) {
	s.alterCluster(w, r, true)
}

func (s *Server) unSoftFailHandler(w http.ResponseWriter, r *http.Request) {
	s.alterCluster(w, r, false)
}

func (s *Server) alterCluster(w http.ResponseWriter, r *http.Request, softFail bool) {
	vars := mux.Vars(r)
	mon, ok := s.monitors[vars["monitor"]]
	if !ok {
		writeError(w, http.StatusNotFound, "monitor not found")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var err error
	if softFail {
		err = mon.SoftFail(ctx, vars["nid"])
	} else {
		err = mon.UnSoftFail(ctx, vars["nid"])
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
