// Command routingproxy boots the runtime: load config, build the
// server/router/service wiring it describes, start the worker runtime
// and any cluster monitors, and serve until a signal asks it to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/routingcore/proxy/internal/api"
	"github.com/routingcore/proxy/internal/cluster"
	"github.com/routingcore/proxy/internal/config"
	"github.com/routingcore/proxy/internal/metrics"
	"github.com/routingcore/proxy/internal/proxy"
	"github.com/routingcore/proxy/internal/router"
	"github.com/routingcore/proxy/internal/server"
	"github.com/routingcore/proxy/internal/worker"
)

func main() {
	configPath := flag.String("config", "configs/routingproxy.yaml", "path to configuration file")
	adminAddr := flag.String("admin-addr", ":8080", "address the admin/metrics API listens on")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	logger.Info("routingproxy starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	servers := buildServers(cfg)

	monitors := make(map[string]*cluster.ClusterMonitor)
	for name, mc := range cfg.Monitors {
		mon, err := buildMonitor(name, mc, servers, logger)
		if err != nil {
			logger.Error("failed to start cluster monitor", "monitor", name, "error", err)
			os.Exit(1)
		}
		monitors[name] = mon
	}

	handlersByService := make(map[string]*proxy.Handler)
	for name, sc := range cfg.Services {
		candidates := resolveCandidates(servers, sc.ServerNames())
		binding := proxy.ServiceBinding{
			Name:              name,
			Router:            router.NewRoundRobinRouter(candidates),
			Candidates:        candidates,
			BackendUsername:   sc.User,
			BackendPassword:   sc.Password,
			ConnectionTimeout: sc.ConnectionTimeout,
			NetWriteTimeout:   sc.NetWriteTimeout,
		}
		handlersByService[name] = proxy.NewHandler(binding, m, logger)
	}

	byPort := make(map[int]*proxy.Handler)
	for name, lc := range cfg.Listeners {
		h, ok := handlersByService[lc.Service]
		if !ok {
			logger.Error("listener references unknown service", "listener", name, "service", lc.Service)
			os.Exit(1)
		}
		byPort[lc.Port] = h
	}
	dispatcher := proxy.NewDispatcher(byPort)

	rt, err := worker.NewRuntime(worker.RuntimeConfig{
		Threads:            cfg.Threads,
		RebalanceWindow:    8,
		RebalanceThreshold: 2.0,
	}, dispatcher, logger)
	if err != nil {
		logger.Error("failed to build worker runtime", "error", err)
		os.Exit(1)
	}
	rt.AcceptHook = dispatcher.AcceptHook

	for name, lc := range cfg.Listeners {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", lc.Port))
		if err != nil {
			logger.Error("failed to bind listener", "listener", name, "port", lc.Port, "error", err)
			os.Exit(1)
		}
		if err := rt.AddListener(ln); err != nil {
			logger.Error("failed to register listener", "listener", name, "error", err)
			os.Exit(1)
		}
		logger.Info("listening", "listener", name, "port", lc.Port, "service", lc.Service)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt.Start(ctx)
	for _, mon := range monitors {
		mon.Start(ctx)
	}

	apiServer := api.NewServer(rt, servers, monitors, m, logger)
	if err := apiServer.Start(*adminAddr); err != nil {
		logger.Error("failed to start admin API", "error", err)
		os.Exit(1)
	}

	logger.Info("routingproxy ready", "threads", cfg.Threads, "services", len(cfg.Services))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	cancel()
	rt.Shutdown()
	for _, mon := range monitors {
		mon.Stop()
	}
	if err := apiServer.Stop(); err != nil {
		logger.Error("error stopping admin API", "error", err)
	}

	logger.Info("routingproxy stopped")
}

func buildServers(cfg *config.Config) map[string]*server.Server {
	out := make(map[string]*server.Server, len(cfg.Servers))
	for name, sc := range cfg.Servers {
		srv := server.New(name, sc.Address, sc.Port, server.StatusRunning)
		if thresholds, err := config.ParseDiskThresholds(sc.DiskSpaceThreshold); err == nil {
			srv.DiskThresholds = thresholds
		}
		out[name] = srv
	}
	return out
}

func resolveCandidates(servers map[string]*server.Server, names []string) []*server.Server {
	out := make([]*server.Server, 0, len(names))
	for _, name := range names {
		if srv, ok := servers[name]; ok {
			out = append(out, srv)
		}
	}
	return out
}

func buildMonitor(name string, mc config.MonitorConfig, servers map[string]*server.Server, logger *slog.Logger) (*cluster.ClusterMonitor, error) {
	var bootstrap []cluster.BootstrapNode
	for _, srvName := range mc.ServerNames() {
		srv, ok := servers[srvName]
		if !ok {
			continue
		}
		bootstrap = append(bootstrap, cluster.BootstrapNode{IP: srv.Address, MySQLPort: srv.Port})
	}

	return cluster.New(cluster.Config{
		Name:             name,
		Interval:         mc.ClusterMonitorInterval,
		FailureThreshold: mc.HealthCheckThreshold,
		BootstrapNodes:   bootstrap,
		HubUser:          mc.User,
		HubPassword:      mc.Password,
		StorePath:        fmt.Sprintf("%s.db", name),
	}, logger)
}
