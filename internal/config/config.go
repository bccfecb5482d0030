// Package config loads the runtime's configuration: the global thread
// count plus the four section kinds spec.md §6 names (server, service,
// listener, monitor), expressed as YAML rather than the upstream's INI
// since that is the teacher's ambient configuration format.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/routingcore/proxy/internal/server"
)

// Config is the top-level configuration (spec.md §6's "[maxscale]"
// section plus its repeated server/service/listener/monitor sections).
type Config struct {
	Threads   int                       `yaml:"threads"`
	Servers   map[string]ServerConfig   `yaml:"servers"`
	Services  map[string]ServiceConfig  `yaml:"services"`
	Listeners map[string]ListenerConfig `yaml:"listeners"`
	Monitors  map[string]MonitorConfig  `yaml:"monitors"`
}

// ServerConfig is one `type=server` section (spec.md §6).
type ServerConfig struct {
	Address                  string `yaml:"address"`
	Port                     int    `yaml:"port"`
	Socket                   string `yaml:"socket"`
	ExtraPort                int    `yaml:"extra_port"`
	Protocol                 string `yaml:"protocol"`
	MonitorUser              string `yaml:"monitoruser"`
	MonitorPassword          string `yaml:"monitorpw"`
	PersistPoolMax           int    `yaml:"persistpoolmax"`
	PersistMaxTime           int    `yaml:"persistmaxtime"` // seconds
	ProxyProtocol            bool   `yaml:"proxy_protocol"`
	Priority                 int    `yaml:"priority"`
	Rank                     string `yaml:"rank"` // "primary" or "secondary"
	SSL                      bool   `yaml:"ssl"`
	SSLCert                  string `yaml:"ssl_cert"`
	SSLKey                   string `yaml:"ssl_key"`
	SSLCACert                string `yaml:"ssl_ca_cert"`
	SSLVersion               string `yaml:"ssl_version"`
	SSLCertVerifyDepth       int    `yaml:"ssl_cert_verify_depth"`
	SSLVerifyPeerCertificate bool   `yaml:"ssl_verify_peer_certificate"`
	SSLVerifyPeerHost        bool   `yaml:"ssl_verify_peer_host"`
	DiskSpaceThreshold       string `yaml:"disk_space_threshold"` // "path:pct[,path:pct...]"
}

// EffectiveRank maps the config's string rank to server.Rank, defaulting
// to RankPrimary as MaxScale-derived convention does for an unset value.
func (sc ServerConfig) EffectiveRank() server.Rank {
	if strings.EqualFold(sc.Rank, "secondary") {
		return server.RankSecondary
	}
	return server.RankPrimary
}

// ParseDiskThresholds parses the "path:pct[,path:pct...]" form spec.md
// §6 names for disk_space_threshold.
func ParseDiskThresholds(raw string) ([]server.DiskThreshold, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []server.DiskThreshold
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("disk_space_threshold entry %q: want path:pct", entry)
		}
		pct, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("disk_space_threshold entry %q: %w", entry, err)
		}
		out = append(out, server.DiskThreshold{Path: strings.TrimSpace(parts[0]), PercentFull: pct})
	}
	return out, nil
}

// ServiceConfig is one `type=service` section (spec.md §6): a router
// plus the server set it chooses among.
type ServiceConfig struct {
	Router            string            `yaml:"router"`
	Servers           string            `yaml:"servers"` // CSV of server section names
	User              string            `yaml:"user"`
	Password          string            `yaml:"password"`
	ConnectionTimeout time.Duration     `yaml:"connection_timeout"` // 0 disables; spec.md §4.4 step 1
	NetWriteTimeout   time.Duration     `yaml:"net_write_timeout"`  // 0 disables; spec.md §4.4 step 1
	Options           map[string]string `yaml:"options,omitempty"`  // router-specific, opaque to the core
}

// ServerNames splits the CSV Servers field.
func (sc ServiceConfig) ServerNames() []string {
	return splitCSV(sc.Servers)
}

// MonitorConfig is one `type=monitor` section (spec.md §6).
type MonitorConfig struct {
	Module                 string        `yaml:"module"`
	Servers                string        `yaml:"servers"` // CSV, used as the bootstrap node set
	User                   string        `yaml:"user"`
	Password               string        `yaml:"password"`
	MonitorInterval        time.Duration `yaml:"monitor_interval"`
	ClusterMonitorInterval time.Duration `yaml:"cluster_monitor_interval"`
	HealthCheckThreshold   int           `yaml:"health_check_threshold"`
	HealthCheckPort        int           `yaml:"health_check_port"`
	DynamicNodeDetection   bool          `yaml:"dynamic_node_detection"`
}

// ServerNames splits the CSV Servers field.
func (mc MonitorConfig) ServerNames() []string {
	return splitCSV(mc.Servers)
}

func splitCSV(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ListenerConfig is one `type=listener` section (spec.md §6).
type ListenerConfig struct {
	Service  string `yaml:"service"`
	Protocol string `yaml:"protocol"`
	Port     int    `yaml:"port"`
	Socket   string `yaml:"socket"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Threads == 0 {
		cfg.Threads = 4
	}
	for name, mon := range cfg.Monitors {
		if mon.MonitorInterval == 0 {
			mon.MonitorInterval = 2 * time.Second
		}
		if mon.ClusterMonitorInterval == 0 {
			mon.ClusterMonitorInterval = mon.MonitorInterval
		}
		if mon.HealthCheckThreshold == 0 {
			mon.HealthCheckThreshold = 3
		}
		cfg.Monitors[name] = mon
	}
}

func validate(cfg *Config) error {
	for name, srv := range cfg.Servers {
		if srv.Address == "" && srv.Socket == "" {
			return fmt.Errorf("server %q: address or socket is required", name)
		}
		if srv.Address != "" && srv.Port == 0 {
			return fmt.Errorf("server %q: port is required with address", name)
		}
		if _, err := ParseDiskThresholds(srv.DiskSpaceThreshold); err != nil {
			return fmt.Errorf("server %q: %w", name, err)
		}
	}
	for name, svc := range cfg.Services {
		if svc.Router == "" {
			return fmt.Errorf("service %q: router is required", name)
		}
		if len(svc.ServerNames()) == 0 {
			return fmt.Errorf("service %q: servers is required", name)
		}
	}
	for name, lst := range cfg.Listeners {
		if lst.Service == "" {
			return fmt.Errorf("listener %q: service is required", name)
		}
		if lst.Port == 0 && lst.Socket == "" {
			return fmt.Errorf("listener %q: port or socket is required", name)
		}
	}
	for name, mon := range cfg.Monitors {
		if len(mon.ServerNames()) == 0 {
			return fmt.Errorf("monitor %q: servers is required", name)
		}
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
