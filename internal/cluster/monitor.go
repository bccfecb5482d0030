// Package cluster implements the ClusterMonitor (spec.md §4.5): a
// single background thread (not a RoutingWorker) that keeps a
// cluster's membership and liveness in sync with the Server objects
// routers see, via periodic membership SQL against a "hub" node and
// concurrent HTTP health pings against every known member.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/routingcore/proxy/internal/backend"
	"github.com/routingcore/proxy/internal/server"
)

// Config holds the knobs spec.md §6/§4.5 name for one configured
// cluster monitor.
type Config struct {
	Name             string // monitor instance name, used in synthetic node Server names
	Interval         time.Duration
	FailureThreshold int
	BootstrapNodes   []BootstrapNode
	HubUser          string
	HubPassword      string
	StorePath        string
	DialTimeout      time.Duration
}

// ClusterMonitor runs the tick loop described by spec.md §4.5.
type ClusterMonitor struct {
	cfg    Config
	store  *Store
	logger *slog.Logger

	httpClient *http.Client

	mu           sync.RWMutex
	nodes        map[string]*Node // keyed by DynamicNode.ID
	recheckDue   bool
	lastRefresh  time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New loads persisted state, reconciling it against the configured
// bootstrap set (spec.md §4.5 "Persistence": "On monitor startup
// compare the current bootstrap set against the persisted one; if
// they differ, wipe both tables").
func New(cfg Config, logger *slog.Logger) (*ClusterMonitor, error) {
	store, err := OpenStore(cfg.StorePath)
	if err != nil {
		return nil, err
	}
	persisted, err := store.BootstrapNodes()
	if err != nil {
		store.Close()
		return nil, err
	}
	if BootstrapSetChanged(persisted, cfg.BootstrapNodes) {
		if err := store.ReplaceBootstrapNodes(cfg.BootstrapNodes); err != nil {
			store.Close()
			return nil, err
		}
	}

	m := &ClusterMonitor{
		cfg:    cfg,
		store:  store,
		logger: logger,
		httpClient: &http.Client{
			Timeout: cfg.Interval / 10,
		},
		nodes:      make(map[string]*Node),
		recheckDue: true, // always refresh membership on first tick
		stopCh:     make(chan struct{}),
	}

	dynamic, err := store.DynamicNodes()
	if err != nil {
		store.Close()
		return nil, err
	}
	for _, dn := range dynamic {
		m.nodes[dn.ID] = newNode(cfg.Name, dn, cfg.FailureThreshold)
	}
	return m, nil
}

// Servers returns the Server objects backing every currently known
// cluster member, for wiring into a Router's candidate set.
func (m *ClusterMonitor) Servers() []*server.Server {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*server.Server, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n.Server)
	}
	return out
}

// Start launches the tick loop goroutine.
func (m *ClusterMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
}

// Stop signals the tick loop to exit and waits for it, then closes
// the persisted store.
func (m *ClusterMonitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.store.Close()
}

func (m *ClusterMonitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick runs exactly the five steps of spec.md §4.5.
func (m *ClusterMonitor) tick(ctx context.Context) {
	if m.membershipDue() {
		if err := m.refreshMembership(ctx); err != nil {
			m.logger.Warn("cluster membership refresh failed", "monitor", m.cfg.Name, "error", err)
		}
	}

	m.collectPendingPings()
	m.launchPings(ctx)
	m.flushStatus()
	m.persist()
}

func (m *ClusterMonitor) membershipDue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	due := m.recheckDue
	m.recheckDue = false
	return due
}

// collectPendingPings applies the previous tick's in-flight ping
// results (spec.md §4.5 step 2's "Non-blocking; status is polled next
// tick") to each node's countdown, per step 3.
func (m *ClusterMonitor) collectPendingPings() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nodes {
		if n.pendingReachable == nil {
			continue
		}
		if n.observe(*n.pendingReachable, m.cfg.FailureThreshold) {
			m.recheckDue = true
		}
		n.pendingReachable = nil
	}
}

// launchPings fires one concurrent HTTP GET per known node and stores
// each result for collection on the following tick.
func (m *ClusterMonitor) launchPings(ctx context.Context) {
	m.mu.RLock()
	nodes := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		n := n
		g.Go(func() error {
			ok := m.pingNode(gctx, n)
			m.mu.Lock()
			n.pendingReachable = &ok
			m.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // pingNode never returns an error; only reachability matters
}

// pingNode reports whether node's health endpoint answered HTTP 200
// within interval/10 (spec.md §4.5 step 2).
func (m *ClusterMonitor) pingNode(ctx context.Context, n *Node) bool {
	url := fmt.Sprintf("http://%s/", net.JoinHostPort(n.IP, strconv.Itoa(n.HealthPort)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// flushStatus pushes each node's liveness into its backing Server's
// status bits (spec.md §4.5 step 4), and unpersists a node's row the
// first tick its countdown reaches 0 (spec.md §8: "Node countdown at 1
// then failing ping: ... persisted-unpersist is called exactly once").
func (m *ClusterMonitor) flushStatus() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nodes {
		if n.countdown == 0 {
			n.Server.ClearBit(server.StatusRunning)
			if !n.unpersisted {
				n.unpersisted = true
				if err := m.store.DeleteDynamicNode(n.ID); err != nil {
					m.logger.Warn("cluster node unpersist failed", "node", n.ID, "error", err)
				}
			}
		} else {
			n.Server.SetBit(server.StatusRunning)
			n.unpersisted = false
		}
	}
}

// persist upserts every node's row except those already unpersisted
// by flushStatus — otherwise a down node's row would be re-inserted on
// the very next tick, defeating the unpersist it just received.
func (m *ClusterMonitor) persist() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.nodes {
		if n.unpersisted {
			continue
		}
		if err := m.store.UpsertDynamicNode(n.DynamicNode); err != nil {
			m.logger.Warn("cluster node persist failed", "node", n.ID, "error", err)
		}
	}
}

// refreshMembership connects to a hub, runs the membership queries,
// and diffs the result against the current node set (spec.md §4.5
// "Membership query").
func (m *ClusterMonitor) refreshMembership(ctx context.Context) error {
	hub, err := m.selectHub(ctx)
	if err != nil {
		return fmt.Errorf("cluster: selecting hub: %w", err)
	}
	defer hub.Quit()

	memberRows, err := hub.ExecQuery(`SELECT nid, status, instance, substate FROM system.membership`)
	if err != nil {
		return fmt.Errorf("cluster: membership query: %w", err)
	}
	infoRows, err := hub.ExecQuery(`
		SELECT ni.nodeid, ni.iface_ip, ni.mysql_port, ni.healthmon_port, sn.nodeid
		FROM system.nodeinfo ni LEFT JOIN system.softfailed_nodes sn ON ni.nodeid = sn.nodeid`)
	if err != nil {
		return fmt.Errorf("cluster: nodeinfo query: %w", err)
	}

	seen := make(map[string]bool, len(infoRows))
	for _, row := range infoRows {
		if len(row) < 4 {
			continue
		}
		id := row[0]
		port, _ := strconv.Atoi(row[2])
		healthPort, _ := strconv.Atoi(row[3])
		dn := DynamicNode{ID: id, IP: row[1], MySQLPort: port, HealthPort: healthPort}
		seen[id] = true

		m.mu.Lock()
		if existing, ok := m.nodes[id]; ok {
			existing.DynamicNode = dn
		} else {
			m.nodes[id] = newNode(m.cfg.Name, dn, m.cfg.FailureThreshold)
		}
		m.mu.Unlock()
	}
	_ = memberRows // status/instance/substate carry no field this core models beyond liveness, already derived from health pings

	m.mu.Lock()
	for id, n := range m.nodes {
		if !seen[id] {
			n.Server.ClearBit(server.StatusRunning)
			if !n.unpersisted {
				if err := m.store.DeleteDynamicNode(id); err != nil {
					m.logger.Warn("cluster node unpersist failed", "node", id, "error", err)
				}
			}
			delete(m.nodes, id)
		}
	}
	m.lastRefresh = time.Now()
	m.mu.Unlock()
	return nil
}

// selectHub tries each known dynamic node, then each configured
// bootstrap node, then the nodes persisted from the last run, in that
// order, accepting the first one that passes connect+auth+quorum
// (spec.md §4.5 "Hub selection").
func (m *ClusterMonitor) selectHub(ctx context.Context) (*backend.Conn, error) {
	var candidates []string

	m.mu.RLock()
	for _, n := range m.nodes {
		candidates = append(candidates, net.JoinHostPort(n.IP, strconv.Itoa(n.MySQLPort)))
	}
	m.mu.RUnlock()

	for _, b := range m.cfg.BootstrapNodes {
		candidates = append(candidates, net.JoinHostPort(b.IP, strconv.Itoa(b.MySQLPort)))
	}

	persisted, err := m.store.DynamicNodes()
	if err == nil {
		for _, n := range persisted {
			candidates = append(candidates, net.JoinHostPort(n.IP, strconv.Itoa(n.MySQLPort)))
		}
	}

	var lastErr error
	for _, addr := range candidates {
		conn, err := m.tryHub(ctx, addr)
		if err != nil {
			lastErr = err
			continue
		}
		return conn, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate hub nodes configured")
	}
	return nil, lastErr
}

func (m *ClusterMonitor) tryHub(ctx context.Context, addr string) (*backend.Conn, error) {
	dialTimeout := m.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var d net.Dialer
	netConn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	conn := backend.NewConn(netConn, backend.Config{
		Username:    m.cfg.HubUser,
		Password:    m.cfg.HubPassword,
		DialTimeout: dialTimeout,
	})
	if err := conn.Init(dialCtx); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("auth %s: %w", addr, err)
	}

	rows, err := conn.ExecQuery(`SELECT is_part_of_quorum()`)
	if err != nil || len(rows) == 0 || len(rows[0]) == 0 {
		conn.Quit()
		return nil, fmt.Errorf("quorum check %s: %w", addr, err)
	}
	if v := rows[0][0]; v != "1" && v != "true" {
		conn.Quit()
		return nil, fmt.Errorf("%s is not part of quorum", addr)
	}
	return conn, nil
}

// SoftFail drains node nid: runs ALTER CLUSTER SOFTFAIL on the hub,
// then marks the backing Server Draining and schedules a membership
// recheck (spec.md §4.5 "Soft-fail / un-soft-fail").
func (m *ClusterMonitor) SoftFail(ctx context.Context, nid string) error {
	return m.alterCluster(ctx, nid, "SOFTFAIL", server.StatusDraining, true)
}

// UnSoftFail reverses SoftFail.
func (m *ClusterMonitor) UnSoftFail(ctx context.Context, nid string) error {
	return m.alterCluster(ctx, nid, "UNSOFTFAIL", server.StatusDraining, false)
}

func (m *ClusterMonitor) alterCluster(ctx context.Context, nid, verb string, bit server.Status, set bool) error {
	hub, err := m.selectHub(ctx)
	if err != nil {
		return fmt.Errorf("cluster: %s %s: selecting hub: %w", verb, nid, err)
	}
	defer hub.Quit()

	if _, err := hub.ExecQuery(fmt.Sprintf("ALTER CLUSTER %s %s", verb, nid)); err != nil {
		return fmt.Errorf("cluster: %s %s: %w", verb, nid, err)
	}

	m.mu.Lock()
	if n, ok := m.nodes[nid]; ok {
		if set {
			n.Server.SetBit(bit)
		} else {
			n.Server.ClearBit(bit)
		}
	}
	m.recheckDue = true
	m.mu.Unlock()
	return nil
}
