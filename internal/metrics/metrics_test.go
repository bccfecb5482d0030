package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector registered with a fresh registry
// so tests don't conflict with each other or with the default registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestUpdatePoolStatsAuthority(t *testing.T) {
	c, _ := newTestCollector(t)

	// UpdatePoolStats is the sole authority for the pool gauges.
	c.UpdatePoolStats("worker-0", "db1", 3, 5, 8)

	val := getGaugeValue(c.poolActive.WithLabelValues("worker-0", "db1"))
	if val != 3 {
		t.Errorf("expected active=3, got %v", val)
	}

	// A second call replaces (not increments) the value.
	c.UpdatePoolStats("worker-0", "db1", 2, 4, 8)
	val = getGaugeValue(c.poolActive.WithLabelValues("worker-0", "db1"))
	if val != 2 {
		t.Errorf("expected active=2 after update, got %v", val)
	}
}

func TestPoolExhausted(t *testing.T) {
	c, _ := newTestCollector(t)
	c.PoolExhausted("worker-0", "db1")
	c.PoolExhausted("worker-0", "db1")

	val := getCounterValue(c.poolExhausted.WithLabelValues("worker-0", "db1"))
	if val != 2 {
		t.Errorf("expected 2 pool-exhausted events, got %v", val)
	}
}

func TestSessionDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.SessionDuration("worker-0", 100*time.Millisecond)
	c.SessionDuration("worker-0", 200*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, fam := range families {
		if fam.GetName() == "routingproxy_session_duration_seconds" {
			found = true
			for _, m := range fam.GetMetric() {
				if m.GetHistogram().GetSampleCount() != 2 {
					t.Errorf("expected 2 samples, got %d", m.GetHistogram().GetSampleCount())
				}
			}
		}
	}
	if !found {
		t.Fatal("session duration metric family not found")
	}
}

func TestReplyCompleted(t *testing.T) {
	c, _ := newTestCollector(t)
	c.ReplyCompleted("db1", "rows")
	c.ReplyCompleted("db1", "rows")
	c.ReplyCompleted("db1", "err")

	if got := getCounterValue(c.replyCompleted.WithLabelValues("db1", "rows")); got != 2 {
		t.Errorf("expected 2 rows completions, got %v", got)
	}
	if got := getCounterValue(c.replyCompleted.WithLabelValues("db1", "err")); got != 1 {
		t.Errorf("expected 1 err completion, got %v", got)
	}
}

func TestSessionPinned(t *testing.T) {
	c, _ := newTestCollector(t)
	c.SessionPinned("prepared_statement")
	c.SessionPinned("prepared_statement")
	c.SessionPinned("set_option")

	if got := getCounterValue(c.sessionPins.WithLabelValues("prepared_statement")); got != 2 {
		t.Errorf("expected 2 prepared_statement pins, got %v", got)
	}
	if got := getCounterValue(c.sessionPins.WithLabelValues("set_option")); got != 1 {
		t.Errorf("expected 1 set_option pin, got %v", got)
	}
}

func TestSetWorkerLoad(t *testing.T) {
	c, _ := newTestCollector(t)
	c.SetWorkerLoad("worker-0", 4.5)
	c.SetWorkerLoad("worker-0", 2.25)

	if got := getGaugeValue(c.workerLoad.WithLabelValues("worker-0")); got != 2.25 {
		t.Errorf("expected worker load 2.25, got %v", got)
	}
}

func TestRebalanceMoved(t *testing.T) {
	c, _ := newTestCollector(t)
	c.RebalanceMoved("worker-0", "worker-1")
	c.RebalanceMoved("worker-0", "worker-1")

	if got := getCounterValue(c.rebalanceMoves.WithLabelValues("worker-0", "worker-1")); got != 2 {
		t.Errorf("expected 2 rebalance moves, got %v", got)
	}
}

func TestSessionRouted(t *testing.T) {
	c, _ := newTestCollector(t)
	c.SessionRouted("db1")
	c.SessionRouted("db1")
	c.SessionRouted("db2")

	if got := getCounterValue(c.sessionsRoutedTotal.WithLabelValues("db1")); got != 2 {
		t.Errorf("expected 2 routed sessions to db1, got %v", got)
	}
}

func TestSetNodeStatus(t *testing.T) {
	c, _ := newTestCollector(t)
	c.SetNodeStatus("eastcluster", "node-1", true)
	if got := getGaugeValue(c.nodeStatus.WithLabelValues("eastcluster", "node-1")); got != 1 {
		t.Errorf("expected node status 1, got %v", got)
	}
	c.SetNodeStatus("eastcluster", "node-1", false)
	if got := getGaugeValue(c.nodeStatus.WithLabelValues("eastcluster", "node-1")); got != 0 {
		t.Errorf("expected node status 0, got %v", got)
	}
}

func TestMembershipRefreshErrorAndDuration(t *testing.T) {
	c, reg := newTestCollector(t)
	c.MembershipRefreshError("eastcluster")
	c.MembershipRefreshDuration("eastcluster", 50*time.Millisecond)

	if got := getCounterValue(c.membershipRefreshErrors.WithLabelValues("eastcluster")); got != 1 {
		t.Errorf("expected 1 membership refresh error, got %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, fam := range families {
		if fam.GetName() == "routingproxy_membership_refresh_duration_seconds" {
			found = true
		}
	}
	if !found {
		t.Fatal("membership refresh duration metric family not found")
	}
}

func TestHealthPingError(t *testing.T) {
	c, _ := newTestCollector(t)
	c.HealthPingError("eastcluster", "node-1")
	if got := getCounterValue(c.healthPingErrors.WithLabelValues("eastcluster", "node-1")); got != 1 {
		t.Errorf("expected 1 health ping error, got %v", got)
	}
}

func TestRemoveWorkerClearsGauges(t *testing.T) {
	c, _ := newTestCollector(t)
	c.UpdatePoolStats("worker-0", "db1", 3, 5, 8)
	c.SetWorkerLoad("worker-0", 1.5)

	c.RemoveWorker("worker-0")

	families, err := c.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "worker" && lp.GetValue() == "worker-0" {
					t.Fatalf("expected worker-0 series removed from %s", fam.GetName())
				}
			}
		}
	}
}

func TestRemoveNodeClearsGauges(t *testing.T) {
	c, _ := newTestCollector(t)
	c.SetNodeStatus("eastcluster", "node-1", true)
	c.HealthPingError("eastcluster", "node-1")

	c.RemoveNode("eastcluster", "node-1")

	families, err := c.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "node" && lp.GetValue() == "node-1" {
					t.Fatalf("expected node-1 series removed from %s", fam.GetName())
				}
			}
		}
	}
}
