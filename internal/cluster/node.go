package cluster

import (
	"fmt"

	"github.com/routingcore/proxy/internal/server"
)

// nodeServerName builds the synthetic, monitor-scoped Server name
// spec.md §4.5 assigns to a cluster member discovered via membership
// refresh rather than static configuration.
func nodeServerName(monitor, nodeID string) string {
	return fmt.Sprintf("@@%s:node-%s", monitor, nodeID)
}

// Node is one cluster member tracked by a ClusterMonitor: the
// persisted identity (DynamicNode), the backing Server object routers
// see, and the liveness bookkeeping the tick loop maintains (spec.md
// §4.5 steps 2-3).
type Node struct {
	DynamicNode
	Server *server.Server

	// countdown reaches 0 after FailureThreshold consecutive failed
	// pings; hitting 0 triggers a membership recheck on the next tick
	// (spec.md §4.5 step 3).
	countdown int
	// pendingReachable holds the result of a ping launched this tick,
	// consumed at the start of the next tick (spec.md §4.5 step 2's
	// "Non-blocking; status is polled next tick").
	pendingReachable *bool

	// unpersisted is set once this node's dynamic_nodes row has been
	// deleted after its countdown reached 0 (spec.md §8's "persisted-
	// unpersist is called exactly once"), so persist doesn't re-insert
	// it every tick while it stays down, and is cleared the moment it's
	// seen reachable again.
	unpersisted bool
}

func newNode(monitor string, dn DynamicNode, threshold int) *Node {
	return &Node{
		DynamicNode: dn,
		Server:      server.New(nodeServerName(monitor, dn.ID), dn.IP, dn.MySQLPort, server.StatusRunning|server.StatusJoined),
		countdown:   threshold,
	}
}

// observe applies one tick's collected ping result to the node's
// countdown, per spec.md §4.5 step 3: reachable resets the countdown
// to threshold; unreachable decrements it, floored at 0. It reports
// whether a membership recheck should be scheduled — true for as long
// as the countdown sits at 0, matching spec.md's "if already 0,
// trigger a membership recheck on next tick".
func (n *Node) observe(reachable bool, threshold int) (needsRecheck bool) {
	if reachable {
		n.countdown = threshold
		return false
	}
	if n.countdown > 0 {
		n.countdown--
	}
	return n.countdown == 0
}
