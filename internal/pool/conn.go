package pool

import (
	"time"

	"github.com/routingcore/proxy/internal/backend"
)

// Entry is one idle backend connection parked in a WorkerPool: the
// established protocol connection plus the bookkeeping the pool needs
// to age it out (spec.md §4.3). Grounded on the teacher's PooledConn,
// stripped of its state mutex and active/idle bookkeeping — ownership
// of an Entry is exclusive to the worker holding its WorkerPool, so
// there is nothing to synchronize.
type Entry struct {
	Conn      *backend.Conn
	CreatedAt time.Time
	lastUsed  time.Time
}

// NewEntry wraps an established, idle backend connection.
func NewEntry(c *backend.Conn) *Entry {
	now := time.Now()
	return &Entry{Conn: c, CreatedAt: now, lastUsed: now}
}

// Touch records that the entry was just handed out or returned.
func (e *Entry) Touch() { e.lastUsed = time.Now() }

// Expired reports whether the entry has exceeded maxAge since
// creation. maxAge <= 0 means entries never age out.
func (e *Entry) Expired(maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return time.Since(e.CreatedAt) > maxAge
}
