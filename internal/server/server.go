// Package server holds the Server data model (spec.md §3): a logical
// backend target whose mutable status fields are written only by the
// monitor or admin surface and read lock-free by routing workers,
// mirroring the atomic-snapshot pattern the teacher's router package
// uses for tenant config.
package server

import (
	"crypto/tls"
	"strings"
	"sync"
	"sync/atomic"
)

// Status is a bitset of server state flags, consumed by routers to
// decide eligibility (spec.md §3, §4.6).
type Status uint32

const (
	StatusRunning Status = 1 << iota
	StatusMaster
	StatusSlave
	StatusJoined
	StatusMaintenance
	StatusDraining
	StatusWasMaster
)

func (s Status) String() string {
	var parts []string
	for _, f := range []struct {
		bit  Status
		name string
	}{
		{StatusRunning, "Running"},
		{StatusMaster, "Master"},
		{StatusSlave, "Slave"},
		{StatusJoined, "Joined"},
		{StatusMaintenance, "Maintenance"},
		{StatusDraining, "Draining"},
		{StatusWasMaster, "WasMaster"},
	} {
		if s&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, "|")
}

// Rank orders servers for router tie-breaking (spec.md §3).
type Rank int

const (
	RankPrimary Rank = iota
	RankSecondary
)

// Version is a MySQL/MariaDB backend version.
type Version struct {
	Major, Minor, Patch int
	String              string
}

// DiskThreshold is one entry of a parsed disk_space_threshold config
// value ("path:pct[,...]" — spec.md §6). Parsed and stored; per
// DESIGN.md's Open Question decision, nothing in the hard core acts
// on it.
type DiskThreshold struct {
	Path        string
	PercentFull int
}

// mutable holds the fields the monitor/admin surface may change after
// construction. It is replaced wholesale under mu so readers via Load
// never observe a torn update.
type mutable struct {
	status   Status
	version  Version
	diskFull map[string]int // path -> observed percent full, monitor-maintained
}

// Server is a logical backend target. Identity fields (Name, Address,
// Port, rank/priority/pool sizing/TLS) are set at construction and
// treated as immutable; Status and Version are mutated only by the
// monitor or admin and read lock-free through an atomic snapshot.
type Server struct {
	Name           string
	Address        string
	Port           int
	Socket         string // UNIX socket path, alternative to Address:Port
	ExtraHealthPort int
	MonitorUser    string
	MonitorPass    string
	Rank           Rank
	Priority       int
	Charset        string
	PoolMax        int
	PoolMaxAge     int // seconds
	ProxyProtocol  bool
	DiskThresholds []DiskThreshold
	TLS            *tls.Config

	mu  sync.Mutex
	val atomic.Value // holds *mutable
}

// New creates a Server with the given identity fields and an initial
// status (commonly 0, populated once the monitor's first probe
// completes).
func New(name, address string, port int, initial Status) *Server {
	s := &Server{Name: name, Address: address, Port: port}
	s.val.Store(&mutable{status: initial, diskFull: map[string]int{}})
	return s
}

func (s *Server) load() *mutable {
	return s.val.Load().(*mutable)
}

// Status returns the current status bitset. Lock-free.
func (s *Server) Status() Status {
	return s.load().status
}

// Version returns the current backend version. Lock-free.
func (s *Server) Version() Version {
	return s.load().version
}

// IsRunning reports StatusRunning. Lock-free.
func (s *Server) IsRunning() bool {
	return s.Status()&StatusRunning != 0
}

// IsDraining reports StatusDraining. Lock-free.
func (s *Server) IsDraining() bool {
	return s.Status()&StatusDraining != 0
}

// IsInMaintenance reports StatusMaintenance. Lock-free.
func (s *Server) IsInMaintenance() bool {
	return s.Status()&StatusMaintenance != 0
}

// Eligible reports whether a router should consider this server a
// routing candidate: running, not draining, not in maintenance.
func (s *Server) Eligible() bool {
	st := s.Status()
	if st&StatusMaintenance != 0 {
		return false
	}
	if st&StatusDraining != 0 {
		return false
	}
	return st&StatusRunning != 0
}

// SetStatus replaces the status bitset. Called only by the monitor or
// admin surface; serializes against concurrent SetStatus/SetVersion
// calls via mu, but readers never block.
func (s *Server) SetStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.load()
	next := &mutable{status: st, version: cur.version, diskFull: cur.diskFull}
	s.val.Store(next)
}

// SetBit ORs bit into the current status.
func (s *Server) SetBit(bit Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.load()
	next := &mutable{status: cur.status | bit, version: cur.version, diskFull: cur.diskFull}
	s.val.Store(next)
}

// ClearBit ANDs bit out of the current status.
func (s *Server) ClearBit(bit Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.load()
	next := &mutable{status: cur.status &^ bit, version: cur.version, diskFull: cur.diskFull}
	s.val.Store(next)
}

// SetVersion records a backend version observed by the monitor.
func (s *Server) SetVersion(v Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.load()
	next := &mutable{status: cur.status, version: v, diskFull: cur.diskFull}
	s.val.Store(next)
}

// SetDiskFull records the monitor's last-observed percent-full for a
// disk_space_threshold path.
func (s *Server) SetDiskFull(path string, pct int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.load()
	nextMap := make(map[string]int, len(cur.diskFull)+1)
	for k, v := range cur.diskFull {
		nextMap[k] = v
	}
	nextMap[path] = pct
	next := &mutable{status: cur.status, version: cur.version, diskFull: nextMap}
	s.val.Store(next)
}

// DiskFull returns the last-observed percent-full for path, or
// (0, false) if never observed.
func (s *Server) DiskFull(path string) (int, bool) {
	pct, ok := s.load().diskFull[path]
	return pct, ok
}
