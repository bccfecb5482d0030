//go:build linux

package worker

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Poller is a thin wrapper over a single epoll instance, used both
// for each RoutingWorker's private per-session poll set and for the
// one shared listener poll set every worker watches (spec.md §4.4).
// It deliberately exposes no edge-triggered mode: Add/Mod always set
// EPOLLIN (optionally EPOLLOUT) without EPOLLET, since the shared
// accept set is level-triggered by requirement and private sets gain
// nothing from edge-triggering at this scale.
//
// Grounded on the epoll.Epoll usage shape in
// other_examples' hotafrika-tcp_proxy_epoll backend (New/Add/Del/Wait/Close),
// reimplemented directly over golang.org/x/sys/unix since that
// package's own epoll wrapper type isn't part of the retrieved pack.
type Poller struct {
	fd int

	mu  sync.Mutex
	fds map[int]struct{}
}

// NewPoller creates an epoll instance via epoll_create1.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("worker: epoll_create1: %w", err)
	}
	return &Poller{fd: fd, fds: make(map[int]struct{})}, nil
}

// Add registers fd for level-triggered readability (and, if
// wantWrite, writability) notifications.
func (p *Poller) Add(fd int, wantWrite bool) error {
	events := uint32(unix.EPOLLIN | unix.EPOLLRDHUP)
	if wantWrite {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("worker: epoll_ctl(ADD, %d): %w", fd, err)
	}
	p.mu.Lock()
	p.fds[fd] = struct{}{}
	p.mu.Unlock()
	return nil
}

// Mod changes the registered interest set for fd, e.g. to start
// watching for writability once a partial write needs to drain.
func (p *Poller) Mod(fd int, wantWrite bool) error {
	events := uint32(unix.EPOLLIN | unix.EPOLLRDHUP)
	if wantWrite {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("worker: epoll_ctl(MOD, %d): %w", fd, err)
	}
	return nil
}

// Del deregisters fd. It is not an error to call Del on an fd that
// was already removed (e.g. because the peer hung up and the kernel
// dropped it from the set on close).
func (p *Poller) Del(fd int) {
	ev := unix.EpollEvent{}
	_ = unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, &ev)
	p.mu.Lock()
	delete(p.fds, fd)
	p.mu.Unlock()
}

// Wait blocks until at least one registered fd is ready or timeoutMS
// elapses (-1 blocks indefinitely), returning the raw kernel events.
func (p *Poller) Wait(events []unix.EpollEvent, timeoutMS int) (int, error) {
	n, err := unix.EpollWait(p.fd, events, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("worker: epoll_wait: %w", err)
	}
	return n, nil
}

// Close releases the underlying epoll fd.
func (p *Poller) Close() error {
	return unix.Close(p.fd)
}
