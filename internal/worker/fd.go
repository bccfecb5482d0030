//go:build linux

package worker

import (
	"fmt"
	"net"
	"syscall"
)

// syscallDescriptor is implemented by *net.TCPConn, *net.TCPListener,
// *net.UnixConn and *net.UnixListener — everything this package
// registers with epoll.
type syscallDescriptor interface {
	SyscallConn() (syscall.RawConn, error)
}

// rawFD extracts the underlying file descriptor of a net.Conn or
// net.Listener so it can be registered directly with epoll_ctl.
// net's own runtime poller is bypassed entirely for fds handed to a
// RoutingWorker: spec.md §4.4 requires level-triggered epoll with a
// single shared set for the listener, which net.Listener.Accept's
// internal edge-triggered poller cannot express.
func rawFD(sd syscallDescriptor) (int, error) {
	rc, err := sd.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("worker: SyscallConn: %w", err)
	}
	var fd int
	if err := rc.Control(func(v uintptr) { fd = int(v) }); err != nil {
		return 0, fmt.Errorf("worker: raw fd control: %w", err)
	}
	return fd, nil
}

// connFD extracts the fd of a net.Conn, which must be backed by a
// descriptor-exposing implementation (TCP or Unix socket — spec.md's
// "network address or UNIX socket" Server attribute covers both).
func connFD(conn net.Conn) (int, error) {
	sd, ok := conn.(syscallDescriptor)
	if !ok {
		return 0, fmt.Errorf("worker: connection type %T has no raw fd", conn)
	}
	return rawFD(sd)
}

// listenerFD extracts the fd of a net.Listener.
func listenerFD(ln net.Listener) (int, error) {
	sd, ok := ln.(syscallDescriptor)
	if !ok {
		return 0, fmt.Errorf("worker: listener type %T has no raw fd", ln)
	}
	return rawFD(sd)
}
