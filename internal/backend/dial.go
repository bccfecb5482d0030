package backend

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/routingcore/proxy/internal/errkind"
	"github.com/routingcore/proxy/internal/server"
)

// Dial opens a fresh socket to srv (TCP address:port, or a UNIX socket
// if srv.Socket is set), writes a PROXY protocol v1 header first when
// srv.ProxyProtocol is set, then drives the connection through Init.
// Grounded on the teacher's TenantPool.dial, generalized from a single
// always-TCP dialer into one that also handles UNIX sockets and the
// PROXY protocol preamble spec.md §6 names (spec.md §4.2's "pool owns
// connection lifetime" — this is the dial step that lifetime begins
// with).
//
// clientAddr is the originating client's address, used to populate the
// PROXY protocol header; it may be nil, which encodes as the UNKNOWN
// form.
func Dial(ctx context.Context, srv *server.Server, clientAddr net.Addr, cfg Config) (*Conn, error) {
	network, addr := "tcp", net.JoinHostPort(srv.Address, strconv.Itoa(srv.Port))
	if srv.Socket != "" {
		network, addr = "unix", srv.Socket
	}

	dialer := net.Dialer{KeepAlive: 30 * time.Second}
	if cfg.DialTimeout > 0 {
		dialer.Timeout = cfg.DialTimeout
	}
	netConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, fmt.Errorf("backend: dial %s %s: %w", network, addr, err))
	}

	if srv.ProxyProtocol {
		header := EncodeProxyProtocolV1(clientAddr, netConn.LocalAddr())
		if _, err := netConn.Write(header); err != nil {
			netConn.Close()
			return nil, errkind.Wrap(errkind.Transient, fmt.Errorf("backend: write PROXY protocol header: %w", err))
		}
	}

	conn := NewConn(netConn, cfg)
	if err := conn.Init(ctx); err != nil {
		netConn.Close()
		return nil, err
	}
	return conn, nil
}
