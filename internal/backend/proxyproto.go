package backend

import (
	"fmt"
	"net"
)

// EncodeProxyProtocolV1 builds the ASCII PROXY protocol v1 header
// (spec.md §6) identifying the original client to a backend dialed
// with srv.ProxyProtocol set: "PROXY TCP4 <peer_ip> <local_ip>
// <peer_port> <local_port>\r\n" for an IPv4 peer, the TCP6 form for
// IPv6, or "PROXY UNKNOWN\r\n" when either address isn't a TCP
// *net.TCPAddr (a UNIX-socket client, or no client address at all —
// SPEC_FULL.md's supplemented UNKNOWN form).
func EncodeProxyProtocolV1(clientAddr, localAddr net.Addr) []byte {
	peer, peerOK := clientAddr.(*net.TCPAddr)
	local, localOK := localAddr.(*net.TCPAddr)
	if !peerOK || !localOK || peer == nil || local == nil {
		return []byte("PROXY UNKNOWN\r\n")
	}

	family := "TCP4"
	if peer.IP.To4() == nil {
		family = "TCP6"
	}
	return []byte(fmt.Sprintf("PROXY %s %s %s %d %d\r\n", family, peer.IP.String(), local.IP.String(), peer.Port, local.Port))
}
