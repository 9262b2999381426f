// Package icmp implements the ICMPv4 echo codec and the socket transport used
// by the ping and traceroute sessions.
//
// # Packet layout
//
// Echo requests are built by hand so the checksum path is explicit:
//
//	offset 0: type       (1 byte)  8 = request, 0 = reply
//	offset 1: code       (1 byte)  0
//	offset 2: checksum   (2 bytes)
//	offset 4: identifier (2 bytes)
//	offset 6: sequence   (2 bytes)
//	offset 8: payload    (caller-specified size)
//
// Replies are parsed from a complete IPv4 datagram. The socket transport
// rebuilds the IPv4 header when the kernel strips it, filling the TTL from the
// IP_TTL control message, so ParseReply always sees the same layout.
//
// # Unprivileged ICMP Sockets
//
// By default the transport uses "udp4" ICMP datagram sockets. On Linux these
// require the ping_group_range sysctl:
//
//	sysctl -w net.ipv4.ping_group_range="0 65535"
//
// The kernel rewrites the echo identifier on such sockets and does not
// deliver Time Exceeded messages to them, so traceroute needs the privileged
// "ip4:icmp" mode (Config.Privileged).
package icmp
