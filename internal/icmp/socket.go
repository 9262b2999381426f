package icmp

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

var (
	// ErrPermission is returned by Listen when the process may not open the
	// requested ICMP socket.
	ErrPermission = errors.New("permission denied opening ICMP socket")

	// ErrNotIPv4 is returned when sending to a non-IPv4 destination.
	ErrNotIPv4 = errors.New("destination is not an IPv4 address")
)

// Datagram is a received IPv4 datagram and its receive metadata.
type Datagram struct {
	// Data holds the IPv4 header followed by the ICMP message.
	Data []byte

	// From is the sender address reported by the socket.
	From netip.Addr

	// ReceivedAt is taken immediately after the read returns.
	ReceivedAt time.Time
}

// Socket is an ICMPv4 transport over a golang.org/x/net/icmp PacketConn.
// A Socket is owned by one session and is not safe for concurrent receives.
type Socket struct {
	conn *icmp.PacketConn
	pc   *ipv4.PacketConn
	cfg  Config
	buf  []byte
}

// Listen opens an ICMP socket. Uses "udp4" unless cfg.Privileged is set.
func Listen(cfg Config) (*Socket, error) {
	cfg = cfg.withDefaults()

	conn, err := icmp.ListenPacket(cfg.Network(), "0.0.0.0")
	if err != nil {
		if isPermission(err) {
			return nil, fmt.Errorf("%w: listen %s: %w", ErrPermission, cfg.Network(), err)
		}
		return nil, fmt.Errorf("listen %s: %w", cfg.Network(), err)
	}

	pc := conn.IPv4PacketConn()
	if err := pc.SetControlMessage(ipv4.FlagTTL, true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable TTL control message: %w", err)
	}
	// The destination is informational only; not every platform supports it.
	_ = pc.SetControlMessage(ipv4.FlagDst, true)

	return &Socket{
		conn: conn,
		pc:   pc,
		cfg:  cfg,
		buf:  make([]byte, cfg.ReadBufferSize),
	}, nil
}

// Send writes an encoded ICMP message to dst.
func (s *Socket) Send(pkt []byte, dst netip.Addr) error {
	dst = dst.Unmap()
	if !dst.Is4() {
		return fmt.Errorf("%w: %s", ErrNotIPv4, dst)
	}

	// Unprivileged sockets are addressed like UDP.
	var to net.Addr
	if s.cfg.Privileged {
		to = &net.IPAddr{IP: dst.AsSlice()}
	} else {
		to = &net.UDPAddr{IP: dst.AsSlice()}
	}

	var err error
	for tries := s.cfg.SendRetries; tries > 0; tries-- {
		_, err = s.conn.WriteTo(pkt, to)
		if err == nil || !isNoBufs(err) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("send ICMP to %s: %w", dst, err)
	}
	return nil
}

// Receive blocks until a datagram arrives or the deadline passes. On timeout
// the returned error satisfies errors.Is(err, os.ErrDeadlineExceeded).
func (s *Socket) Receive(deadline time.Time) (*Datagram, error) {
	if err := s.pc.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	n, cm, peer, err := s.pc.ReadFrom(s.buf)
	if err != nil {
		return nil, err
	}
	receivedAt := time.Now()

	from := addrFromNet(peer)
	data, err := rebuildDatagram(s.buf[:n], from, cm)
	if err != nil {
		return nil, err
	}

	return &Datagram{Data: data, From: from, ReceivedAt: receivedAt}, nil
}

// SetTTL sets the IP time-to-live for subsequent sends.
func (s *Socket) SetTTL(ttl int) error {
	if err := s.pc.SetTTL(ttl); err != nil {
		return fmt.Errorf("set TTL %d: %w", ttl, err)
	}
	return nil
}

// Close releases the socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// rebuildDatagram prepends an IPv4 header to an ICMP message. The kernel
// strips the header on both socket kinds; TTL comes from the control message.
func rebuildDatagram(msg []byte, from netip.Addr, cm *ipv4.ControlMessage) ([]byte, error) {
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(msg),
		Protocol: ProtocolNumber,
		Src:      net.IP(from.AsSlice()),
		Dst:      net.IPv4zero, // Marshal rejects a missing address
	}
	if cm != nil {
		h.TTL = cm.TTL
		if cm.Dst != nil {
			h.Dst = cm.Dst
		}
	}

	hb, err := h.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal IPv4 header: %w", err)
	}

	data := make([]byte, 0, len(hb)+len(msg))
	data = append(data, hb...)
	return append(data, msg...), nil
}

func addrFromNet(a net.Addr) netip.Addr {
	var ip net.IP
	switch a := a.(type) {
	case *net.UDPAddr:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}
