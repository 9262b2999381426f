// Package probetest provides an in-memory ICMP network for session tests.
package probetest

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/postalsys/pingtrace/internal/icmp"
)

// ErrClosed is returned by operations on a closed Transport.
var ErrClosed = errors.New("probetest: transport closed")

// Clock is a manually advanced clock shared by a Network and the code under test.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set to a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *Clock) advanceTo(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

// Probe is an echo request observed by the network.
type Probe struct {
	Dst  netip.Addr
	TTL  int
	ID   uint16
	Seq  uint16
	Size int
}

// Reply describes one datagram the network delivers in answer to a probe.
type Reply struct {
	// Type is icmp.TypeEchoReply, icmp.TypeTimeExceeded or
	// icmp.TypeDestUnreachable.
	Type uint8

	From  netip.Addr
	TTL   uint8
	Delay time.Duration

	// Seq overrides the answered sequence when non-nil.
	Seq *uint16

	// Raw, when set, is delivered verbatim instead of a built reply.
	Raw []byte
}

// Network records probes and answers them according to Answer.
type Network struct {
	Clock *Clock

	// Answer returns the datagrams delivered for a probe. Nil means silence.
	Answer func(p Probe) []Reply

	// SendErr, when set, fails sends for which it returns an error.
	SendErr func(p Probe) error

	// OpenErr fails Open when set.
	OpenErr error

	mu     sync.Mutex
	probes []Probe
	opened int
	closed int
}

// NewNetwork returns a silent network with a fresh clock.
func NewNetwork() *Network {
	return &Network{Clock: NewClock()}
}

// Open returns a new transport attached to the network.
func (n *Network) Open() (*Transport, error) {
	if n.OpenErr != nil {
		return nil, n.OpenErr
	}
	n.mu.Lock()
	n.opened++
	n.mu.Unlock()
	return &Transport{net: n, ttl: 64}, nil
}

// Probes returns every probe sent so far.
func (n *Network) Probes() []Probe {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Probe(nil), n.probes...)
}

// Opened returns the number of transports opened.
func (n *Network) Opened() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.opened
}

// Closed returns the number of transports closed.
func (n *Network) Closed() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// Transport is an in-memory probe transport.
type Transport struct {
	net *Network

	// SetTTLErr fails SetTTL when set.
	SetTTLErr error

	ttl    int
	queue  []*icmp.Datagram
	closed bool
}

// Send records the probe and queues the replies the network answers with.
func (t *Transport) Send(pkt []byte, dst netip.Addr) error {
	if t.closed {
		return ErrClosed
	}
	p := Probe{
		Dst:  dst,
		TTL:  t.ttl,
		ID:   binary.BigEndian.Uint16(pkt[4:6]),
		Seq:  binary.BigEndian.Uint16(pkt[6:8]),
		Size: len(pkt) - icmp.HeaderLen,
	}

	n := t.net
	n.mu.Lock()
	n.probes = append(n.probes, p)
	n.mu.Unlock()

	if n.SendErr != nil {
		if err := n.SendErr(p); err != nil {
			return err
		}
	}
	if n.Answer == nil {
		return nil
	}

	now := n.Clock.Now()
	for _, r := range n.Answer(p) {
		data := r.Raw
		if data == nil {
			data = buildReply(pkt, r)
		}
		t.queue = append(t.queue, &icmp.Datagram{
			Data:       data,
			From:       r.From,
			ReceivedAt: now.Add(r.Delay),
		})
	}
	return nil
}

// Receive returns the next queued datagram that arrives before deadline.
// Otherwise the clock moves to the deadline and os.ErrDeadlineExceeded is
// returned. Late datagrams stay queued.
func (t *Transport) Receive(deadline time.Time) (*icmp.Datagram, error) {
	if t.closed {
		return nil, ErrClosed
	}
	if len(t.queue) > 0 && !t.queue[0].ReceivedAt.After(deadline) {
		dg := t.queue[0]
		t.queue = t.queue[1:]
		t.net.Clock.advanceTo(dg.ReceivedAt)
		return dg, nil
	}
	t.net.Clock.advanceTo(deadline)
	return nil, os.ErrDeadlineExceeded
}

// SetTTL sets the TTL recorded on subsequent probes.
func (t *Transport) SetTTL(ttl int) error {
	if t.SetTTLErr != nil {
		return t.SetTTLErr
	}
	t.ttl = ttl
	return nil
}

// Close marks the transport closed.
func (t *Transport) Close() error {
	if t.closed {
		return ErrClosed
	}
	t.closed = true
	t.net.mu.Lock()
	t.net.closed++
	t.net.mu.Unlock()
	return nil
}

func buildReply(req []byte, r Reply) []byte {
	var msg []byte
	switch r.Type {
	case icmp.TypeTimeExceeded, icmp.TypeDestUnreachable:
		// Quote a 20 byte IPv4 header and the first 8 bytes of the request.
		msg = make([]byte, icmp.HeaderLen, icmp.HeaderLen+28)
		msg[0] = r.Type
		if r.Type == icmp.TypeDestUnreachable {
			msg[1] = 3
		}
		msg = append(msg, ipHeader(netip.Addr{}, 1, len(req))...)
		msg = append(msg, req[:icmp.HeaderLen]...)
	default:
		msg = append([]byte(nil), req...)
		msg[0] = icmp.TypeEchoReply
	}
	if r.Seq != nil {
		seqAt := 6
		if r.Type == icmp.TypeTimeExceeded || r.Type == icmp.TypeDestUnreachable {
			seqAt = icmp.HeaderLen + 20 + 6
		}
		binary.BigEndian.PutUint16(msg[seqAt:seqAt+2], *r.Seq)
	}
	msg[2], msg[3] = 0, 0
	binary.BigEndian.PutUint16(msg[2:4], icmp.Checksum(msg))

	return append(ipHeader(r.From, r.TTL, len(msg)), msg...)
}

func ipHeader(src netip.Addr, ttl uint8, payloadLen int) []byte {
	b := make([]byte, 20)
	b[0] = 0x45
	binary.BigEndian.PutUint16(b[2:4], uint16(20+payloadLen))
	b[8] = ttl
	b[9] = icmp.ProtocolNumber
	if src.Is4() {
		a := src.As4()
		copy(b[12:16], a[:])
	}
	return b
}
