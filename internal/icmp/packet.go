package icmp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/netstack/tcpip/header"
)

// ProtocolNumber is the IANA protocol number for ICMP.
const ProtocolNumber = 1

// ICMP message types handled by the codec.
const (
	TypeEchoReply       uint8 = 0
	TypeDestUnreachable uint8 = 3
	TypeEchoRequest     uint8 = 8
	TypeTimeExceeded    uint8 = 11
)

// TypeName returns a metric-friendly name for an ICMP message type.
func TypeName(t uint8) string {
	switch t {
	case TypeEchoReply:
		return "echo_reply"
	case TypeDestUnreachable:
		return "destination_unreachable"
	case TypeEchoRequest:
		return "echo_request"
	case TypeTimeExceeded:
		return "time_exceeded"
	default:
		return fmt.Sprintf("type_%d", t)
	}
}

const (
	// HeaderLen is the size of an ICMP echo header.
	HeaderLen = 8

	// MinReplyLength is the smallest datagram ParseReply accepts:
	// a 20 byte IPv4 header followed by an 8 byte ICMP header.
	MinReplyLength = header.IPv4MinimumSize + HeaderLen

	// DefaultPayloadSize is the payload size used when none is configured.
	DefaultPayloadSize = 56

	// MaxPayloadSize is the largest payload that fits in one IPv4 datagram.
	MaxPayloadSize = 65535 - header.IPv4MinimumSize - HeaderLen

	// FillerByte pads echo payloads.
	FillerByte = 'a'
)

// ErrMalformedPacket is returned by ParseReply for datagrams that are too
// short or have an inconsistent IPv4 header.
var ErrMalformedPacket = errors.New("malformed ICMP packet")

// EchoHeader holds the fixed fields of an ICMP echo message.
type EchoHeader struct {
	Type     uint8
	Code     uint8
	Checksum uint16
	ID       uint16
	Seq      uint16
}

// EchoRequest is an ICMP type 8 message.
type EchoRequest struct {
	ID      uint16
	Seq     uint16
	Payload []byte
}

// Marshal encodes the request. The checksum is computed over the message
// with a zero checksum field and then written at offset 2.
func (r *EchoRequest) Marshal() []byte {
	b := make([]byte, HeaderLen+len(r.Payload))
	b[0] = TypeEchoRequest
	b[1] = 0
	binary.BigEndian.PutUint16(b[4:6], r.ID)
	binary.BigEndian.PutUint16(b[6:8], r.Seq)
	copy(b[HeaderLen:], r.Payload)

	binary.BigEndian.PutUint16(b[2:4], Checksum(b))
	return b
}

// BuildEcho returns an encoded echo request carrying payloadSize filler bytes.
func BuildEcho(payloadSize int, seq, id uint16) []byte {
	if payloadSize < 0 {
		payloadSize = 0
	}
	req := EchoRequest{
		ID:      id,
		Seq:     seq,
		Payload: bytes.Repeat([]byte{FillerByte}, payloadSize),
	}
	return req.Marshal()
}

// EchoReply is the parsed form of a received ICMP datagram.
type EchoReply struct {
	EchoHeader

	// TTL is the IP time-to-live of the received datagram.
	TTL uint8

	// PayloadLen is the number of bytes following the ICMP header.
	PayloadLen int

	// Source is the sender address, taken from the transport.
	Source netip.Addr

	// Quoted is the echo header of our original request, present in
	// Time Exceeded and Destination Unreachable messages.
	Quoted *EchoHeader
}

// ParseReply decodes an IPv4 datagram carrying an ICMP message.
func ParseReply(raw []byte) (*EchoReply, error) {
	if len(raw) < MinReplyLength {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedPacket, len(raw), MinReplyLength)
	}

	ip := header.IPv4(raw)
	ihl := int(ip.HeaderLength())
	if ihl < header.IPv4MinimumSize || ihl+HeaderLen > len(raw) {
		return nil, fmt.Errorf("%w: bad IPv4 header length %d", ErrMalformedPacket, ihl)
	}
	if ip.Protocol() != ProtocolNumber {
		return nil, fmt.Errorf("%w: IP protocol %d is not ICMP", ErrMalformedPacket, ip.Protocol())
	}

	msg := raw[ihl:]
	r := &EchoReply{
		EchoHeader: decodeHeader(msg),
		TTL:        ip.TTL(),
		PayloadLen: len(msg) - HeaderLen,
	}

	if r.Type == TypeTimeExceeded || r.Type == TypeDestUnreachable {
		r.Quoted = parseQuoted(msg[HeaderLen:])
	}

	return r, nil
}

// parseQuoted extracts the echo header from the original datagram embedded
// in an ICMP error. Returns nil when the quote is truncated or not ICMP.
func parseQuoted(b []byte) *EchoHeader {
	if len(b) < MinReplyLength {
		return nil
	}
	ip := header.IPv4(b)
	ihl := int(ip.HeaderLength())
	if ihl < header.IPv4MinimumSize || ihl+HeaderLen > len(b) || ip.Protocol() != ProtocolNumber {
		return nil
	}
	h := decodeHeader(b[ihl:])
	return &h
}

func decodeHeader(b []byte) EchoHeader {
	return EchoHeader{
		Type:     b[0],
		Code:     b[1],
		Checksum: binary.BigEndian.Uint16(b[2:4]),
		ID:       binary.BigEndian.Uint16(b[4:6]),
		Seq:      binary.BigEndian.Uint16(b[6:8]),
	}
}

// MatchOptions controls which replies are attributed to a request.
type MatchOptions struct {
	// CheckID requires the identifier to match. Unprivileged sockets
	// rewrite the identifier, so it is only checked on raw sockets.
	CheckID bool

	// AcceptErrors attributes Time Exceeded and Destination Unreachable
	// messages that quote the request. Traceroute sets this.
	AcceptErrors bool
}

// Matches reports whether r answers the echo request (id, seq).
func (r *EchoReply) Matches(id, seq uint16, opts MatchOptions) bool {
	switch r.Type {
	case TypeEchoReply:
		return r.Code == 0 && r.Seq == seq && (!opts.CheckID || r.ID == id)
	case TypeTimeExceeded, TypeDestUnreachable:
		q := r.Quoted
		return opts.AcceptErrors && q != nil && q.Type == TypeEchoRequest &&
			q.Seq == seq && (!opts.CheckID || q.ID == id)
	default:
		return false
	}
}

// Describe renders a one-line layer summary of an IPv4 datagram for debug
// logging.
func Describe(raw []byte) string {
	pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.NoCopy)

	var parts []string
	for _, l := range pkt.Layers() {
		switch l := l.(type) {
		case *layers.IPv4:
			parts = append(parts, fmt.Sprintf("IPv4 %s > %s ttl=%d len=%d", l.SrcIP, l.DstIP, l.TTL, l.Length))
		case *layers.ICMPv4:
			parts = append(parts, fmt.Sprintf("ICMPv4 %s id=%d seq=%d", l.TypeCode, l.Id, l.Seq))
		default:
			parts = append(parts, fmt.Sprintf("%s %d bytes", l.LayerType(), len(l.LayerContents())+len(l.LayerPayload())))
		}
	}
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		parts = append(parts, "decode error: "+errLayer.Error().Error())
	}
	return strings.Join(parts, " | ")
}
