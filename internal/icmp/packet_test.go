package icmp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// buildDatagram wraps an ICMP message in an IPv4 header using gopacket.
func buildDatagram(t *testing.T, ttl uint8, src string, msg []byte) []byte {
	t.Helper()

	ip := &layers.IPv4{
		Version:  4,
		TTL:      ttl,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.IPv4(192, 0, 2, 1).To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(msg)); err != nil {
		t.Fatalf("SerializeLayers() error = %v", err)
	}
	return buf.Bytes()
}

func echoReplyMsg(id, seq uint16, payloadLen int) []byte {
	b := make([]byte, HeaderLen+payloadLen)
	b[0] = TypeEchoReply
	binary.BigEndian.PutUint16(b[4:6], id)
	binary.BigEndian.PutUint16(b[6:8], seq)
	for i := HeaderLen; i < len(b); i++ {
		b[i] = FillerByte
	}
	binary.BigEndian.PutUint16(b[2:4], Checksum(b))
	return b
}

func timeExceededMsg(t *testing.T, quotedID, quotedSeq uint16, quoteLen int) []byte {
	t.Helper()

	inner := buildDatagram(t, 1, "192.0.2.1", BuildEcho(DefaultPayloadSize, quotedSeq, quotedID))
	if quoteLen < len(inner) {
		inner = inner[:quoteLen]
	}
	b := append(make([]byte, HeaderLen), inner...)
	b[0] = TypeTimeExceeded
	binary.BigEndian.PutUint16(b[2:4], Checksum(b))
	return b
}

func TestBuildEcho(t *testing.T) {
	pkt := BuildEcho(DefaultPayloadSize, 7, 0x1234)

	if len(pkt) != HeaderLen+DefaultPayloadSize {
		t.Fatalf("len = %d, want %d", len(pkt), HeaderLen+DefaultPayloadSize)
	}
	if pkt[0] != TypeEchoRequest || pkt[1] != 0 {
		t.Errorf("type/code = %d/%d, want 8/0", pkt[0], pkt[1])
	}
	if id := binary.BigEndian.Uint16(pkt[4:6]); id != 0x1234 {
		t.Errorf("ID = %#x, want 0x1234", id)
	}
	if seq := binary.BigEndian.Uint16(pkt[6:8]); seq != 7 {
		t.Errorf("Seq = %d, want 7", seq)
	}
	if !bytes.Equal(pkt[HeaderLen:], bytes.Repeat([]byte{'a'}, DefaultPayloadSize)) {
		t.Error("payload is not filled with 'a'")
	}
	if !VerifyChecksum(pkt) {
		t.Error("VerifyChecksum() = false")
	}
}

func TestBuildEcho_Fixture(t *testing.T) {
	pkt := BuildEcho(56, 1, 1)
	if got := binary.BigEndian.Uint16(pkt[2:4]); got != 0x5157 {
		t.Errorf("checksum = %#04x, want 0x5157", got)
	}
}

func TestBuildEcho_EmptyPayload(t *testing.T) {
	for _, size := range []int{0, -5} {
		pkt := BuildEcho(size, 1, 1)
		if len(pkt) != HeaderLen {
			t.Errorf("BuildEcho(%d) len = %d, want %d", size, len(pkt), HeaderLen)
		}
		if !VerifyChecksum(pkt) {
			t.Errorf("BuildEcho(%d) checksum does not verify", size)
		}
	}
}

func TestBuildEcho_MatchesGopacket(t *testing.T) {
	for _, size := range []int{0, 1, 56, 1400} {
		echo := &layers.ICMPv4{
			TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
			Id:       0xbeef,
			Seq:      42,
		}
		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{ComputeChecksums: true}
		payload := gopacket.Payload(bytes.Repeat([]byte{FillerByte}, size))
		if err := gopacket.SerializeLayers(buf, opts, echo, payload); err != nil {
			t.Fatalf("SerializeLayers() error = %v", err)
		}

		if got := BuildEcho(size, 42, 0xbeef); !bytes.Equal(got, buf.Bytes()) {
			t.Errorf("size %d: BuildEcho = %x, gopacket = %x", size, got, buf.Bytes())
		}
	}
}

func TestParseReply_EchoReply(t *testing.T) {
	raw := buildDatagram(t, 57, "10.0.0.1", echoReplyMsg(0x1234, 7, DefaultPayloadSize))

	r, err := ParseReply(raw)
	if err != nil {
		t.Fatalf("ParseReply() error = %v", err)
	}
	if r.Type != TypeEchoReply || r.Code != 0 {
		t.Errorf("type/code = %d/%d, want 0/0", r.Type, r.Code)
	}
	if r.ID != 0x1234 || r.Seq != 7 {
		t.Errorf("ID/Seq = %#x/%d, want 0x1234/7", r.ID, r.Seq)
	}
	if r.TTL != 57 {
		t.Errorf("TTL = %d, want 57", r.TTL)
	}
	if r.PayloadLen != DefaultPayloadSize {
		t.Errorf("PayloadLen = %d, want %d", r.PayloadLen, DefaultPayloadSize)
	}
	if r.Quoted != nil {
		t.Error("Quoted should be nil for an echo reply")
	}
}

func TestParseReply_IPOptions(t *testing.T) {
	// 24 byte IPv4 header: IHL 6.
	hdr := make([]byte, 24)
	hdr[0] = 0x46
	hdr[8] = 33
	hdr[9] = ProtocolNumber
	raw := append(hdr, echoReplyMsg(9, 2, 0)...)

	r, err := ParseReply(raw)
	if err != nil {
		t.Fatalf("ParseReply() error = %v", err)
	}
	if r.ID != 9 || r.Seq != 2 || r.TTL != 33 {
		t.Errorf("got ID=%d Seq=%d TTL=%d, want 9/2/33", r.ID, r.Seq, r.TTL)
	}
	if r.PayloadLen != 0 {
		t.Errorf("PayloadLen = %d, want 0", r.PayloadLen)
	}
}

func TestParseReply_Malformed(t *testing.T) {
	valid := func() []byte {
		b := make([]byte, MinReplyLength)
		b[0] = 0x45
		b[9] = ProtocolNumber
		return b
	}

	tests := []struct {
		name string
		raw  func() []byte
	}{
		{name: "empty", raw: func() []byte { return nil }},
		{name: "27 bytes", raw: func() []byte { return valid()[:27] }},
		{name: "header length beyond datagram", raw: func() []byte {
			b := valid()
			b[0] = 0x4f
			return b
		}},
		{name: "header length below minimum", raw: func() []byte {
			b := valid()
			b[0] = 0x44
			return b
		}},
		{name: "not ICMP", raw: func() []byte {
			b := valid()
			b[9] = 6
			return b
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseReply(tt.raw())
			if !errors.Is(err, ErrMalformedPacket) {
				t.Errorf("ParseReply() error = %v, want ErrMalformedPacket", err)
			}
		})
	}
}

func TestParseReply_MinimumLength(t *testing.T) {
	b := make([]byte, MinReplyLength)
	b[0] = 0x45
	b[9] = ProtocolNumber

	if _, err := ParseReply(b); err != nil {
		t.Errorf("ParseReply(28 bytes) error = %v", err)
	}
}

func TestParseReply_TimeExceeded(t *testing.T) {
	raw := buildDatagram(t, 250, "10.0.0.1", timeExceededMsg(t, 0x1234, 7, 28))

	r, err := ParseReply(raw)
	if err != nil {
		t.Fatalf("ParseReply() error = %v", err)
	}
	if r.Type != TypeTimeExceeded {
		t.Fatalf("Type = %d, want %d", r.Type, TypeTimeExceeded)
	}
	if r.Quoted == nil {
		t.Fatal("Quoted is nil")
	}
	if r.Quoted.Type != TypeEchoRequest || r.Quoted.ID != 0x1234 || r.Quoted.Seq != 7 {
		t.Errorf("Quoted = %+v, want echo request 0x1234/7", *r.Quoted)
	}
}

func TestParseReply_TruncatedQuote(t *testing.T) {
	raw := buildDatagram(t, 250, "10.0.0.1", timeExceededMsg(t, 0x1234, 7, 24))

	r, err := ParseReply(raw)
	if err != nil {
		t.Fatalf("ParseReply() error = %v", err)
	}
	if r.Quoted != nil {
		t.Errorf("Quoted = %+v, want nil for truncated quote", *r.Quoted)
	}
}

func TestEchoReply_Matches(t *testing.T) {
	const id, seq = 0x1234, 7

	echo := func(id, seq uint16) *EchoReply {
		return &EchoReply{EchoHeader: EchoHeader{Type: TypeEchoReply, ID: id, Seq: seq}}
	}
	exceeded := func(q *EchoHeader) *EchoReply {
		return &EchoReply{EchoHeader: EchoHeader{Type: TypeTimeExceeded}, Quoted: q}
	}

	tests := []struct {
		name  string
		reply *EchoReply
		opts  MatchOptions
		want  bool
	}{
		{name: "echo reply", reply: echo(id, seq), want: true},
		{name: "echo reply wrong seq", reply: echo(id, seq+1), want: false},
		{name: "rewritten id accepted", reply: echo(99, seq), want: true},
		{name: "rewritten id rejected with CheckID", reply: echo(99, seq), opts: MatchOptions{CheckID: true}, want: false},
		{name: "echo reply with CheckID", reply: echo(id, seq), opts: MatchOptions{CheckID: true}, want: true},
		{name: "non-zero code", reply: &EchoReply{EchoHeader: EchoHeader{Type: TypeEchoReply, Code: 1, ID: id, Seq: seq}}, want: false},
		{name: "echo request is not a reply", reply: &EchoReply{EchoHeader: EchoHeader{Type: TypeEchoRequest, ID: id, Seq: seq}}, want: false},
		{
			name:  "time exceeded ignored without AcceptErrors",
			reply: exceeded(&EchoHeader{Type: TypeEchoRequest, ID: id, Seq: seq}),
			want:  false,
		},
		{
			name:  "time exceeded quoting request",
			reply: exceeded(&EchoHeader{Type: TypeEchoRequest, ID: id, Seq: seq}),
			opts:  MatchOptions{AcceptErrors: true, CheckID: true},
			want:  true,
		},
		{
			name:  "time exceeded quoting other seq",
			reply: exceeded(&EchoHeader{Type: TypeEchoRequest, ID: id, Seq: seq + 1}),
			opts:  MatchOptions{AcceptErrors: true},
			want:  false,
		},
		{
			name:  "time exceeded quoting other id",
			reply: exceeded(&EchoHeader{Type: TypeEchoRequest, ID: id + 1, Seq: seq}),
			opts:  MatchOptions{AcceptErrors: true, CheckID: true},
			want:  false,
		},
		{
			name:  "time exceeded without quote",
			reply: exceeded(nil),
			opts:  MatchOptions{AcceptErrors: true},
			want:  false,
		},
		{
			name: "destination unreachable quoting request",
			reply: &EchoReply{
				EchoHeader: EchoHeader{Type: TypeDestUnreachable, Code: 3},
				Quoted:     &EchoHeader{Type: TypeEchoRequest, ID: id, Seq: seq},
			},
			opts: MatchOptions{AcceptErrors: true},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.reply.Matches(id, seq, tt.opts); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	raw := buildDatagram(t, 57, "10.0.0.1", echoReplyMsg(0x1234, 7, 8))

	got := Describe(raw)
	for _, want := range []string{"IPv4 10.0.0.1 > 192.0.2.1", "ttl=57", "ICMPv4", "id=4660 seq=7"} {
		if !strings.Contains(got, want) {
			t.Errorf("Describe() = %q, missing %q", got, want)
		}
	}
}

func TestDescribe_Garbage(t *testing.T) {
	got := Describe([]byte{0x45, 0x00})
	if !strings.Contains(got, "decode error") {
		t.Errorf("Describe() = %q, want decode error", got)
	}
}

func TestTypeName(t *testing.T) {
	tests := []struct {
		typ  uint8
		want string
	}{
		{TypeEchoReply, "echo_reply"},
		{TypeDestUnreachable, "destination_unreachable"},
		{TypeEchoRequest, "echo_request"},
		{TypeTimeExceeded, "time_exceeded"},
		{5, "type_5"},
	}

	for _, tt := range tests {
		if got := TypeName(tt.typ); got != tt.want {
			t.Errorf("TypeName(%d) = %q, want %q", tt.typ, got, tt.want)
		}
	}
}
