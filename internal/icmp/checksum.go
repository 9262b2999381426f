package icmp

// Checksum computes the RFC 792 Internet checksum of data.
//
// Data is summed as big-endian 16-bit words with end-around carry. A trailing
// odd byte is the high byte of a zero-padded word. The result is the one's
// complement of the folded sum.
func Checksum(data []byte) uint16 {
	return ^fold(sum(data))
}

// VerifyChecksum reports whether a complete packet, checksum field included,
// sums to 0xFFFF.
func VerifyChecksum(data []byte) bool {
	return fold(sum(data)) == 0xffff
}

func sum(data []byte) uint32 {
	var s uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		s += uint32(data[i])<<8 | uint32(data[i+1])
		// Fold early so the accumulator cannot overflow on very large inputs.
		if s > 0xffff {
			s = (s & 0xffff) + (s >> 16)
		}
	}
	if n%2 == 1 {
		s += uint32(data[n-1]) << 8
	}
	return s
}

func fold(s uint32) uint16 {
	for s > 0xffff {
		s = (s & 0xffff) + (s >> 16)
	}
	return uint16(s)
}
