// Package stats accumulates probe counts and round-trip samples.
package stats

import (
	"fmt"
	"time"
)

// Summary is the min/max/average of a set of round-trip times.
type Summary struct {
	Min time.Duration
	Max time.Duration
	Avg time.Duration
}

// Statistics counts probes sent and replies received and keeps every RTT
// sample. The zero value is ready to use.
type Statistics struct {
	sent     uint
	received uint
	rtts     []time.Duration
}

// Send counts a probe. Probes that failed to send are counted too.
func (s *Statistics) Send() {
	s.sent++
}

// Recv counts a reply with its round-trip time. It returns false and
// records nothing when every sent probe already has a reply.
func (s *Statistics) Recv(rtt time.Duration) bool {
	if s.received >= s.sent {
		return false
	}
	s.received++
	s.rtts = append(s.rtts, rtt)
	return true
}

// Sent returns the number of probes sent.
func (s *Statistics) Sent() uint { return s.sent }

// Received returns the number of replies received.
func (s *Statistics) Received() uint { return s.received }

// Lost returns the number of probes without a reply.
func (s *Statistics) Lost() uint { return s.sent - s.received }

// Valid reports whether at least one probe was sent.
func (s *Statistics) Valid() bool {
	return s.sent > 0 && s.sent >= s.received
}

// LossPercent returns the share of lost probes in percent. ok is false when
// nothing was sent.
func (s *Statistics) LossPercent() (pct float64, ok bool) {
	if !s.Valid() {
		return 0, false
	}
	return float64(s.Lost()) / float64(s.sent) * 100, true
}

// RTT summarises the round-trip samples. ok is false when nothing was received.
func (s *Statistics) RTT() (sum Summary, ok bool) {
	if len(s.rtts) == 0 {
		return Summary{}, false
	}

	sum.Min, sum.Max = s.rtts[0], s.rtts[0]
	var total time.Duration
	for _, rtt := range s.rtts {
		sum.Min = min(sum.Min, rtt)
		sum.Max = max(sum.Max, rtt)
		total += rtt
	}
	sum.Avg = total / time.Duration(len(s.rtts))
	return sum, true
}

// Samples returns a copy of the recorded round-trip times in arrival order.
func (s *Statistics) Samples() []time.Duration {
	return append([]time.Duration(nil), s.rtts...)
}

func (s *Statistics) String() string {
	loss, _ := s.LossPercent()
	str := fmt.Sprintf("sent=%d, received=%d, loss=%.1f%%", s.sent, s.received, loss)
	if rtt, ok := s.RTT(); ok {
		str += fmt.Sprintf(", min=%s, avg=%s, max=%s", rtt.Min, rtt.Avg, rtt.Max)
	}
	return str
}

// Millis converts a duration to fractional milliseconds.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
