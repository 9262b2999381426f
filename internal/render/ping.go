package render

import (
	"fmt"
	"io"
	"net/netip"

	"github.com/dustin/go-humanize"
	"github.com/postalsys/pingtrace/internal/ping"
	"github.com/postalsys/pingtrace/internal/probe"
	"github.com/postalsys/pingtrace/internal/stats"
)

// PingPrinter writes ping output. It implements ping.Observer.
type PingPrinter struct {
	w  io.Writer
	st styles
}

// NewPingPrinter creates a printer writing to w.
func NewPingPrinter(w io.Writer, color bool) *PingPrinter {
	return &PingPrinter{w: w, st: newStyles(w, color)}
}

// Header prints the line shown before the first probe.
func (p *PingPrinter) Header(target string, dst netip.Addr, payloadSize int) {
	fmt.Fprintf(p.w, "Pinging %s [%s] with %s bytes of data:\n",
		p.st.paint(p.st.title, target), dst, humanize.Comma(int64(payloadSize)))
}

// ProbeDone prints one line per probe.
func (p *PingPrinter) ProbeDone(r probe.Result) {
	switch r.Outcome {
	case probe.OutcomeOK:
		ms, _ := r.RTTMillis()
		fmt.Fprintf(p.w, "Reply from %s: bytes=%d seq=%d time=%s TTL=%d\n",
			p.st.paint(p.st.host, r.Responder().String()),
			r.Reply.PayloadLen, r.Seq,
			p.st.paint(p.st.ok, formatMillis(ms)),
			r.Reply.TTL)
	case probe.OutcomeTimedOut:
		fmt.Fprintln(p.w, p.st.paint(p.st.fail, "Request Timed Out"))
	default:
		fmt.Fprintln(p.w, p.st.paint(p.st.fail, fmt.Sprintf("Request failed: %v", r.Err)))
	}
}

// Summary prints why the session ended and its statistics.
func (p *PingPrinter) Summary(rep *ping.Report) {
	switch rep.State {
	case ping.StateInterrupted:
		fmt.Fprintln(p.w, "Interrupted")
	case ping.StateTimedOut:
		fmt.Fprintln(p.w, "Timeout occurred, stopping ping")
	}

	fmt.Fprintf(p.w, "\n%s\n", p.st.paint(p.st.title, fmt.Sprintf("Ping Statistics for %s:", rep.Destination)))
	writePackets(p.w, "    ", &rep.Stats, "%.2f")

	fmt.Fprintln(p.w, "Approximate round trip times in milli-seconds:")
	rtt, ok := rep.Stats.RTT()
	if !ok {
		fmt.Fprintln(p.w, "    no data")
		return
	}
	fmt.Fprintf(p.w, "    Minimum = %s, Maximum = %s, Average = %s\n",
		formatMillis(stats.Millis(rtt.Min)),
		formatMillis(stats.Millis(rtt.Max)),
		formatMillis(stats.Millis(rtt.Avg)))
}

// writePackets prints the sent/received/lost line, or "no data" when
// nothing was sent.
func writePackets(w io.Writer, indent string, s *stats.Statistics, lossFormat string) {
	loss, ok := s.LossPercent()
	if !ok {
		fmt.Fprintf(w, "%sPackets: no data\n", indent)
		return
	}
	fmt.Fprintf(w, "%sPackets: Sent = %s, Received = %s, Lost = %s ("+lossFormat+" percent loss)\n",
		indent,
		humanize.Comma(int64(s.Sent())),
		humanize.Comma(int64(s.Received())),
		humanize.Comma(int64(s.Lost())),
		loss)
}

func formatMillis(ms float64) string {
	if ms < 1 {
		return "<1ms"
	}
	return fmt.Sprintf("%.0fms", ms)
}
