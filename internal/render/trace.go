package render

import (
	"context"
	"fmt"
	"io"
	"net/netip"

	"github.com/postalsys/pingtrace/internal/probe"
	"github.com/postalsys/pingtrace/internal/trace"
)

// Namer resolves hop addresses to names. *resolve.Resolver implements it.
type Namer interface {
	ReverseName(ctx context.Context, addr netip.Addr) string
}

// TraceOptions controls traceroute output.
type TraceOptions struct {
	Color bool

	// Namer resolves hop names; nil prints addresses only.
	Namer Namer

	// Summary prints per-hop packet statistics.
	Summary bool

	// Context bounds reverse lookups. Defaults to context.Background().
	Context context.Context
}

// TracePrinter writes traceroute output. It implements trace.Observer.
type TracePrinter struct {
	w    io.Writer
	st   styles
	opts TraceOptions
}

// NewTracePrinter creates a printer writing to w.
func NewTracePrinter(w io.Writer, opts TraceOptions) *TracePrinter {
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	return &TracePrinter{w: w, st: newStyles(w, opts.Color), opts: opts}
}

// Header prints the line shown before the first hop.
func (p *TracePrinter) Header(target string, dst netip.Addr, maxHops int) {
	fmt.Fprintf(p.w, "Tracing route to %s [%s] over a maximum of %d hops:\n\n",
		p.st.paint(p.st.title, target), dst, maxHops)
}

// HopStarted prints the TTL column.
func (p *TracePrinter) HopStarted(ttl int) {
	fmt.Fprintf(p.w, "%3d  ", ttl)
}

// ProbeDone prints one RTT cell.
func (p *TracePrinter) ProbeDone(_ int, r probe.Result) {
	if ms, ok := r.RTTMillis(); ok {
		cell := "<1 ms"
		if ms >= 1 {
			cell = fmt.Sprintf("%.0f ms", ms)
		}
		fmt.Fprint(p.w, p.st.paint(p.st.ok, fmt.Sprintf("%7s", cell)), "  ")
		return
	}
	fmt.Fprint(p.w, p.st.paint(p.st.fail, fmt.Sprintf("%7s", "*")), "  ")
}

// HopDone prints the responder and, when enabled, the hop statistics.
func (p *TracePrinter) HopDone(h *trace.Hop) {
	if !h.Answered() {
		fmt.Fprintln(p.w, p.st.paint(p.st.fail, "Request Timed Out."))
	} else {
		fmt.Fprintln(p.w, p.st.paint(p.st.host, p.hostLabel(h.Responder)))
	}

	if !p.opts.Summary {
		return
	}
	label := "*"
	if h.Answered() {
		label = h.Responder.String()
	}
	fmt.Fprintln(p.w, p.st.paint(p.st.dim, fmt.Sprintf("     Trace Route Statistics for %s:", label)))
	writePackets(p.w, "         ", &h.Stats, "%.0f")
}

// Finish prints the closing line.
func (p *TracePrinter) Finish(rep *trace.Report) {
	if rep.State == trace.StateInterrupted {
		fmt.Fprintln(p.w, "Interrupted")
		fmt.Fprintln(p.w, "\nTrace terminated")
		return
	}
	fmt.Fprintln(p.w, "\nTrace Completed")
}

func (p *TracePrinter) hostLabel(addr netip.Addr) string {
	if p.opts.Namer == nil {
		return addr.String()
	}
	if name := p.opts.Namer.ReverseName(p.opts.Context, addr); name != "" {
		return fmt.Sprintf("%s (%s)", name, addr)
	}
	return addr.String()
}
