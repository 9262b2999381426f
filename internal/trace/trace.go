// Package trace implements hop-by-hop path discovery with TTL-limited ICMP
// echo probes. Each hop is probed Queries times; every probe uses its own
// transport.
package trace

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"

	"github.com/postalsys/pingtrace/internal/icmp"
	"github.com/postalsys/pingtrace/internal/logging"
	"github.com/postalsys/pingtrace/internal/metrics"
	"github.com/postalsys/pingtrace/internal/probe"
	"github.com/postalsys/pingtrace/internal/stats"
)

// MaxTTL is the largest IPv4 time-to-live.
const MaxTTL = 255

// Transport is a probe transport whose outgoing TTL can be set.
// *icmp.Socket implements it.
type Transport interface {
	probe.Transport
	SetTTL(ttl int) error
}

// Opener creates a fresh transport for one probe.
type Opener func() (Transport, error)

// State represents the state of a traceroute session.
type State int

const (
	// StateIdle means Run has not been called.
	StateIdle State = iota
	// StateProbingHop means probes for the current TTL are in flight.
	StateProbingHop
	// StateDestinationReached means the destination answered.
	StateDestinationReached
	// StateHopsExhausted means MaxHops hops were probed without reaching
	// the destination.
	StateHopsExhausted
	// StateInterrupted means the context was cancelled.
	StateInterrupted
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbingHop:
		return "probing_hop"
	case StateDestinationReached:
		return "destination_reached"
	case StateHopsExhausted:
		return "hops_exhausted"
	case StateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session has finished.
func (s State) Terminal() bool {
	return s == StateDestinationReached || s == StateHopsExhausted || s == StateInterrupted
}

// Hop holds the probes sent with one TTL.
type Hop struct {
	TTL    int
	Probes []probe.Result

	// Responder is the last address that answered at this TTL. It is the
	// zero Addr when every probe went unanswered.
	Responder netip.Addr

	Stats stats.Statistics
}

// Answered reports whether any probe at this hop got a reply.
func (h *Hop) Answered() bool {
	return h.Responder.IsValid()
}

// Observer is notified as a trace progresses.
type Observer interface {
	HopStarted(ttl int)
	ProbeDone(ttl int, r probe.Result)
	HopDone(h *Hop)
}

// Config contains traceroute session settings.
type Config struct {
	// MaxHops is the largest TTL probed (default: 30)
	MaxHops int

	// Queries is the number of probes per hop (default: 3)
	Queries int

	// PayloadSize is the number of filler bytes per probe (default: 56)
	PayloadSize int

	// ProbeTimeout bounds the wait for each reply (default: 5s)
	ProbeTimeout time.Duration

	// MatchIdentifier requires replies to carry our identifier.
	MatchIdentifier bool

	// IDSource draws the session identifier. Defaults to a random uint16.
	IDSource func() uint16

	Observer Observer
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxHops:         30,
		Queries:         3,
		PayloadSize:     icmp.DefaultPayloadSize,
		ProbeTimeout:    5 * time.Second,
		MatchIdentifier: true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxHops <= 0 {
		c.MaxHops = d.MaxHops
	}
	c.MaxHops = min(c.MaxHops, MaxTTL)
	if c.Queries <= 0 {
		c.Queries = d.Queries
	}
	if c.PayloadSize < 0 {
		c.PayloadSize = 0
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.IDSource == nil {
		c.IDSource = func() uint16 { return uint16(rand.UintN(1 << 16)) }
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Report summarises a finished trace.
type Report struct {
	State       State
	Destination netip.Addr
	Identifier  uint16
	Hops        []*Hop
	Started     time.Time
	Finished    time.Time
}

// Reached reports whether the destination answered.
func (r *Report) Reached() bool {
	return r.State == StateDestinationReached
}

// Session is a single traceroute run against one destination.
type Session struct {
	dst    netip.Addr
	open   Opener
	cfg    Config
	logger *slog.Logger
	id     uint16

	mu    sync.Mutex
	state State
	ttl   int
	seq   uint16
}

// New creates a session that opens transports with open.
func New(dst netip.Addr, open Opener, cfg Config) *Session {
	cfg = cfg.withDefaults()
	id := cfg.IDSource()

	return &Session{
		dst:  dst,
		open: open,
		cfg:  cfg,
		logger: cfg.Logger.With(
			logging.KeyComponent, metrics.ToolTraceroute,
			logging.KeyTarget, dst,
			logging.KeyIdentifier, id,
		),
		id:    id,
		state: StateIdle,
		seq:   1,
	}
}

// Identifier returns the echo identifier used by every probe.
func (s *Session) Identifier() uint16 {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TTL returns the TTL currently being probed, or 0 before the first hop.
func (s *Session) TTL() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttl
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Run traces the path until the destination answers, MaxHops is reached or
// ctx is cancelled.
func (s *Session) Run(ctx context.Context) *Report {
	report := &Report{
		Destination: s.dst,
		Identifier:  s.id,
		Started:     s.cfg.Now(),
	}

	report.State = s.loop(ctx, report)
	s.setState(report.State)
	report.Finished = s.cfg.Now()

	s.cfg.Metrics.RecordSession(metrics.ToolTraceroute, report.State.String())
	if report.Reached() {
		s.cfg.Metrics.RecordPathLength(len(report.Hops))
	}
	s.logger.Info("trace finished",
		logging.KeyState, report.State,
		logging.KeyCount, len(report.Hops),
		logging.KeyDuration, report.Finished.Sub(report.Started))

	return report
}

func (s *Session) loop(ctx context.Context, report *Report) State {
	for ttl := 1; ttl <= s.cfg.MaxHops; ttl++ {
		if ctx.Err() != nil {
			return StateInterrupted
		}

		s.mu.Lock()
		s.state = StateProbingHop
		s.ttl = ttl
		s.mu.Unlock()
		if s.cfg.Observer != nil {
			s.cfg.Observer.HopStarted(ttl)
		}

		hop, interrupted := s.probeHop(ctx, ttl)
		report.Hops = append(report.Hops, hop)

		s.cfg.Metrics.RecordHop(hop.Answered())
		s.logger.Debug("hop done",
			logging.KeyTTL, ttl,
			logging.KeyResponder, hop.Responder)
		if s.cfg.Observer != nil {
			s.cfg.Observer.HopDone(hop)
		}

		if interrupted {
			return StateInterrupted
		}
		if hop.Responder == s.dst {
			return StateDestinationReached
		}
	}
	return StateHopsExhausted
}

// probeHop sends Queries probes with the given TTL. Cancellation is checked
// between queries; interrupted is true when the hop was cut short.
func (s *Session) probeHop(ctx context.Context, ttl int) (hop *Hop, interrupted bool) {
	hop = &Hop{TTL: ttl}

	for q := 0; q < s.cfg.Queries; q++ {
		if q > 0 && ctx.Err() != nil {
			return hop, true
		}

		res := s.probeOnce(ttl)
		hop.Probes = append(hop.Probes, res)
		hop.Stats.Send()
		if res.Outcome == probe.OutcomeOK {
			hop.Stats.Recv(res.RTT)
			hop.Responder = res.Responder()
		}

		if s.cfg.Observer != nil {
			s.cfg.Observer.ProbeDone(ttl, res)
		}
	}
	return hop, false
}

func (s *Session) probeOnce(ttl int) probe.Result {
	s.mu.Lock()
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	logger := s.logger.With(logging.KeyTTL, ttl)

	t, err := s.open()
	if err != nil {
		return s.failed(seq, fmt.Errorf("open socket: %w", err), logger)
	}
	defer t.Close()

	if err := t.SetTTL(ttl); err != nil {
		return s.failed(seq, err, logger)
	}

	req := probe.Request{
		ID:     s.id,
		Seq:    seq,
		Packet: icmp.BuildEcho(s.cfg.PayloadSize, seq, s.id),
	}
	return probe.Exchange(t, s.dst, req, probe.Options{
		Timeout: s.cfg.ProbeTimeout,
		Match: icmp.MatchOptions{
			CheckID:      s.cfg.MatchIdentifier,
			AcceptErrors: true,
		},
		Tool:    metrics.ToolTraceroute,
		Logger:  logger,
		Metrics: s.cfg.Metrics,
		Now:     s.cfg.Now,
	})
}

// failed builds the result for a probe that never left the host.
func (s *Session) failed(seq uint16, err error, logger *slog.Logger) probe.Result {
	s.cfg.Metrics.RecordProbeSent(metrics.ToolTraceroute)
	s.cfg.Metrics.RecordSendError(metrics.ToolTraceroute)
	logger.Debug("probe not sent", logging.KeySeq, seq, logging.KeyError, err)

	return probe.Result{
		Seq:     seq,
		SentAt:  s.cfg.Now(),
		Outcome: probe.OutcomeSendError,
		Err:     err,
	}
}
