// Package ping implements a continuous ICMP echo session: one probe per
// interval until a count is reached, a deadline passes or the caller cancels.
package ping

import (
	"context"
	"errors"
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
	"golang.org/x/time/rate"
)

var errDeadline = errors.New("session deadline reached")

// State represents the state of a ping session.
type State int

const (
	// StateIdle means Run has not been called.
	StateIdle State = iota
	// StateProbing means probes are being sent.
	StateProbing
	// StateCompleted means Count probes were sent.
	StateCompleted
	// StateInterrupted means the context was cancelled.
	StateInterrupted
	// StateTimedOut means the session deadline passed.
	StateTimedOut
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateCompleted:
		return "completed"
	case StateInterrupted:
		return "interrupted"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session has finished.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateInterrupted || s == StateTimedOut
}

// Observer is notified after every probe.
type Observer interface {
	ProbeDone(r probe.Result)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(r probe.Result)

// ProbeDone calls f(r).
func (f ObserverFunc) ProbeDone(r probe.Result) { f(r) }

// Config contains ping session settings.
type Config struct {
	// Count stops the session after this many probes. 0 means unlimited.
	Count int

	// Interval between probe sends (default: 1s)
	Interval time.Duration

	// PayloadSize is the number of filler bytes per probe (default: 56)
	PayloadSize int

	// Deadline bounds the whole session. 0 means no deadline.
	Deadline time.Duration

	// ProbeTimeout bounds the wait for each reply (default: 3s)
	ProbeTimeout time.Duration

	// MatchIdentifier requires replies to carry our identifier. Leave it
	// off for unprivileged sockets, which rewrite the identifier.
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
		Interval:     time.Second,
		PayloadSize:  icmp.DefaultPayloadSize,
		ProbeTimeout: 3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.Interval < 0 {
		c.Interval = 0
	}
	if c.PayloadSize < 0 {
		c.PayloadSize = 0
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = probe.DefaultTimeout
	}
	if c.IDSource == nil {
		c.IDSource = randomID
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

func randomID() uint16 {
	return uint16(rand.UintN(1 << 16))
}

// Report summarises a finished session.
type Report struct {
	State       State
	Destination netip.Addr
	Identifier  uint16
	PayloadSize int
	Stats       stats.Statistics
	Started     time.Time
	Finished    time.Time
}

// Elapsed returns the session duration.
func (r *Report) Elapsed() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Session is a single ping run against one destination.
type Session struct {
	dst       netip.Addr
	transport probe.Transport
	cfg       Config
	logger    *slog.Logger
	limiter   *rate.Limiter
	id        uint16

	mu    sync.Mutex
	state State
	seq   uint16
	stats stats.Statistics
}

// New creates a session. The session owns t and closes it when Run returns.
func New(dst netip.Addr, t probe.Transport, cfg Config) *Session {
	cfg = cfg.withDefaults()
	id := cfg.IDSource()

	return &Session{
		dst:       dst,
		transport: t,
		cfg:       cfg,
		logger: cfg.Logger.With(
			logging.KeyComponent, metrics.ToolPing,
			logging.KeyTarget, dst,
			logging.KeyIdentifier, id,
		),
		limiter: rate.NewLimiter(rate.Every(cfg.Interval), 1),
		id:      id,
		state:   StateIdle,
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

// Stats returns a snapshot of the statistics.
func (s *Session) Stats() stats.Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Session) sent() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.Sent()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.logger.Debug("state changed", logging.KeyState, state)
}

// Run probes until the session reaches a terminal state and returns the
// report. An in-flight receive is not aborted by cancellation; it ends at
// the probe timeout.
func (s *Session) Run(ctx context.Context) *Report {
	defer s.transport.Close()

	started := s.cfg.Now()
	var deadlineAt time.Time
	if s.cfg.Deadline > 0 {
		deadlineAt = started.Add(s.cfg.Deadline)
	}

	s.setState(StateProbing)
	final := s.loop(ctx, deadlineAt)
	s.setState(final)

	report := &Report{
		State:       final,
		Destination: s.dst,
		Identifier:  s.id,
		PayloadSize: s.cfg.PayloadSize,
		Stats:       s.Stats(),
		Started:     started,
		Finished:    s.cfg.Now(),
	}

	s.cfg.Metrics.RecordSession(metrics.ToolPing, final.String())
	if loss, ok := report.Stats.LossPercent(); ok {
		s.cfg.Metrics.SetPingLoss(loss)
	}
	s.logger.Info("session finished",
		logging.KeyState, final,
		logging.KeyCount, report.Stats.Sent(),
		logging.KeyDuration, report.Elapsed())

	return report
}

func (s *Session) loop(ctx context.Context, deadlineAt time.Time) State {
	for {
		if ctx.Err() != nil {
			return StateInterrupted
		}
		if s.expired(deadlineAt) {
			return StateTimedOut
		}
		if s.cfg.Count > 0 && s.sent() >= uint(s.cfg.Count) {
			return StateCompleted
		}

		if err := s.pace(ctx, deadlineAt); err != nil {
			if errors.Is(err, errDeadline) {
				return StateTimedOut
			}
			return StateInterrupted
		}

		timeout := s.cfg.ProbeTimeout
		if !deadlineAt.IsZero() {
			timeout = min(timeout, deadlineAt.Sub(s.cfg.Now()))
			if timeout <= 0 {
				return StateTimedOut
			}
		}

		s.probeOnce(timeout)
	}
}

func (s *Session) expired(deadlineAt time.Time) bool {
	return !deadlineAt.IsZero() && !s.cfg.Now().Before(deadlineAt)
}

// pace blocks until the next probe may be sent. The first token is
// available immediately; a probe that waited out its timeout has usually
// refilled the bucket already. When the next token falls after the deadline,
// pace sleeps until the deadline and returns errDeadline.
func (s *Session) pace(ctx context.Context, deadlineAt time.Time) error {
	r := s.limiter.Reserve()
	delay := r.Delay()
	if left := deadlineAt.Sub(s.cfg.Now()); !deadlineAt.IsZero() && delay > left {
		r.Cancel()
		if err := sleepCtx(ctx, left); err != nil {
			return err
		}
		return errDeadline
	}
	if err := sleepCtx(ctx, delay); err != nil {
		r.Cancel()
		return err
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Session) probeOnce(timeout time.Duration) {
	s.mu.Lock()
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	req := probe.Request{
		ID:     s.id,
		Seq:    seq,
		Packet: icmp.BuildEcho(s.cfg.PayloadSize, seq, s.id),
	}
	res := probe.Exchange(s.transport, s.dst, req, probe.Options{
		Timeout: timeout,
		Match:   icmp.MatchOptions{CheckID: s.cfg.MatchIdentifier},
		Tool:    metrics.ToolPing,
		Logger:  s.logger,
		Metrics: s.cfg.Metrics,
		Now:     s.cfg.Now,
	})

	s.mu.Lock()
	s.stats.Send()
	if res.Outcome == probe.OutcomeOK {
		s.stats.Recv(res.RTT)
	}
	s.mu.Unlock()

	if s.cfg.Observer != nil {
		s.cfg.Observer.ProbeDone(res)
	}
}
