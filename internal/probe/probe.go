// Package probe performs one ICMP echo exchange: it sends a request through a
// transport and waits for the reply that answers it.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/postalsys/pingtrace/internal/icmp"
	"github.com/postalsys/pingtrace/internal/logging"
	"github.com/postalsys/pingtrace/internal/metrics"
)

// DefaultTimeout is used when Options.Timeout is zero.
const DefaultTimeout = 3 * time.Second

// ErrTimeout is set on results whose reply did not arrive in time.
var ErrTimeout = errors.New("probe timed out")

// Transport sends ICMP messages and receives IPv4 datagrams.
// *icmp.Socket implements it.
type Transport interface {
	Send(pkt []byte, dst netip.Addr) error
	Receive(deadline time.Time) (*icmp.Datagram, error)
	Close() error
}

// Outcome classifies a finished exchange.
type Outcome int

const (
	// OutcomeOK means a matching reply arrived.
	OutcomeOK Outcome = iota
	// OutcomeTimedOut means no matching reply arrived before the timeout.
	OutcomeTimedOut
	// OutcomeSendError means the request could not be sent or the transport failed.
	OutcomeSendError
)

// String returns a human-readable name for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTimedOut:
		return "timeout"
	case OutcomeSendError:
		return "send_error"
	default:
		return "unknown"
	}
}

// Request is an encoded echo request and the identifiers used to match it.
type Request struct {
	ID     uint16
	Seq    uint16
	Packet []byte
}

// Options contains configuration for an exchange.
type Options struct {
	// Timeout bounds the wait for a matching reply (default: 3s)
	Timeout time.Duration

	// Match selects which ICMP messages answer the request
	Match icmp.MatchOptions

	// Tool labels metrics ("ping" or "traceroute")
	Tool string

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = logging.NopLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Result contains the outcome of one exchange.
type Result struct {
	Seq        uint16
	SentAt     time.Time
	ReceivedAt time.Time
	RTT        time.Duration
	Outcome    Outcome

	// Reply is the matching reply; nil unless Outcome is OutcomeOK.
	Reply *icmp.EchoReply

	// Err is ErrTimeout for timeouts and the transport error for send errors.
	Err error
}

// RTTMillis returns the round-trip time in milliseconds. ok is false when no
// reply was received.
func (r Result) RTTMillis() (ms float64, ok bool) {
	if r.Outcome != OutcomeOK {
		return 0, false
	}
	return float64(r.RTT) / float64(time.Millisecond), true
}

// Responder returns the address that answered, or the zero Addr.
func (r Result) Responder() netip.Addr {
	if r.Reply == nil {
		return netip.Addr{}
	}
	return r.Reply.Source
}

// Exchange sends req to dst and waits for the reply that matches it.
// Malformed and unrelated datagrams are discarded and the wait continues
// until the timeout.
func Exchange(t Transport, dst netip.Addr, req Request, opts Options) Result {
	opts = opts.withDefaults()
	logger := opts.Logger.With(logging.KeySeq, req.Seq)

	res := Result{Seq: req.Seq, SentAt: opts.Now()}
	opts.Metrics.RecordProbeSent(opts.Tool)

	if err := t.Send(req.Packet, dst); err != nil {
		res.Outcome = OutcomeSendError
		res.Err = err
		opts.Metrics.RecordSendError(opts.Tool)
		logger.Debug("send failed", logging.KeyError, err)
		return res
	}

	deadline := res.SentAt.Add(opts.Timeout)
	for {
		dg, err := t.Receive(deadline)
		if err != nil {
			if isTimeout(err) {
				res.Outcome = OutcomeTimedOut
				res.Err = ErrTimeout
				opts.Metrics.RecordTimeout(opts.Tool)
				logger.Debug("no reply", logging.KeyDuration, opts.Timeout)
				return res
			}
			res.Outcome = OutcomeSendError
			res.Err = fmt.Errorf("receive reply: %w", err)
			opts.Metrics.RecordSendError(opts.Tool)
			logger.Debug("receive failed", logging.KeyError, err)
			return res
		}

		reply, err := icmp.ParseReply(dg.Data)
		if err != nil {
			opts.Metrics.RecordMalformed(opts.Tool)
			logger.Debug("discarding datagram", logging.KeyAddress, dg.From, logging.KeyError, err)
			continue
		}
		reply.Source = dg.From

		if !reply.Matches(req.ID, req.Seq, opts.Match) {
			opts.Metrics.RecordUnmatched(opts.Tool)
			if logger.Enabled(context.Background(), slog.LevelDebug) {
				logger.Debug("ignoring unrelated ICMP message",
					logging.KeyAddress, dg.From,
					logging.KeyPacket, icmp.Describe(dg.Data))
			}
			continue
		}

		res.Outcome = OutcomeOK
		res.Reply = reply
		res.ReceivedAt = dg.ReceivedAt
		if res.ReceivedAt.IsZero() {
			res.ReceivedAt = opts.Now()
		}
		res.RTT = max(res.ReceivedAt.Sub(res.SentAt), 0)

		opts.Metrics.RecordReply(opts.Tool, icmp.TypeName(reply.Type), res.RTT)
		logger.Debug("reply",
			logging.KeyResponder, reply.Source,
			logging.KeyTTL, reply.TTL,
			logging.KeyRTT, res.RTT)
		return res
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
