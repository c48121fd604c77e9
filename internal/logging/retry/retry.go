package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"regexp"
	"syscall"
	"time"

	"github.com/Chichichkin/TelemetryAgent/internal/logging"
	"github.com/Chichichkin/TelemetryAgent/internal/logging/ingestion"
)

type Class int

const (
	Retryable Class = iota
	Fatal
)

// DefaultIntervals is the retry schedule: one entry per retry attempt.
var DefaultIntervals = []time.Duration{
	10 * time.Second,
	5 * time.Minute,
	20 * time.Minute,
}

type Options struct {
	Intervals []time.Duration

	// Random returns a uniform value in [0, n). Defaults to math/rand/v2.
	Random func(n int64) int64

	// OnRetry is optional hook for logging/metrics.
	OnRetry func(attempt int, wait time.Duration, err error)

	Logger *slog.Logger
}

// Sender retries recoverable failures of the wrapped sender on a fixed
// schedule, then returns the last error.
type Sender struct {
	next      logging.Sender
	intervals []time.Duration
	random    func(n int64) int64
	onRetry   func(attempt int, wait time.Duration, err error)
	logger    *slog.Logger
}

func New(next logging.Sender, opts Options) *Sender {
	s := &Sender{
		next:      next,
		intervals: opts.Intervals,
		random:    opts.Random,
		onRetry:   opts.OnRetry,
		logger:    opts.Logger,
	}
	if s.intervals == nil {
		s.intervals = DefaultIntervals
	}
	if s.random == nil {
		s.random = rand.Int64N
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Sender) SendBatch(ctx context.Context, batch []logging.Record) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.next.SendBatch(ctx, batch)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if Classify(err) == Fatal {
			return err
		}
		if attempt >= len(s.intervals) {
			s.logger.Warn("retries exhausted", "attempts", attempt+1, "error", err)
			return err
		}

		wait := s.Delay(attempt, err)
		s.logger.Warn("recoverable send failure, will retry",
			"attempt", attempt+1,
			"wait", wait,
			"error", err,
		)
		if s.onRetry != nil {
			s.onRetry(attempt+1, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Delay returns the wait before retry number attempt (0-based). A
// server-provided retry-after is used verbatim; otherwise the scheduled
// interval is halved and a random jitter up to that half is added back.
func (s *Sender) Delay(attempt int, err error) time.Duration {
	var httpErr *ingestion.HTTPError
	if errors.As(err, &httpErr) {
		if d, ok := httpErr.RetryAfter(); ok {
			return d
		}
	}
	if attempt >= len(s.intervals) {
		attempt = len(s.intervals) - 1
	}
	half := s.intervals[attempt] / 2
	if half <= 0 {
		return s.intervals[attempt]
	}
	return half + time.Duration(s.random(int64(half)+1))
}

var connectionMessage = regexp.MustCompile(`connection (time|reset|abort)`)

// IsRecoverable reports whether err is transient and worth retrying.
func IsRecoverable(err error) bool {
	return Classify(err) == Retryable
}

func Classify(err error) Class {
	if err == nil || errors.Is(err, context.Canceled) {
		return Fatal
	}

	var httpErr *ingestion.HTTPError
	if errors.As(err, &httpErr) {
		code := httpErr.StatusCode
		if code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
			return Retryable
		}
		return Fatal
	}

	if errors.Is(err, ingestion.ErrQueueFull) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return Retryable
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Retryable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable
	}

	if connectionMessage.MatchString(err.Error()) {
		return Retryable
	}
	return Fatal
}
