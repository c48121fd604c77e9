package netstate

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Chichichkin/TelemetryAgent/internal/logging"
)

type call struct {
	cancel context.CancelFunc
	paused bool
}

// Sender holds calls while the network is down. In-flight calls are
// cancelled on disconnect and issued again once the network is back; the
// interrupted attempt's result is discarded.
type Sender struct {
	next    logging.Sender
	monitor *Monitor
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[*call]struct{}

	unsubscribe func()
}

func NewSender(next logging.Sender, monitor *Monitor, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sender{
		next:    next,
		monitor: monitor,
		logger:  logger,
		pending: make(map[*call]struct{}),
	}
	s.unsubscribe = monitor.Subscribe(s.onNetworkStateChanged)
	return s
}

func (s *Sender) SendBatch(ctx context.Context, batch []logging.Record) error {
	for {
		if err := s.monitor.WaitConnected(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithCancel(ctx)
		c := &call{cancel: cancel}
		s.mu.Lock()
		s.pending[c] = struct{}{}
		if !s.monitor.IsConnected() {
			c.paused = true
			cancel()
		}
		s.mu.Unlock()

		err := s.next.SendBatch(callCtx, batch)
		cancel()

		if s.resolve(c) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("call paused by network loss, waiting to reissue", "records", len(batch))
	}
}

// resolve removes c from the pending set. It reports whether the result of
// c is the outcome of the call; a paused call's result is discarded.
func (s *Sender) resolve(c *call) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[c]; !ok {
		return false
	}
	delete(s.pending, c)
	return !c.paused
}

func (s *Sender) onNetworkStateChanged(connected bool) {
	if connected {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.pending {
		if !c.paused {
			c.paused = true
			c.cancel()
		}
	}
	if len(s.pending) > 0 {
		s.logger.Info("network down, paused in-flight calls", "calls", len(s.pending))
	}
}

// Pending returns the number of calls currently tracked.
func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Sender) Close() {
	s.unsubscribe()
}
