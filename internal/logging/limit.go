package logging

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// LimitedSender bounds the number of concurrent calls to the wrapped
// sender. Placed directly above the transport, it limits network attempts
// only; callers waiting on a retry delay or on connectivity hold no slot.
type LimitedSender struct {
	next  Sender
	slots *semaphore.Weighted
}

func NewLimitedSender(next Sender, limit int64) *LimitedSender {
	if limit < 1 {
		limit = 1
	}
	return &LimitedSender{
		next:  next,
		slots: semaphore.NewWeighted(limit),
	}
}

func (s *LimitedSender) SendBatch(ctx context.Context, batch []Record) error {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.slots.Release(1)
	return s.next.SendBatch(ctx, batch)
}
