package backend

import (
	"context"
	"sync"
	"time"
)

// Sleeper waits between backend calls. Deletes use it for the settle delay the
// backends need between removals; tests inject NoSleep or a RecordingSleeper.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// ContextSleeper sleeps for real and returns early when ctx is done.
type ContextSleeper struct{}

// Sleep blocks for d or until ctx is cancelled.
func (ContextSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NoSleep returns immediately.
type NoSleep struct{}

// Sleep only reports context cancellation.
func (NoSleep) Sleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// RecordingSleeper records requested delays without waiting. An optional
// OnSleep hook lets tests interleave assertions with the caller.
type RecordingSleeper struct {
	mu      sync.Mutex
	delays  []time.Duration
	OnSleep func(d time.Duration)
}

// Sleep records d.
func (s *RecordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	hook := s.OnSleep
	s.mu.Unlock()

	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

// Delays returns a copy of the recorded delays.
func (s *RecordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}
