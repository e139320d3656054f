package backoff

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// ErrMaxAttempts is reported when the scheduler refuses to arm another retry.
var ErrMaxAttempts = errors.New("max reconnect attempts reached")

// Scheduler computes reconnection delays and arms one-shot retry timers.
//
// Delays grow exponentially from BaseDelay up to MaxDelay and are widened by
// ±20% uniform jitter so that many clients disconnected by the same outage do
// not reconnect in lockstep.
type Scheduler struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int
	logger      *slog.Logger

	mu       sync.Mutex
	attempts int
	timer    *time.Timer
}

// NewScheduler creates a reconnection scheduler.
func NewScheduler(base, max time.Duration, maxAttempts int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		base:        base,
		max:         max,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// ComputeDelay returns the jittered delay for the given attempt number
// (0-based): min(max, base * 2^attempt), widened by ±20%.
func (s *Scheduler) ComputeDelay(attempt int) time.Duration {
	raw := s.RawDelay(attempt)
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(raw) * jitter)
}

// RawDelay returns the unjittered delay for the given attempt number.
func (s *Scheduler) RawDelay(attempt int) time.Duration {
	delay := s.base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= s.max {
			return s.max
		}
	}
	if delay > s.max {
		return s.max
	}
	return delay
}

// ScheduleNext arms a one-shot timer that invokes fn after the next backoff
// delay, incrementing the attempt counter. It returns the armed delay, or
// ErrMaxAttempts without arming anything once the attempt budget is spent.
func (s *Scheduler) ScheduleNext(fn func()) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attempts >= s.maxAttempts {
		return 0, ErrMaxAttempts
	}

	delay := s.ComputeDelay(s.attempts)
	s.attempts++

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, fn)

	s.logger.Debug("reconnect scheduled",
		"attempt", s.attempts,
		"delay", delay,
	)

	return delay, nil
}

// Attempts returns the number of retries scheduled since the last reset.
func (s *Scheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Reset clears the attempt counter. Called on successful connection and on
// explicit re-initialization.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = 0
}

// Cancel stops any pending retry timer without touching the attempt counter.
// A cancelled timer never fires.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
