package transport

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/quartermaster/internal/logger"
)

// RetryPublisher is the slice of the broker the scheduler needs: it
// republishes delayed requests and reports the terminal failure when a
// republish is lost for good.
type RetryPublisher interface {
	PublishRequest(ctx context.Context, env Envelope) error
	PublishFailed(ctx context.Context, correlationID string, failed ResultFailed) error
}

// publishAttempts bounds how often a delayed republish is retried. The
// delivery that scheduled the retry was acked long before the delay elapses,
// so a republish that never lands would leave the requester without any
// result; after the last attempt the correlation id gets a terminal failure
// instead.
const publishAttempts = 3

const publishTimeout = 10 * time.Second

// Scheduler requeues download requests after a fixed delay.
//
// The delay is deliberately constant, not exponential: a requeued request is
// polling for a producer's completion, not backing off from a failing
// upstream, and predictable latency matters more than load shedding here.
// The attempt counter rides the envelope, so the ceiling holds across worker
// restarts without any scheduler-side state.
type Scheduler struct {
	delay       time.Duration
	maxAttempts int
	publisher   RetryPublisher

	mu      sync.Mutex
	closed  bool
	quit    chan struct{}
	pending sync.WaitGroup
}

// NewScheduler creates a Scheduler with the given fixed delay and attempt
// ceiling.
func NewScheduler(publisher RetryPublisher, delay time.Duration, maxAttempts int) *Scheduler {
	return &Scheduler{
		delay:       delay,
		maxAttempts: maxAttempts,
		publisher:   publisher,
		quit:        make(chan struct{}),
	}
}

// ScheduleRetry requeues req with its attempt counter bumped, after the
// configured delay. It returns false without scheduling when the next attempt
// would exceed the ceiling; the caller must then report a terminal failure.
func (s *Scheduler) ScheduleRetry(ctx context.Context, correlationID string, req DownloadRequest) (bool, error) {
	next := req
	next.Attempt++
	if next.Attempt >= s.maxAttempts {
		return false, nil
	}

	env, err := NewEnvelope(TypeDownloadRequested, correlationID, next)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, context.Canceled
	}
	s.pending.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.pending.Done()

		timer := time.NewTimer(s.delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-s.quit:
			return
		case <-ctx.Done():
			return
		}

		s.republish(env, next)
	}()

	return true, nil
}

// republish delivers env to the request queue, retrying failed publishes up
// to publishAttempts with the scheduler's delay between them. When the last
// attempt fails too, the correlation id receives a result.failed so the
// request never vanishes without an answer.
func (s *Scheduler) republish(env Envelope, req DownloadRequest) {
	var lastErr error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(s.delay)
			select {
			case <-timer.C:
			case <-s.quit:
				timer.Stop()
				return
			}
			timer.Stop()
		}

		// Publish with a fresh context: the delivery that scheduled this
		// retry has long been acked by now.
		pubCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		lastErr = s.publisher.PublishRequest(pubCtx, env)
		cancel()
		if lastErr == nil {
			return
		}
		logger.Warn("failed to republish request",
			"correlation_id", env.CorrelationID,
			"attempt", attempt+1,
			"error", lastErr.Error())
	}

	logger.Error("republish exhausted, reporting terminal failure",
		"correlation_id", env.CorrelationID,
		"error", lastErr.Error())

	pubCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.publisher.PublishFailed(pubCtx, env.CorrelationID, ResultFailed{
		Locator: req.Locator,
		Intent:  req.Intent,
		Error: FailureCause{
			Code:    FailureCodeRequeueFailed,
			Message: "failed to requeue request: " + lastErr.Error(),
		},
	}); err != nil {
		logger.Error("failed to report requeue failure",
			"correlation_id", env.CorrelationID,
			"error", err.Error())
	}
}

// Stop cancels pending retries and waits for their goroutines to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.quit)
	}
	s.mu.Unlock()
	s.pending.Wait()
}
