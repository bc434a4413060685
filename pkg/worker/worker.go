// Package worker runs the consume loop that feeds the coordinator.
//
// The worker owns the message-safety rules: malformed events are
// dead-lettered and acked (never requeued, never crash the loop), handled
// events are acked whatever their outcome, and only infrastructure errors
// cause a nack-with-requeue so another worker can pick the request up.
package worker

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/marmos91/quartermaster/internal/logger"
	"github.com/marmos91/quartermaster/pkg/contentkey"
	"github.com/marmos91/quartermaster/pkg/coordinator"
	"github.com/marmos91/quartermaster/pkg/transport"
)

// Handler resolves one request. Implemented by coordinator.Coordinator.
type Handler interface {
	Handle(ctx context.Context, req coordinator.Request) (coordinator.Outcome, error)
}

// Source delivers raw messages and accepts rejected ones.
type Source interface {
	Consume(ctx context.Context) (<-chan amqp.Delivery, error)
	PublishDeadLetter(ctx context.Context, body []byte, reason string) error
}

// Worker consumes download requests and drives the coordinator.
type Worker struct {
	source      Source
	handler     Handler
	concurrency int
}

// New creates a Worker with the given parallelism (minimum 1).
func New(source Source, handler Handler, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{source: source, handler: handler, concurrency: concurrency}
}

// Run consumes until ctx is cancelled or the delivery channel closes. It
// returns after all in-flight handlers have finished.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.source.Consume(ctx)
	if err != nil {
		return err
	}

	logger.Info("worker consuming", "concurrency", w.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for delivery := range deliveries {
				w.handleDelivery(ctx, delivery)
			}
		}()
	}
	wg.Wait()
	return nil
}

// handleDelivery processes one raw message end to end, including its ack.
func (w *Worker) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	env, err := transport.Decode(delivery.Body)
	if err != nil {
		w.reject(ctx, delivery, err)
		return
	}

	req, err := env.DecodeDownloadRequest()
	if err != nil {
		w.reject(ctx, delivery, err)
		return
	}

	// Every log line below carries the request's identity from the context.
	ctx = logger.NewRequestContext(ctx, env.CorrelationID, "", req.Intent, req.Attempt)

	outcome, err := w.handler.Handle(ctx, coordinator.Request{
		Locator:       req.Locator,
		Intent:        contentkey.Intent(req.Intent),
		Attempt:       req.Attempt,
		CorrelationID: env.CorrelationID,
	})
	if err != nil {
		// Infrastructure trouble: leave the message to another worker.
		logger.ErrorCtx(ctx, "request handling failed, requeueing delivery", logger.Err(err))
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			logger.ErrorCtx(ctx, "failed to nack delivery", logger.Err(nackErr))
		}
		return
	}

	logger.DebugCtx(ctx, "request handled", logger.Outcome(string(outcome)))
	if ackErr := delivery.Ack(false); ackErr != nil {
		logger.ErrorCtx(ctx, "failed to ack delivery", logger.Err(ackErr))
	}
}

// reject routes a malformed message to the dead-letter queue and acks it so
// the broker never redelivers it.
func (w *Worker) reject(ctx context.Context, delivery amqp.Delivery, cause error) {
	if !errors.Is(cause, transport.ErrMalformed) {
		logger.Error("unexpected decode error", logger.Err(cause))
	}
	logger.Warn("dead-lettering malformed event", logger.Err(cause))

	if err := w.source.PublishDeadLetter(ctx, delivery.Body, cause.Error()); err != nil {
		// Keep the message in the broker rather than dropping it silently.
		logger.Error("failed to dead-letter event", logger.Err(err))
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			logger.Error("failed to nack delivery", logger.Err(nackErr))
		}
		return
	}
	if err := delivery.Ack(false); err != nil {
		logger.Error("failed to ack dead-lettered delivery", logger.Err(err))
	}
}
