package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/quartermaster/pkg/coordinator"
	"github.com/marmos91/quartermaster/pkg/transport"
)

// fakeAcknowledger records the ack decision for a delivery.
type fakeAcknowledger struct {
	mu      sync.Mutex
	acked   bool
	nacked  bool
	requeue bool
}

func (a *fakeAcknowledger) Ack(_ uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = true
	return nil
}

func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = true
	a.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	return a.Nack(0, false, requeue)
}

// fakeSource records dead letters.
type fakeSource struct {
	mu          sync.Mutex
	deadLetters [][]byte
	reasons     []string
}

func (s *fakeSource) Consume(_ context.Context) (<-chan amqp.Delivery, error) {
	ch := make(chan amqp.Delivery)
	close(ch)
	return ch, nil
}

func (s *fakeSource) PublishDeadLetter(_ context.Context, body []byte, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, body)
	s.reasons = append(s.reasons, reason)
	return nil
}

// fakeHandler records requests and returns a configured result.
type fakeHandler struct {
	mu       sync.Mutex
	requests []coordinator.Request
	outcome  coordinator.Outcome
	err      error
}

func (h *fakeHandler) Handle(_ context.Context, req coordinator.Request) (coordinator.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, req)
	return h.outcome, h.err
}

func delivery(body []byte) (amqp.Delivery, *fakeAcknowledger) {
	ack := &fakeAcknowledger{}
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body}, ack
}

func validBody(t *testing.T) []byte {
	t.Helper()
	env, err := transport.NewEnvelope(transport.TypeDownloadRequested, "corr-1", transport.DownloadRequest{
		Locator: "https://example.com/watch?v=abc",
		Intent:  "audio",
		Attempt: 2,
	})
	require.NoError(t, err)
	body, err := env.Encode()
	require.NoError(t, err)
	return body
}

func TestHandleDelivery_ValidRequest(t *testing.T) {
	source := &fakeSource{}
	handler := &fakeHandler{outcome: coordinator.OutcomeProduced}
	w := New(source, handler, 1)

	d, ack := delivery(validBody(t))
	w.handleDelivery(context.Background(), d)

	require.Len(t, handler.requests, 1)
	req := handler.requests[0]
	assert.Equal(t, "https://example.com/watch?v=abc", req.Locator)
	assert.Equal(t, "audio", string(req.Intent))
	assert.Equal(t, 2, req.Attempt)
	assert.Equal(t, "corr-1", req.CorrelationID)

	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
	assert.Empty(t, source.deadLetters)
}

func TestHandleDelivery_MalformedIsDeadLetteredNotRequeued(t *testing.T) {
	source := &fakeSource{}
	handler := &fakeHandler{}
	w := New(source, handler, 1)

	bodies := [][]byte{
		[]byte(`{{{not json`),
		[]byte(`{"type":"bogus","version":1,"correlation_id":"c","payload":{}}`),
		[]byte(`{"type":"download.requested","version":1,"correlation_id":"c","payload":{"intent":"audio"}}`),
	}
	for _, body := range bodies {
		d, ack := delivery(body)
		w.handleDelivery(context.Background(), d)

		assert.True(t, ack.acked, "malformed event must be acked")
		assert.False(t, ack.nacked, "malformed event must never be requeued")
	}

	assert.Empty(t, handler.requests, "malformed events never reach the handler")
	require.Len(t, source.deadLetters, len(bodies))
	for _, reason := range source.reasons {
		assert.NotEmpty(t, reason)
	}
}

func TestHandleDelivery_InfrastructureErrorRequeues(t *testing.T) {
	source := &fakeSource{}
	handler := &fakeHandler{err: fmt.Errorf("redis unreachable")}
	w := New(source, handler, 1)

	d, ack := delivery(validBody(t))
	w.handleDelivery(context.Background(), d)

	assert.False(t, ack.acked)
	assert.True(t, ack.nacked)
	assert.True(t, ack.requeue, "infrastructure errors must requeue the delivery")
	assert.Empty(t, source.deadLetters)
}

func TestRun_DrainsAndReturns(t *testing.T) {
	source := &fakeSource{}
	handler := &fakeHandler{outcome: coordinator.OutcomeCacheHit}
	w := New(source, handler, 4)

	// Consume returns a closed channel; Run must exit promptly.
	err := w.Run(context.Background())
	require.NoError(t, err)
}
