// Package transport defines the wire events and the broker they travel over.
//
// Every message is an Envelope: a typed, versioned wrapper whose payload is
// decoded only after the envelope itself validates. Malformed events are
// rejected at the edge and routed to the dead-letter queue; they never reach
// the coordinator.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/quartermaster/pkg/refcache"
)

// SchemaVersion is the envelope version this build understands.
const SchemaVersion = 1

// Event types.
const (
	TypeDownloadRequested = "download.requested"
	TypeResultReady       = "result.ready"
	TypeResultFailed      = "result.failed"
)

// ErrMalformed marks events that fail envelope or payload validation. The
// worker routes these to the dead-letter queue without retrying.
var ErrMalformed = errors.New("malformed event")

// Envelope is the wrapper around every event on the wire.
type Envelope struct {
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// DownloadRequest asks for content identified by a locator and an intent.
// Attempt counts requeues for this correlation id, starting at zero.
type DownloadRequest struct {
	Locator string `json:"locator"`
	Intent  string `json:"intent"`
	Attempt int    `json:"attempt"`
}

// ResultReady reports a completed download with its remote reference.
type ResultReady struct {
	ContentKey string                   `json:"content_key"`
	Reference  refcache.RemoteReference `json:"reference"`
}

// ResultFailed reports a terminal failure for a correlation id. Emitted
// exactly once per request, after the attempt ceiling is exhausted or on a
// permanent error.
type ResultFailed struct {
	ContentKey string       `json:"content_key,omitempty"`
	Locator    string       `json:"locator"`
	Intent     string       `json:"intent"`
	Error      FailureCause `json:"error"`
}

// FailureCause describes why a request failed.
type FailureCause struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Failure codes carried in ResultFailed.
const (
	FailureCodeMalformed         = "malformed_request"
	FailureCodeFetchFailed       = "fetch_failed"
	FailureCodeUploadFailed      = "upload_failed"
	FailureCodeAttemptsExhausted = "attempts_exhausted"
	FailureCodeRequeueFailed     = "requeue_failed"
)

// NewEnvelope wraps payload in a stamped envelope of the given type.
func NewEnvelope(eventType, correlationID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	return Envelope{
		Type:          eventType,
		Version:       SchemaVersion,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Payload:       raw,
	}, nil
}

// Encode serializes the envelope for publishing.
func (e Envelope) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return raw, nil
}

// Decode parses and validates an envelope from the wire. Any validation
// failure wraps ErrMalformed.
func Decode(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := e.validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func (e Envelope) validate() error {
	switch e.Type {
	case TypeDownloadRequested, TypeResultReady, TypeResultFailed:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, e.Type)
	}
	if e.Version != SchemaVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrMalformed, e.Version)
	}
	if e.CorrelationID == "" {
		return fmt.Errorf("%w: missing correlation_id", ErrMalformed)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", ErrMalformed)
	}
	return nil
}

// DecodeDownloadRequest extracts and validates the request payload. The
// envelope must be of type download.requested.
func (e Envelope) DecodeDownloadRequest() (DownloadRequest, error) {
	if e.Type != TypeDownloadRequested {
		return DownloadRequest{}, fmt.Errorf("%w: %s envelope carries no download request", ErrMalformed, e.Type)
	}
	var req DownloadRequest
	if err := json.Unmarshal(e.Payload, &req); err != nil {
		return DownloadRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if req.Locator == "" {
		return DownloadRequest{}, fmt.Errorf("%w: missing locator", ErrMalformed)
	}
	if req.Intent == "" {
		return DownloadRequest{}, fmt.Errorf("%w: missing intent", ErrMalformed)
	}
	if req.Attempt < 0 {
		return DownloadRequest{}, fmt.Errorf("%w: negative attempt", ErrMalformed)
	}
	return req, nil
}
