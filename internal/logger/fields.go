package logger

import (
	"log/slog"
	"time"
)

// Field keys used across the codebase. Keeping them here makes log output
// greppable and avoids drift between packages.
const (
	KeyCorrelationID = "correlation_id"
	KeyContentKey    = "content_key"
	KeyLocator       = "locator"
	KeyIntent        = "intent"
	KeyAttempt       = "attempt"
	KeyOutcome       = "outcome"
	KeyQueue         = "queue"
	KeyBucket        = "bucket"
	KeyObjectKey     = "object_key"
	KeyPath          = "path"
	KeySize          = "size"
	KeyDurationMS    = "duration_ms"
	KeyError         = "error"
)

// CorrelationID returns a correlation identifier attribute.
func CorrelationID(id string) slog.Attr {
	return slog.String(KeyCorrelationID, id)
}

// ContentKey returns a content key attribute.
func ContentKey(key string) slog.Attr {
	return slog.String(KeyContentKey, key)
}

// Locator returns a locator attribute.
func Locator(locator string) slog.Attr {
	return slog.String(KeyLocator, locator)
}

// Intent returns an intent attribute.
func Intent(intent string) slog.Attr {
	return slog.String(KeyIntent, intent)
}

// Attempt returns an attempt counter attribute.
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// Outcome returns a request outcome attribute.
func Outcome(outcome string) slog.Attr {
	return slog.String(KeyOutcome, outcome)
}

// ObjectKey returns an object store key attribute.
func ObjectKey(key string) slog.Attr {
	return slog.String(KeyObjectKey, key)
}

// Err returns an error attribute, tolerating nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "<nil>")
	}
	return slog.String(KeyError, err.Error())
}

// DurationMS returns elapsed milliseconds since start as an attribute.
func DurationMS(start time.Time) slog.Attr {
	return slog.Float64(KeyDurationMS, Duration(start))
}
