// Package coordinator implements the dedup decision logic for download
// requests.
//
// For each request the coordinator derives the content key, then walks the
// fast paths in order: a reference-cache hit answers immediately; otherwise
// it races for the interest lock. The winner produces (fetch, upload, cache
// the reference); losers requeue and poll. Crashed producers are healed by
// the lock's TTL, so a key can never be blocked forever.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/quartermaster/internal/logger"
	"github.com/marmos91/quartermaster/pkg/contentkey"
	"github.com/marmos91/quartermaster/pkg/diskcache"
	"github.com/marmos91/quartermaster/pkg/fetch"
	"github.com/marmos91/quartermaster/pkg/interest"
	"github.com/marmos91/quartermaster/pkg/objectstore"
	"github.com/marmos91/quartermaster/pkg/refcache"
	"github.com/marmos91/quartermaster/pkg/transport"
)

// Request is one download request as seen by the coordinator.
type Request struct {
	Locator       string
	Intent        contentkey.Intent
	Attempt       int
	CorrelationID string
}

// Outcome classifies how a request was resolved.
type Outcome string

const (
	// OutcomeCacheHit means a live reference answered the request.
	OutcomeCacheHit Outcome = "cache_hit"

	// OutcomeProduced means this request won the lock and produced the content.
	OutcomeProduced Outcome = "produced"

	// OutcomeRequeued means the request was rescheduled to poll again.
	OutcomeRequeued Outcome = "requeued"

	// OutcomeFailed means a terminal failure was reported.
	OutcomeFailed Outcome = "failed"

	// OutcomeRejected means the request itself was invalid.
	OutcomeRejected Outcome = "rejected"
)

// ReferenceCache answers with previously produced references.
type ReferenceCache interface {
	Lookup(ctx context.Context, key string) (refcache.RemoteReference, bool, error)
	Store(ctx context.Context, key string, ref refcache.RemoteReference) error
	Invalidate(ctx context.Context, key string) error
}

// InterestLock elects one producer per content key.
type InterestLock interface {
	TryAcquire(ctx context.Context, key, token string) (bool, error)
	Release(ctx context.Context, key, token string) error
	StartHeartbeat(ctx context.Context, key, token string) (stop func())
}

// DiskCache stages fetched files locally.
type DiskCache interface {
	GetOrFetch(ctx context.Context, key string, fetch diskcache.FetchFunc) (path string, release func(), err error)
}

// ObjectStore is the durable home of produced content.
type ObjectStore interface {
	Upload(ctx context.Context, objectKey, localPath string) error
	Exists(ctx context.Context, objectKey string) (bool, error)
	Presign(ctx context.Context, objectKey string) (url string, expiresAt time.Time, err error)
	Bucket() string
}

// ResultSink receives the terminal answer for a correlation id.
type ResultSink interface {
	PublishReady(ctx context.Context, correlationID string, ready transport.ResultReady) error
	PublishFailed(ctx context.Context, correlationID string, failed transport.ResultFailed) error
}

// RetryScheduler requeues a request after the polling delay. It returns
// false when the attempt ceiling is reached.
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, correlationID string, req transport.DownloadRequest) (bool, error)
}

// Metrics collects coordinator telemetry. A nil Metrics disables collection.
type Metrics interface {
	// ObserveRequest records a handled request with its outcome and duration.
	ObserveRequest(outcome string, duration time.Duration)

	// ObserveFetch records a producer fetch with its outcome.
	ObserveFetch(duration time.Duration, err error)

	// RecordStaleReference counts cache hits downgraded to misses because
	// the underlying object was gone.
	RecordStaleReference()
}

// Coordinator wires the dedup primitives together.
type Coordinator struct {
	refs    ReferenceCache
	lock    InterestLock
	disk    DiskCache
	fetcher fetch.Fetcher
	objects ObjectStore
	results ResultSink
	retries RetryScheduler
	metrics Metrics
}

// New creates a Coordinator. All collaborators are required except metrics,
// which may be nil.
func New(refs ReferenceCache, lock InterestLock, disk DiskCache, fetcher fetch.Fetcher, objects ObjectStore, results ResultSink, retries RetryScheduler, metrics Metrics) *Coordinator {
	return &Coordinator{
		refs:    refs,
		lock:    lock,
		disk:    disk,
		fetcher: fetcher,
		objects: objects,
		results: results,
		retries: retries,
		metrics: metrics,
	}
}

// Handle resolves one request. A non-nil error means infrastructure trouble
// (store or broker unreachable); the caller should redeliver the request.
// Request-level problems never return an error, they resolve to a terminal
// outcome instead.
func (c *Coordinator) Handle(ctx context.Context, req Request) (outcome Outcome, err error) {
	start := time.Now()
	defer func() {
		if c.metrics != nil && err == nil {
			c.metrics.ObserveRequest(string(outcome), time.Since(start))
		}
	}()

	ctx = logger.NewRequestContext(ctx, req.CorrelationID, "", string(req.Intent), req.Attempt)

	key, derr := contentkey.Derive(req.Locator, req.Intent)
	if derr != nil {
		logger.WarnCtx(ctx, "rejecting malformed request",
			logger.Locator(req.Locator), logger.Err(derr))
		if perr := c.publishFailed(ctx, req, "", transport.FailureCodeMalformed, derr.Error()); perr != nil {
			return "", perr
		}
		return OutcomeRejected, nil
	}

	// From here on the content key is known; rebind it into the log context.
	ctx = logger.NewRequestContext(ctx, req.CorrelationID, string(key), string(req.Intent), req.Attempt)

	// Fast path: an existing reference answers without any coordination.
	ref, hit, err := c.lookupLive(ctx, string(key))
	if err != nil {
		return "", err
	}
	if hit {
		if err := c.publishReady(ctx, req, string(key), ref); err != nil {
			return "", err
		}
		return OutcomeCacheHit, nil
	}

	token := interest.NewToken()
	acquired, err := c.lock.TryAcquire(ctx, string(key), token)
	if err != nil {
		return "", err
	}
	if !acquired {
		// Someone else is producing this key. Requeue and poll: the next
		// delivery of this request will hit the reference cache once the
		// producer finishes.
		return c.requeue(ctx, req, string(key))
	}

	return c.produce(ctx, req, string(key), token)
}

// lookupLive returns a cached reference only when the object behind it still
// exists. A stale reference is invalidated and treated as a miss.
func (c *Coordinator) lookupLive(ctx context.Context, key string) (refcache.RemoteReference, bool, error) {
	ref, hit, err := c.refs.Lookup(ctx, key)
	if err != nil {
		return refcache.RemoteReference{}, false, err
	}
	if !hit {
		return refcache.RemoteReference{}, false, nil
	}

	exists, err := c.objects.Exists(ctx, ref.ObjectKey)
	if err != nil {
		return refcache.RemoteReference{}, false, err
	}
	if !exists {
		logger.WarnCtx(ctx, "cached reference points at a missing object",
			logger.ObjectKey(ref.ObjectKey))
		if c.metrics != nil {
			c.metrics.RecordStaleReference()
		}
		if err := c.refs.Invalidate(ctx, key); err != nil {
			return refcache.RemoteReference{}, false, err
		}
		return refcache.RemoteReference{}, false, nil
	}

	return ref, true, nil
}

// produce is the winner's path: fetch into the disk cache, upload, cache the
// reference, release the lock, then report. The lock is always released
// before any result is published, so a requeued requester observing the free
// lock also observes the cached reference.
func (c *Coordinator) produce(ctx context.Context, req Request, key, token string) (Outcome, error) {
	logger.InfoCtx(ctx, "producing content")

	// Another producer may have finished between our lookup and our
	// acquisition; its reference makes the fetch unnecessary.
	ref, hit, err := c.lookupLive(ctx, key)
	if err != nil {
		c.releaseLock(ctx, key, token)
		return "", err
	}
	if hit {
		c.releaseLock(ctx, key, token)
		if err := c.publishReady(ctx, req, key, ref); err != nil {
			return "", err
		}
		return OutcomeCacheHit, nil
	}

	stopHeartbeat := c.lock.StartHeartbeat(ctx, key, token)

	fetchStart := time.Now()
	path, releaseEntry, ferr := c.disk.GetOrFetch(ctx, key, func(ctx context.Context, dest string) error {
		return c.fetcher.Fetch(ctx, req.Locator, req.Intent, dest)
	})
	if c.metrics != nil {
		c.metrics.ObserveFetch(time.Since(fetchStart), ferr)
	}
	if ferr != nil {
		stopHeartbeat()
		c.releaseLock(ctx, key, token)
		logger.WarnCtx(ctx, "fetch failed", logger.Err(ferr))
		return c.retryOrFail(ctx, req, key, transport.FailureCodeFetchFailed, ferr)
	}
	defer releaseEntry()

	objectKey := objectstore.ObjectKey(string(req.Intent), key, fetch.ExtForIntent(req.Intent))
	if uerr := c.objects.Upload(ctx, objectKey, path); uerr != nil {
		stopHeartbeat()
		c.releaseLock(ctx, key, token)
		logger.WarnCtx(ctx, "upload failed",
			logger.ObjectKey(objectKey), logger.Err(uerr))
		return c.retryOrFail(ctx, req, key, transport.FailureCodeUploadFailed, uerr)
	}

	url, expiresAt, perr := c.objects.Presign(ctx, objectKey)
	if perr != nil {
		stopHeartbeat()
		c.releaseLock(ctx, key, token)
		return "", perr
	}

	ref = refcache.RemoteReference{
		URL:       url,
		Bucket:    c.objects.Bucket(),
		ObjectKey: objectKey,
		ExpiresAt: expiresAt,
	}
	if serr := c.refs.Store(ctx, key, ref); serr != nil {
		stopHeartbeat()
		c.releaseLock(ctx, key, token)
		return "", serr
	}

	stopHeartbeat()
	c.releaseLock(ctx, key, token)

	if err := c.publishReady(ctx, req, key, ref); err != nil {
		return "", err
	}

	logger.InfoCtx(ctx, "content produced", logger.ObjectKey(objectKey))
	return OutcomeProduced, nil
}

// requeue reschedules the request or, past the attempt ceiling, reports the
// one terminal failure for its correlation id.
func (c *Coordinator) requeue(ctx context.Context, req Request, key string) (Outcome, error) {
	scheduled, err := c.retries.ScheduleRetry(ctx, req.CorrelationID, transport.DownloadRequest{
		Locator: req.Locator,
		Intent:  string(req.Intent),
		Attempt: req.Attempt,
	})
	if err != nil {
		return "", err
	}
	if scheduled {
		logger.DebugCtx(ctx, "requeued behind active producer")
		return OutcomeRequeued, nil
	}

	logger.WarnCtx(ctx, "attempt ceiling reached")
	if err := c.publishFailed(ctx, req, key, transport.FailureCodeAttemptsExhausted,
		fmt.Sprintf("gave up after %d attempts", req.Attempt+1)); err != nil {
		return "", err
	}
	return OutcomeFailed, nil
}

// retryOrFail handles a producer-side error: requeue when attempts remain,
// otherwise report the terminal failure with the producer's error code.
func (c *Coordinator) retryOrFail(ctx context.Context, req Request, key, code string, cause error) (Outcome, error) {
	scheduled, err := c.retries.ScheduleRetry(ctx, req.CorrelationID, transport.DownloadRequest{
		Locator: req.Locator,
		Intent:  string(req.Intent),
		Attempt: req.Attempt,
	})
	if err != nil {
		return "", err
	}
	if scheduled {
		return OutcomeRequeued, nil
	}
	if err := c.publishFailed(ctx, req, key, code, cause.Error()); err != nil {
		return "", err
	}
	return OutcomeFailed, nil
}

// releaseLock frees the lock, tolerating expiry. A lock that timed out under
// us was already healed; that is not an error worth surfacing.
func (c *Coordinator) releaseLock(ctx context.Context, key, token string) {
	if err := c.lock.Release(ctx, key, token); err != nil && !errors.Is(err, interest.ErrNotHeld) {
		logger.ErrorCtx(ctx, "failed to release interest lock", logger.Err(err))
	}
}

func (c *Coordinator) publishReady(ctx context.Context, req Request, key string, ref refcache.RemoteReference) error {
	return c.results.PublishReady(ctx, req.CorrelationID, transport.ResultReady{
		ContentKey: key,
		Reference:  ref,
	})
}

func (c *Coordinator) publishFailed(ctx context.Context, req Request, key, code, message string) error {
	return c.results.PublishFailed(ctx, req.CorrelationID, transport.ResultFailed{
		ContentKey: key,
		Locator:    req.Locator,
		Intent:     string(req.Intent),
		Error: transport.FailureCause{
			Code:    code,
			Message: message,
		},
	})
}
