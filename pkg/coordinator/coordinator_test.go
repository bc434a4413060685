package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/quartermaster/internal/logger"
	"github.com/marmos91/quartermaster/pkg/contentkey"
	"github.com/marmos91/quartermaster/pkg/coordination"
	"github.com/marmos91/quartermaster/pkg/diskcache"
	"github.com/marmos91/quartermaster/pkg/interest"
	"github.com/marmos91/quartermaster/pkg/refcache"
	"github.com/marmos91/quartermaster/pkg/transport"
)

// fakeFetcher writes fixed bytes and counts invocations.
type fakeFetcher struct {
	mu      sync.Mutex
	fetches int
	fail    bool
}

func (f *fakeFetcher) Fetch(_ context.Context, locator string, _ contentkey.Intent, dest string) error {
	f.mu.Lock()
	f.fetches++
	fail := f.fail
	f.mu.Unlock()

	if fail {
		return fmt.Errorf("upstream refused %s", locator)
	}
	return os.WriteFile(dest, []byte("media-bytes"), 0o644)
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// fakeObjects is an in-memory object store.
type fakeObjects struct {
	mu       sync.Mutex
	objects  map[string]bool
	uploads  int
	failNext bool
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string]bool{}}
}

func (o *fakeObjects) Upload(_ context.Context, objectKey, localPath string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failNext {
		o.failNext = false
		return fmt.Errorf("bucket unavailable")
	}
	if _, err := os.Stat(localPath); err != nil {
		return fmt.Errorf("local file missing: %w", err)
	}
	if !o.objects[objectKey] {
		o.objects[objectKey] = true
		o.uploads++
	}
	return nil
}

func (o *fakeObjects) Exists(_ context.Context, objectKey string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.objects[objectKey], nil
}

func (o *fakeObjects) Presign(_ context.Context, objectKey string) (string, time.Time, error) {
	return "https://store.example.com/" + objectKey + "?sig=abc", time.Now().Add(time.Hour), nil
}

func (o *fakeObjects) Bucket() string { return "media" }

func (o *fakeObjects) drop(objectKey string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.objects, objectKey)
}

// recordingSink captures published results. onReady runs before recording so
// tests can probe state at publish time.
type recordingSink struct {
	mu      sync.Mutex
	ready   []transport.ResultReady
	failed  []transport.ResultFailed
	onReady func()
}

func (s *recordingSink) PublishReady(_ context.Context, _ string, r transport.ResultReady) error {
	if s.onReady != nil {
		s.onReady()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = append(s.ready, r)
	return nil
}

func (s *recordingSink) PublishFailed(_ context.Context, _ string, f transport.ResultFailed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, f)
	return nil
}

// recordingRetries records schedule calls; allow controls the ceiling.
type recordingRetries struct {
	mu        sync.Mutex
	scheduled []transport.DownloadRequest
	allow     bool
}

func (r *recordingRetries) ScheduleRetry(_ context.Context, _ string, req transport.DownloadRequest) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.allow {
		return false, nil
	}
	r.scheduled = append(r.scheduled, req)
	return true, nil
}

type fixture struct {
	store   *coordination.MemoryStore
	refs    *refcache.Cache
	lock    *interest.Lock
	fetcher *fakeFetcher
	objects *fakeObjects
	sink    *recordingSink
	retries *recordingRetries
	coord   *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := coordination.NewMemory()
	refs := refcache.New(store, time.Hour)
	lock := interest.New(store, 30*time.Second)
	disk, err := diskcache.New(t.TempDir(), 1<<20)
	require.NoError(t, err)

	f := &fixture{
		store:   store,
		refs:    refs,
		lock:    lock,
		fetcher: &fakeFetcher{},
		objects: newFakeObjects(),
		sink:    &recordingSink{},
		retries: &recordingRetries{allow: true},
	}
	f.coord = New(refs, lock, disk, f.fetcher, f.objects, f.sink, f.retries, nil)
	return f
}

func request(locator string) Request {
	return Request{
		Locator:       locator,
		Intent:        contentkey.IntentAudio,
		CorrelationID: "corr-1",
	}
}

func TestHandle_ProducesOnMiss(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	outcome, err := f.coord.Handle(ctx, request("https://example.com/watch?v=abc"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProduced, outcome)

	require.Len(t, f.sink.ready, 1)
	ready := f.sink.ready[0]
	assert.NotEmpty(t, ready.ContentKey)
	assert.Equal(t, "media", ready.Reference.Bucket)
	assert.Contains(t, ready.Reference.URL, ready.Reference.ObjectKey)

	assert.Equal(t, 1, f.fetcher.count())
	assert.Equal(t, 1, f.objects.uploads)
	assert.Empty(t, f.sink.failed)

	// The reference landed in the cache for the next requester.
	_, hit, err := f.refs.Lookup(ctx, ready.ContentKey)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestHandle_CacheHitSkipsEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.coord.Handle(ctx, request("https://example.com/watch?v=abc"))
	require.NoError(t, err)

	outcome, err := f.coord.Handle(ctx, request("https://example.com/watch?v=abc&utm_source=share"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCacheHit, outcome)

	assert.Equal(t, 1, f.fetcher.count(), "hit must not fetch again")
	assert.Equal(t, 1, f.objects.uploads, "hit must not upload again")
	assert.Len(t, f.sink.ready, 2, "both requests get answers")
	assert.Equal(t, f.sink.ready[0].ContentKey, f.sink.ready[1].ContentKey)
}

func TestHandle_RequeuesBehindActiveProducer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := request("https://example.com/watch?v=abc")
	key, err := contentkey.Derive(req.Locator, req.Intent)
	require.NoError(t, err)

	// Simulate a producer on another worker holding the lock.
	acquired, err := f.lock.TryAcquire(ctx, string(key), interest.NewToken())
	require.NoError(t, err)
	require.True(t, acquired)

	outcome, err := f.coord.Handle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequeued, outcome)

	require.Len(t, f.retries.scheduled, 1)
	assert.Equal(t, req.Locator, f.retries.scheduled[0].Locator)
	assert.Equal(t, 0, f.fetcher.count(), "losers never fetch")
	assert.Empty(t, f.sink.ready)
	assert.Empty(t, f.sink.failed)
}

func TestHandle_CeilingYieldsOneTerminalFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.retries.allow = false // scheduler refuses: ceiling reached

	req := request("https://example.com/watch?v=abc")
	req.Attempt = 4
	key, err := contentkey.Derive(req.Locator, req.Intent)
	require.NoError(t, err)

	acquired, err := f.lock.TryAcquire(ctx, string(key), interest.NewToken())
	require.NoError(t, err)
	require.True(t, acquired)

	outcome, err := f.coord.Handle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	require.Len(t, f.sink.failed, 1)
	assert.Equal(t, transport.FailureCodeAttemptsExhausted, f.sink.failed[0].Error.Code)
	assert.Empty(t, f.sink.ready)
}

func TestHandle_FetchFailureReleasesLockBeforeRequeue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fetcher.fail = true

	req := request("https://example.com/watch?v=abc")
	key, err := contentkey.Derive(req.Locator, req.Intent)
	require.NoError(t, err)

	outcome, err := f.coord.Handle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequeued, outcome)
	assert.Len(t, f.retries.scheduled, 1)

	// The lock must be free so another worker can take over immediately.
	acquired, err := f.lock.TryAcquire(ctx, string(key), interest.NewToken())
	require.NoError(t, err)
	assert.True(t, acquired, "failed producer must release the lock")
	assert.Empty(t, f.sink.failed, "a retryable failure is not terminal")
}

func TestHandle_FetchFailureAtCeilingIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fetcher.fail = true
	f.retries.allow = false

	outcome, err := f.coord.Handle(ctx, request("https://example.com/watch?v=abc"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	require.Len(t, f.sink.failed, 1)
	assert.Equal(t, transport.FailureCodeFetchFailed, f.sink.failed[0].Error.Code)
}

func TestHandle_UploadFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.objects.failNext = true

	outcome, err := f.coord.Handle(ctx, request("https://example.com/watch?v=abc"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequeued, outcome)
	assert.Len(t, f.retries.scheduled, 1)

	// The retry succeeds and reuses the already-fetched file.
	retryReq := request("https://example.com/watch?v=abc")
	retryReq.Attempt = 1
	outcome, err = f.coord.Handle(ctx, retryReq)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProduced, outcome)
	assert.Equal(t, 1, f.fetcher.count(), "retry must hit the disk cache")
}

func TestHandle_MalformedLocatorRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	outcome, err := f.coord.Handle(ctx, request("not a url"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)

	require.Len(t, f.sink.failed, 1)
	assert.Equal(t, transport.FailureCodeMalformed, f.sink.failed[0].Error.Code)
	assert.Empty(t, f.retries.scheduled, "malformed requests are never retried")
	assert.Equal(t, 0, f.fetcher.count())
}

func TestHandle_StaleReferenceDowngradesToMiss(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := request("https://example.com/watch?v=abc")
	outcome, err := f.coord.Handle(ctx, req)
	require.NoError(t, err)
	require.Equal(t, OutcomeProduced, outcome)

	// The object vanishes behind the cache's back (bucket cleanup).
	f.objects.drop(f.sink.ready[0].Reference.ObjectKey)

	outcome, err = f.coord.Handle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProduced, outcome, "stale reference must be re-produced")
	assert.Len(t, f.sink.ready, 2)
	assert.Equal(t, 2, f.objects.uploads, "the object was uploaded again")
}

func TestHandle_LockReleasedBeforeResultPublished(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := request("https://example.com/watch?v=abc")
	key, err := contentkey.Derive(req.Locator, req.Intent)
	require.NoError(t, err)

	var lockFreeAtPublish bool
	f.sink.onReady = func() {
		acquired, aerr := f.lock.TryAcquire(ctx, string(key), interest.NewToken())
		if aerr == nil && acquired {
			lockFreeAtPublish = true
		}
	}

	outcome, err := f.coord.Handle(ctx, req)
	require.NoError(t, err)
	require.Equal(t, OutcomeProduced, outcome)
	assert.True(t, lockFreeAtPublish, "lock must be released before the result is published")
}

func TestHandle_ReferenceAppearingAfterAcquireAnswersWithoutFetch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := request("https://example.com/watch?v=abc")
	key, err := contentkey.Derive(req.Locator, req.Intent)
	require.NoError(t, err)

	// Seed the reference and its backing object as if another producer just
	// finished: the post-acquire recheck must find it.
	objectKey := "audio/" + string(key) + ".m4a"
	f.objects.objects[objectKey] = true
	require.NoError(t, f.refs.Store(ctx, string(key), refcache.RemoteReference{
		URL:       "https://store.example.com/" + objectKey,
		Bucket:    "media",
		ObjectKey: objectKey,
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	outcome, err := f.coord.Handle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCacheHit, outcome)
	assert.Equal(t, 0, f.fetcher.count())
}

func TestHandle_TwoRequestersFanOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// A produces.
	reqA := request("https://example.com/watch?v=abc")
	reqA.CorrelationID = "corr-a"
	outcome, err := f.coord.Handle(ctx, reqA)
	require.NoError(t, err)
	require.Equal(t, OutcomeProduced, outcome)

	// B's redelivery (it had requeued while A held the lock) hits the cache.
	reqB := request("https://example.com/watch?v=abc")
	reqB.CorrelationID = "corr-b"
	reqB.Attempt = 1
	outcome, err = f.coord.Handle(ctx, reqB)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCacheHit, outcome)

	require.Len(t, f.sink.ready, 2)
	assert.Equal(t, f.sink.ready[0].Reference.ObjectKey, f.sink.ready[1].Reference.ObjectKey)
	assert.Equal(t, 1, f.fetcher.count(), "the content was fetched exactly once")
}

func TestHandle_LogsCarryRequestFields(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWithWriter(&buf, "DEBUG", "json", false)
	defer logger.InitWithWriter(os.Stderr, "INFO", "text", false)

	ctx := context.Background()
	f := newFixture(t)

	req := request("https://example.com/watch?v=abc")
	req.Attempt = 2
	key, err := contentkey.Derive(req.Locator, req.Intent)
	require.NoError(t, err)

	// Hold the lock so the request takes the requeue path, which logs at
	// debug level.
	acquired, err := f.lock.TryAcquire(ctx, string(key), interest.NewToken())
	require.NoError(t, err)
	require.True(t, acquired)

	outcome, err := f.coord.Handle(ctx, req)
	require.NoError(t, err)
	require.Equal(t, OutcomeRequeued, outcome)

	out := buf.String()
	assert.Contains(t, out, `"correlation_id":"corr-1"`)
	assert.Contains(t, out, `"content_key":"`+string(key)+`"`)
	assert.Contains(t, out, `"intent":"audio"`)
	assert.Contains(t, out, `"attempt":2`)
}

func TestHandle_CrashedHolderHealsViaTTL(t *testing.T) {
	ctx := context.Background()

	// A short-TTL lock stands in for a crashed producer whose lease lapses.
	store := coordination.NewMemory()
	refs := refcache.New(store, time.Hour)
	lock := interest.New(store, 50*time.Millisecond)
	disk, err := diskcache.New(t.TempDir(), 1<<20)
	require.NoError(t, err)

	fetcher := &fakeFetcher{}
	objects := newFakeObjects()
	sink := &recordingSink{}
	retries := &recordingRetries{allow: true}
	coord := New(refs, lock, disk, fetcher, objects, sink, retries, nil)

	req := request("https://example.com/watch?v=abc")
	key, err := contentkey.Derive(req.Locator, req.Intent)
	require.NoError(t, err)

	// The "crashed" holder takes the lock and never releases it.
	acquired, err := lock.TryAcquire(ctx, string(key), interest.NewToken())
	require.NoError(t, err)
	require.True(t, acquired)

	outcome, err := coord.Handle(ctx, req)
	require.NoError(t, err)
	require.Equal(t, OutcomeRequeued, outcome)

	time.Sleep(80 * time.Millisecond) // past the crashed holder's TTL

	outcome, err = coord.Handle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProduced, outcome, "the key must self-heal after the TTL")
}
