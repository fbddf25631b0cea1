//go:build integration

package uploadqueue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recvault/backend/internal/models"
	"github.com/recvault/backend/internal/recordings"
	"github.com/recvault/backend/internal/testutil"
)

func newPostgresFixture(t *testing.T, maxRetries int) *fixture {
	t.Helper()
	pool := testutil.Postgres(t)
	clock := testutil.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	reg := recordings.NewRegistry(recordings.NewPostgresRepository(pool), nil)
	reg.SetClock(clock.Now)
	q := New(NewPostgresRepository(pool), reg, Config{
		MaxRetries:  maxRetries,
		BaseBackoff: time.Second,
		MaxBackoff:  time.Minute,
	}, nil)
	q.SetClock(clock.Now)
	return &fixture{queue: q, registry: reg, clock: clock}
}

func TestPostgresQueue_ConcurrentEnqueueSingleActiveItem(t *testing.T) {
	f := newPostgresFixture(t, 3)
	ctx := context.Background()
	rec := f.queuedRecording(t, "a.mp4")

	const n = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
		dups     int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.queue.Enqueue(ctx, rec.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				inserted++
			case assert.ErrorIs(t, err, ErrDuplicateActiveItem):
				dups++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inserted)
	assert.Equal(t, n-1, dups)
	history, err := f.queue.History(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestPostgresQueue_ConcurrentDequeueClaimsEachItemOnce(t *testing.T) {
	f := newPostgresFixture(t, 3)
	ctx := context.Background()

	const items = 20
	for i := 0; i < items; i++ {
		rec := f.queuedRecording(t, fmt.Sprintf("seg%d.mp4", i))
		_, err := f.queue.Enqueue(ctx, rec.ID)
		require.NoError(t, err)
		f.clock.Advance(time.Millisecond)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[uuid.UUID]int{}
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := f.queue.DequeueNext(ctx)
				if !assert.NoError(t, err) || item == nil {
					return
				}
				mu.Lock()
				claimed[item.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, items)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "item %s claimed %d times", id, n)
	}
}

func TestPostgresQueue_RetryThenSuccess(t *testing.T) {
	f := newPostgresFixture(t, 3)
	ctx := context.Background()
	rec := f.queuedRecording(t, "a.mp4")
	_, err := f.queue.Enqueue(ctx, rec.ID)
	require.NoError(t, err)

	item, err := f.queue.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	failed, err := f.queue.ReportFailure(ctx, item.ID, item.ClaimToken, true, "connection reset")
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusRetrying, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)

	// Not eligible before the backoff elapses.
	next, err := f.queue.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	f.clock.Advance(f.queue.Backoff(0))
	next, err = f.queue.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, item.ID, next.ID)

	// The first claim is no longer valid.
	_, err = f.queue.ReportFailure(ctx, item.ID, item.ClaimToken, true, "late")
	require.ErrorIs(t, err, ErrStaleClaim)

	require.NoError(t, f.queue.ReportSuccess(ctx, next.ID, "s3://bucket/a.mp4"))
	require.NoError(t, f.queue.ReportSuccess(ctx, next.ID, "s3://bucket/a.mp4"))
	assert.Equal(t, models.RecordingStatusUploaded, f.recordingStatus(t, rec.ID))
}

func TestPostgresQueue_ReclaimAndRequeue(t *testing.T) {
	f := newPostgresFixture(t, 0)
	ctx := context.Background()
	rec := f.queuedRecording(t, "a.mp4")
	_, err := f.queue.Enqueue(ctx, rec.ID)
	require.NoError(t, err)

	item, err := f.queue.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)

	f.clock.Advance(2 * time.Minute)
	n, err := f.queue.ReclaimStuck(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusFailed, got.Status)
	assert.Equal(t, models.RecordingStatusFailed, f.recordingStatus(t, rec.ID))

	requeued, err := f.queue.Requeue(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusPending, requeued.Status)
	assert.NotEqual(t, item.ID, requeued.ID)
	assert.Equal(t, models.RecordingStatusQueued, f.recordingStatus(t, rec.ID))

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[models.UploadStatusPending])
	assert.Equal(t, 1, stats[models.UploadStatusFailed])
}

func TestPostgresQueue_ReleaseAndReconcile(t *testing.T) {
	f := newPostgresFixture(t, 3)
	flaky := &flakyRegistry{Registry: f.registry, fails: map[string]int{}}
	f.queue = New(f.queue.repo, flaky, f.queue.cfg, nil)
	f.queue.SetClock(f.clock.Now)
	ctx := context.Background()
	rec := f.queuedRecording(t, "a.mp4")
	_, err := f.queue.Enqueue(ctx, rec.ID)
	require.NoError(t, err)

	flaky.failNext("begin")
	_, err = f.queue.DequeueNext(ctx)
	require.ErrorIs(t, err, errDBTimeout)

	item, err := f.queue.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Zero(t, item.RetryCount)

	flaky.failNext("uploaded")
	require.ErrorIs(t, f.queue.ReportSuccess(ctx, item.ID, "s3://bucket/a.mp4"), errDBTimeout)

	f.clock.Advance(2 * time.Minute)
	n, err := f.queue.Reconcile(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.RecordingStatusUploaded, f.recordingStatus(t, rec.ID))
}
