//go:build integration

package recordings

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recvault/backend/internal/models"
	"github.com/recvault/backend/internal/testutil"
)

func newPostgresRegistry(t *testing.T) *Registry {
	t.Helper()
	clock := testutil.NewClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	reg := NewRegistry(NewPostgresRepository(testutil.Postgres(t)), nil)
	reg.SetClock(clock.Now)
	return reg
}

func TestPostgresRegistry_ConcurrentUpsertSingleWinner(t *testing.T) {
	reg := newPostgresRegistry(t)
	ctx := context.Background()

	const n = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		ids  = map[uuid.UUID]struct{}{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			meta := models.RecordingMetadata{Source: models.SourceWebhook}
			if i%2 == 0 {
				meta = models.RecordingMetadata{Source: models.SourceFilesystemWatch, FileSize: ptr(int64(2048))}
			}
			rec, isNew, err := reg.Upsert(ctx, testKey(), meta)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[rec.ID] = struct{}{}
			if isNew {
				wins++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	require.Len(t, ids, 1)
	list, err := reg.List(ctx, models.RecordingFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].FileSize)
	assert.Equal(t, int64(2048), *list[0].FileSize)
}

func TestPostgresRegistry_TransitionCompareAndSwap(t *testing.T) {
	reg := newPostgresRegistry(t)
	ctx := context.Background()
	rec, _, err := reg.Upsert(ctx, testKey(), models.RecordingMetadata{Source: models.SourceWebhook})
	require.NoError(t, err)

	_, err = reg.Transition(ctx, rec.ID, models.RecordingStatusRecorded, models.RecordingStatusQueued)
	require.NoError(t, err)

	_, err = reg.Transition(ctx, rec.ID, models.RecordingStatusRecorded, models.RecordingStatusQueued)
	var stale *StaleTransitionError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, models.RecordingStatusQueued, stale.Actual)

	_, err = reg.Transition(ctx, uuid.New(), models.RecordingStatusRecorded, models.RecordingStatusQueued)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresRegistry_Nearest(t *testing.T) {
	reg := newPostgresRegistry(t)
	ctx := context.Background()
	rec, _, err := reg.Upsert(ctx, testKey(), models.RecordingMetadata{Source: models.SourceWebhook})
	require.NoError(t, err)

	shifted := testKey()
	shifted.StartTime = shifted.StartTime.Add(time.Second)
	got, err := reg.Nearest(ctx, shifted, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.ID, got.ID)

	shifted.StartTime = shifted.StartTime.Add(time.Second)
	got, err = reg.Nearest(ctx, shifted, time.Second)
	require.NoError(t, err)
	assert.Nil(t, got)
}
