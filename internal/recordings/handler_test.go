package recordings_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recvault/backend/internal/models"
	"github.com/recvault/backend/internal/recordings"
	"github.com/recvault/backend/internal/testutil"
	"github.com/recvault/backend/internal/uploadqueue"
	"github.com/recvault/backend/pkg/queue"
)

type catalog struct {
	router   *gin.Engine
	registry *recordings.Registry
	queue    *uploadqueue.Queue
	signal   *queue.LocalSignal
	clock    *testutil.Clock
}

func newCatalog(t *testing.T) *catalog {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.SQLite(t)
	clock := testutil.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	reg := recordings.NewRegistry(recordings.NewSQLiteRepository(db), nil)
	reg.SetClock(clock.Now)
	q := uploadqueue.New(uploadqueue.NewSQLiteRepository(db), reg, uploadqueue.Config{MaxRetries: 0, BaseBackoff: time.Second}, nil)
	q.SetClock(clock.Now)
	signal := queue.NewLocalSignal()

	r := gin.New()
	recordings.NewHandler(reg, q, signal, nil).Register(r)
	return &catalog{router: r, registry: reg, queue: q, signal: signal, clock: clock}
}

func (c *catalog) queued(t *testing.T, camera, rel string) *models.Recording {
	t.Helper()
	ctx := context.Background()
	rec, _, err := c.registry.Upsert(ctx, models.DedupKey{CameraID: camera, RelativePath: rel, StartTime: time.Unix(1000, 0)},
		models.RecordingMetadata{Source: models.SourceWebhook})
	require.NoError(t, err)
	rec, err = c.registry.Transition(ctx, rec.ID, models.RecordingStatusRecorded, models.RecordingStatusQueued)
	require.NoError(t, err)
	_, err = c.queue.Enqueue(ctx, rec.ID)
	require.NoError(t, err)
	c.clock.Advance(time.Second)
	return rec
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (c *catalog) do(t *testing.T, method, target string) (int, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	var body envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestHandler_List(t *testing.T) {
	c := newCatalog(t)
	c.queued(t, "cam1", "live/cam1/a.mp4")
	c.queued(t, "cam2", "live/cam2/b.mp4")

	tests := []struct {
		name   string
		target string
		code   int
		count  int
	}{
		{"all", "/recordings", http.StatusOK, 2},
		{"by camera", "/recordings?camera_id=cam2", http.StatusOK, 1},
		{"by status", "/recordings?status=queued", http.StatusOK, 2},
		{"no match", "/recordings?status=uploaded", http.StatusOK, 0},
		{"limit", "/recordings?limit=1", http.StatusOK, 1},
		{"bad status", "/recordings?status=bogus", http.StatusBadRequest, 0},
		{"bad limit", "/recordings?limit=-1", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := c.do(t, http.MethodGet, tt.target)
			require.Equal(t, tt.code, code)
			if code != http.StatusOK {
				return
			}
			var list []models.Recording
			require.NoError(t, json.Unmarshal(body.Data, &list))
			assert.Len(t, list, tt.count)
		})
	}
}

func TestHandler_Get(t *testing.T) {
	c := newCatalog(t)
	rec := c.queued(t, "cam1", "live/cam1/a.mp4")

	code, body := c.do(t, http.MethodGet, "/recordings/"+rec.ID.String())
	require.Equal(t, http.StatusOK, code)
	var detail recordings.Detail
	require.NoError(t, json.Unmarshal(body.Data, &detail))
	assert.Equal(t, rec.ID, detail.Recording.ID)
	require.Len(t, detail.Uploads, 1)
	assert.Equal(t, models.UploadStatusPending, detail.Uploads[0].Status)

	code, _ = c.do(t, http.MethodGet, "/recordings/"+uuid.NewString())
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = c.do(t, http.MethodGet, "/recordings/not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHandler_Requeue(t *testing.T) {
	c := newCatalog(t)
	ctx := context.Background()
	rec := c.queued(t, "cam1", "live/cam1/a.mp4")

	code, body := c.do(t, http.MethodPost, "/recordings/"+rec.ID.String()+"/requeue")
	require.Equal(t, http.StatusOK, code, "a queued recording keeps its active item")

	item, err := c.queue.DequeueNext(ctx)
	require.NoError(t, err)
	_, err = c.queue.ReportFailure(ctx, item.ID, item.ClaimToken, true, "bucket missing")
	require.NoError(t, err)

	code, body = c.do(t, http.MethodPost, "/recordings/"+rec.ID.String()+"/requeue")
	require.Equal(t, http.StatusOK, code)
	var fresh models.UploadQueueItem
	require.NoError(t, json.Unmarshal(body.Data, &fresh))
	assert.NotEqual(t, item.ID, fresh.ID)
	assert.Equal(t, models.UploadStatusPending, fresh.Status)

	woken, err := c.signal.Wait(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, woken)

	got, err := c.registry.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusQueued, got.Status)

	code, _ = c.do(t, http.MethodPost, "/recordings/"+uuid.NewString()+"/requeue")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHandler_RequeueUploadedConflicts(t *testing.T) {
	c := newCatalog(t)
	ctx := context.Background()
	rec := c.queued(t, "cam1", "live/cam1/a.mp4")
	item, err := c.queue.DequeueNext(ctx)
	require.NoError(t, err)
	require.NoError(t, c.queue.ReportSuccess(ctx, item.ID, "s3://bucket/a.mp4"))

	code, body := c.do(t, http.MethodPost, "/recordings/"+rec.ID.String()+"/requeue")
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body.Error, "uploaded")
}

func TestHandler_QueueStats(t *testing.T) {
	c := newCatalog(t)
	c.queued(t, "cam1", "live/cam1/a.mp4")

	code, body := c.do(t, http.MethodGet, "/queue/stats")
	require.Equal(t, http.StatusOK, code)
	var stats map[string]int
	require.NoError(t, json.Unmarshal(body.Data, &stats))
	assert.Equal(t, map[string]int{"pending": 1}, stats)
}
