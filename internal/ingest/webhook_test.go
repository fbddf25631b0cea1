package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/recvault/backend/internal/models"
	"github.com/recvault/backend/pkg/response"
)

type mockIngester struct{ mock.Mock }

func (m *mockIngester) IngestWebhook(ctx context.Context, ev WebhookEvent) (*Result, error) {
	args := m.Called(ctx, ev)
	res, _ := args.Get(0).(*Result)
	return res, args.Error(1)
}

func postWebhook(t *testing.T, ing WebhookIngester, body string) (*httptest.ResponseRecorder, response.Body) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewWebhookHandler(ing, nil).Register(r)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/recording-finished", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out response.Body
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return w, out
}

func TestRecordingFinished_OK(t *testing.T) {
	ing := new(mockIngester)
	rec := &models.Recording{ID: uuid.New(), RelativePath: "live/cam1/a.mp4", Status: models.RecordingStatusQueued}
	ing.On("IngestWebhook", mock.Anything, mock.MatchedBy(func(ev WebhookEvent) bool {
		return ev.CameraStreamID == "cam1" && ev.FilePath == "live/cam1/a.mp4" &&
			ev.FileSizeBytes != nil && *ev.FileSizeBytes == 10
	})).Return(&Result{Recording: rec, IsNew: true, Enqueued: true}, nil).Once()

	w, body := postWebhook(t, ing, `{"cameraStreamId":"cam1","filePath":"live/cam1/a.mp4","fileSizeBytes":10,"startTimeEpochSeconds":1000}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, body.Success)
	data := body.Data.(map[string]any)
	assert.Equal(t, rec.ID.String(), data["recording_id"])
	assert.Equal(t, "queued", data["status"])
	assert.Equal(t, true, data["is_new"])
	ing.AssertExpectations(t)
}

func TestRecordingFinished_BadJSON(t *testing.T) {
	ing := new(mockIngester)
	w, body := postWebhook(t, ing, `{"cameraStreamId":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, body.Success)
	ing.AssertNotCalled(t, "IngestWebhook", mock.Anything, mock.Anything)
}

func TestRecordingFinished_ClientErrors(t *testing.T) {
	ing := new(mockIngester)
	ing.On("IngestWebhook", mock.Anything, mock.Anything).
		Return(nil, &MalformedEventError{Source: models.SourceWebhook, Problems: []string{"cameraStreamId: required"}}).Once()

	w, body := postWebhook(t, ing, `{"filePath":"a.mp4"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body.Error, "cameraStreamId")
}

func TestRecordingFinished_InternalErrorIsDeferred(t *testing.T) {
	ing := new(mockIngester)
	ing.On("IngestWebhook", mock.Anything, mock.Anything).Return(nil, errors.New("database is locked")).Once()

	w, body := postWebhook(t, ing, `{"cameraStreamId":"cam1","filePath":"a.mp4","startTimeEpochSeconds":1000}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, body.Success)
	assert.Equal(t, map[string]any{"status": "pending"}, body.Data)
}

func TestRecordingFinished_EndToEnd(t *testing.T) {
	e := newEnv(t, 0)

	w, body := postWebhook(t, e.ingestor, `{"cameraStreamId":"cam1","filePath":"../../etc/passwd","startTimeEpochSeconds":1000}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body.Error, "invalid")

	for i := 0; i < 2; i++ {
		w, _ = postWebhook(t, e.ingestor, `{"cameraStreamId":"cam1","filePath":"live/cam1/a.mp4","startTimeEpochSeconds":1000}`)
		assert.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, 1, e.recordingCount(t))
	assert.Equal(t, 1, e.activeItems(t))
}
