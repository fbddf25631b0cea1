package ingest

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/recvault/backend/pkg/response"
)

// WebhookIngester is the ingest entry point used by the webhook handler.
type WebhookIngester interface {
	IngestWebhook(ctx context.Context, ev WebhookEvent) (*Result, error)
}

// WebhookHandler handles recording webhooks from the media server.
type WebhookHandler struct {
	ingestor WebhookIngester
	logger   *zap.Logger
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(ingestor WebhookIngester, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{ingestor: ingestor, logger: logger}
}

// Register mounts the webhook routes.
func (h *WebhookHandler) Register(r gin.IRoutes) {
	r.POST("/webhooks/recording-finished", h.RecordingFinished)
}

// RecordingFinished handles POST /webhooks/recording-finished.
// 200 when the recording is registered, 400 when the event itself is unusable,
// 202 when the event was valid but could not be stored yet.
func (h *WebhookHandler) RecordingFinished(c *gin.Context) {
	var body WebhookEvent
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	res, err := h.ingestor.IngestWebhook(c.Request.Context(), body)
	if err != nil {
		if IsClientError(err) {
			response.BadRequest(c, err.Error())
			return
		}
		h.logger.Error("recording webhook deferred",
			zap.String("camera_id", body.CameraStreamID),
			zap.String("file_path", body.FilePath),
			zap.Error(err))
		response.Accepted(c, gin.H{"status": "pending"})
		return
	}

	h.logger.Info("recording_finished webhook processed",
		zap.String("recording_id", res.Recording.ID.String()),
		zap.String("rel_path", res.Recording.RelativePath),
		zap.Bool("is_new", res.IsNew))
	response.OK(c, gin.H{
		"recording_id": res.Recording.ID,
		"status":       res.Recording.Status,
		"is_new":       res.IsNew,
		"enqueued":     res.Enqueued,
	})
}
