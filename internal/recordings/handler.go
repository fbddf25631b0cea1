package recordings

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/recvault/backend/internal/models"
	"github.com/recvault/backend/pkg/queue"
	"github.com/recvault/backend/pkg/response"
)

// UploadQueue is the queue surface the catalog endpoints read and drive.
type UploadQueue interface {
	Requeue(ctx context.Context, recordingID uuid.UUID) (*models.UploadQueueItem, error)
	History(ctx context.Context, recordingID uuid.UUID) ([]models.UploadQueueItem, error)
	Stats(ctx context.Context) (models.QueueStats, error)
}

// Handler serves the recording catalog and operator endpoints.
type Handler struct {
	registry *Registry
	queue    UploadQueue
	notifier queue.Notifier
	logger   *zap.Logger
}

// NewHandler creates a recordings handler. notifier may be nil.
func NewHandler(registry *Registry, q UploadQueue, notifier queue.Notifier, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{registry: registry, queue: q, notifier: notifier, logger: logger}
}

// Register mounts the catalog routes.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/recordings", h.List)
	r.GET("/recordings/:id", h.Get)
	r.POST("/recordings/:id/requeue", h.Requeue)
	r.GET("/queue/stats", h.QueueStats)
}

// Detail is a recording with every upload item created for it.
type Detail struct {
	Recording *models.Recording        `json:"recording"`
	Uploads   []models.UploadQueueItem `json:"uploads"`
}

// List handles GET /recordings?status=&camera_id=&limit=.
func (h *Handler) List(c *gin.Context) {
	filter := models.RecordingFilter{CameraID: c.Query("camera_id")}
	if s := c.Query("status"); s != "" {
		filter.Status = models.RecordingStatus(s)
		if !filter.Status.Valid() {
			response.BadRequest(c, "invalid status")
			return
		}
	}
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			response.BadRequest(c, "invalid limit")
			return
		}
		filter.Limit = n
	}

	list, err := h.registry.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("list recordings failed", zap.Error(err))
		response.Internal(c, "failed to list recordings")
		return
	}
	if list == nil {
		list = []models.Recording{}
	}
	response.OK(c, list)
}

// Get handles GET /recordings/:id.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}
	rec, err := h.registry.Get(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "recording not found")
		return
	}
	if err != nil {
		h.logger.Error("get recording failed", zap.String("recording_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to get recording")
		return
	}
	history, err := h.queue.History(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get upload history failed", zap.String("recording_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to get upload history")
		return
	}
	if history == nil {
		history = []models.UploadQueueItem{}
	}
	response.OK(c, Detail{Recording: rec, Uploads: history})
}

// Requeue handles POST /recordings/:id/requeue for recordings whose upload failed.
func (h *Handler) Requeue(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}
	item, err := h.queue.Requeue(c.Request.Context(), id)
	var stale *StaleTransitionError
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "recording not found")
		return
	case errors.As(err, &stale):
		response.Conflict(c, "recording is "+string(stale.Actual))
		return
	default:
		h.logger.Error("requeue failed", zap.String("recording_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to requeue recording")
		return
	}

	if h.notifier != nil {
		if err := h.notifier.Notify(c.Request.Context()); err != nil {
			h.logger.Warn("upload wake-up failed", zap.String("item_id", item.ID.String()), zap.Error(err))
		}
	}
	response.OK(c, item)
}

// QueueStats handles GET /queue/stats.
func (h *Handler) QueueStats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("queue stats failed", zap.Error(err))
		response.Internal(c, "failed to read queue stats")
		return
	}
	response.OK(c, stats)
}
