package uploadqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recvault/backend/internal/models"
)

// Repository persists queue items. Every state change is a single conditional statement
// so concurrent workers and process instances cannot both win the same transition.
type Repository interface {
	// Insert stores a pending item. inserted is false when the recording already has an active item.
	Insert(ctx context.Context, item *models.UploadQueueItem) (inserted bool, err error)
	// ClaimNext moves the oldest eligible item to processing under token. It returns nil when none is eligible.
	ClaimNext(ctx context.Context, now time.Time, token uuid.UUID) (*models.UploadQueueItem, error)
	Get(ctx context.Context, id uuid.UUID) (*models.UploadQueueItem, error)
	ActiveFor(ctx context.Context, recordingID uuid.UUID) (*models.UploadQueueItem, error)
	ListByRecording(ctx context.Context, recordingID uuid.UUID) ([]models.UploadQueueItem, error)
	// Complete marks a processing or retrying item completed. ok is false when no row matched.
	Complete(ctx context.Context, id uuid.UUID, remoteURL string, now time.Time) (*models.UploadQueueItem, bool, error)
	// Release hands a processing item claimed under claim back to the queue without charging an attempt.
	Release(ctx context.Context, id, claim uuid.UUID, now time.Time) (bool, error)
	// RecordFailure applies f if the item is still processing under f.Claim with f.PrevRetryCount.
	RecordFailure(ctx context.Context, f FailureUpdate) (*models.UploadQueueItem, bool, error)
	// Reclaim charges one attempt to every processing item started before cutoff.
	// Items over maxRetries afterwards are failed, the rest become retrying and eligible at now.
	Reclaim(ctx context.Context, cutoff, now time.Time, maxRetries int) (requeued, failed []models.UploadQueueItem, err error)
	// Stranded lists recordings still queued or uploading, untouched since cutoff, that have no active item.
	Stranded(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	Stats(ctx context.Context) (models.QueueStats, error)
}

// FailureUpdate is a compare-and-swap failure report.
type FailureUpdate struct {
	ID             uuid.UUID
	Claim          uuid.UUID
	PrevRetryCount int
	Status         models.UploadStatus
	NextAttemptAt  time.Time
	LastError      string
	At             time.Time
}

const itemColumns = `id, recording_id, status, retry_count, claim_token, next_attempt_at, started_at, last_error, remote_url, created_at, updated_at`

const reclaimReason = "reclaimed after liveness deadline"

type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresRepository handles queue persistence in PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a queue repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func scanPostgres(row rowScanner) (*models.UploadQueueItem, error) {
	var (
		item   models.UploadQueueItem
		status string
		claim  *uuid.UUID
	)
	err := row.Scan(&item.ID, &item.RecordingID, &status, &item.RetryCount, &claim, &item.NextAttemptAt,
		&item.StartedAt, &item.LastError, &item.RemoteURL, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	item.Status = models.UploadStatus(status)
	if claim != nil {
		item.ClaimToken = *claim
	}
	item.NextAttemptAt = item.NextAttemptAt.UTC()
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	if item.StartedAt != nil {
		t := item.StartedAt.UTC()
		item.StartedAt = &t
	}
	return &item, nil
}

func collectPostgres(rows pgx.Rows) ([]models.UploadQueueItem, error) {
	defer rows.Close()
	var list []models.UploadQueueItem
	for rows.Next() {
		item, err := scanPostgres(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		list = append(list, *item)
	}
	return list, rows.Err()
}

// Insert stores a pending item unless the recording already has an active one.
func (r *PostgresRepository) Insert(ctx context.Context, item *models.UploadQueueItem) (bool, error) {
	const q = `INSERT INTO upload_queue (id, recording_id, status, retry_count, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5, $5)
		ON CONFLICT (recording_id) WHERE status IN ('pending', 'processing', 'retrying') DO NOTHING`
	tag, err := r.pool.Exec(ctx, q, item.ID, item.RecordingID, string(item.Status), item.NextAttemptAt, item.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert queue item: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimNext atomically claims the oldest eligible item. Rows locked by another claimer are skipped.
func (r *PostgresRepository) ClaimNext(ctx context.Context, now time.Time, token uuid.UUID) (*models.UploadQueueItem, error) {
	q := `UPDATE upload_queue SET status = 'processing', claim_token = $2, started_at = $1, updated_at = $1
		WHERE id = (
			SELECT id FROM upload_queue
			WHERE status = 'pending' OR (status = 'retrying' AND next_attempt_at <= $1)
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + itemColumns
	item, err := scanPostgres(r.pool.QueryRow(ctx, q, now, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim queue item: %w", err)
	}
	return item, nil
}

// Get returns a queue item by ID.
func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*models.UploadQueueItem, error) {
	q := `SELECT ` + itemColumns + ` FROM upload_queue WHERE id = $1`
	item, err := scanPostgres(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// ActiveFor returns the non-terminal item for a recording.
func (r *PostgresRepository) ActiveFor(ctx context.Context, recordingID uuid.UUID) (*models.UploadQueueItem, error) {
	q := `SELECT ` + itemColumns + ` FROM upload_queue
		WHERE recording_id = $1 AND status IN ('pending', 'processing', 'retrying')`
	item, err := scanPostgres(r.pool.QueryRow(ctx, q, recordingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("get active queue item: %w", err)
	}
	return item, nil
}

// ListByRecording returns every item ever created for a recording, oldest first.
func (r *PostgresRepository) ListByRecording(ctx context.Context, recordingID uuid.UUID) ([]models.UploadQueueItem, error) {
	q := `SELECT ` + itemColumns + ` FROM upload_queue WHERE recording_id = $1 ORDER BY created_at, id`
	rows, err := r.pool.Query(ctx, q, recordingID)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	return collectPostgres(rows)
}

// Complete marks the item completed.
func (r *PostgresRepository) Complete(ctx context.Context, id uuid.UUID, remoteURL string, now time.Time) (*models.UploadQueueItem, bool, error) {
	q := `UPDATE upload_queue SET status = 'completed', claim_token = NULL, last_error = '', remote_url = $3, updated_at = $2
		WHERE id = $1 AND status IN ('processing', 'retrying')
		RETURNING ` + itemColumns
	item, err := scanPostgres(r.pool.QueryRow(ctx, q, id, now, remoteURL))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("complete queue item: %w", err)
	}
	return item, true, nil
}

// Release returns a claimed item to retrying, eligible at now, with its retry count unchanged.
func (r *PostgresRepository) Release(ctx context.Context, id, claim uuid.UUID, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE upload_queue SET status = 'retrying', claim_token = NULL, next_attempt_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'processing' AND claim_token = $3`, now, id, claim)
	if err != nil {
		return false, fmt.Errorf("release queue item: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordFailure applies a failure outcome for the current claim.
func (r *PostgresRepository) RecordFailure(ctx context.Context, f FailureUpdate) (*models.UploadQueueItem, bool, error) {
	q := `UPDATE upload_queue SET status = $1, retry_count = retry_count + 1, claim_token = NULL,
			next_attempt_at = $2, last_error = $3, updated_at = $4
		WHERE id = $5 AND status = 'processing' AND claim_token = $6 AND retry_count = $7
		RETURNING ` + itemColumns
	item, err := scanPostgres(r.pool.QueryRow(ctx, q, string(f.Status), f.NextAttemptAt, f.LastError, f.At, f.ID, f.Claim, f.PrevRetryCount))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("record queue failure: %w", err)
	}
	return item, true, nil
}

// Reclaim requeues or fails items stuck in processing.
func (r *PostgresRepository) Reclaim(ctx context.Context, cutoff, now time.Time, maxRetries int) ([]models.UploadQueueItem, []models.UploadQueueItem, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin reclaim: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `UPDATE upload_queue SET status = 'failed', retry_count = retry_count + 1, claim_token = NULL,
			last_error = $1, updated_at = $2
		WHERE status = 'processing' AND started_at < $3 AND retry_count + 1 > $4
		RETURNING `+itemColumns, reclaimReason, now, cutoff, maxRetries)
	if err != nil {
		return nil, nil, fmt.Errorf("fail stuck items: %w", err)
	}
	failed, err := collectPostgres(rows)
	if err != nil {
		return nil, nil, err
	}

	rows, err = tx.Query(ctx, `UPDATE upload_queue SET status = 'retrying', retry_count = retry_count + 1, claim_token = NULL,
			next_attempt_at = $2, last_error = $1, updated_at = $2
		WHERE status = 'processing' AND started_at < $3
		RETURNING `+itemColumns, reclaimReason, now, cutoff)
	if err != nil {
		return nil, nil, fmt.Errorf("requeue stuck items: %w", err)
	}
	requeued, err := collectPostgres(rows)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit reclaim: %w", err)
	}
	return requeued, failed, nil
}

// Stranded finds queued or uploading recordings with no active item, oldest first.
func (r *PostgresRepository) Stranded(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM recordings r
		WHERE status IN ('queued', 'uploading') AND updated_at < $1
			AND NOT EXISTS (
				SELECT 1 FROM upload_queue q
				WHERE q.recording_id = r.id AND q.status IN ('pending', 'processing', 'retrying')
			)
		ORDER BY updated_at, id
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stranded recordings: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stranded recording: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stats counts items per status.
func (r *PostgresRepository) Stats(ctx context.Context) (models.QueueStats, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM upload_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()
	stats := models.QueueStats{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		stats[models.UploadStatus(status)] = n
	}
	return stats, rows.Err()
}
