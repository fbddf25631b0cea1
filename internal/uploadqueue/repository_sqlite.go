package uploadqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/recvault/backend/internal/models"
)

// SQLiteRepository handles queue persistence in an embedded SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a queue repository on db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func scanSQLite(row rowScanner) (*models.UploadQueueItem, error) {
	var (
		item    models.UploadQueueItem
		status  string
		claim   sql.NullString
		next    int64
		started sql.NullInt64
		created int64
		updated int64
	)
	err := row.Scan(&item.ID, &item.RecordingID, &status, &item.RetryCount, &claim, &next,
		&started, &item.LastError, &item.RemoteURL, &created, &updated)
	if err != nil {
		return nil, err
	}
	item.Status = models.UploadStatus(status)
	if claim.Valid {
		token, err := uuid.Parse(claim.String)
		if err != nil {
			return nil, fmt.Errorf("parse claim token: %w", err)
		}
		item.ClaimToken = token
	}
	item.NextAttemptAt = time.Unix(0, next).UTC()
	if started.Valid {
		t := time.Unix(0, started.Int64).UTC()
		item.StartedAt = &t
	}
	item.CreatedAt = time.Unix(0, created).UTC()
	item.UpdatedAt = time.Unix(0, updated).UTC()
	return &item, nil
}

func collectSQLite(rows *sql.Rows) ([]models.UploadQueueItem, error) {
	defer rows.Close()
	var list []models.UploadQueueItem
	for rows.Next() {
		item, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		list = append(list, *item)
	}
	return list, rows.Err()
}

// Insert stores a pending item unless the recording already has an active one.
func (r *SQLiteRepository) Insert(ctx context.Context, item *models.UploadQueueItem) (bool, error) {
	const q = `INSERT INTO upload_queue (id, recording_id, status, retry_count, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT (recording_id) WHERE status IN ('pending', 'processing', 'retrying') DO NOTHING`
	created := item.CreatedAt.UnixNano()
	res, err := r.db.ExecContext(ctx, q, item.ID.String(), item.RecordingID.String(), string(item.Status),
		item.NextAttemptAt.UnixNano(), created, created)
	if err != nil {
		return false, fmt.Errorf("insert queue item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert queue item: %w", err)
	}
	return n == 1, nil
}

// ClaimNext atomically claims the oldest eligible item.
func (r *SQLiteRepository) ClaimNext(ctx context.Context, now time.Time, token uuid.UUID) (*models.UploadQueueItem, error) {
	q := `UPDATE upload_queue SET status = 'processing', claim_token = ?, started_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM upload_queue
			WHERE status = 'pending' OR (status = 'retrying' AND next_attempt_at <= ?)
			ORDER BY created_at, id
			LIMIT 1
		)
		RETURNING ` + itemColumns
	at := now.UnixNano()
	item, err := scanSQLite(r.db.QueryRowContext(ctx, q, token.String(), at, at, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim queue item: %w", err)
	}
	return item, nil
}

// Get returns a queue item by ID.
func (r *SQLiteRepository) Get(ctx context.Context, id uuid.UUID) (*models.UploadQueueItem, error) {
	item, err := scanSQLite(r.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM upload_queue WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// ActiveFor returns the non-terminal item for a recording.
func (r *SQLiteRepository) ActiveFor(ctx context.Context, recordingID uuid.UUID) (*models.UploadQueueItem, error) {
	q := `SELECT ` + itemColumns + ` FROM upload_queue
		WHERE recording_id = ? AND status IN ('pending', 'processing', 'retrying')`
	item, err := scanSQLite(r.db.QueryRowContext(ctx, q, recordingID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("get active queue item: %w", err)
	}
	return item, nil
}

// ListByRecording returns every item ever created for a recording, oldest first.
func (r *SQLiteRepository) ListByRecording(ctx context.Context, recordingID uuid.UUID) ([]models.UploadQueueItem, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM upload_queue WHERE recording_id = ? ORDER BY created_at, id`,
		recordingID.String())
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	return collectSQLite(rows)
}

// Complete marks the item completed.
func (r *SQLiteRepository) Complete(ctx context.Context, id uuid.UUID, remoteURL string, now time.Time) (*models.UploadQueueItem, bool, error) {
	q := `UPDATE upload_queue SET status = 'completed', claim_token = NULL, last_error = '', remote_url = ?, updated_at = ?
		WHERE id = ? AND status IN ('processing', 'retrying')
		RETURNING ` + itemColumns
	item, err := scanSQLite(r.db.QueryRowContext(ctx, q, remoteURL, now.UnixNano(), id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("complete queue item: %w", err)
	}
	return item, true, nil
}

// Release returns a claimed item to retrying, eligible at now, with its retry count unchanged.
func (r *SQLiteRepository) Release(ctx context.Context, id, claim uuid.UUID, now time.Time) (bool, error) {
	at := now.UnixNano()
	res, err := r.db.ExecContext(ctx, `UPDATE upload_queue SET status = 'retrying', claim_token = NULL, next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND claim_token = ?`, at, at, id.String(), claim.String())
	if err != nil {
		return false, fmt.Errorf("release queue item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release queue item: %w", err)
	}
	return n == 1, nil
}

// RecordFailure applies a failure outcome for the current claim.
func (r *SQLiteRepository) RecordFailure(ctx context.Context, f FailureUpdate) (*models.UploadQueueItem, bool, error) {
	q := `UPDATE upload_queue SET status = ?, retry_count = retry_count + 1, claim_token = NULL,
			next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND claim_token = ? AND retry_count = ?
		RETURNING ` + itemColumns
	item, err := scanSQLite(r.db.QueryRowContext(ctx, q, string(f.Status), f.NextAttemptAt.UnixNano(), f.LastError,
		f.At.UnixNano(), f.ID.String(), f.Claim.String(), f.PrevRetryCount))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("record queue failure: %w", err)
	}
	return item, true, nil
}

// Reclaim requeues or fails items stuck in processing.
func (r *SQLiteRepository) Reclaim(ctx context.Context, cutoff, now time.Time, maxRetries int) ([]models.UploadQueueItem, []models.UploadQueueItem, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin reclaim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	at, before := now.UnixNano(), cutoff.UnixNano()
	rows, err := tx.QueryContext(ctx, `UPDATE upload_queue SET status = 'failed', retry_count = retry_count + 1, claim_token = NULL,
			last_error = ?, updated_at = ?
		WHERE status = 'processing' AND started_at < ? AND retry_count + 1 > ?
		RETURNING `+itemColumns, reclaimReason, at, before, maxRetries)
	if err != nil {
		return nil, nil, fmt.Errorf("fail stuck items: %w", err)
	}
	failed, err := collectSQLite(rows)
	if err != nil {
		return nil, nil, err
	}

	rows, err = tx.QueryContext(ctx, `UPDATE upload_queue SET status = 'retrying', retry_count = retry_count + 1, claim_token = NULL,
			next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE status = 'processing' AND started_at < ?
		RETURNING `+itemColumns, at, reclaimReason, at, before)
	if err != nil {
		return nil, nil, fmt.Errorf("requeue stuck items: %w", err)
	}
	requeued, err := collectSQLite(rows)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit reclaim: %w", err)
	}
	return requeued, failed, nil
}

// Stranded finds queued or uploading recordings with no active item, oldest first.
func (r *SQLiteRepository) Stranded(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM recordings r
		WHERE status IN ('queued', 'uploading') AND updated_at < ?
			AND NOT EXISTS (
				SELECT 1 FROM upload_queue q
				WHERE q.recording_id = r.id AND q.status IN ('pending', 'processing', 'retrying')
			)
		ORDER BY updated_at, id
		LIMIT ?`, cutoff.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stranded recordings: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan stranded recording: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse recording id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stats counts items per status.
func (r *SQLiteRepository) Stats(ctx context.Context) (models.QueueStats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM upload_queue GROUP BY status`)
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
