package recordings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/recvault/backend/internal/models"
)

// SQLiteRepository handles recording persistence in an embedded SQLite database.
// Timestamps are stored as Unix nanoseconds.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a recordings repository on db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func scanSQLite(row rowScanner) (*models.Recording, error) {
	var (
		rec        models.Recording
		size       sql.NullInt64
		duration   sql.NullFloat64
		startEpoch int64
		status     string
		created    int64
		updated    int64
	)
	err := row.Scan(&rec.ID, &rec.CameraID, &rec.RelativePath, &rec.AbsolutePath, &size, &duration,
		&startEpoch, &rec.Source, &status, &rec.RemoteURL, &rec.FailureReason, &created, &updated)
	if err != nil {
		return nil, err
	}
	if size.Valid {
		v := size.Int64
		rec.FileSize = &v
	}
	if duration.Valid {
		v := duration.Float64
		rec.DurationSeconds = &v
	}
	rec.StartTime = time.Unix(startEpoch, 0).UTC()
	rec.Status = models.RecordingStatus(status)
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return &rec, nil
}

// Upsert inserts a new recording or merges metadata into the existing one for the same dedup key.
func (r *SQLiteRepository) Upsert(ctx context.Context, rec *models.Recording) (*models.Recording, bool, error) {
	const q = `INSERT INTO recordings (id, camera_id, rel_path, abs_path, file_size, duration_seconds, start_epoch, source, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (camera_id, rel_path, start_epoch) DO UPDATE SET
			file_size = CASE
				WHEN excluded.file_size IS NOT NULL AND (recordings.file_size IS NULL OR excluded.file_size > recordings.file_size)
				THEN excluded.file_size ELSE recordings.file_size END,
			duration_seconds = CASE
				WHEN excluded.duration_seconds IS NOT NULL AND (recordings.duration_seconds IS NULL OR excluded.duration_seconds > recordings.duration_seconds)
				THEN excluded.duration_seconds ELSE recordings.duration_seconds END,
			updated_at = excluded.updated_at
		RETURNING ` + recordingColumns
	at := rec.CreatedAt.UnixNano()
	stored, err := scanSQLite(r.db.QueryRowContext(ctx, q, rec.ID.String(), rec.CameraID, rec.RelativePath, rec.AbsolutePath,
		nullInt64(rec.FileSize), nullFloat64(rec.DurationSeconds), rec.StartTime.Unix(), rec.Source, string(rec.Status), at, at))
	if err != nil {
		return nil, false, fmt.Errorf("upsert recording: %w", err)
	}
	return stored, stored.ID == rec.ID, nil
}

// GetByID returns a recording by ID.
func (r *SQLiteRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error) {
	q := `SELECT ` + recordingColumns + ` FROM recordings WHERE id = ?`
	rec, err := scanSQLite(r.db.QueryRowContext(ctx, q, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get recording: %w", err)
	}
	return rec, nil
}

// FindNear returns the recording of the same file whose start is closest to center within [from, to].
func (r *SQLiteRepository) FindNear(ctx context.Context, cameraID, relPath string, from, to, center time.Time) (*models.Recording, error) {
	q := `SELECT ` + recordingColumns + ` FROM recordings
		WHERE camera_id = ? AND rel_path = ? AND start_epoch BETWEEN ? AND ?
		ORDER BY ABS(start_epoch - ?), start_epoch LIMIT 1`
	rec, err := scanSQLite(r.db.QueryRowContext(ctx, q, cameraID, relPath, from.Unix(), to.Unix(), center.Unix()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find recording near start: %w", err)
	}
	return rec, nil
}

// List returns recordings matching filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter models.RecordingFilter) ([]models.Recording, error) {
	q := `SELECT ` + recordingColumns + ` FROM recordings
		WHERE (? = '' OR status = ?) AND (? = '' OR camera_id = ?)
		ORDER BY created_at DESC LIMIT ?`
	status := string(filter.Status)
	rows, err := r.db.QueryContext(ctx, q, status, status, filter.CameraID, filter.CameraID, listLimit(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()
	var list []models.Recording
	for rows.Next() {
		rec, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		list = append(list, *rec)
	}
	return list, rows.Err()
}

// UpdateStatus sets status (and optionally remote_url / failure_reason) if the current status is in upd.From.
func (r *SQLiteRepository) UpdateStatus(ctx context.Context, upd StatusUpdate) (*models.Recording, bool, error) {
	if len(upd.From) == 0 {
		return nil, false, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(upd.From)), ", ")
	q := `UPDATE recordings SET status = ?, updated_at = ?,
			remote_url = COALESCE(?, remote_url), failure_reason = COALESCE(?, failure_reason)
		WHERE id = ? AND status IN (` + placeholders + `)
		RETURNING ` + recordingColumns
	args := []any{string(upd.To), upd.At.UnixNano(), nullString(upd.RemoteURL), nullString(upd.FailureReason), upd.ID.String()}
	for _, s := range upd.From {
		args = append(args, string(s))
	}
	rec, err := scanSQLite(r.db.QueryRowContext(ctx, q, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("update recording status: %w", err)
	}
	return rec, true, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullFloat64(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
