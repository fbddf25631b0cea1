package recordings

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

// Repository persists recordings. Implementations make Upsert and UpdateStatus atomic
// against the store so that concurrent ingest paths and process instances stay consistent.
type Repository interface {
	// Upsert inserts rec, or merges its size and duration into the row with the same dedup key.
	// inserted is true when rec.ID was stored as a new row.
	Upsert(ctx context.Context, rec *models.Recording) (stored *models.Recording, inserted bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error)
	// FindNear returns the recording of cameraID and relPath whose start lies in [from, to]
	// and is closest to center, or ErrNotFound.
	FindNear(ctx context.Context, cameraID, relPath string, from, to, center time.Time) (*models.Recording, error)
	List(ctx context.Context, filter models.RecordingFilter) ([]models.Recording, error)
	// UpdateStatus applies upd only if the current status is one of upd.From.
	// ok is false when no row matched.
	UpdateStatus(ctx context.Context, upd StatusUpdate) (rec *models.Recording, ok bool, err error)
}

// StatusUpdate is a compare-and-swap status change. Nil pointers leave the column unchanged.
type StatusUpdate struct {
	ID            uuid.UUID
	From          []models.RecordingStatus
	To            models.RecordingStatus
	RemoteURL     *string
	FailureReason *string
	At            time.Time
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

const recordingColumns = `id, camera_id, rel_path, abs_path, file_size, duration_seconds, start_epoch, source, status, remote_url, failure_reason, created_at, updated_at`

// PostgresRepository handles recording persistence in PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a recordings repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPostgres(row rowScanner) (*models.Recording, error) {
	var (
		rec        models.Recording
		startEpoch int64
		status     string
	)
	err := row.Scan(&rec.ID, &rec.CameraID, &rec.RelativePath, &rec.AbsolutePath, &rec.FileSize, &rec.DurationSeconds,
		&startEpoch, &rec.Source, &status, &rec.RemoteURL, &rec.FailureReason, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.StartTime = time.Unix(startEpoch, 0).UTC()
	rec.Status = models.RecordingStatus(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

// Upsert inserts a new recording or merges metadata into the existing one for the same dedup key.
func (r *PostgresRepository) Upsert(ctx context.Context, rec *models.Recording) (*models.Recording, bool, error) {
	const q = `INSERT INTO recordings (id, camera_id, rel_path, abs_path, file_size, duration_seconds, start_epoch, source, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (camera_id, rel_path, start_epoch) DO UPDATE SET
			file_size = CASE
				WHEN EXCLUDED.file_size IS NOT NULL AND (recordings.file_size IS NULL OR EXCLUDED.file_size > recordings.file_size)
				THEN EXCLUDED.file_size ELSE recordings.file_size END,
			duration_seconds = CASE
				WHEN EXCLUDED.duration_seconds IS NOT NULL AND (recordings.duration_seconds IS NULL OR EXCLUDED.duration_seconds > recordings.duration_seconds)
				THEN EXCLUDED.duration_seconds ELSE recordings.duration_seconds END,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + recordingColumns
	stored, err := scanPostgres(r.pool.QueryRow(ctx, q, rec.ID, rec.CameraID, rec.RelativePath, rec.AbsolutePath,
		rec.FileSize, rec.DurationSeconds, rec.StartTime.Unix(), rec.Source, string(rec.Status), rec.CreatedAt))
	if err != nil {
		return nil, false, fmt.Errorf("upsert recording: %w", err)
	}
	return stored, stored.ID == rec.ID, nil
}

// GetByID returns a recording by ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error) {
	q := `SELECT ` + recordingColumns + ` FROM recordings WHERE id = $1`
	rec, err := scanPostgres(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get recording: %w", err)
	}
	return rec, nil
}

// FindNear returns the recording of the same file whose start is closest to center within [from, to].
func (r *PostgresRepository) FindNear(ctx context.Context, cameraID, relPath string, from, to, center time.Time) (*models.Recording, error) {
	q := `SELECT ` + recordingColumns + ` FROM recordings
		WHERE camera_id = $1 AND rel_path = $2 AND start_epoch BETWEEN $3 AND $4
		ORDER BY ABS(start_epoch - $5::bigint), start_epoch LIMIT 1`
	rec, err := scanPostgres(r.pool.QueryRow(ctx, q, cameraID, relPath, from.Unix(), to.Unix(), center.Unix()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find recording near start: %w", err)
	}
	return rec, nil
}

// List returns recordings matching filter, newest first.
func (r *PostgresRepository) List(ctx context.Context, filter models.RecordingFilter) ([]models.Recording, error) {
	q := `SELECT ` + recordingColumns + ` FROM recordings
		WHERE ($1::text = '' OR status = $1::text) AND ($2::text = '' OR camera_id = $2::text)
		ORDER BY created_at DESC LIMIT $3`
	rows, err := r.pool.Query(ctx, q, string(filter.Status), filter.CameraID, listLimit(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()
	var list []models.Recording
	for rows.Next() {
		rec, err := scanPostgres(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		list = append(list, *rec)
	}
	return list, rows.Err()
}

// UpdateStatus sets status (and optionally remote_url / failure_reason) if the current status is in upd.From.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, upd StatusUpdate) (*models.Recording, bool, error) {
	q := `UPDATE recordings SET status = $1, updated_at = $2,
			remote_url = COALESCE($3, remote_url), failure_reason = COALESCE($4, failure_reason)
		WHERE id = $5 AND status = ANY($6)
		RETURNING ` + recordingColumns
	rec, err := scanPostgres(r.pool.QueryRow(ctx, q, string(upd.To), upd.At, upd.RemoteURL, upd.FailureReason, upd.ID, statusStrings(upd.From)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("update recording status: %w", err)
	}
	return rec, true, nil
}

func statusStrings(in []models.RecordingStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func listLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	}
	return n
}
