package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/doomedramen/autopwn/internal/db"
	"github.com/doomedramen/autopwn/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// CaptureRepository handles database operations for capture file records.
type CaptureRepository struct {
	db *db.DB
}

// NewCaptureRepository creates a new instance of CaptureRepository.
func NewCaptureRepository(database *db.DB) *CaptureRepository {
	return &CaptureRepository{db: database}
}

// Create inserts a new capture file record. Captures are immutable once
// recorded; only the parse error field may be set afterwards.
func (r *CaptureRepository) Create(ctx context.Context, capture *models.CaptureFile) error {
	if capture.ID == uuid.Nil {
		capture.ID = uuid.New()
	}
	if capture.DetectedAt.IsZero() {
		capture.DetectedAt = time.Now()
	}

	query := `
		INSERT INTO capture_files (id, path, checksum, size, detected_at, parse_error)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		capture.ID.String(),
		capture.Path,
		capture.Checksum,
		capture.Size,
		capture.DetectedAt,
		capture.ParseError,
	)
	if err != nil {
		return fmt.Errorf("failed to create capture file record: %w", err)
	}
	return nil
}

// GetByChecksum retrieves a capture by its content checksum. Returns
// ErrNotFound when no capture with that content has been recorded.
func (r *CaptureRepository) GetByChecksum(ctx context.Context, checksum string) (*models.CaptureFile, error) {
	query := `
		SELECT id, path, checksum, size, detected_at, parse_error
		FROM capture_files
		WHERE checksum = ?
	`
	capture, err := r.scanOne(r.db.QueryRowContext(ctx, query, checksum))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get capture by checksum: %w", err)
	}
	return capture, nil
}

// GetByID retrieves a capture by its identifier.
func (r *CaptureRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.CaptureFile, error) {
	query := `
		SELECT id, path, checksum, size, detected_at, parse_error
		FROM capture_files
		WHERE id = ?
	`
	capture, err := r.scanOne(r.db.QueryRowContext(ctx, query, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get capture by id: %w", err)
	}
	return capture, nil
}

// SetParseError marks a capture as processed-with-error. The capture is not
// retried automatically; the error is surfaced through the status API.
func (r *CaptureRepository) SetParseError(ctx context.Context, id uuid.UUID, parseErr string) error {
	query := `UPDATE capture_files SET parse_error = ? WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query, parseErr, id.String())
	if err != nil {
		return fmt.Errorf("failed to set capture parse error: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check capture update: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all recorded captures ordered by detection time.
func (r *CaptureRepository) List(ctx context.Context) ([]*models.CaptureFile, error) {
	query := `
		SELECT id, path, checksum, size, detected_at, parse_error
		FROM capture_files
		ORDER BY detected_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list captures: %w", err)
	}
	defer rows.Close()

	var captures []*models.CaptureFile
	for rows.Next() {
		capture, err := r.scanOne(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan capture row: %w", err)
		}
		captures = append(captures, capture)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating capture rows: %w", err)
	}
	return captures, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *CaptureRepository) scanOne(row rowScanner) (*models.CaptureFile, error) {
	var capture models.CaptureFile
	var id string
	if err := row.Scan(
		&id,
		&capture.Path,
		&capture.Checksum,
		&capture.Size,
		&capture.DetectedAt,
		&capture.ParseError,
	); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid capture id %q: %w", id, err)
	}
	capture.ID = parsed
	return &capture, nil
}
