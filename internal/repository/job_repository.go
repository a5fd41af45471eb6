package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/doomedramen/autopwn/internal/db"
	"github.com/doomedramen/autopwn/internal/models"
	"github.com/doomedramen/autopwn/pkg/debug"
)

// ErrInvalidTransition is returned when a requested state change violates the
// job state machine.
var ErrInvalidTransition = errors.New("invalid job state transition")

// JobRepository is the single source of truth for hash jobs and their state
// transitions. Claiming is an atomic conditional update so the contract holds
// even if more than one processor instance ever runs against the same
// database.
type JobRepository struct {
	db *db.DB
}

// NewJobRepository creates a new instance of JobRepository.
func NewJobRepository(database *db.DB) *JobRepository {
	return &JobRepository{db: database}
}

const jobColumns = `id, capture_id, hash_payload, hash_algo, essid, bssid, status,
	dictionaries, device_class, attempt_count, result, error_detail,
	created_at, started_at, finished_at`

// Create inserts a new job in pending state.
func (r *JobRepository) Create(ctx context.Context, job *models.HashJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	dicts, err := json.Marshal(job.Dictionaries)
	if err != nil {
		return fmt.Errorf("failed to encode dictionary list: %w", err)
	}

	query := `
		INSERT INTO hash_jobs (id, capture_id, hash_payload, hash_algo, essid, bssid,
			status, dictionaries, device_class, attempt_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		job.ID.String(),
		job.CaptureID.String(),
		job.HashPayload,
		job.HashAlgo,
		job.ESSID,
		job.BSSID,
		job.Status,
		string(dicts),
		string(job.DeviceClass),
		job.AttemptCount,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create hash job: %w", err)
	}
	debug.Info("Created hash job %s (essid: %s, device: %s)", job.ID, job.ESSID, job.DeviceClass)
	return nil
}

// Claim atomically transitions a pending job to running, stamping started_at
// and incrementing the attempt count. Returns false if the job was not in
// pending state, which means another claimer got there first or the job was
// cancelled in the meantime.
func (r *JobRepository) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE hash_jobs
		SET status = ?, started_at = ?, attempt_count = attempt_count + 1
		WHERE id = ? AND status = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		models.JobStatusRunning, time.Now(), id.String(), models.JobStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check claim result: %w", err)
	}
	return affected == 1, nil
}

// TransitionFields carries the optional fields recorded alongside a state
// transition.
type TransitionFields struct {
	Result      *string
	ErrorDetail *string
}

// Transition moves a job to a new state, enforcing the state machine. For
// terminal states finished_at is stamped; for the running -> pending retry
// path started_at and finished_at are cleared. The update is conditional on
// the current status so concurrent transitions on the same job serialize at
// the database.
func (r *JobRepository) Transition(ctx context.Context, id uuid.UUID, newStatus string, fields TransitionFields) error {
	job, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if !models.CanTransition(job.Status, newStatus) {
		return fmt.Errorf("%w: %s -> %s for job %s", ErrInvalidTransition, job.Status, newStatus, id)
	}

	var query string
	var args []interface{}
	switch {
	case models.IsTerminalStatus(newStatus):
		query = `
			UPDATE hash_jobs
			SET status = ?, result = ?, error_detail = ?, finished_at = ?
			WHERE id = ? AND status = ?
		`
		args = []interface{}{newStatus, fields.Result, fields.ErrorDetail, time.Now(), id.String(), job.Status}
	case newStatus == models.JobStatusPending:
		// Automatic retry requeue: attempt count is preserved.
		query = `
			UPDATE hash_jobs
			SET status = ?, error_detail = ?, started_at = NULL, finished_at = NULL
			WHERE id = ? AND status = ?
		`
		args = []interface{}{newStatus, fields.ErrorDetail, id.String(), job.Status}
	default:
		query = `
			UPDATE hash_jobs
			SET status = ?
			WHERE id = ? AND status = ?
		`
		args = []interface{}{newStatus, id.String(), job.Status}
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition job %s to %s: %w", id, newStatus, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check transition result: %w", err)
	}
	if affected == 0 {
		// Status changed underneath us between the read and the update.
		return fmt.Errorf("%w: job %s no longer in %s", ErrInvalidTransition, id, job.Status)
	}
	debug.Info("Job %s transitioned %s -> %s", id, job.Status, newStatus)
	return nil
}

// Cancel moves a job to the cancelled terminal state. Permitted only from
// pending or running; returns false if the job was already terminal.
func (r *JobRepository) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE hash_jobs
		SET status = ?, finished_at = ?
		WHERE id = ? AND status IN (?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		models.JobStatusCancelled, time.Now(), id.String(),
		models.JobStatusPending, models.JobStatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check cancel result: %w", err)
	}
	return affected == 1, nil
}

// ListPending returns pending jobs for a device class, oldest first. The
// ordering is the FIFO dispatch guarantee within one device class.
func (r *JobRepository) ListPending(ctx context.Context, device models.DeviceClass) ([]*models.HashJob, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM hash_jobs
		WHERE status = ? AND device_class = ?
		ORDER BY created_at ASC
	`, jobColumns)
	return r.queryJobs(ctx, query, models.JobStatusPending, string(device))
}

// ListByStatus returns all jobs currently in the given status.
func (r *JobRepository) ListByStatus(ctx context.Context, status string) ([]*models.HashJob, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM hash_jobs
		WHERE status = ?
		ORDER BY created_at ASC
	`, jobColumns)
	return r.queryJobs(ctx, query, status)
}

// ListAll returns every job, newest first. This is the read the status API
// serves.
func (r *JobRepository) ListAll(ctx context.Context) ([]*models.HashJob, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM hash_jobs
		ORDER BY created_at DESC
	`, jobColumns)
	return r.queryJobs(ctx, query)
}

// Get retrieves a single job by id. Returns ErrNotFound when it does not
// exist.
func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (*models.HashJob, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM hash_jobs
		WHERE id = ?
	`, jobColumns)
	job, err := scanJob(r.db.QueryRowContext(ctx, query, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// RequeueOrphans recovers jobs left in running state by a prior process run.
// Jobs still under the attempt cap go back to pending with their attempt
// count preserved; jobs that already used their retry are failed terminally.
// Returns the number requeued and the number failed.
func (r *JobRepository) RequeueOrphans(ctx context.Context) (int, int, error) {
	orphanErr := "orphaned: processor restarted while job was running"

	requeueQuery := `
		UPDATE hash_jobs
		SET status = ?, error_detail = ?, started_at = NULL, finished_at = NULL
		WHERE status = ? AND attempt_count < ?
	`
	requeued, err := r.db.ExecContext(ctx, requeueQuery,
		models.JobStatusPending, orphanErr, models.JobStatusRunning, models.MaxJobAttempts)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to requeue orphaned jobs: %w", err)
	}
	requeuedCount, _ := requeued.RowsAffected()

	failQuery := `
		UPDATE hash_jobs
		SET status = ?, error_detail = ?, finished_at = ?
		WHERE status = ?
	`
	failed, err := r.db.ExecContext(ctx, failQuery,
		models.JobStatusFailed, orphanErr, time.Now(), models.JobStatusRunning)
	if err != nil {
		return int(requeuedCount), 0, fmt.Errorf("failed to fail exhausted orphaned jobs: %w", err)
	}
	failedCount, _ := failed.RowsAffected()

	if requeuedCount > 0 || failedCount > 0 {
		debug.Warning("Orphan recovery: requeued %d jobs, failed %d jobs past the retry cap",
			requeuedCount, failedCount)
	}
	return int(requeuedCount), int(failedCount), nil
}

func (r *JobRepository) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*models.HashJob, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.HashJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job rows: %w", err)
	}
	return jobs, nil
}

func scanJob(row rowScanner) (*models.HashJob, error) {
	var job models.HashJob
	var id, captureID, device, dicts string
	var startedAt, finishedAt sql.NullTime
	if err := row.Scan(
		&id,
		&captureID,
		&job.HashPayload,
		&job.HashAlgo,
		&job.ESSID,
		&job.BSSID,
		&job.Status,
		&dicts,
		&device,
		&job.AttemptCount,
		&job.Result,
		&job.ErrorDetail,
		&job.CreatedAt,
		&startedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	parsedID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid job id %q: %w", id, err)
	}
	parsedCapture, err := uuid.Parse(captureID)
	if err != nil {
		return nil, fmt.Errorf("invalid capture id %q: %w", captureID, err)
	}
	if err := json.Unmarshal([]byte(dicts), &job.Dictionaries); err != nil {
		return nil, fmt.Errorf("failed to decode dictionary list: %w", err)
	}

	job.ID = parsedID
	job.CaptureID = parsedCapture
	job.DeviceClass = models.DeviceClass(device)
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	return &job, nil
}
