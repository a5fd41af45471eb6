package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doomedramen/autopwn/internal/db"
	"github.com/doomedramen/autopwn/internal/models"
)

func newMockJobRepo(t *testing.T) (*JobRepository, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return NewJobRepository(&db.DB{DB: sqlDB}), mock
}

var jobRowColumns = []string{
	"id", "capture_id", "hash_payload", "hash_algo", "essid", "bssid", "status",
	"dictionaries", "device_class", "attempt_count", "result", "error_detail",
	"created_at", "started_at", "finished_at",
}

func jobRow(id, captureID uuid.UUID, status string, attempts int) *sqlmock.Rows {
	return sqlmock.NewRows(jobRowColumns).AddRow(
		id.String(), captureID.String(),
		"WPA*02*mic*aabbccddeeff*112233445566*4f6666696365*rest", "22000",
		"Office", "aa:bb:cc:dd:ee:ff", status,
		`["/dicts/rockyou.txt"]`, "gpu", attempts,
		nil, nil, time.Now(), nil, nil,
	)
}

func TestJobRepositoryCreate(t *testing.T) {
	repo, mock := newMockJobRepo(t)

	mock.ExpectExec("INSERT INTO hash_jobs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	job := &models.HashJob{
		CaptureID:    uuid.New(),
		HashPayload:  "WPA*02*mic*aabbccddeeff*112233445566*4f6666696365*rest",
		HashAlgo:     "22000",
		ESSID:        "Office",
		BSSID:        "aa:bb:cc:dd:ee:ff",
		Dictionaries: []string{"/dicts/rockyou.txt"},
		DeviceClass:  models.DeviceGPU,
	}
	require.NoError(t, repo.Create(context.Background(), job))

	assert.NotEqual(t, uuid.Nil, job.ID)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.False(t, job.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepositoryClaim(t *testing.T) {
	repo, mock := newMockJobRepo(t)
	id := uuid.New()

	// Conditional claim succeeds when the row was still pending.
	mock.ExpectExec("UPDATE hash_jobs").
		WithArgs(models.JobStatusRunning, sqlmock.AnyArg(), id.String(), models.JobStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := repo.Claim(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, claimed)

	// Second claimer loses the compare-and-set: zero rows affected.
	mock.ExpectExec("UPDATE hash_jobs").
		WithArgs(models.JobStatusRunning, sqlmock.AnyArg(), id.String(), models.JobStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err = repo.Claim(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, claimed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepositoryTransitionToTerminal(t *testing.T) {
	repo, mock := newMockJobRepo(t)
	id := uuid.New()
	captureID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM hash_jobs").
		WithArgs(id.String()).
		WillReturnRows(jobRow(id, captureID, models.JobStatusRunning, 1))
	mock.ExpectExec("UPDATE hash_jobs").
		WithArgs(models.JobStatusSucceeded, "hunter2", nil, sqlmock.AnyArg(), id.String(), models.JobStatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))

	plaintext := "hunter2"
	err := repo.Transition(context.Background(), id, models.JobStatusSucceeded,
		TransitionFields{Result: &plaintext})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepositoryTransitionRetryRequeue(t *testing.T) {
	repo, mock := newMockJobRepo(t)
	id := uuid.New()
	captureID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM hash_jobs").
		WithArgs(id.String()).
		WillReturnRows(jobRow(id, captureID, models.JobStatusRunning, 1))
	mock.ExpectExec("UPDATE hash_jobs").
		WithArgs(models.JobStatusPending, "engine crashed", id.String(), models.JobStatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))

	detail := "engine crashed"
	err := repo.Transition(context.Background(), id, models.JobStatusPending,
		TransitionFields{ErrorDetail: &detail})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepositoryTransitionRejectsTerminalExit(t *testing.T) {
	repo, mock := newMockJobRepo(t)
	id := uuid.New()
	captureID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM hash_jobs").
		WithArgs(id.String()).
		WillReturnRows(jobRow(id, captureID, models.JobStatusSucceeded, 1))

	err := repo.Transition(context.Background(), id, models.JobStatusPending, TransitionFields{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepositoryCancel(t *testing.T) {
	repo, mock := newMockJobRepo(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE hash_jobs").
		WithArgs(models.JobStatusCancelled, sqlmock.AnyArg(), id.String(),
			models.JobStatusPending, models.JobStatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))

	cancelled, err := repo.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, cancelled)

	// Already terminal: cancel is a no-op.
	mock.ExpectExec("UPDATE hash_jobs").
		WithArgs(models.JobStatusCancelled, sqlmock.AnyArg(), id.String(),
			models.JobStatusPending, models.JobStatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 0))

	cancelled, err = repo.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, cancelled)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepositoryRequeueOrphans(t *testing.T) {
	repo, mock := newMockJobRepo(t)

	// Orphans under the attempt cap go back to pending.
	mock.ExpectExec("UPDATE hash_jobs").
		WithArgs(models.JobStatusPending, sqlmock.AnyArg(), models.JobStatusRunning, models.MaxJobAttempts).
		WillReturnResult(sqlmock.NewResult(0, 2))
	// Anything still running already used its retry: terminal failure.
	mock.ExpectExec("UPDATE hash_jobs").
		WithArgs(models.JobStatusFailed, sqlmock.AnyArg(), sqlmock.AnyArg(), models.JobStatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))

	requeued, failed, err := repo.RequeueOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, requeued)
	assert.Equal(t, 1, failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepositoryListPending(t *testing.T) {
	repo, mock := newMockJobRepo(t)
	captureID := uuid.New()
	first := uuid.New()
	second := uuid.New()

	rows := sqlmock.NewRows(jobRowColumns).
		AddRow(first.String(), captureID.String(), "payload-a", "22000", "Office", "aa:bb:cc:dd:ee:ff",
			models.JobStatusPending, `["/dicts/rockyou.txt"]`, "gpu", 0, nil, nil,
			time.Now().Add(-time.Minute), nil, nil).
		AddRow(second.String(), captureID.String(), "payload-b", "22000", "Lab", "aa:bb:cc:dd:ee:00",
			models.JobStatusPending, `["/dicts/rockyou.txt"]`, "gpu", 0, nil, nil,
			time.Now(), nil, nil)

	mock.ExpectQuery("SELECT (.+) FROM hash_jobs").
		WithArgs(models.JobStatusPending, "gpu").
		WillReturnRows(rows)

	jobs, err := repo.ListPending(context.Background(), models.DeviceGPU)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, first, jobs[0].ID)
	assert.Equal(t, second, jobs[1].ID)
	assert.Equal(t, []string{"/dicts/rockyou.txt"}, jobs[0].Dictionaries)
	assert.Equal(t, models.DeviceGPU, jobs[0].DeviceClass)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepositoryGetNotFound(t *testing.T) {
	repo, mock := newMockJobRepo(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM hash_jobs").
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows(jobRowColumns))

	_, err := repo.Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
