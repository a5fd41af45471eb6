package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doomedramen/autopwn/internal/db"
	"github.com/doomedramen/autopwn/internal/models"
	"github.com/doomedramen/autopwn/internal/repository"
)

type fakeHealth struct {
	degraded bool
}

func (h *fakeHealth) Degraded() bool { return h.degraded }

func (h *fakeHealth) PoolStatus() map[models.DeviceClass][2]int {
	return map[models.DeviceClass][2]int{
		models.DeviceCPU: {1, 2},
		models.DeviceGPU: {0, 1},
	}
}

var jobRowColumns = []string{
	"id", "capture_id", "hash_payload", "hash_algo", "essid", "bssid", "status",
	"dictionaries", "device_class", "attempt_count", "result", "error_detail",
	"created_at", "started_at", "finished_at",
}

func newTestServer(t *testing.T, health Health) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	database := &db.DB{DB: sqlDB}
	return New(":0", repository.NewJobRepository(database), repository.NewCaptureRepository(database), health), mock
}

func serve(s *Server, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &fakeHealth{})

	rec := serve(s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status  string                    `json:"status"`
		Devices map[string]map[string]int `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Devices["cpu"]["in_use"])
	assert.Equal(t, 2, body.Devices["cpu"]["capacity"])
	assert.Equal(t, 1, body.Devices["gpu"]["capacity"])
}

func TestHealthEndpointDegraded(t *testing.T) {
	s, _ := newTestServer(t, &fakeHealth{degraded: true})

	rec := serve(s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestListJobsEmpty(t *testing.T) {
	s, mock := newTestServer(t, &fakeHealth{})
	mock.ExpectQuery("SELECT (.+) FROM hash_jobs").
		WillReturnRows(sqlmock.NewRows(jobRowColumns))

	rec := serve(s, http.MethodGet, "/api/jobs")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob(t *testing.T) {
	s, mock := newTestServer(t, &fakeHealth{})
	jobID := uuid.New()
	captureID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM hash_jobs").
		WithArgs(jobID.String()).
		WillReturnRows(sqlmock.NewRows(jobRowColumns).AddRow(
			jobID.String(), captureID.String(), "WPA*01*payload", "22000",
			"homenet", "fc:69:0c:15:82:64", models.JobStatusSucceeded,
			`["/dicts/rockyou.txt"]`, "gpu", 1, "hunter2", nil,
			time.Now(), time.Now(), time.Now(),
		))

	rec := serve(s, http.MethodGet, "/api/jobs/"+jobID.String())
	assert.Equal(t, http.StatusOK, rec.Code)

	var job models.HashJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, models.JobStatusSucceeded, job.Status)
	require.NotNil(t, job.Result)
	assert.Equal(t, "hunter2", *job.Result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	s, mock := newTestServer(t, &fakeHealth{})
	jobID := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM hash_jobs").
		WithArgs(jobID.String()).
		WillReturnRows(sqlmock.NewRows(jobRowColumns))

	rec := serve(s, http.MethodGet, "/api/jobs/"+jobID.String())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobInvalidID(t *testing.T) {
	s, _ := newTestServer(t, &fakeHealth{})
	rec := serve(s, http.MethodGet, "/api/jobs/not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListCaptures(t *testing.T) {
	s, mock := newTestServer(t, &fakeHealth{})
	captureID := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM capture_files").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "path", "checksum", "size", "detected_at", "parse_error",
		}).AddRow(captureID.String(), "/captures/net1.cap", "abc123", 1024, time.Now(), nil))

	rec := serve(s, http.MethodGet, "/api/captures")
	assert.Equal(t, http.StatusOK, rec.Code)

	var captures []*models.CaptureFile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &captures))
	require.Len(t, captures, 1)
	assert.Equal(t, captureID, captures[0].ID)
}
