package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/doomedramen/autopwn/internal/models"
	"github.com/doomedramen/autopwn/internal/repository"
	"github.com/doomedramen/autopwn/pkg/debug"
)

// Health reports whether the pipeline is degraded (repository outage).
type Health interface {
	Degraded() bool
	PoolStatus() map[models.DeviceClass][2]int
}

// Server is the read-only status listener: job state and pipeline health.
// The rich web front-end lives elsewhere; everything here is a thin read
// over the repositories.
type Server struct {
	jobRepo     *repository.JobRepository
	captureRepo *repository.CaptureRepository
	health      Health
	httpServer  *http.Server
}

// New creates the status listener on the given address.
func New(addr string, jobRepo *repository.JobRepository, captureRepo *repository.CaptureRepository, health Health) *Server {
	s := &Server{
		jobRepo:     jobRepo,
		captureRepo: captureRepo,
		health:      health,
	}

	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/captures", s.handleListCaptures)
	})

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start runs the listener until Shutdown is called.
func (s *Server) Start() {
	go func() {
		debug.Info("Status listener on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			debug.Error("Status listener failed: %v", err)
		}
	}()
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.health.Degraded() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	pools := make(map[string]map[string]int)
	for device, usage := range s.health.PoolStatus() {
		pools[string(device)] = map[string]int{"in_use": usage[0], "capacity": usage[1]}
	}

	writeJSON(w, code, map[string]interface{}{
		"status":  status,
		"devices": pools,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobRepo.ListAll(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list jobs"})
		return
	}
	if jobs == nil {
		jobs = []*models.HashJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return
	}
	job, err := s.jobRepo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to get job"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListCaptures(w http.ResponseWriter, r *http.Request) {
	captures, err := s.captureRepo.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list captures"})
		return
	}
	if captures == nil {
		captures = []*models.CaptureFile{}
	}
	writeJSON(w, http.StatusOK, captures)
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		debug.Error("Failed to encode response: %v", err)
	}
}
