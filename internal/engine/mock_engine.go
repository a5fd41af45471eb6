package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/doomedramen/autopwn/internal/models"
)

// MockEngine simulates cracking runs for testing without hashcat installed.
// Results are scripted per job id; unscripted jobs exhaust. It tracks how
// many runs execute concurrently so scheduler tests can assert device slot
// exclusivity.
type MockEngine struct {
	mu          sync.Mutex
	results     map[uuid.UUID]*Result
	runDelay    time.Duration
	running     int
	maxRunning  int
	runsStarted []uuid.UUID
}

// NewMockEngine creates a mock engine with no scripted results.
func NewMockEngine(runDelay time.Duration) *MockEngine {
	return &MockEngine{
		results:  make(map[uuid.UUID]*Result),
		runDelay: runDelay,
	}
}

// Script sets the result returned for a given job id.
func (e *MockEngine) Script(jobID uuid.UUID, result *Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results[jobID] = result
}

// Run returns the scripted result after the configured delay, honouring
// context cancellation the way the real engine does.
func (e *MockEngine) Run(ctx context.Context, job *models.HashJob) (*Result, error) {
	e.mu.Lock()
	e.running++
	if e.running > e.maxRunning {
		e.maxRunning = e.running
	}
	e.runsStarted = append(e.runsStarted, job.ID)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return &Result{Outcome: OutcomeError, ErrorDetail: "cancelled"}, nil
	case <-time.After(e.runDelay):
	}

	e.mu.Lock()
	result, ok := e.results[job.ID]
	e.mu.Unlock()
	if !ok {
		return &Result{Outcome: OutcomeExhausted}, nil
	}
	return result, nil
}

// MaxConcurrent returns the highest number of simultaneous runs observed.
func (e *MockEngine) MaxConcurrent() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxRunning
}

// StartOrder returns job ids in the order their runs began.
func (e *MockEngine) StartOrder() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	order := make([]uuid.UUID, len(e.runsStarted))
	copy(order, e.runsStarted)
	return order
}
