package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/doomedramen/autopwn/internal/engine"
	"github.com/doomedramen/autopwn/internal/models"
	"github.com/doomedramen/autopwn/internal/repository"
	"github.com/doomedramen/autopwn/pkg/debug"
)

// JobStore is the slice of the job repository the processor consumes.
type JobStore interface {
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
	Transition(ctx context.Context, id uuid.UUID, newStatus string, fields repository.TransitionFields) error
	ListPending(ctx context.Context, device models.DeviceClass) ([]*models.HashJob, error)
	Get(ctx context.Context, id uuid.UUID) (*models.HashJob, error)
	RequeueOrphans(ctx context.Context) (int, int, error)
}

const (
	// defaultSafetyTick bounds how long the loop sleeps without a wake signal.
	defaultSafetyTick = 5 * time.Second
	// defaultDegradedBackoff is how long claiming pauses after a repository error.
	defaultDegradedBackoff = 10 * time.Second
	// defaultCancelPoll bounds the latency of observing an external
	// cancellation during a long cracking run.
	defaultCancelPoll = 2 * time.Second
)

// Processor runs the claim-dispatch-record loop: it pulls pending jobs in
// creation order per device class, occupies a device slot, hands the job to
// the cracking engine and records the outcome. One scheduling loop
// coordinates N concurrent dispatch slots equal to the summed pool capacity.
type Processor struct {
	jobs   JobStore
	engine engine.Engine
	pools  map[models.DeviceClass]*DevicePool

	// wake is a one-slot wakeup signal: new pending jobs and released
	// slots both nudge the loop, no busy polling.
	wake chan struct{}

	// degraded flags a repository outage. The loop stops claiming and the
	// health endpoint surfaces it; claiming resumes once the repository
	// answers again.
	degraded atomic.Bool

	// loop timing, overridable in tests
	safetyTick      time.Duration
	degradedBackoff time.Duration
	cancelPoll      time.Duration

	wg sync.WaitGroup
}

// New creates a processor with one device pool per configured class.
func New(jobs JobStore, eng engine.Engine, poolSizes map[models.DeviceClass]int) *Processor {
	pools := make(map[models.DeviceClass]*DevicePool, len(poolSizes))
	for device, size := range poolSizes {
		pools[device] = NewDevicePool(device, size)
		debug.Info("Device pool %s: %d slot(s)", device, size)
	}
	return &Processor{
		jobs:            jobs,
		engine:          eng,
		pools:           pools,
		wake:            make(chan struct{}, 1),
		safetyTick:      defaultSafetyTick,
		degradedBackoff: defaultDegradedBackoff,
		cancelPoll:      defaultCancelPoll,
	}
}

// Notify wakes the scheduling loop. Safe to call from any goroutine; extra
// notifications coalesce.
func (p *Processor) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Degraded reports whether the processor is in repository-outage mode.
func (p *Processor) Degraded() bool {
	return p.degraded.Load()
}

// PoolStatus returns current occupancy per device class for the status API.
func (p *Processor) PoolStatus() map[models.DeviceClass][2]int {
	status := make(map[models.DeviceClass][2]int, len(p.pools))
	for device, pool := range p.pools {
		status[device] = [2]int{pool.InUse(), pool.Capacity()}
	}
	return status
}

// Start recovers orphaned jobs from a prior run and launches the scheduling
// loop. The loop exits when ctx is cancelled; Wait blocks until in-flight
// runs have drained.
func (p *Processor) Start(ctx context.Context) error {
	requeued, failed, err := p.jobs.RequeueOrphans(ctx)
	if err != nil {
		return fmt.Errorf("orphan recovery failed: %w", err)
	}
	if requeued > 0 || failed > 0 {
		debug.Info("Recovered orphaned jobs: %d requeued, %d failed terminally", requeued, failed)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
	return nil
}

// Wait blocks until the scheduling loop and all dispatched runs finish.
func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) run(ctx context.Context) {
	debug.Info("Job processor started")
	for {
		dispatched, repoHealthy := p.dispatchCycle(ctx)

		if !repoHealthy {
			// Repository outage: stop claiming, surface degraded health,
			// retry after a bounded pause instead of crash-looping.
			select {
			case <-ctx.Done():
				debug.Info("Job processor stopping")
				return
			case <-time.After(p.degradedBackoff):
			}
			continue
		}

		if dispatched {
			// Something was claimed; immediately look for more work.
			continue
		}

		select {
		case <-ctx.Done():
			debug.Info("Job processor stopping")
			return
		case <-p.wake:
		case <-time.After(p.safetyTick):
		}
	}
}

// dispatchCycle claims and dispatches at most one job per device class with
// free capacity. Returns whether anything was dispatched and whether the
// repository was reachable.
func (p *Processor) dispatchCycle(ctx context.Context) (bool, bool) {
	dispatched := false
	for device, pool := range p.pools {
		if pool.InUse() >= pool.Capacity() {
			continue
		}

		pending, err := p.jobs.ListPending(ctx, device)
		if err != nil {
			if ctx.Err() != nil {
				return dispatched, true
			}
			if !p.degraded.Swap(true) {
				debug.Error("Job repository unreachable, entering degraded mode: %v", err)
			}
			return dispatched, false
		}
		if p.degraded.Swap(false) {
			debug.Info("Job repository reachable again, resuming claims")
		}

		// Oldest first; a failed claim means someone else got the job or it
		// was cancelled, so fall through to the next candidate.
		for _, job := range pending {
			if !pool.TryAcquire() {
				break
			}
			claimed, err := p.jobs.Claim(ctx, job.ID)
			if err != nil {
				pool.Release()
				if !p.degraded.Swap(true) {
					debug.Error("Job repository unreachable during claim, entering degraded mode: %v", err)
				}
				return dispatched, false
			}
			if !claimed {
				pool.Release()
				debug.Debug("Job %s was claimed elsewhere or cancelled, skipping", job.ID)
				continue
			}

			dispatched = true
			p.wg.Add(1)
			go p.runJob(ctx, job.ID, pool)
			break
		}
	}
	return dispatched, true
}

// runJob owns one dispatched job from claim to terminal (or retry) state.
// The device slot is held exactly for the duration of the engine invocation
// plus outcome recording.
func (p *Processor) runJob(ctx context.Context, jobID uuid.UUID, pool *DevicePool) {
	defer func() {
		pool.Release()
		p.Notify()
		p.wg.Done()
	}()

	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		debug.Error("Failed to load claimed job %s: %v", jobID, err)
		return
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// Observe external cancellation while hashcat runs. Latency is bounded
	// by the poll interval, not immediate.
	cancelWatchDone := make(chan struct{})
	go func() {
		defer close(cancelWatchDone)
		ticker := time.NewTicker(p.cancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				current, err := p.jobs.Get(runCtx, jobID)
				if err != nil {
					continue
				}
				if current.Status == models.JobStatusCancelled {
					debug.Info("Job %s cancelled externally, stopping engine", jobID)
					cancelRun()
					return
				}
			}
		}
	}()

	result, err := p.engine.Run(runCtx, job)
	cancelRun()
	<-cancelWatchDone
	if err != nil {
		result = &engine.Result{
			Outcome:     engine.OutcomeError,
			ErrorDetail: fmt.Sprintf("engine setup failed: %v", err),
		}
	}

	p.recordOutcome(ctx, jobID, result)
}

// recordOutcome applies the state machine to the engine result. Uses a fresh
// background-derived context so a shutdown that killed the engine can still
// record the requeue.
func (p *Processor) recordOutcome(ctx context.Context, jobID uuid.UUID, result *engine.Result) {
	recordCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		recordCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	job, err := p.jobs.Get(recordCtx, jobID)
	if err != nil {
		debug.Error("Failed to reload job %s for outcome recording: %v", jobID, err)
		return
	}
	if job.Status == models.JobStatusCancelled {
		// Cancellation set the terminal status directly; nothing to record.
		return
	}

	var transitionErr error
	switch result.Outcome {
	case engine.OutcomeCracked:
		plaintext := result.Plaintext
		transitionErr = p.jobs.Transition(recordCtx, jobID, models.JobStatusSucceeded,
			repository.TransitionFields{Result: &plaintext})

	case engine.OutcomeExhausted:
		transitionErr = p.jobs.Transition(recordCtx, jobID, models.JobStatusNoResult,
			repository.TransitionFields{})

	case engine.OutcomeError:
		detail := result.ErrorDetail
		if ctx.Err() != nil && detail == "cancelled" {
			detail = "interrupted by shutdown"
		}
		if job.AttemptCount >= models.MaxJobAttempts {
			debug.Warning("Job %s failed terminally after %d attempts: %s", jobID, job.AttemptCount, detail)
			transitionErr = p.jobs.Transition(recordCtx, jobID, models.JobStatusFailed,
				repository.TransitionFields{ErrorDetail: &detail})
		} else {
			debug.Warning("Job %s failed (attempt %d), requeueing for retry: %s", jobID, job.AttemptCount, detail)
			transitionErr = p.jobs.Transition(recordCtx, jobID, models.JobStatusPending,
				repository.TransitionFields{ErrorDetail: &detail})
		}
	}

	if transitionErr != nil {
		if errors.Is(transitionErr, repository.ErrInvalidTransition) {
			// Lost a race with an external cancellation; the terminal state
			// already stands.
			debug.Debug("Job %s outcome superseded: %v", jobID, transitionErr)
			return
		}
		debug.Error("Failed to record outcome for job %s: %v", jobID, transitionErr)
	}
}
