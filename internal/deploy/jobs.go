package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cortexhub/cortex/internal/store"
	"github.com/cortexhub/cortex/pkg/models"
)

// Runner serializes deployment work: one job at a time, in process.
// Submitting while a job runs returns the running job unchanged.
type Runner struct {
	store store.Store

	mu      sync.Mutex
	current *models.DeploymentJob
	cancel  context.CancelFunc
	nowFn   func() time.Time
}

func NewRunner(s store.Store) *Runner {
	return &Runner{store: s, nowFn: time.Now}
}

// Submit starts fn as the singleton job. When a job is already running
// it returns that job and started=false. fn receives a progress
// callback it may call with human-readable step labels.
func (r *Runner) Submit(ctx context.Context, typ models.DeploymentJobType, fn func(ctx context.Context, progress func(step string, frac float64)) (any, error)) (*models.DeploymentJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil && !r.current.Status.Terminal() {
		cp := *r.current
		return &cp, false
	}

	job := &models.DeploymentJob{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Type:      typ,
		Status:    models.JobRunning,
		StartedAt: r.nowFn().UTC(),
	}
	jobCtx, cancel := context.WithCancel(context.Background())
	r.current = job
	r.cancel = cancel
	r.persist(ctx, job)

	go r.run(jobCtx, job.ID, typ, fn)

	cp := *job
	return &cp, true
}

func (r *Runner) run(ctx context.Context, id string, typ models.DeploymentJobType, fn func(ctx context.Context, progress func(step string, frac float64)) (any, error)) {
	progress := func(step string, frac float64) {
		r.update(ctx, func(j *models.DeploymentJob) {
			j.Step = step
			if frac > j.Progress {
				j.Progress = frac
			}
		})
	}

	result, err := fn(ctx, progress)
	now := r.nowFn().UTC()
	done := context.Background()
	r.update(done, func(j *models.DeploymentJob) {
		j.FinishedAt = &now
		j.Progress = 1
		switch {
		case errors.Is(err, context.Canceled):
			j.Status = models.JobCancelled
			j.Error = "cancelled"
		case err != nil:
			j.Status = models.JobFailed
			j.Error = err.Error()
		default:
			j.Status = models.JobSucceeded
			if result != nil {
				j.Result, _ = json.Marshal(result)
			}
		}
	})

	switch {
	case errors.Is(err, context.Canceled):
		log.Info().Str("job_id", id).Str("type", string(typ)).Msg("deployment job cancelled")
	case err != nil:
		log.Error().Err(err).Str("job_id", id).Str("type", string(typ)).Msg("deployment job failed")
	default:
		log.Info().Str("job_id", id).Str("type", string(typ)).Msg("deployment job finished")
	}
}

// Cancel requests cooperative cancellation of the running job. It
// returns a copy of that job, or nil when no job is running.
func (r *Runner) Cancel() *models.DeploymentJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.current.Status.Terminal() {
		return nil
	}
	if r.cancel != nil {
		r.cancel()
	}
	cp := *r.current
	return &cp
}

func (r *Runner) update(ctx context.Context, mutate func(*models.DeploymentJob)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return
	}
	mutate(r.current)
	r.persist(ctx, r.current)
}

func (r *Runner) persist(ctx context.Context, job *models.DeploymentJob) {
	cp := *job
	if err := r.store.SaveDeploymentJob(ctx, &cp); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("could not persist deployment job")
	}
}

// Status returns the in-process job when one exists, falling back to
// the most recently persisted one.
func (r *Runner) Status(ctx context.Context) (*models.DeploymentJob, error) {
	r.mu.Lock()
	if r.current != nil {
		cp := *r.current
		r.mu.Unlock()
		return &cp, nil
	}
	r.mu.Unlock()
	return r.store.LatestDeploymentJob(ctx)
}

// Wait blocks until the current job reaches a terminal status. Test
// helper and shutdown aid; polling keeps the lock windows short.
func (r *Runner) Wait(ctx context.Context) (*models.DeploymentJob, error) {
	for {
		r.mu.Lock()
		cur := r.current
		var cp models.DeploymentJob
		if cur != nil {
			cp = *cur
		}
		r.mu.Unlock()

		if cur == nil {
			return nil, nil
		}
		if cp.Status.Terminal() {
			return &cp, nil
		}
		select {
		case <-ctx.Done():
			return &cp, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
