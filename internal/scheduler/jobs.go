package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/aatumaykin/seorunner/internal/logger"
	"github.com/aatumaykin/seorunner/internal/schedule"
	"github.com/aatumaykin/seorunner/internal/storage"
)

// NewJob is an owner's request to schedule a tool.
type NewJob struct {
	OwnerID     string
	KeyID       string
	Site        string
	Tool        string
	Args        map[string]any
	Periodicity schedule.Periodicity
}

// JobUpdate changes a job; nil fields are left alone.
type JobUpdate struct {
	Periodicity *schedule.Periodicity
	Active      *bool
	Args        map[string]any
}

func mapNotFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrJobNotFound
	}
	return err
}

func (e *Engine) CountJobs(ctx context.Context, ownerID string) (int, error) {
	return e.store.CountJobs(ctx, ownerID)
}

func (e *Engine) ListJobs(ctx context.Context, ownerID string) ([]schedule.Job, error) {
	return e.store.ListJobs(ctx, ownerID)
}

func (e *Engine) GetJob(ctx context.Context, ownerID, id string) (schedule.Job, error) {
	j, err := e.store.GetJob(ctx, ownerID, id)
	if err != nil {
		return schedule.Job{}, mapNotFound(err)
	}
	return j, nil
}

// CreateJob validates and stores a job, enforcing the owner's plan limit.
// The first run is the next slot of the periodicity.
func (e *Engine) CreateJob(ctx context.Context, req NewJob) (schedule.Job, error) {
	if err := req.Periodicity.Validate(); err != nil {
		return schedule.Job{}, err
	}
	if strings.TrimSpace(req.Tool) == "" {
		return schedule.Job{}, errors.New("tool is required")
	}
	if strings.TrimSpace(req.Site) == "" {
		return schedule.Job{}, errors.New("site is required")
	}
	if req.KeyID == "" {
		return schedule.Job{}, errors.New("credential key is required")
	}

	plan, err := e.store.OwnerPlan(ctx, req.OwnerID)
	if err != nil {
		return schedule.Job{}, fmt.Errorf("failed to load owner plan: %w", err)
	}
	owned, err := e.store.OwnsCredentialKey(ctx, req.OwnerID, req.KeyID)
	if err != nil {
		return schedule.Job{}, err
	}
	if !owned {
		return schedule.Job{}, fmt.Errorf("%w: %s", ErrKeyNotFound, req.KeyID)
	}
	if limit := e.usage.MaxScheduledJobs(plan); limit > 0 {
		n, err := e.store.CountJobs(ctx, req.OwnerID)
		if err != nil {
			return schedule.Job{}, err
		}
		if n >= limit {
			return schedule.Job{}, fmt.Errorf("%w (%s allows %d)", ErrPlanLimit, plan, limit)
		}
	}

	now := e.now().UTC()
	job := schedule.Job{
		ID:          uuid.NewString(),
		OwnerID:     req.OwnerID,
		KeyID:       req.KeyID,
		Site:        strings.TrimSpace(req.Site),
		Tool:        strings.TrimSpace(req.Tool),
		Args:        req.Args,
		Periodicity: req.Periodicity,
		Active:      true,
		NextRunAt:   schedule.CalculateNextRun(req.Periodicity, now),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.InsertJob(ctx, job); err != nil {
		return schedule.Job{}, err
	}

	e.log.Info("scheduled job created",
		logger.Field{Key: "job_id", Value: job.ID},
		logger.Field{Key: "owner_id", Value: job.OwnerID},
		logger.Field{Key: "schedule", Value: job.Periodicity.String()},
		logger.Field{Key: "next_run_at", Value: job.NextRunAt})
	return job, nil
}

// UpdateJob applies u. The next run is recomputed only when a paused job is
// reactivated; a periodicity change on an active job takes effect after the
// already scheduled run. The returned job reflects runs that finished while
// the update was in progress.
func (e *Engine) UpdateJob(ctx context.Context, ownerID, id string, u JobUpdate) (schedule.Job, error) {
	job, err := e.store.GetJob(ctx, ownerID, id)
	if err != nil {
		return schedule.Job{}, mapNotFound(err)
	}

	if u.Periodicity != nil {
		if err := u.Periodicity.Validate(); err != nil {
			return schedule.Job{}, err
		}
		job.Periodicity = *u.Periodicity
	}
	if u.Args != nil {
		job.Args = u.Args
	}

	now := e.now().UTC()
	reactivated := false
	if u.Active != nil {
		reactivated = !job.Active && *u.Active
		job.Active = *u.Active
		if reactivated {
			job.NextRunAt = schedule.CalculateNextRun(job.Periodicity, now)
		}
	}
	job.UpdatedAt = now

	if err := e.store.UpdateJob(ctx, job, reactivated); err != nil {
		return schedule.Job{}, mapNotFound(err)
	}
	if reactivated {
		return job, nil
	}
	job, err = e.store.GetJob(ctx, ownerID, id)
	return job, mapNotFound(err)
}

func (e *Engine) DeleteJob(ctx context.Context, ownerID, id string) error {
	if err := e.store.DeleteJob(ctx, ownerID, id); err != nil {
		return mapNotFound(err)
	}
	e.log.Info("scheduled job deleted", logger.Field{Key: "job_id", Value: id})
	return nil
}
