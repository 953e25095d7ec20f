package engine

import (
	"context"
	"fmt"
	"time"

	"buildline/internal/domain"
)

func ensureJobTransition(old, new domain.State) error {
	switch old {
	case domain.StateCreated:
		if new == domain.StateStarted || new == domain.StateCanceled {
			return nil
		}
	case domain.StateStarted:
		if new.Terminal() {
			return nil
		}
	}
	return fmt.Errorf("invalid job state transition %s -> %s", old, new)
}

type UpdateJobOptions struct {
	JobID string
	State domain.State
	At    time.Time // zero means now
}

type UpdateJobResult struct {
	Build    domain.Build
	Job      domain.Job
	Warnings []string
}

// UpdateJobState advances a single job and folds the result into the build:
// the first started job starts the build, and once every job is terminal the
// build finishes with the worst outcome (errored > failed > canceled >
// passed). Lifecycle events fire synchronously before returning.
func (e Engine) UpdateJobState(ctx context.Context, opts UpdateJobOptions) (*UpdateJobResult, error) {
	if _, known := domain.StateFromString(string(opts.State)); !known {
		return nil, fmt.Errorf("update job %s: unknown state %q", opts.JobID, opts.State)
	}
	j, err := e.Store.GetJob(ctx, opts.JobID)
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", opts.JobID, err)
	}
	if err := ensureJobTransition(j.State, opts.State); err != nil {
		return nil, fmt.Errorf("update job %s: %w", opts.JobID, err)
	}

	at := opts.At
	if at.IsZero() {
		at = e.now()
	}
	j.State = opts.State
	switch {
	case opts.State == domain.StateStarted:
		j.StartedAt = &at
	case opts.State.Terminal():
		j.FinishedAt = &at
		if j.StartedAt != nil {
			d := wholeSeconds(*j.StartedAt, at)
			j.Duration = &d
		}
	}
	if err := e.Store.UpdateJobState(ctx, j); err != nil {
		return nil, fmt.Errorf("update job %s: %w", opts.JobID, err)
	}

	b, err := e.Store.GetBuild(ctx, j.BuildID)
	if err != nil {
		return nil, fmt.Errorf("update job %s: build %s: %w", opts.JobID, j.BuildID, err)
	}

	result := &UpdateJobResult{Job: j}
	switch {
	case opts.State == domain.StateStarted:
		e.notify(ctx, "job:started", e.jobPayload(b, j), &result.Warnings)
	case opts.State.Terminal():
		e.notify(ctx, "job:finished", e.jobPayload(b, j), &result.Warnings)
	}

	b, err = e.aggregate(ctx, b, at, result)
	if err != nil {
		return nil, err
	}
	result.Build = b
	return result, nil
}

// aggregate recomputes the build state from its job states after one job
// moved, persisting and announcing any build transition.
func (e Engine) aggregate(ctx context.Context, b domain.Build, at time.Time, result *UpdateJobResult) (domain.Build, error) {
	jobs, err := e.Store.ListJobs(ctx, b.ID)
	if err != nil {
		return b, fmt.Errorf("aggregate build %s: %w", b.ID, err)
	}

	anyStarted := false
	allTerminal := true
	states := make([]domain.State, 0, len(jobs))
	for _, j := range jobs {
		states = append(states, j.State)
		if j.State == domain.StateStarted || j.StartedAt != nil {
			anyStarted = true
		}
		if !j.State.Terminal() {
			allTerminal = false
		}
	}

	if anyStarted && b.State == domain.StateCreated {
		b.State = domain.StateStarted
		b.StartedAt = &at
		if err := e.Store.UpdateBuildState(ctx, b); err != nil {
			return b, fmt.Errorf("aggregate build %s: %w", b.ID, err)
		}
		e.notify(ctx, "build:started", e.buildPayload(b), &result.Warnings)
	}

	if !allTerminal || len(jobs) == 0 || b.State.Terminal() {
		return b, nil
	}

	worst := domain.WorstState(states)
	if b.StartedAt == nil && worst != domain.StateCanceled {
		// A terminal outcome on a build that never started means the
		// upstream job-state feed is malformed.
		return b, fmt.Errorf("finish build %s as %s without started_at: %w", b.ID, worst, domain.ErrInvariantViolation)
	}
	b.State = worst
	b.FinishedAt = &at
	if b.StartedAt != nil {
		d := wholeSeconds(*b.StartedAt, at)
		b.Duration = &d
	}
	if err := e.Store.UpdateBuildState(ctx, b); err != nil {
		return b, fmt.Errorf("aggregate build %s: %w", b.ID, err)
	}
	e.notify(ctx, "build:finished", e.buildPayload(b), &result.Warnings)
	return b, nil
}

type ResetBuildOptions struct {
	BuildID string
	// Jobs cascades the reset to every job in the matrix.
	Jobs bool
}

type ResetBuildResult struct {
	Build    domain.Build
	Jobs     []domain.Job
	Warnings []string
}

// ResetBuild returns a build to created, clearing started_at, finished_at
// and duration, optionally cascading to its jobs. It fires build:created
// exactly once per call.
func (e Engine) ResetBuild(ctx context.Context, opts ResetBuildOptions) (*ResetBuildResult, error) {
	b, err := e.Store.GetBuild(ctx, opts.BuildID)
	if err != nil {
		return nil, fmt.Errorf("reset build %s: %w", opts.BuildID, err)
	}
	b.State = domain.StateCreated
	b.StartedAt = nil
	b.FinishedAt = nil
	b.Duration = nil
	if err := e.Store.UpdateBuildState(ctx, b); err != nil {
		return nil, fmt.Errorf("reset build %s: %w", opts.BuildID, err)
	}

	result := &ResetBuildResult{Build: b}
	if opts.Jobs {
		jobs, err := e.Store.ListJobs(ctx, b.ID)
		if err != nil {
			return nil, fmt.Errorf("reset build %s: %w", opts.BuildID, err)
		}
		for _, j := range jobs {
			j.State = domain.StateCreated
			j.StartedAt = nil
			j.FinishedAt = nil
			j.Duration = nil
			if err := e.Store.UpdateJobState(ctx, j); err != nil {
				return nil, fmt.Errorf("reset build %s: job %s: %w", opts.BuildID, j.ID, err)
			}
			result.Jobs = append(result.Jobs, j)
		}
	}
	e.notify(ctx, "build:created", e.buildPayload(b), &result.Warnings)
	return result, nil
}

type CancelBuildResult struct {
	Build    domain.Build
	Jobs     []domain.Job
	Warnings []string
}

// CancelBuild cancels a pending build out of band, cascading to every job
// that has not reached a terminal state.
func (e Engine) CancelBuild(ctx context.Context, buildID string) (*CancelBuildResult, error) {
	b, err := e.Store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, fmt.Errorf("cancel build %s: %w", buildID, err)
	}
	if b.State.Terminal() {
		return nil, fmt.Errorf("cancel build %s: invalid build state transition %s -> %s", buildID, b.State, domain.StateCanceled)
	}

	at := e.now()
	b.State = domain.StateCanceled
	b.FinishedAt = &at
	if b.StartedAt != nil {
		d := wholeSeconds(*b.StartedAt, at)
		b.Duration = &d
	}
	if err := e.Store.UpdateBuildState(ctx, b); err != nil {
		return nil, fmt.Errorf("cancel build %s: %w", buildID, err)
	}

	result := &CancelBuildResult{Build: b}
	jobs, err := e.Store.ListJobs(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("cancel build %s: %w", buildID, err)
	}
	for _, j := range jobs {
		if j.State.Terminal() {
			result.Jobs = append(result.Jobs, j)
			continue
		}
		j.State = domain.StateCanceled
		j.FinishedAt = &at
		if j.StartedAt != nil {
			d := wholeSeconds(*j.StartedAt, at)
			j.Duration = &d
		}
		if err := e.Store.UpdateJobState(ctx, j); err != nil {
			return nil, fmt.Errorf("cancel build %s: job %s: %w", buildID, j.ID, err)
		}
		result.Jobs = append(result.Jobs, j)
	}
	e.notify(ctx, "build:finished", e.buildPayload(b), &result.Warnings)
	return result, nil
}

func wholeSeconds(start, end time.Time) int64 {
	return int64(end.Sub(start) / time.Second)
}
