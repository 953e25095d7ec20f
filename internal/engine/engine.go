// Package engine owns the build/job lifecycle: creation with matrix
// expansion, state transitions with aggregation, and the derived facts the
// rest of the platform asks for.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"buildline/internal/config"
	"buildline/internal/domain"
	"buildline/internal/events"
	"buildline/internal/feature"
	"buildline/internal/obfuscate"
	"buildline/internal/vault"
)

// Store is the record store the engine runs against.
type Store interface {
	GetRepository(ctx context.Context, id string) (domain.Repository, error)
	AllocateBuildNumber(ctx context.Context, repositoryID string) (string, error)
	PreviousStateOnBranch(ctx context.Context, repositoryID, branch, excludeBuildID string) (*domain.State, error)
	GetRequest(ctx context.Context, id string) (domain.Request, error)
	CreateBuild(ctx context.Context, commit domain.Commit, req domain.Request, b domain.Build, jobs []domain.Job) error
	GetBuild(ctx context.Context, id string) (domain.Build, error)
	ListJobs(ctx context.Context, buildID string) ([]domain.Job, error)
	GetJob(ctx context.Context, id string) (domain.Job, error)
	UpdateBuildState(ctx context.Context, b domain.Build) error
	UpdateJobState(ctx context.Context, j domain.Job) error
}

type Engine struct {
	Store  Store
	Events events.Emitter
	Vault  vault.Vault
	Flags  feature.Flags
	Logger *slog.Logger
	Now    func() time.Time
}

func New(store Store, em events.Emitter, v vault.Vault, flags feature.Flags) Engine {
	return Engine{
		Store:  store,
		Events: em,
		Vault:  v,
		Flags:  flags,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// notify emits a lifecycle event synchronously. A failed emit is logged and
// recorded as a warning, never failing the transition that triggered it.
func (e Engine) notify(ctx context.Context, name string, payload events.Payload, warnings *[]string) {
	if e.Events == nil {
		return
	}
	if err := e.Events.Emit(ctx, name, payload); err != nil {
		e.logger().Warn("lifecycle notification failed", "event", name, "err", err)
		*warnings = append(*warnings, fmt.Sprintf("notify %s: %v", name, err))
	}
}

// allocationAttempts bounds internal retries on build-number races before
// the conflict surfaces to the caller.
const allocationAttempts = 3

func (e Engine) nextBuildNumber(ctx context.Context, repositoryID string) (string, error) {
	var err error
	for attempt := 0; attempt < allocationAttempts; attempt++ {
		var n string
		n, err = e.Store.AllocateBuildNumber(ctx, repositoryID)
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, domain.ErrAllocationConflict) {
			return "", err
		}
	}
	return "", err
}

type CommitInfo struct {
	SHA     string
	Branch  string
	Message string
}

type RequestInfo struct {
	EventType        domain.EventType
	PullRequestTitle string
	BaseRepositoryID string
	HeadRepositoryID string
}

type CreateBuildOptions struct {
	RepositoryID string
	Commit       CommitInfo
	Request      RequestInfo
	RawConfig    []byte
}

type CreateBuildResult struct {
	Build    domain.Build
	Jobs     []domain.Job
	Warnings []string
}

// CreateBuild normalizes the configuration, allocates the next build number,
// snapshots the branch's previous state and persists the build with its
// expanded job matrix, announcing build:created before returning.
func (e Engine) CreateBuild(ctx context.Context, opts CreateBuildOptions) (*CreateBuildResult, error) {
	if _, known := domain.EventTypeFromString(string(opts.Request.EventType)); !known {
		return nil, fmt.Errorf("create build: unknown event type %q", opts.Request.EventType)
	}
	if opts.Commit.Branch == "" {
		return nil, fmt.Errorf("create build: branch is required")
	}
	rep, err := e.Store.GetRepository(ctx, opts.RepositoryID)
	if err != nil {
		return nil, fmt.Errorf("create build: repository %s: %w", opts.RepositoryID, err)
	}

	legacy := e.Flags != nil && e.Flags.Enabled(feature.LegacyGlobalEnv)
	cfg, err := config.NormalizeBytes(opts.RawConfig, legacy)
	if err != nil {
		return nil, fmt.Errorf("create build: %w", err)
	}
	rawStored, err := cfg.Encode()
	if err != nil {
		return nil, fmt.Errorf("create build: %w", err)
	}

	number, err := e.nextBuildNumber(ctx, rep.ID)
	if err != nil {
		return nil, fmt.Errorf("create build: %w", err)
	}

	now := e.now()
	commit := domain.Commit{
		ID:           uuid.NewString(),
		RepositoryID: rep.ID,
		SHA:          opts.Commit.SHA,
		Branch:       opts.Commit.Branch,
		Message:      opts.Commit.Message,
	}
	req := domain.Request{
		ID:               uuid.NewString(),
		RepositoryID:     rep.ID,
		EventType:        opts.Request.EventType,
		BaseRepositoryID: opts.Request.BaseRepositoryID,
		HeadRepositoryID: opts.Request.HeadRepositoryID,
		CreatedAt:        now,
	}
	if opts.Request.EventType == domain.EventPullRequest && opts.Request.PullRequestTitle != "" {
		title := opts.Request.PullRequestTitle
		req.PullRequestTitle = &title
	}

	buildID := uuid.NewString()
	prev, err := e.Store.PreviousStateOnBranch(ctx, rep.ID, commit.Branch, buildID)
	if err != nil {
		return nil, fmt.Errorf("create build: %w", err)
	}

	b := domain.Build{
		ID:               buildID,
		RepositoryID:     rep.ID,
		Number:           number,
		State:            domain.StateCreated,
		PreviousState:    prev,
		CommitID:         commit.ID,
		RequestID:        req.ID,
		Branch:           commit.Branch,
		EventType:        req.EventType,
		PullRequestTitle: req.PullRequestTitle,
		Config:           cfg,
		RawConfig:        rawStored,
		CreatedAt:        now,
	}
	jobs, err := expandMatrix(cfg, b, now)
	if err != nil {
		return nil, fmt.Errorf("create build: %w", err)
	}
	if err := e.Store.CreateBuild(ctx, commit, req, b, jobs); err != nil {
		return nil, fmt.Errorf("create build: %w", err)
	}

	result := &CreateBuildResult{Build: b, Jobs: jobs}
	e.notify(ctx, "build:created", e.buildPayload(b), &result.Warnings)
	for _, j := range jobs {
		e.notify(ctx, "job:created", e.jobPayload(b, j), &result.Warnings)
	}
	return result, nil
}

// expandMatrix derives one job per normalized env row; a build whose config
// has no env rows still gets a single job.
func expandMatrix(cfg *config.Config, b domain.Build, now time.Time) ([]domain.Job, error) {
	count := len(cfg.Env)
	if count == 0 {
		count = 1
	}
	jobs := make([]domain.Job, 0, count)
	for i := 0; i < count; i++ {
		jobCfg := *cfg
		if len(cfg.Env) > 0 {
			jobCfg.Env = []config.EnvEntry{cfg.Env[i]}
		}
		raw, err := jobCfg.Encode()
		if err != nil {
			return nil, fmt.Errorf("job %d config: %w", i+1, err)
		}
		jobs = append(jobs, domain.Job{
			ID:        uuid.NewString(),
			BuildID:   b.ID,
			Number:    fmt.Sprintf("%s.%d", b.Number, i+1),
			Position:  i + 1,
			State:     domain.StateCreated,
			Config:    &jobCfg,
			RawConfig: raw,
			CreatedAt: now,
		})
	}
	return jobs, nil
}

func (e Engine) buildPayload(b domain.Build) events.Payload {
	return events.Payload{
		"build_id":      b.ID,
		"repository_id": b.RepositoryID,
		"number":        b.Number,
		"state":         string(b.State),
	}
}

func (e Engine) jobPayload(b domain.Build, j domain.Job) events.Payload {
	return events.Payload{
		"job_id":        j.ID,
		"build_id":      b.ID,
		"repository_id": b.RepositoryID,
		"number":        j.Number,
		"state":         string(j.State),
	}
}

// ObfuscatedConfig returns a display copy of the build's configuration with
// secure values redacted. The stored config is left untouched.
func (e Engine) ObfuscatedConfig(ctx context.Context, buildID string) (*config.Config, error) {
	b, err := e.Store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, fmt.Errorf("obfuscate config for build %s: %w", buildID, err)
	}
	ob := obfuscate.Engine{Vault: e.Vault, Logger: e.Logger}
	return ob.Config(ctx, b.RepositoryID, b.Config), nil
}

// SecureEnvEnabled reports whether the build may receive decrypted secure
// environment variables. Fork pull requests never do.
func (e Engine) SecureEnvEnabled(ctx context.Context, buildID string) (bool, error) {
	b, err := e.Store.GetBuild(ctx, buildID)
	if err != nil {
		return false, fmt.Errorf("secure env for build %s: %w", buildID, err)
	}
	req, err := e.Store.GetRequest(ctx, b.RequestID)
	if err != nil {
		return false, fmt.Errorf("secure env for build %s: %w", buildID, err)
	}
	return b.SecureEnvEnabled(req), nil
}
