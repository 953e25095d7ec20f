// Package repo is the SQLite-backed record store for repositories, builds,
// jobs and their source linkage.
package repo

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"buildline/internal/config"
	"buildline/internal/domain"
)

type Repo struct {
	DB     *sql.DB
	Logger *slog.Logger
}

func New(db *sql.DB) Repo {
	return Repo{DB: db}
}

func (r Repo) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r Repo) InsertRepository(ctx context.Context, rep domain.Repository) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO repositories(id,slug,secret_key,created_at) VALUES (?,?,?,?)`,
		rep.ID, rep.Slug, rep.SecretKey, encodeTime(rep.CreatedAt))
	return err
}

func scanRepository(row *sql.Row) (domain.Repository, error) {
	var rep domain.Repository
	var createdAt string
	err := row.Scan(&rep.ID, &rep.Slug, &rep.SecretKey, &createdAt)
	if err == sql.ErrNoRows {
		return rep, domain.ErrNotFound
	}
	if err != nil {
		return rep, err
	}
	rep.CreatedAt, err = decodeTime(createdAt)
	return rep, err
}

func (r Repo) GetRepository(ctx context.Context, id string) (domain.Repository, error) {
	return scanRepository(r.DB.QueryRowContext(ctx,
		`SELECT id,slug,secret_key,created_at FROM repositories WHERE id=?`, id))
}

func (r Repo) GetRepositoryBySlug(ctx context.Context, slug string) (domain.Repository, error) {
	return scanRepository(r.DB.QueryRowContext(ctx,
		`SELECT id,slug,secret_key,created_at FROM repositories WHERE slug=?`, slug))
}

func (r Repo) ListRepositories(ctx context.Context) ([]domain.Repository, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,slug,secret_key,created_at FROM repositories ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Repository
	for rows.Next() {
		var rep domain.Repository
		var createdAt string
		if err := rows.Scan(&rep.ID, &rep.Slug, &rep.SecretKey, &createdAt); err != nil {
			return nil, err
		}
		if rep.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, rep)
	}
	return res, rows.Err()
}

// RepositoryKey returns the decoded per-repository encryption key. It
// implements vault.KeySource.
func (r Repo) RepositoryKey(ctx context.Context, repositoryID string) ([]byte, error) {
	rep, err := r.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("repository key %s: %w", repositoryID, err)
	}
	key, err := base64.StdEncoding.DecodeString(rep.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("repository key %s: %w", repositoryID, err)
	}
	return key, nil
}

// AllocateBuildNumber reserves and returns the next build number for the
// repository. The counter lives on the repository row and only ever grows,
// so numbers of deleted builds are never reused. The reservation is an
// optimistic conditional update: a concurrent writer that got there first
// surfaces as ErrAllocationConflict and the caller retries.
func (r Repo) AllocateBuildNumber(ctx context.Context, repositoryID string) (string, error) {
	var current int64
	err := r.DB.QueryRowContext(ctx,
		`SELECT next_build_number FROM repositories WHERE id=?`, repositoryID).Scan(&current)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("allocate build number for %s: %w", repositoryID, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("allocate build number for %s: %w", repositoryID, err)
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE repositories SET next_build_number=? WHERE id=? AND next_build_number=?`,
		current+1, repositoryID, current)
	if err != nil {
		return "", fmt.Errorf("allocate build number for %s: %w", repositoryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("allocate build number for %s: %w", repositoryID, err)
	}
	if n == 0 {
		return "", fmt.Errorf("allocate build number for %s: %w", repositoryID, domain.ErrAllocationConflict)
	}
	return strconv.FormatInt(current, 10), nil
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	var req domain.Request
	var eventType, createdAt string
	var title, base, head sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,repository_id,event_type,pull_request_title,base_repository_id,head_repository_id,created_at FROM requests WHERE id=?`, id).
		Scan(&req.ID, &req.RepositoryID, &eventType, &title, &base, &head, &createdAt)
	if err == sql.ErrNoRows {
		return req, domain.ErrNotFound
	}
	if err != nil {
		return req, err
	}
	req.EventType = domain.EventType(eventType)
	if title.Valid {
		req.PullRequestTitle = &title.String
	}
	req.BaseRepositoryID = base.String
	req.HeadRepositoryID = head.String
	req.CreatedAt, err = decodeTime(createdAt)
	return req, err
}

// CreateBuild persists the build with its source commit, request and
// expanded job matrix in one transaction, so a failed insert leaves no
// orphaned rows behind.
func (r Repo) CreateBuild(ctx context.Context, commit domain.Commit, req domain.Request, b domain.Build, jobs []domain.Job) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO commits(id,repository_id,sha,branch,message) VALUES (?,?,?,?,?)`,
		commit.ID, commit.RepositoryID, commit.SHA, commit.Branch, nullable(commit.Message))
	if err != nil {
		return fmt.Errorf("insert commit: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO requests(id,repository_id,event_type,pull_request_title,base_repository_id,head_repository_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		req.ID, req.RepositoryID, string(req.EventType), nullableStringPtr(req.PullRequestTitle),
		nullable(req.BaseRepositoryID), nullable(req.HeadRepositoryID), encodeTime(req.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO builds(id,repository_id,number,state,previous_state,commit_id,request_id,config,started_at,finished_at,duration,created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.RepositoryID, b.Number, string(b.State), nullableState(b.PreviousState),
		b.CommitID, b.RequestID, string(b.RawConfig),
		nullableTime(b.StartedAt), nullableTime(b.FinishedAt), nullableInt(b.Duration), encodeTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert build: %w", err)
	}
	for _, j := range jobs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO jobs(id,build_id,number,position,state,config,started_at,finished_at,duration,created_at)
			 VALUES (?,?,?,?,?,?,?,?,?,?)`,
			j.ID, j.BuildID, j.Number, j.Position, string(j.State), string(j.RawConfig),
			nullableTime(j.StartedAt), nullableTime(j.FinishedAt), nullableInt(j.Duration), encodeTime(j.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert job %d: %w", j.Position, err)
		}
	}
	return tx.Commit()
}

const buildColumns = `b.id,b.repository_id,b.number,b.state,b.previous_state,b.commit_id,b.request_id,b.config,
	b.started_at,b.finished_at,b.duration,b.created_at,
	c.branch,q.event_type,q.pull_request_title`

const buildJoins = `FROM builds b
	JOIN commits c ON c.id = b.commit_id
	JOIN requests q ON q.id = b.request_id`

func (r Repo) scanBuild(scan func(dest ...any) error) (domain.Build, error) {
	var b domain.Build
	var state, rawConfig, createdAt, eventType string
	var prevState, startedAt, finishedAt, prTitle sql.NullString
	var duration sql.NullInt64
	err := scan(&b.ID, &b.RepositoryID, &b.Number, &state, &prevState, &b.CommitID, &b.RequestID, &rawConfig,
		&startedAt, &finishedAt, &duration, &createdAt, &b.Branch, &eventType, &prTitle)
	if err == sql.ErrNoRows {
		return b, domain.ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.State = domain.State(state)
	b.EventType = domain.EventType(eventType)
	if prevState.Valid {
		s := domain.State(prevState.String)
		b.PreviousState = &s
	}
	if prTitle.Valid {
		b.PullRequestTitle = &prTitle.String
	}
	b.RawConfig = []byte(rawConfig)
	if b.Config, err = config.Decode(b.RawConfig, r.logger()); err != nil {
		return b, fmt.Errorf("build %s config: %w", b.ID, err)
	}
	if b.StartedAt, err = decodeNullTime(startedAt); err != nil {
		return b, err
	}
	if b.FinishedAt, err = decodeNullTime(finishedAt); err != nil {
		return b, err
	}
	if duration.Valid {
		d := duration.Int64
		b.Duration = &d
	}
	b.CreatedAt, err = decodeTime(createdAt)
	return b, err
}

func (r Repo) GetBuild(ctx context.Context, id string) (domain.Build, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+buildColumns+` `+buildJoins+` WHERE b.id=?`, id)
	return r.scanBuild(row.Scan)
}

// ListBuilds returns the repository's builds, newest first. Branch narrows
// the listing when non-empty.
func (r Repo) ListBuilds(ctx context.Context, repositoryID, branch string) ([]domain.Build, error) {
	query := `SELECT ` + buildColumns + ` ` + buildJoins + ` WHERE b.repository_id=?`
	args := []any{repositoryID}
	if branch != "" {
		query += ` AND c.branch=?`
		args = append(args, branch)
	}
	query += ` ORDER BY CAST(b.number AS INTEGER) DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Build
	for rows.Next() {
		b, err := r.scanBuild(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// PreviousStateOnBranch returns the state of the most recently finished
// build on the branch, excluding the given build; nil when there is none.
func (r Repo) PreviousStateOnBranch(ctx context.Context, repositoryID, branch, excludeBuildID string) (*domain.State, error) {
	var state string
	err := r.DB.QueryRowContext(ctx,
		`SELECT b.state FROM builds b
		 JOIN commits c ON c.id = b.commit_id
		 WHERE b.repository_id=? AND c.branch=? AND b.id<>?
		   AND b.state IN ('passed','failed','errored','canceled')
		 ORDER BY b.finished_at DESC
		 LIMIT 1`,
		repositoryID, branch, excludeBuildID).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s := domain.State(state)
	return &s, nil
}

// UpdateBuildState writes the build's lifecycle fields. Number and source
// linkage are immutable and deliberately not touched.
func (r Repo) UpdateBuildState(ctx context.Context, b domain.Build) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE builds SET state=?,started_at=?,finished_at=?,duration=? WHERE id=?`,
		string(b.State), nullableTime(b.StartedAt), nullableTime(b.FinishedAt), nullableInt(b.Duration), b.ID)
	return err
}

func (r Repo) scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var j domain.Job
	var state, rawConfig, createdAt string
	var startedAt, finishedAt sql.NullString
	var duration sql.NullInt64
	err := scan(&j.ID, &j.BuildID, &j.Number, &j.Position, &state, &rawConfig,
		&startedAt, &finishedAt, &duration, &createdAt)
	if err == sql.ErrNoRows {
		return j, domain.ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.State = domain.State(state)
	j.RawConfig = []byte(rawConfig)
	if j.Config, err = config.Decode(j.RawConfig, r.logger()); err != nil {
		return j, fmt.Errorf("job %s config: %w", j.ID, err)
	}
	if j.StartedAt, err = decodeNullTime(startedAt); err != nil {
		return j, err
	}
	if j.FinishedAt, err = decodeNullTime(finishedAt); err != nil {
		return j, err
	}
	if duration.Valid {
		d := duration.Int64
		j.Duration = &d
	}
	j.CreatedAt, err = decodeTime(createdAt)
	return j, err
}

const jobColumns = `id,build_id,number,position,state,config,started_at,finished_at,duration,created_at`

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	return r.scanJob(row.Scan)
}

// ListJobs returns the build's matrix in position order.
func (r Repo) ListJobs(ctx context.Context, buildID string) ([]domain.Job, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE build_id=? ORDER BY position`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := r.scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (r Repo) UpdateJobState(ctx context.Context, j domain.Job) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE jobs SET state=?,started_at=?,finished_at=?,duration=? WHERE id=?`,
		string(j.State), nullableTime(j.StartedAt), nullableTime(j.FinishedAt), nullableInt(j.Duration), j.ID)
	return err
}

// ListEvents returns the newest limit rows of the event log.
func (r Repo) ListEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,name,payload_json FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Name, &e.Payload); err != nil {
			return nil, err
		}
		if e.TS, err = decodeTime(ts); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func decodeNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := decodeTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableState(s *domain.State) any {
	if s == nil {
		return nil
	}
	return string(*s)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
