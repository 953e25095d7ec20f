package repo_test

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"buildline/internal/db"
	"buildline/internal/domain"
	"buildline/internal/migrate"
	"buildline/internal/repo"
	"buildline/internal/vault"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.New(conn)
}

func seedRepository(t *testing.T, r repo.Repo) domain.Repository {
	t.Helper()
	key, err := vault.NewKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	rep := domain.Repository{
		ID:        uuid.NewString(),
		Slug:      "acme/widgets",
		SecretKey: base64.StdEncoding.EncodeToString(key),
		CreatedAt: time.Now(),
	}
	if err := r.InsertRepository(context.Background(), rep); err != nil {
		t.Fatalf("insert repository: %v", err)
	}
	return rep
}

// seedBuild inserts a build with its commit and request so the foreign keys
// hold. State and finishedAt are applied afterwards when set.
func seedBuild(t *testing.T, r repo.Repo, rep domain.Repository, number, branch string, state domain.State, finishedAt *time.Time) domain.Build {
	t.Helper()
	ctx := context.Background()
	commit := domain.Commit{ID: uuid.NewString(), RepositoryID: rep.ID, SHA: "abc", Branch: branch}
	req := domain.Request{ID: uuid.NewString(), RepositoryID: rep.ID, EventType: domain.EventPush, CreatedAt: time.Now()}
	b := domain.Build{
		ID:           uuid.NewString(),
		RepositoryID: rep.ID,
		Number:       number,
		State:        domain.StateCreated,
		CommitID:     commit.ID,
		RequestID:    req.ID,
		CreatedAt:    time.Now(),
	}
	if err := r.CreateBuild(ctx, commit, req, b, nil); err != nil {
		t.Fatalf("create build: %v", err)
	}
	if state != domain.StateCreated || finishedAt != nil {
		b.State = state
		b.FinishedAt = finishedAt
		if err := r.UpdateBuildState(ctx, b); err != nil {
			t.Fatalf("update build: %v", err)
		}
	}
	return b
}

func timePtr(t time.Time) *time.Time { return &t }

func TestAllocateBuildNumberMonotonic(t *testing.T) {
	r := newTestRepo(t)
	rep := seedRepository(t, r)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		n, err := r.AllocateBuildNumber(ctx, rep.ID)
		if err != nil {
			t.Fatalf("allocate %d: %v", want, err)
		}
		if n != strconv.Itoa(want) {
			t.Fatalf("number = %q, want %d", n, want)
		}
	}
}

func TestAllocateBuildNumberUnknownRepository(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.AllocateBuildNumber(context.Background(), "nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAllocateBuildNumberConcurrent(t *testing.T) {
	r := newTestRepo(t)
	rep := seedRepository(t, r)
	ctx := context.Background()

	const workers = 8
	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				n, err := r.AllocateBuildNumber(ctx, rep.ID)
				if errors.Is(err, domain.ErrAllocationConflict) {
					continue
				}
				if err != nil {
					t.Errorf("allocate: %v", err)
					return
				}
				mu.Lock()
				if seen[n] {
					t.Errorf("number %s allocated twice", n)
				}
				seen[n] = true
				mu.Unlock()
				return
			}
		}()
	}
	wg.Wait()
	if len(seen) != workers {
		t.Fatalf("got %d distinct numbers, want %d", len(seen), workers)
	}
}

func TestPreviousStateOnBranch(t *testing.T) {
	r := newTestRepo(t)
	rep := seedRepository(t, r)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// No finished builds yet.
	prev, err := r.PreviousStateOnBranch(ctx, rep.ID, "main", "none")
	if err != nil || prev != nil {
		t.Fatalf("prev = %v, %v, want nil, nil", prev, err)
	}

	seedBuild(t, r, rep, "1", "main", domain.StatePassed, timePtr(base))
	seedBuild(t, r, rep, "2", "main", domain.StateFailed, timePtr(base.Add(time.Hour)))
	seedBuild(t, r, rep, "3", "other", domain.StateErrored, timePtr(base.Add(2*time.Hour)))
	running := seedBuild(t, r, rep, "4", "main", domain.StateStarted, nil)

	prev, err = r.PreviousStateOnBranch(ctx, rep.ID, "main", running.ID)
	if err != nil {
		t.Fatalf("previous state: %v", err)
	}
	if prev == nil || *prev != domain.StateFailed {
		t.Fatalf("prev = %v, want failed", prev)
	}

	// Only the named branch counts.
	prev, err = r.PreviousStateOnBranch(ctx, rep.ID, "other", "none")
	if err != nil || prev == nil || *prev != domain.StateErrored {
		t.Fatalf("prev = %v, %v, want errored", prev, err)
	}
}

func TestPreviousStateExcludesGivenBuild(t *testing.T) {
	r := newTestRepo(t)
	rep := seedRepository(t, r)
	ctx := context.Background()
	done := seedBuild(t, r, rep, "1", "main", domain.StatePassed, timePtr(time.Now()))

	prev, err := r.PreviousStateOnBranch(ctx, rep.ID, "main", done.ID)
	if err != nil || prev != nil {
		t.Fatalf("prev = %v, %v, want nil, nil", prev, err)
	}
}

func TestGetBuildJoinsSourceFields(t *testing.T) {
	r := newTestRepo(t)
	rep := seedRepository(t, r)
	b := seedBuild(t, r, rep, "1", "main", domain.StateCreated, nil)

	got, err := r.GetBuild(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if got.Branch != "main" || got.EventType != domain.EventPush {
		t.Fatalf("branch=%q event=%q", got.Branch, got.EventType)
	}
	if got.Config == nil {
		t.Fatalf("config not decoded on load")
	}
	if got.State != domain.StateCreated || got.Number != "1" {
		t.Fatalf("state=%q number=%q", got.State, got.Number)
	}
}

func TestCreateBuildFailureLeavesNoOrphans(t *testing.T) {
	r := newTestRepo(t)
	rep := seedRepository(t, r)
	ctx := context.Background()
	seedBuild(t, r, rep, "1", "main", domain.StateCreated, nil)

	// A duplicate build number violates UNIQUE(repository_id, number); the
	// commit and request inserted alongside must roll back with it.
	commit := domain.Commit{ID: uuid.NewString(), RepositoryID: rep.ID, SHA: "def", Branch: "main"}
	req := domain.Request{ID: uuid.NewString(), RepositoryID: rep.ID, EventType: domain.EventPush, CreatedAt: time.Now()}
	dup := domain.Build{
		ID:           uuid.NewString(),
		RepositoryID: rep.ID,
		Number:       "1",
		State:        domain.StateCreated,
		CommitID:     commit.ID,
		RequestID:    req.ID,
		CreatedAt:    time.Now(),
	}
	if err := r.CreateBuild(ctx, commit, req, dup, nil); err == nil {
		t.Fatalf("duplicate build number accepted")
	}

	var commits, requests int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM commits`).Scan(&commits); err != nil {
		t.Fatalf("count commits: %v", err)
	}
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests`).Scan(&requests); err != nil {
		t.Fatalf("count requests: %v", err)
	}
	if commits != 1 || requests != 1 {
		t.Fatalf("orphaned rows: %d commits, %d requests, want 1 each", commits, requests)
	}
}

func TestGetBuildNotFound(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.GetBuild(context.Background(), "nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListBuildsNewestFirstWithBranchFilter(t *testing.T) {
	r := newTestRepo(t)
	rep := seedRepository(t, r)
	ctx := context.Background()
	seedBuild(t, r, rep, "1", "main", domain.StateCreated, nil)
	seedBuild(t, r, rep, "2", "other", domain.StateCreated, nil)
	seedBuild(t, r, rep, "10", "main", domain.StateCreated, nil)

	all, err := r.ListBuilds(ctx, rep.ID, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].Number != "10" || all[2].Number != "1" {
		t.Fatalf("order = %v", buildNumbers(all))
	}

	main, err := r.ListBuilds(ctx, rep.ID, "main")
	if err != nil {
		t.Fatalf("list main: %v", err)
	}
	if len(main) != 2 || main[0].Number != "10" {
		t.Fatalf("main = %v", buildNumbers(main))
	}
}

func buildNumbers(bs []domain.Build) []string {
	var ns []string
	for _, b := range bs {
		ns = append(ns, b.Number)
	}
	return ns
}

func TestRepositoryKeyDecodes(t *testing.T) {
	r := newTestRepo(t)
	rep := seedRepository(t, r)
	key, err := r.RepositoryKey(context.Background(), rep.ID)
	if err != nil {
		t.Fatalf("repository key: %v", err)
	}
	if len(key) != vault.KeySize {
		t.Fatalf("key length = %d, want %d", len(key), vault.KeySize)
	}
}
