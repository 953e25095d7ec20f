package domain

import (
	"errors"
	"time"

	"buildline/internal/config"
)

var (
	// ErrNotFound is returned when a repository, build or job does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAllocationConflict is returned when two writers raced for the same
	// build number. The operation is safe to retry.
	ErrAllocationConflict = errors.New("build number allocation conflict")
	// ErrInvariantViolation signals a malformed upstream job-state feed,
	// e.g. a build reaching a terminal state without ever starting.
	ErrInvariantViolation = errors.New("invariant violation")
)

// State is the lifecycle state shared by builds and jobs.
type State string

const (
	StateCreated  State = "created"
	StateStarted  State = "started"
	StatePassed   State = "passed"
	StateFailed   State = "failed"
	StateErrored  State = "errored"
	StateCanceled State = "canceled"
)

var states = map[State]struct{}{
	StateCreated:  {},
	StateStarted:  {},
	StatePassed:   {},
	StateFailed:   {},
	StateErrored:  {},
	StateCanceled: {},
}

// StateFromString converts a string to a State and reports whether it is known.
func StateFromString(s string) (State, bool) {
	state := State(s)
	_, known := states[state]
	return state, known
}

// Terminal reports whether no further automatic transitions occur from s.
func (s State) Terminal() bool {
	switch s {
	case StatePassed, StateFailed, StateErrored, StateCanceled:
		return true
	}
	return false
}

// Pending reports whether s is non-terminal.
func (s State) Pending() bool { return !s.Terminal() }

func (s State) Passed() bool { return s == StatePassed }

// Color maps a state to its display color: passed is green, any
// failure-class terminal state is red, pending states are yellow.
func (s State) Color() string {
	switch {
	case s == StatePassed:
		return "green"
	case s.Terminal():
		return "red"
	default:
		return "yellow"
	}
}

// worstRank orders terminal states so that aggregation picks the worst
// outcome: errored > failed > canceled > passed.
func worstRank(s State) int {
	switch s {
	case StateErrored:
		return 3
	case StateFailed:
		return 2
	case StateCanceled:
		return 1
	default:
		return 0
	}
}

// WorstState returns the worst terminal state among the given states.
// All-passed yields passed.
func WorstState(ss []State) State {
	worst := StatePassed
	for _, s := range ss {
		if worstRank(s) > worstRank(worst) {
			worst = s
		}
	}
	return worst
}

// EventType identifies the source of a build request.
type EventType string

const (
	EventPush        EventType = "push"
	EventPullRequest EventType = "pull_request"
	EventAPI         EventType = "api"
	EventCron        EventType = "cron"
)

var eventTypes = map[EventType]struct{}{
	EventPush:        {},
	EventPullRequest: {},
	EventAPI:         {},
	EventCron:        {},
}

// EventTypeFromString converts a string to an EventType and reports whether it is known.
func EventTypeFromString(s string) (EventType, bool) {
	et := EventType(s)
	_, known := eventTypes[et]
	return et, known
}

type Repository struct {
	ID        string
	Slug      string
	SecretKey string // base64-encoded per-repository encryption key
	CreatedAt time.Time
}

type Commit struct {
	ID           string
	RepositoryID string
	SHA          string
	Branch       string
	Message      string
}

type Request struct {
	ID               string
	RepositoryID     string
	EventType        EventType
	PullRequestTitle *string
	BaseRepositoryID string
	HeadRepositoryID string
	CreatedAt        time.Time
}

// Fork reports whether the request's pull request originates from a
// repository other than the one being built against.
func (r Request) Fork() bool {
	return r.HeadRepositoryID != "" && r.HeadRepositoryID != r.BaseRepositoryID
}

type Build struct {
	ID           string
	RepositoryID string
	Number       string // decimal string, unique per repository, assigned once
	State        State

	// PreviousState is the state of the most recent finished build on the
	// same branch, snapshot at creation time. Nil when the branch had no
	// finished builds.
	PreviousState *State

	CommitID         string
	RequestID        string
	Branch           string    // loaded from the commit
	EventType        EventType // loaded from the request
	PullRequestTitle *string   // loaded from the request, pull_request events only

	// Config is the normalized configuration, decoded once when the build
	// is loaded and owned by the value for its lifetime.
	Config    *config.Config
	RawConfig []byte

	StartedAt  *time.Time
	FinishedAt *time.Time
	Duration   *int64 // whole seconds, set only on finish
	CreatedAt  time.Time
}

// SecureEnvEnabled reports whether decrypted secure environment variables may
// be injected into the build's jobs. Fork pull requests never receive them.
func (b Build) SecureEnvEnabled(req Request) bool {
	return !(b.EventType == EventPullRequest && req.Fork())
}

type Job struct {
	ID       string
	BuildID  string
	Number   string // "<build number>.<position>", e.g. "42.1"
	Position int    // 1-based position within the matrix
	State    State

	Config    *config.Config
	RawConfig []byte

	StartedAt  *time.Time
	FinishedAt *time.Time
	Duration   *int64
	CreatedAt  time.Time
}

// Event is one row of the lifecycle event log.
type Event struct {
	ID      int64
	TS      time.Time
	Name    string
	Payload string // JSON
}
