// Package store defines the persistence contracts for gorp's session,
// binding, scheduling and dispatch data. Concrete backends live in
// sibling packages (sqlite, pg) and are selected at startup from
// config.DatabaseConfig.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by lookup methods when no row matches.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a write would violate a uniqueness
// invariant (e.g. creating a session name that already exists after
// case folding).
var ErrConflict = errors.New("store: conflict")

// NormalizeSessionName folds a session name to its canonical stored
// form. Session names are case-insensitive; the lower-case form is
// the form of record, and callers must normalize before every lookup
// or write so that "Ops" and "ops" collide rather than coexist.
func NormalizeSessionName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Session is a row in the sessions table: a named, durable agent
// workspace that a warm handle may or may not currently back.
type Session struct {
	Name        string
	AgentID     string // backend-assigned session/thread id, empty until first prompt
	BackendKind string // override of the configured default backend, empty = default
	Workspace   string // absolute path to the session's working directory
	Dispatch    bool   // true only for the singleton control-plane session
	Started     bool   // true once the backend has accepted a first prompt for AgentID
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ConnectionBinding maps one gateway connection (a platform + its
// platform-specific connection id, e.g. a Telegram chat or a Matrix
// room) to the session name it is currently bound to.
type ConnectionBinding struct {
	Platform     string
	ConnectionID string
	SessionName  string
	BoundAt      time.Time
}

// Setting is a scoped key/value pair. Scope is either "global" or a
// session name; session-scoped settings shadow global ones.
type Setting struct {
	Scope     string
	Key       string
	Value     string
	UpdatedAt time.Time
}

// AgentHistoryEntry records one turn of a session's interaction with
// its backend, for `!read` and audit purposes.
type AgentHistoryEntry struct {
	ID          int64
	SessionName string
	Role        string // "user" | "agent" | "system"
	Body        string
	CreatedAt   time.Time
}

// ScheduledPrompt is a row in scheduled_prompts: either a one-shot
// fire-at-time prompt or a recurring cron-driven one.
type ScheduledPrompt struct {
	ID               int64
	ChannelName      string // session name the prompt fires into
	CreatedBy        string
	Prompt           string
	CronExpression   string // empty for one-shot
	Timezone         string // IANA zone the cron expression is evaluated in
	NextExecutionAt  time.Time
	LastExecutedAt   *time.Time
	Status           string // "active" | "executing" | "completed" | "failed"
	ExecutionCount   int
	ErrorMessage     string // doubles as the claim token while Status == "executing"
	CreatedAt        time.Time
}

// IsRecurring reports whether this schedule fires more than once.
// The scheduler uses it after a claim to choose between rearming and
// completing the row; the pre-warm pass filters on Status alone and
// treats recurring and one-shot rows alike.
func (s ScheduledPrompt) IsRecurring() bool {
	return s.CronExpression != ""
}

// DispatchEvent is an immutable audit-log row: one entry per verb
// executed against the DISPATCH session.
type DispatchEvent struct {
	ID        int64
	Verb      string
	Args      string
	Sender    string
	Result    string
	CreatedAt time.Time
}

// DispatchTask is a longer-running unit of work kicked off by a
// DISPATCH verb (e.g. a `!broadcast` fan-out) that outlives the
// single request/response of the verb itself.
type DispatchTask struct {
	ID          int64
	Kind        string
	Payload     string
	Status      string // "pending" | "running" | "done" | "failed"
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// SessionStore persists sessions, connection bindings, settings and
// agent history.
type SessionStore interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, name string) (Session, error)
	UpdateSession(ctx context.Context, s Session) error
	DeleteSession(ctx context.Context, name string) error
	ListSessions(ctx context.Context) ([]Session, error)

	SetBinding(ctx context.Context, b ConnectionBinding) error
	ClearBinding(ctx context.Context, platform, connectionID string) error
	GetBinding(ctx context.Context, platform, connectionID string) (ConnectionBinding, error)
	ListBindings(ctx context.Context, sessionName string) ([]ConnectionBinding, error)

	GetSetting(ctx context.Context, scope, key string) (Setting, error)
	SetSetting(ctx context.Context, s Setting) error

	AppendHistory(ctx context.Context, e AgentHistoryEntry) error
	ReadHistory(ctx context.Context, sessionName string, limit int) ([]AgentHistoryEntry, error)

	// ResetSession atomically rotates a session's agent id and clears
	// its started flag. Used by orphan recovery: newAgentID may be
	// empty, in which case the session goes back to its pre-first-
	// prompt state entirely.
	ResetSession(ctx context.Context, name, newAgentID string) error
}

// SchedulerStore persists scheduled prompts and implements the
// atomic claim protocol the scheduler's tick loop relies on to avoid
// two ticks (or two processes) executing the same row twice.
type SchedulerStore interface {
	CreateSchedule(ctx context.Context, p ScheduledPrompt) (int64, error)
	GetSchedule(ctx context.Context, id int64) (ScheduledPrompt, error)
	ListSchedules(ctx context.Context) ([]ScheduledPrompt, error)
	DeleteSchedule(ctx context.Context, id int64) error

	// ClaimDue atomically transitions every "active" row whose
	// next_execution_at <= now to "executing", tagging each with a
	// per-call claim token, then returns the rows it claimed.
	// A schedule claimed by one caller cannot be claimed again until
	// MarkExecuted or MarkFailed resets its status.
	ClaimDue(ctx context.Context, now time.Time) ([]ScheduledPrompt, error)

	// MarkExecuted records a successful run. Recurring schedules
	// (nextExecution != nil) return to "active" with an advanced
	// next_execution_at; one-shot schedules (nextExecution == nil)
	// move to "completed".
	MarkExecuted(ctx context.Context, id int64, nextExecution *time.Time) error

	// MarkFailed records a failed run, leaving the schedule inspectable
	// via the error_message column.
	MarkFailed(ctx context.Context, id int64, errMsg string) error
}

// DispatchStore persists the DISPATCH audit log and background tasks.
type DispatchStore interface {
	RecordEvent(ctx context.Context, e DispatchEvent) error
	ListEvents(ctx context.Context, limit int) ([]DispatchEvent, error)

	CreateTask(ctx context.Context, t DispatchTask) (int64, error)
	UpdateTaskStatus(ctx context.Context, id int64, status string) error
	ListTasks(ctx context.Context, status string) ([]DispatchTask, error)
}

// Stores bundles the three store interfaces behind one handle so
// callers that need all three (cmd/, internal/orchestrator) can take
// a single constructor argument.
type Stores struct {
	Sessions  SessionStore
	Scheduler SchedulerStore
	Dispatch  DispatchStore
	Close     func() error
}
