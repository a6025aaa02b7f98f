// Package sqlite is the default embedded SessionStore/SchedulerStore/
// DispatchStore backend, built on the pure-Go modernc.org/sqlite
// driver so the daemon never needs cgo to start.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/gorp/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	name TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL DEFAULT '',
	backend_kind TEXT NOT NULL DEFAULT '',
	workspace TEXT NOT NULL DEFAULT '',
	dispatch INTEGER NOT NULL DEFAULT 0,
	started INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS connection_bindings (
	platform TEXT NOT NULL,
	connection_id TEXT NOT NULL,
	session_name TEXT NOT NULL REFERENCES sessions(name) ON DELETE CASCADE,
	bound_at TEXT NOT NULL,
	PRIMARY KEY (platform, connection_id)
);
CREATE INDEX IF NOT EXISTS idx_connection_bindings_session ON connection_bindings(session_name);

CREATE TABLE IF NOT EXISTS settings (
	scope TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (scope, key)
);

CREATE TABLE IF NOT EXISTS agent_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_name TEXT NOT NULL REFERENCES sessions(name) ON DELETE CASCADE,
	role TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_history_session ON agent_history(session_name, id);

CREATE TABLE IF NOT EXISTS scheduled_prompts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_name TEXT NOT NULL,
	created_by TEXT NOT NULL,
	prompt TEXT NOT NULL,
	cron_expression TEXT NOT NULL DEFAULT '',
	timezone TEXT NOT NULL DEFAULT 'UTC',
	next_execution_at TEXT NOT NULL,
	last_executed_at TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	execution_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_prompts_due ON scheduled_prompts(next_execution_at) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_scheduled_prompts_channel ON scheduled_prompts(channel_name);

CREATE TABLE IF NOT EXISTS dispatch_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	verb TEXT NOT NULL,
	args TEXT NOT NULL DEFAULT '',
	sender TEXT NOT NULL,
	result TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dispatch_tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TEXT NOT NULL,
	completed_at TEXT
);
`

const timeLayout = time.RFC3339Nano

// Store is a SessionStore + SchedulerStore + DispatchStore backed by
// a single *sql.DB. modernc.org/sqlite serializes writes internally,
// but a process-wide mutex keeps multi-statement operations (like
// ClaimDue's update-then-select) atomic from the caller's point of
// view without reaching for an explicit transaction per call site.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (if necessary) and opens the sqlite database at path,
// applying the embedded schema, and returns a Store ready for use.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// AsStores bundles this backend behind the generic store.Stores
// aggregate.
func (s *Store) AsStores() store.Stores {
	return store.Stores{
		Sessions:  s,
		Scheduler: s,
		Dispatch:  s,
		Close:     s.Close,
	}
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeLayout, v.String)
	return t
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(timeLayout), Valid: true}
}

// --- SessionStore ---

func (s *Store) CreateSession(ctx context.Context, sess store.Session) error {
	name := store.NormalizeSessionName(sess.Name)
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (name, agent_id, backend_kind, workspace, dispatch, started, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		name, sess.AgentID, sess.BackendKind, sess.Workspace, boolToInt(sess.Dispatch), boolToInt(sess.Started),
		now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, name string) (store.Session, error) {
	name = store.NormalizeSessionName(name)
	row := s.db.QueryRowContext(ctx, `
		SELECT name, agent_id, backend_kind, workspace, dispatch, started, created_at, updated_at
		FROM sessions WHERE name = ?`, name)
	var sess store.Session
	var dispatch, started int
	var createdAt, updatedAt string
	if err := row.Scan(&sess.Name, &sess.AgentID, &sess.BackendKind, &sess.Workspace, &dispatch, &started, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return store.Session{}, store.ErrNotFound
		}
		return store.Session{}, err
	}
	sess.Dispatch = dispatch != 0
	sess.Started = started != 0
	sess.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	sess.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess store.Session) error {
	name := store.NormalizeSessionName(sess.Name)
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET agent_id = ?, backend_kind = ?, workspace = ?, dispatch = ?, started = ?, updated_at = ?
		WHERE name = ?`,
		sess.AgentID, sess.BackendKind, sess.Workspace, boolToInt(sess.Dispatch), boolToInt(sess.Started), now, name)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ResetSession atomically rotates a session's agent id and clears its
// started flag, used by orphan recovery.
func (s *Store) ResetSession(ctx context.Context, name, newAgentID string) error {
	name = store.NormalizeSessionName(name)
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET agent_id = ?, started = 0, updated_at = ? WHERE name = ?`,
		newAgentID, now, name)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) DeleteSession(ctx context.Context, name string) error {
	name = store.NormalizeSessionName(name)
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) ListSessions(ctx context.Context) ([]store.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, agent_id, backend_kind, workspace, dispatch, started, created_at, updated_at
		FROM sessions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Session
	for rows.Next() {
		var sess store.Session
		var dispatch, started int
		var createdAt, updatedAt string
		if err := rows.Scan(&sess.Name, &sess.AgentID, &sess.BackendKind, &sess.Workspace, &dispatch, &started, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		sess.Dispatch = dispatch != 0
		sess.Started = started != 0
		sess.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		sess.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) SetBinding(ctx context.Context, b store.ConnectionBinding) error {
	name := store.NormalizeSessionName(b.SessionName)
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connection_bindings (platform, connection_id, session_name, bound_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(platform, connection_id) DO UPDATE SET session_name = excluded.session_name, bound_at = excluded.bound_at`,
		b.Platform, b.ConnectionID, name, now)
	return err
}

func (s *Store) ClearBinding(ctx context.Context, platform, connectionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM connection_bindings WHERE platform = ? AND connection_id = ?`, platform, connectionID)
	return err
}

func (s *Store) GetBinding(ctx context.Context, platform, connectionID string) (store.ConnectionBinding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT platform, connection_id, session_name, bound_at
		FROM connection_bindings WHERE platform = ? AND connection_id = ?`, platform, connectionID)
	var b store.ConnectionBinding
	var boundAt string
	if err := row.Scan(&b.Platform, &b.ConnectionID, &b.SessionName, &boundAt); err != nil {
		if err == sql.ErrNoRows {
			return store.ConnectionBinding{}, store.ErrNotFound
		}
		return store.ConnectionBinding{}, err
	}
	b.BoundAt, _ = time.Parse(timeLayout, boundAt)
	return b, nil
}

func (s *Store) ListBindings(ctx context.Context, sessionName string) ([]store.ConnectionBinding, error) {
	name := store.NormalizeSessionName(sessionName)
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform, connection_id, session_name, bound_at
		FROM connection_bindings WHERE session_name = ?`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.ConnectionBinding
	for rows.Next() {
		var b store.ConnectionBinding
		var boundAt string
		if err := rows.Scan(&b.Platform, &b.ConnectionID, &b.SessionName, &boundAt); err != nil {
			return nil, err
		}
		b.BoundAt, _ = time.Parse(timeLayout, boundAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) GetSetting(ctx context.Context, scope, key string) (store.Setting, error) {
	row := s.db.QueryRowContext(ctx, `SELECT scope, key, value, updated_at FROM settings WHERE scope = ? AND key = ?`, scope, key)
	var st store.Setting
	var updatedAt string
	if err := row.Scan(&st.Scope, &st.Key, &st.Value, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return store.Setting{}, store.ErrNotFound
		}
		return store.Setting{}, err
	}
	st.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return st, nil
}

func (s *Store) SetSetting(ctx context.Context, st store.Setting) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (scope, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		st.Scope, st.Key, st.Value, now)
	return err
}

func (s *Store) AppendHistory(ctx context.Context, e store.AgentHistoryEntry) error {
	name := store.NormalizeSessionName(e.SessionName)
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_history (session_name, role, body, created_at) VALUES (?, ?, ?, ?)`,
		name, e.Role, e.Body, now)
	return err
}

func (s *Store) ReadHistory(ctx context.Context, sessionName string, limit int) ([]store.AgentHistoryEntry, error) {
	name := store.NormalizeSessionName(sessionName)
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_name, role, body, created_at FROM agent_history
		WHERE session_name = ? ORDER BY id DESC LIMIT ?`, name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.AgentHistoryEntry
	for rows.Next() {
		var e store.AgentHistoryEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.SessionName, &e.Role, &e.Body, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, e)
	}
	// reverse to chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// --- SchedulerStore ---

func (s *Store) CreateSchedule(ctx context.Context, p store.ScheduledPrompt) (int64, error) {
	now := time.Now().UTC().Format(timeLayout)
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_prompts (
			channel_name, created_by, prompt, cron_expression, timezone,
			next_execution_at, status, execution_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, 'active', 0, ?)`,
		store.NormalizeSessionName(p.ChannelName), p.CreatedBy, p.Prompt, p.CronExpression, p.Timezone,
		p.NextExecutionAt.UTC().Format(timeLayout), now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) scanSchedule(row interface {
	Scan(dest ...any) error
}) (store.ScheduledPrompt, error) {
	var p store.ScheduledPrompt
	var nextExec, createdAt string
	var lastExec, errMsg sql.NullString
	if err := row.Scan(&p.ID, &p.ChannelName, &p.CreatedBy, &p.Prompt, &p.CronExpression, &p.Timezone,
		&nextExec, &lastExec, &p.Status, &p.ExecutionCount, &errMsg, &createdAt); err != nil {
		return store.ScheduledPrompt{}, err
	}
	p.NextExecutionAt, _ = time.Parse(timeLayout, nextExec)
	p.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	p.LastExecutedAt = parseTimePtr(lastExec)
	if errMsg.Valid {
		p.ErrorMessage = errMsg.String
	}
	return p, nil
}

const scheduleColumns = `id, channel_name, created_by, prompt, cron_expression, timezone,
	next_execution_at, last_executed_at, status, execution_count, error_message, created_at`

func (s *Store) GetSchedule(ctx context.Context, id int64) (store.ScheduledPrompt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM scheduled_prompts WHERE id = ?`, id)
	p, err := s.scanSchedule(row)
	if err == sql.ErrNoRows {
		return store.ScheduledPrompt{}, store.ErrNotFound
	}
	return p, err
}

func (s *Store) ListSchedules(ctx context.Context) ([]store.ScheduledPrompt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM scheduled_prompts ORDER BY next_execution_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.ScheduledPrompt
	for rows.Next() {
		p, err := s.scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_prompts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ClaimDue mirrors gorp's original claim_due_schedules: an UPDATE
// tags every due row with a claim token (a fresh random UUID,
// stashed in error_message) before flipping it to
// "executing", then a SELECT against that exact token returns only
// the rows this call claimed. The token makes the two statements
// behave like one atomic claim even without a serializable
// transaction, because a second caller's UPDATE can only touch rows
// still in "active" status.
func (s *Store) ClaimDue(ctx context.Context, now time.Time) ([]store.ScheduledPrompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := uuid.NewString()
	nowStr := now.UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_prompts SET status = 'executing', error_message = ?
		WHERE status = 'active' AND next_execution_at <= ?`, token, nowStr)
	if err != nil {
		return nil, fmt.Errorf("claim due schedules: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM scheduled_prompts
		WHERE status = 'executing' AND error_message = ?`, token)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.ScheduledPrompt
	for rows.Next() {
		p, err := s.scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		p.ErrorMessage = "" // claim token is an implementation detail, not a real error
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) MarkExecuted(ctx context.Context, id int64, nextExecution *time.Time) error {
	now := time.Now().UTC().Format(timeLayout)
	if nextExecution != nil {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_prompts SET last_executed_at = ?, next_execution_at = ?,
				status = 'active', execution_count = execution_count + 1, error_message = NULL
			WHERE id = ?`, now, nextExecution.UTC().Format(timeLayout), id)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_prompts SET last_executed_at = ?, status = 'completed',
			execution_count = execution_count + 1, error_message = NULL
		WHERE id = ?`, now, id)
	return err
}

func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scheduled_prompts SET status = 'failed', error_message = ? WHERE id = ?`, errMsg, id)
	return err
}

// --- DispatchStore ---

func (s *Store) RecordEvent(ctx context.Context, e store.DispatchEvent) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_events (verb, args, sender, result, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.Verb, e.Args, e.Sender, e.Result, now)
	return err
}

func (s *Store) ListEvents(ctx context.Context, limit int) ([]store.DispatchEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, verb, args, sender, result, created_at FROM dispatch_events
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.DispatchEvent
	for rows.Next() {
		var e store.DispatchEvent
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Verb, &e.Args, &e.Sender, &e.Result, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CreateTask(ctx context.Context, t store.DispatchTask) (int64, error) {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_tasks (kind, payload, status, created_at) VALUES (?, ?, 'pending', ?)`,
		t.Kind, t.Payload, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status string) error {
	var completedAt sql.NullString
	if status == "done" || status == "failed" {
		completedAt = sql.NullString{String: time.Now().UTC().Format(timeLayout), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `UPDATE dispatch_tasks SET status = ?, completed_at = ? WHERE id = ?`, status, completedAt, id)
	return err
}

func (s *Store) ListTasks(ctx context.Context, status string) ([]store.DispatchTask, error) {
	query := `SELECT id, kind, payload, status, created_at, completed_at FROM dispatch_tasks`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.DispatchTask
	for rows.Next() {
		var t store.DispatchTask
		var createdAt string
		var completedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.Kind, &t.Payload, &t.Status, &createdAt, &completedAt); err != nil {
			return nil, err
		}
		t.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		t.CompletedAt = parseTimePtr(completedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
