// Package pg is the optional Postgres-backed SessionStore/
// SchedulerStore/DispatchStore, selected when config.DatabaseConfig
// carries a PostgresDSN. It implements the same contracts as
// internal/store/sqlite so the rest of gorp is indifferent to which
// backend is active.
package pg

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/gorp/internal/store"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store is a Postgres-backed implementation of store.SessionStore,
// store.SchedulerStore and store.DispatchStore.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, runs pending migrations, and returns a ready
// Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if err := migrateUp(dsn); err != nil {
		return nil, fmt.Errorf("migrate postgres schema: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func migrateUp(dsn string) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return err
	}
	db := stdlib.OpenDB(*mustParseConfig(dsn))
	defer db.Close()
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func mustParseConfig(dsn string) *pgx.ConnConfig {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		panic(fmt.Sprintf("pg: invalid dsn: %v", err))
	}
	return cfg
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

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

// --- SessionStore ---

func (s *Store) CreateSession(ctx context.Context, sess store.Session) error {
	name := store.NormalizeSessionName(sess.Name)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (name, agent_id, backend_kind, workspace, dispatch, started)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		name, sess.AgentID, sess.BackendKind, sess.Workspace, sess.Dispatch, sess.Started)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, name string) (store.Session, error) {
	name = store.NormalizeSessionName(name)
	var sess store.Session
	err := s.pool.QueryRow(ctx, `
		SELECT name, agent_id, backend_kind, workspace, dispatch, started, created_at, updated_at
		FROM sessions WHERE name = $1`, name).
		Scan(&sess.Name, &sess.AgentID, &sess.BackendKind, &sess.Workspace, &sess.Dispatch, &sess.Started, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrNotFound
		}
		return store.Session{}, err
	}
	return sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess store.Session) error {
	name := store.NormalizeSessionName(sess.Name)
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET agent_id = $1, backend_kind = $2, workspace = $3, dispatch = $4, started = $5, updated_at = now()
		WHERE name = $6`,
		sess.AgentID, sess.BackendKind, sess.Workspace, sess.Dispatch, sess.Started, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ResetSession atomically rotates a session's agent id and clears its
// started flag, used by orphan recovery.
func (s *Store) ResetSession(ctx context.Context, name, newAgentID string) error {
	name = store.NormalizeSessionName(name)
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET agent_id = $1, started = false, updated_at = now() WHERE name = $2`,
		newAgentID, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, name string) error {
	name = store.NormalizeSessionName(name)
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context) ([]store.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, agent_id, backend_kind, workspace, dispatch, started, created_at, updated_at
		FROM sessions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Session
	for rows.Next() {
		var sess store.Session
		if err := rows.Scan(&sess.Name, &sess.AgentID, &sess.BackendKind, &sess.Workspace, &sess.Dispatch, &sess.Started, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) SetBinding(ctx context.Context, b store.ConnectionBinding) error {
	name := store.NormalizeSessionName(b.SessionName)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO connection_bindings (platform, connection_id, session_name, bound_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (platform, connection_id) DO UPDATE SET session_name = excluded.session_name, bound_at = excluded.bound_at`,
		b.Platform, b.ConnectionID, name)
	return err
}

func (s *Store) ClearBinding(ctx context.Context, platform, connectionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM connection_bindings WHERE platform = $1 AND connection_id = $2`, platform, connectionID)
	return err
}

func (s *Store) GetBinding(ctx context.Context, platform, connectionID string) (store.ConnectionBinding, error) {
	var b store.ConnectionBinding
	err := s.pool.QueryRow(ctx, `
		SELECT platform, connection_id, session_name, bound_at
		FROM connection_bindings WHERE platform = $1 AND connection_id = $2`, platform, connectionID).
		Scan(&b.Platform, &b.ConnectionID, &b.SessionName, &b.BoundAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ConnectionBinding{}, store.ErrNotFound
		}
		return store.ConnectionBinding{}, err
	}
	return b, nil
}

func (s *Store) ListBindings(ctx context.Context, sessionName string) ([]store.ConnectionBinding, error) {
	name := store.NormalizeSessionName(sessionName)
	rows, err := s.pool.Query(ctx, `
		SELECT platform, connection_id, session_name, bound_at
		FROM connection_bindings WHERE session_name = $1`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.ConnectionBinding
	for rows.Next() {
		var b store.ConnectionBinding
		if err := rows.Scan(&b.Platform, &b.ConnectionID, &b.SessionName, &b.BoundAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) GetSetting(ctx context.Context, scope, key string) (store.Setting, error) {
	var st store.Setting
	err := s.pool.QueryRow(ctx, `SELECT scope, key, value, updated_at FROM settings WHERE scope = $1 AND key = $2`, scope, key).
		Scan(&st.Scope, &st.Key, &st.Value, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Setting{}, store.ErrNotFound
		}
		return store.Setting{}, err
	}
	return st, nil
}

func (s *Store) SetSetting(ctx context.Context, st store.Setting) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (scope, key, value, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (scope, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		st.Scope, st.Key, st.Value)
	return err
}

func (s *Store) AppendHistory(ctx context.Context, e store.AgentHistoryEntry) error {
	name := store.NormalizeSessionName(e.SessionName)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_history (session_name, role, body) VALUES ($1, $2, $3)`,
		name, e.Role, e.Body)
	return err
}

func (s *Store) ReadHistory(ctx context.Context, sessionName string, limit int) ([]store.AgentHistoryEntry, error) {
	name := store.NormalizeSessionName(sessionName)
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_name, role, body, created_at FROM agent_history
		WHERE session_name = $1 ORDER BY id DESC LIMIT $2`, name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.AgentHistoryEntry
	for rows.Next() {
		var e store.AgentHistoryEntry
		if err := rows.Scan(&e.ID, &e.SessionName, &e.Role, &e.Body, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// --- SchedulerStore ---

func (s *Store) CreateSchedule(ctx context.Context, p store.ScheduledPrompt) (int64, error) {
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO scheduled_prompts (channel_name, created_by, prompt, cron_expression, timezone, next_execution_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		store.NormalizeSessionName(p.ChannelName), p.CreatedBy, p.Prompt, p.CronExpression, p.Timezone, p.NextExecutionAt).
		Scan(&id)
	return id, err
}

const scheduleColumns = `id, channel_name, created_by, prompt, cron_expression, timezone,
	next_execution_at, last_executed_at, status, execution_count, error_message, created_at`

func scanSchedule(row pgx.Row) (store.ScheduledPrompt, error) {
	var p store.ScheduledPrompt
	var errMsg *string
	err := row.Scan(&p.ID, &p.ChannelName, &p.CreatedBy, &p.Prompt, &p.CronExpression, &p.Timezone,
		&p.NextExecutionAt, &p.LastExecutedAt, &p.Status, &p.ExecutionCount, &errMsg, &p.CreatedAt)
	if err != nil {
		return store.ScheduledPrompt{}, err
	}
	if errMsg != nil {
		p.ErrorMessage = *errMsg
	}
	return p, nil
}

func (s *Store) GetSchedule(ctx context.Context, id int64) (store.ScheduledPrompt, error) {
	p, err := scanSchedule(s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM scheduled_prompts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ScheduledPrompt{}, store.ErrNotFound
	}
	return p, err
}

func (s *Store) ListSchedules(ctx context.Context) ([]store.ScheduledPrompt, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+scheduleColumns+` FROM scheduled_prompts ORDER BY next_execution_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.ScheduledPrompt
	for rows.Next() {
		p, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSchedule(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scheduled_prompts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ClaimDue uses the same update-then-select claim-token protocol as
// internal/store/sqlite, wrapped in a transaction since Postgres
// gives us one cheaply and it closes the race window between the two
// statements entirely (sqlite falls back to a process-wide mutex for
// the same purpose since cross-connection transactions aren't in
// play there).
func (s *Store) ClaimDue(ctx context.Context, now time.Time) ([]store.ScheduledPrompt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	token := now.Format(time.RFC3339Nano)
	_, err = tx.Exec(ctx, `
		UPDATE scheduled_prompts SET status = 'executing', error_message = $1
		WHERE status = 'active' AND next_execution_at <= $2`, token, now)
	if err != nil {
		return nil, fmt.Errorf("claim due schedules: %w", err)
	}
	rows, err := tx.Query(ctx, `SELECT `+scheduleColumns+` FROM scheduled_prompts
		WHERE status = 'executing' AND error_message = $1`, token)
	if err != nil {
		return nil, err
	}
	var out []store.ScheduledPrompt
	for rows.Next() {
		p, err := scanSchedule(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		p.ErrorMessage = ""
		out = append(out, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, tx.Commit(ctx)
}

func (s *Store) MarkExecuted(ctx context.Context, id int64, nextExecution *time.Time) error {
	if nextExecution != nil {
		_, err := s.pool.Exec(ctx, `
			UPDATE scheduled_prompts SET last_executed_at = now(), next_execution_at = $1,
				status = 'active', execution_count = execution_count + 1, error_message = NULL
			WHERE id = $2`, *nextExecution, id)
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE scheduled_prompts SET last_executed_at = now(), status = 'completed',
			execution_count = execution_count + 1, error_message = NULL
		WHERE id = $1`, id)
	return err
}

func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.pool.Exec(ctx, `UPDATE scheduled_prompts SET status = 'failed', error_message = $1 WHERE id = $2`, errMsg, id)
	return err
}

// --- DispatchStore ---

func (s *Store) RecordEvent(ctx context.Context, e store.DispatchEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dispatch_events (verb, args, sender, result) VALUES ($1, $2, $3, $4)`,
		e.Verb, e.Args, e.Sender, e.Result)
	return err
}

func (s *Store) ListEvents(ctx context.Context, limit int) ([]store.DispatchEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, verb, args, sender, result, created_at FROM dispatch_events
		ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.DispatchEvent
	for rows.Next() {
		var e store.DispatchEvent
		if err := rows.Scan(&e.ID, &e.Verb, &e.Args, &e.Sender, &e.Result, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CreateTask(ctx context.Context, t store.DispatchTask) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO dispatch_tasks (kind, payload, status) VALUES ($1, $2, 'pending') RETURNING id`,
		t.Kind, t.Payload).Scan(&id)
	return id, err
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status string) error {
	var completedAt *time.Time
	if status == "done" || status == "failed" {
		now := time.Now().UTC()
		completedAt = &now
	}
	_, err := s.pool.Exec(ctx, `UPDATE dispatch_tasks SET status = $1, completed_at = $2 WHERE id = $3`, status, completedAt, id)
	return err
}

func (s *Store) ListTasks(ctx context.Context, status string) ([]store.DispatchTask, error) {
	query := `SELECT id, kind, payload, status, created_at, completed_at FROM dispatch_tasks`
	var rows pgx.Rows
	var err error
	if status != "" {
		rows, err = s.pool.Query(ctx, query+` WHERE status = $1 ORDER BY id DESC`, status)
	} else {
		rows, err = s.pool.Query(ctx, query+` ORDER BY id DESC`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.DispatchTask
	for rows.Next() {
		var t store.DispatchTask
		if err := rows.Scan(&t.ID, &t.Kind, &t.Payload, &t.Status, &t.CreatedAt, &t.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
