package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/gorp/internal/store"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionCRUDRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, store.Session{Name: "Ops", Workspace: "/w/ops"}))

	got, err := s.GetSession(ctx, "OPS")
	require.NoError(t, err)
	assert.Equal(t, "ops", got.Name)
	assert.False(t, got.Started)
	assert.Empty(t, got.AgentID)

	got.AgentID = "agent-1"
	got.Started = true
	require.NoError(t, s.UpdateSession(ctx, got))

	reloaded, err := s.GetSession(ctx, "ops")
	require.NoError(t, err)
	assert.True(t, reloaded.Started)
	assert.Equal(t, "agent-1", reloaded.AgentID)

	list, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteSession(ctx, "ops"))
	_, err = s.GetSession(ctx, "ops")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSessionNameCaseFoldingRejectsDuplicates(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, store.Session{Name: "Ops", Workspace: "/w/ops"}))
	err := s.CreateSession(ctx, store.Session{Name: "ops", Workspace: "/w/ops2"})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestResetSessionClearsAgentIDAndStarted(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, store.Session{Name: "ops", Workspace: "/w/ops"}))
	sess, err := s.GetSession(ctx, "ops")
	require.NoError(t, err)
	sess.AgentID = "agent-1"
	sess.Started = true
	require.NoError(t, s.UpdateSession(ctx, sess))

	require.NoError(t, s.ResetSession(ctx, "ops", ""))

	reset, err := s.GetSession(ctx, "ops")
	require.NoError(t, err)
	assert.False(t, reset.Started)
	assert.Empty(t, reset.AgentID)
}

func TestConnectionBindingRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, store.Session{Name: "ops", Workspace: "/w/ops"}))

	require.NoError(t, s.SetBinding(ctx, store.ConnectionBinding{Platform: "telegram", ConnectionID: "chat-1", SessionName: "ops"}))
	b, err := s.GetBinding(ctx, "telegram", "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "ops", b.SessionName)

	require.NoError(t, s.ClearBinding(ctx, "telegram", "chat-1"))
	_, err = s.GetBinding(ctx, "telegram", "chat-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClaimDueNeverDoubleClaims(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := s.CreateSchedule(ctx, store.ScheduledPrompt{
		ChannelName:     "ops",
		CreatedBy:       "alice",
		Prompt:          "status check",
		NextExecutionAt: now.Add(-time.Minute),
	})
	require.NoError(t, err)

	first, err := s.ClaimDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, id, first[0].ID)
	assert.Empty(t, first[0].ErrorMessage, "claim token must not leak into the returned row")

	second, err := s.ClaimDue(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, second, "a row already claimed as executing must not be claimed again")
}

func TestMarkExecutedRearmsRecurringSchedules(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := s.CreateSchedule(ctx, store.ScheduledPrompt{
		ChannelName:     "ops",
		CreatedBy:       "alice",
		Prompt:          "daily standup",
		CronExpression:  "0 9 * * *",
		NextExecutionAt: now.Add(-time.Minute),
	})
	require.NoError(t, err)

	claimed, err := s.ClaimDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	next := now.Add(24 * time.Hour)
	require.NoError(t, s.MarkExecuted(ctx, id, &next))

	sched, err := s.GetSchedule(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "active", sched.Status)
	assert.Equal(t, 1, sched.ExecutionCount)
}

func TestMarkExecutedCompletesOneShotSchedules(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := s.CreateSchedule(ctx, store.ScheduledPrompt{
		ChannelName:     "ops",
		CreatedBy:       "alice",
		Prompt:          "one shot",
		NextExecutionAt: now.Add(-time.Minute),
	})
	require.NoError(t, err)

	_, err = s.ClaimDue(ctx, now)
	require.NoError(t, err)
	require.NoError(t, s.MarkExecuted(ctx, id, nil))

	sched, err := s.GetSchedule(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "completed", sched.Status)
}

func TestDispatchEventAndTaskRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.RecordEvent(ctx, store.DispatchEvent{Verb: "!create", Args: "ops", Sender: "alice"}))
	events, err := s.ListEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "!create", events[0].Verb)

	id, err := s.CreateTask(ctx, store.DispatchTask{Kind: "broadcast", Payload: "hello"})
	require.NoError(t, err)
	require.NoError(t, s.UpdateTaskStatus(ctx, id, "done"))

	tasks, err := s.ListTasks(ctx, "done")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.NotNil(t, tasks[0].CompletedAt)
}
