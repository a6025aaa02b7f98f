package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/gorp/internal/agentbackend"
	"github.com/nextlevelbuilder/gorp/internal/agentbackend/mock"
	"github.com/nextlevelbuilder/gorp/internal/bus"
	"github.com/nextlevelbuilder/gorp/internal/store"
	"github.com/nextlevelbuilder/gorp/internal/store/sqlite"
	"github.com/nextlevelbuilder/gorp/internal/warmsession"
)

func newTestScheduler(t *testing.T) (*Scheduler, *bus.Bus, *store.Stores) {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	stores := db.AsStores()

	registry := agentbackend.NewRegistry(mock.Kind)
	registry.Register(mock.Kind, mock.NewFactory(mock.New()))

	b := bus.New(16)
	warm := warmsession.New(warmsession.Config{KeepAlive: time.Hour}, registry, stores.Sessions)

	sched, err := New(Config{Timezone: "UTC", TickInterval: time.Hour, PreWarmLeadTime: 5 * time.Minute}, b, warm, &stores)
	require.NoError(t, err)
	return sched, b, &stores
}

func TestCreateScheduleAcceptsRelativePhrase(t *testing.T) {
	sched, _, stores := newTestScheduler(t)
	ctx := context.Background()
	require.NoError(t, stores.Sessions.CreateSession(ctx, store.Session{Name: "ops", Workspace: t.TempDir()}))

	row, err := sched.CreateSchedule(ctx, "ops", "alice", "status check", "in 5 minutes")
	require.NoError(t, err)
	assert.False(t, row.IsRecurring())
	assert.WithinDuration(t, time.Now().UTC().Add(5*time.Minute), row.NextExecutionAt, 2*time.Second)
}

func TestCreateScheduleRejectsPastRelativeIsImpossibleButRejectsGarbage(t *testing.T) {
	sched, _, stores := newTestScheduler(t)
	ctx := context.Background()
	require.NoError(t, stores.Sessions.CreateSession(ctx, store.Session{Name: "ops", Workspace: t.TempDir()}))

	_, err := sched.CreateSchedule(ctx, "ops", "alice", "status check", "whenever works")
	assert.Error(t, err)
}

func TestCreateScheduleAcceptsRecurringEveryHour(t *testing.T) {
	sched, _, stores := newTestScheduler(t)
	ctx := context.Background()
	require.NoError(t, stores.Sessions.CreateSession(ctx, store.Session{Name: "ops", Workspace: t.TempDir()}))

	row, err := sched.CreateSchedule(ctx, "ops", "alice", "hourly check", "every hour")
	require.NoError(t, err)
	assert.True(t, row.IsRecurring())
	assert.Equal(t, "0 * * * *", row.CronExpression)
}

func TestTickPublishesDuePromptAndRearmsRecurring(t *testing.T) {
	sched, b, stores := newTestScheduler(t)
	ctx := context.Background()
	require.NoError(t, stores.Sessions.CreateSession(ctx, store.Session{Name: "ops", Workspace: t.TempDir()}))

	_, err := stores.Scheduler.CreateSchedule(ctx, store.ScheduledPrompt{
		ChannelName:     "ops",
		CreatedBy:       "alice",
		Prompt:          "daily standup",
		CronExpression:  "*/1 * * * *",
		NextExecutionAt: time.Now().UTC().Add(-time.Minute),
	})
	require.NoError(t, err)

	inbound := b.SubscribeInbound()
	defer inbound.Close()

	sched.tick(ctx)

	select {
	case env := <-inbound.C():
		assert.Equal(t, bus.TargetSession, env.Message.Target.Kind)
		assert.Equal(t, "ops", env.Message.Target.Name)
		assert.Equal(t, bus.SourceScheduler, env.Message.Source.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the scheduler to publish an inbound message")
	}

	// execute publishes before it rearms the row, so wait for the row to
	// leave "executing" before checking how it was rearmed.
	var schedules []store.ScheduledPrompt
	require.Eventually(t, func() bool {
		schedules, err = stores.Scheduler.ListSchedules(ctx)
		return err == nil && len(schedules) == 1 && schedules[0].Status != "executing"
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "active", schedules[0].Status)
	assert.Equal(t, 1, schedules[0].ExecutionCount)
	assert.True(t, schedules[0].NextExecutionAt.After(time.Now().UTC()))
}

func TestTickMarksFailedWhenSessionMissing(t *testing.T) {
	sched, _, stores := newTestScheduler(t)
	ctx := context.Background()

	id, err := stores.Scheduler.CreateSchedule(ctx, store.ScheduledPrompt{
		ChannelName:     "ghost",
		CreatedBy:       "alice",
		Prompt:          "will fail",
		NextExecutionAt: time.Now().UTC().Add(-time.Minute),
	})
	require.NoError(t, err)

	sched.tick(ctx)
	time.Sleep(50 * time.Millisecond)

	got, err := stores.Scheduler.GetSchedule(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
}

func TestPreWarmUpcomingWarmsSessionsWithinLeadWindow(t *testing.T) {
	sched, _, stores := newTestScheduler(t)
	ctx := context.Background()
	require.NoError(t, stores.Sessions.CreateSession(ctx, store.Session{Name: "ops", Workspace: t.TempDir()}))

	_, err := stores.Scheduler.CreateSchedule(ctx, store.ScheduledPrompt{
		ChannelName:     "ops",
		CreatedBy:       "alice",
		Prompt:          "soon",
		NextExecutionAt: time.Now().UTC().Add(2 * time.Minute),
	})
	require.NoError(t, err)

	sched.preWarmUpcoming(ctx, time.Now().UTC())

	assert.True(t, sched.warm.HasSession("ops"))
}

func TestPreWarmUpcomingSkipsSchedulesOutsideWindow(t *testing.T) {
	sched, _, stores := newTestScheduler(t)
	ctx := context.Background()
	require.NoError(t, stores.Sessions.CreateSession(ctx, store.Session{Name: "ops", Workspace: t.TempDir()}))

	_, err := stores.Scheduler.CreateSchedule(ctx, store.ScheduledPrompt{
		ChannelName:     "ops",
		CreatedBy:       "alice",
		Prompt:          "much later",
		NextExecutionAt: time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)

	sched.preWarmUpcoming(ctx, time.Now().UTC())

	assert.False(t, sched.warm.HasSession("ops"))
}
