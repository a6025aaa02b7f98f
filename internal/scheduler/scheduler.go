// Package scheduler durably holds one-shot and cron-driven prompts,
// atomically claims the ones due to fire, re-injects them as inbound
// bus messages, and pre-warms their target sessions shortly
// beforehand (spec §4.5).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/gorp/internal/bus"
	"github.com/nextlevelbuilder/gorp/internal/orchestrator"
	"github.com/nextlevelbuilder/gorp/internal/store"
	"github.com/nextlevelbuilder/gorp/internal/warmsession"
)

// Config shapes the tick cadence and timezone the scheduler computes
// cron firings in.
type Config struct {
	Timezone        string
	TickInterval    time.Duration
	PreWarmLeadTime time.Duration
}

// Scheduler wraps internal/store's claim protocol in a tick loop.
type Scheduler struct {
	cfg    Config
	loc    *time.Location
	bus    *bus.Bus
	warm   *warmsession.Manager
	stores *store.Stores
}

// New builds a Scheduler. cfg.Timezone must be a valid IANA zone name;
// this is the same validation spec §4.5 requires at write time, so a
// bad config fails fast at startup rather than at the first tick.
func New(cfg Config, b *bus.Bus, warm *warmsession.Manager, stores *store.Stores) (*Scheduler, error) {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 60 * time.Second
	}
	if cfg.PreWarmLeadTime <= 0 {
		cfg.PreWarmLeadTime = 5 * time.Minute
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid timezone %q: %w", cfg.Timezone, err)
	}
	return &Scheduler{cfg: cfg, loc: loc, bus: b, warm: warm, stores: stores}, nil
}

// Run ticks every cfg.TickInterval until ctx is cancelled. Each tick
// claims and executes due schedules, then runs the pre-warm pass.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	due, err := s.stores.Scheduler.ClaimDue(ctx, now)
	if err != nil {
		slog.Error("scheduler: failed to claim due schedules", "error", err)
	} else {
		for _, sched := range due {
			go s.execute(ctx, sched)
		}
	}

	s.preWarmUpcoming(ctx, now)
}

// execute runs the pipeline in spec §4.5's "Execution pipeline":
// resolve target, write context file, expand slash commands, publish
// to the inbound bus, then rearm or complete the row.
func (s *Scheduler) execute(ctx context.Context, sched store.ScheduledPrompt) {
	sess, err := s.stores.Sessions.GetSession(ctx, sched.ChannelName)
	if err != nil {
		s.markFailed(ctx, sched.ID, fmt.Sprintf("target session %q no longer exists", sched.ChannelName))
		return
	}

	if err := orchestrator.WriteContextFile(sess.Workspace, "", sess.Name, sess.AgentID); err != nil {
		slog.Warn("scheduler: failed to write context file", "session", sess.Name, "error", err)
	}

	prompt := orchestrator.ExpandSlashCommands(sess.Workspace, sched.Prompt)

	sender := sched.CreatedBy
	if sender == "" {
		sender = "scheduler"
	}

	s.bus.PublishInbound(bus.BusMessage{
		ID:        fmt.Sprintf("sched-%d-%d", sched.ID, sched.ExecutionCount),
		Source:    bus.SchedulerSource(),
		Target:    bus.SessionTargetNamed(sess.Name),
		Sender:    sender,
		Body:      prompt,
		Timestamp: time.Now().UTC(),
	})

	if !sched.IsRecurring() {
		if err := s.stores.Scheduler.MarkExecuted(ctx, sched.ID, nil); err != nil {
			slog.Error("scheduler: failed to mark one-shot schedule executed", "id", sched.ID, "error", err)
		}
		return
	}

	next, err := NextCronFireInTZ(sched.CronExpression, s.loc, time.Now().UTC())
	if err != nil {
		s.markFailed(ctx, sched.ID, fmt.Sprintf("failed to compute next execution: %v", err))
		return
	}
	if err := s.stores.Scheduler.MarkExecuted(ctx, sched.ID, &next); err != nil {
		slog.Error("scheduler: failed to rearm recurring schedule", "id", sched.ID, "error", err)
	}
}

func (s *Scheduler) markFailed(ctx context.Context, id int64, reason string) {
	if err := s.stores.Scheduler.MarkFailed(ctx, id, reason); err != nil {
		slog.Error("scheduler: failed to record schedule failure", "id", id, "error", err)
	}
}

// preWarmUpcoming scans active rows whose next_execution_at falls in
// (now, now+lead] and pre-warms their target session. Failures are
// logged and never affect scheduling, per spec §4.5.
func (s *Scheduler) preWarmUpcoming(ctx context.Context, now time.Time) {
	cutoff := now.Add(s.cfg.PreWarmLeadTime)

	all, err := s.stores.Scheduler.ListSchedules(ctx)
	if err != nil {
		slog.Warn("scheduler: failed to list schedules for pre-warm pass", "error", err)
		return
	}

	for _, sched := range all {
		if sched.Status != "active" {
			continue
		}
		if !sched.NextExecutionAt.After(now) || sched.NextExecutionAt.After(cutoff) {
			continue
		}
		sess, err := s.stores.Sessions.GetSession(ctx, sched.ChannelName)
		if err != nil {
			continue
		}
		_, err = s.warm.PreWarm(ctx, warmsession.SessionTarget{
			Name:        sess.Name,
			Workspace:   sess.Workspace,
			BackendKind: sess.BackendKind,
			Started:     sess.Started,
			AgentID:     sess.AgentID,
		})
		if err != nil {
			slog.Warn("scheduler: pre-warm failed for upcoming schedule", "session", sess.Name, "error", err)
		}
	}
}

// CreateSchedule validates and writes a new schedule row from a raw
// writer-supplied expression (pre-validated cron, RFC3339 timestamp,
// or natural-language phrase — spec §4.5).
func (s *Scheduler) CreateSchedule(ctx context.Context, channelName, createdBy, prompt, timeExpr string) (store.ScheduledPrompt, error) {
	parsed, err := ParseTimeExpression(timeExpr, s.cfg.Timezone)
	if err != nil {
		return store.ScheduledPrompt{}, err
	}

	row := store.ScheduledPrompt{
		ChannelName: store.NormalizeSessionName(channelName),
		CreatedBy:   createdBy,
		Prompt:      prompt,
		Timezone:    s.cfg.Timezone,
	}
	if parsed.Recurring {
		row.CronExpression = parsed.Cron
		row.NextExecutionAt = parsed.Next
	} else {
		row.NextExecutionAt = parsed.At
	}

	id, err := s.stores.Scheduler.CreateSchedule(ctx, row)
	if err != nil {
		return store.ScheduledPrompt{}, err
	}
	row.ID = id
	return row, nil
}
