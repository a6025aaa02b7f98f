package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gorp/internal/agentbackend"
	"github.com/nextlevelbuilder/gorp/internal/agentbackend/mock"
	"github.com/nextlevelbuilder/gorp/internal/agentbackend/subprocess"
	"github.com/nextlevelbuilder/gorp/internal/bus"
	"github.com/nextlevelbuilder/gorp/internal/channels"
	"github.com/nextlevelbuilder/gorp/internal/channels/discord"
	"github.com/nextlevelbuilder/gorp/internal/channels/slack"
	"github.com/nextlevelbuilder/gorp/internal/channels/telegram"
	"github.com/nextlevelbuilder/gorp/internal/channels/web"
	"github.com/nextlevelbuilder/gorp/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/gorp/internal/config"
	"github.com/nextlevelbuilder/gorp/internal/httpapi"
	"github.com/nextlevelbuilder/gorp/internal/mcpserver"
	"github.com/nextlevelbuilder/gorp/internal/orchestrator"
	"github.com/nextlevelbuilder/gorp/internal/scheduler"
	"github.com/nextlevelbuilder/gorp/internal/store"
	"github.com/nextlevelbuilder/gorp/internal/store/pg"
	"github.com/nextlevelbuilder/gorp/internal/store/sqlite"
	"github.com/nextlevelbuilder/gorp/internal/telemetry"
	"github.com/nextlevelbuilder/gorp/internal/warmsession"
)

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the Gorp daemon: bus, orchestrator, scheduler, webhook and MCP ingress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStartE()
		},
	}
}

// runStart is the default Run for the bare root command, matching the
// teacher's "no subcommand given means run the gateway" behavior.
func runStart() {
	if err := runStartE(); err != nil {
		slog.Error("gorp: fatal", "error", err)
		os.Exit(1)
	}
}

func runStartE() error {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		Headers:     cfg.Telemetry.Headers,
	})
	if err != nil {
		return fmt.Errorf("starting telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	stores, closeStore, err := openStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = closeStore() }()

	if err := ensureDispatchSession(ctx, stores.Sessions, cfg); err != nil {
		return fmt.Errorf("ensuring dispatch session: %w", err)
	}

	registry := buildBackendRegistry(cfg)

	b := bus.New(256)
	warm := warmsession.New(warmsession.Config{
		KeepAlive:       time.Hour,
		PreWarmLeadTime: time.Duration(cfg.Scheduler.PreWarmLeadMinutes) * time.Minute,
	}, registry, stores.Sessions)

	orch := orchestrator.New(orchestrator.Config{
		WorkspaceRoot:      cfg.Workspace,
		DefaultBackendKind: cfg.Backend.Kind,
	}, b, warm, &stores)

	sched, err := scheduler.New(scheduler.Config{
		Timezone:        cfg.Scheduler.Timezone,
		TickInterval:    time.Duration(cfg.Scheduler.TickIntervalSec) * time.Second,
		PreWarmLeadTime: time.Duration(cfg.Scheduler.PreWarmLeadMinutes) * time.Minute,
	}, b, warm, &stores)
	if err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	webhook := httpapi.New(httpapi.Config{
		Host:   cfg.Webhook.Host,
		Port:   cfg.Webhook.Port,
		APIKey: cfg.Webhook.APIKey,
	}, orch, &stores)

	mcp := mcpserver.New(mcpserver.Config{
		Host: cfg.MCP.Host,
		Port: cfg.MCP.Port,
	}, sched, b, &stores)

	gateway := buildChannelsManager(cfg, b, stores.Sessions)

	var unwatch func() error
	if v := os.Getenv("GORP_DISABLE_HOT_RELOAD"); v == "" {
		unwatch, err = config.Watch(resolveConfigPath(), cfg, func(reloaded *config.Config) {
			slog.Info("gorp: config reloaded", "hash", reloaded.Hash())
		})
		if err != nil {
			slog.Warn("gorp: config hot-reload disabled", "error", err)
		}
	}
	if unwatch != nil {
		defer func() { _ = unwatch() }()
	}

	if gateway.Len() > 0 {
		if err := gateway.Start(ctx); err != nil {
			return fmt.Errorf("starting gateway adapters: %w", err)
		}
		defer func() { _ = gateway.Stop(context.Background()) }()
	}

	errCh := make(chan error, 4)
	go func() { errCh <- orch.Run(ctx) }()
	go func() { sched.Run(ctx); errCh <- nil }()
	go func() { errCh <- webhook.Start(ctx) }()
	go func() { errCh <- mcp.Start(ctx) }()

	slog.Info("gorp: daemon started",
		"workspace", cfg.Workspace,
		"webhook_addr", fmt.Sprintf("%s:%d", cfg.Webhook.Host, cfg.Webhook.Port),
		"mcp_addr", fmt.Sprintf("%s:%d", cfg.MCP.Host, cfg.MCP.Port),
		"gateway_adapters", gateway.Len(),
	)

	select {
	case <-ctx.Done():
		slog.Info("gorp: shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("subsystem exited: %w", err)
		}
	}
	return nil
}

// openStores selects sqlite or postgres per cfg.Database.Driver,
// matching the teacher's standalone/managed mode split but collapsed
// to a single driver switch rather than two entirely separate startup
// paths, since Gorp has no standalone-vs-managed distinction.
func openStores(ctx context.Context, cfg *config.Config) (store.Stores, func() error, error) {
	switch cfg.Database.Driver {
	case "postgres":
		db, err := pg.Open(ctx, cfg.Database.PostgresDSN)
		if err != nil {
			return store.Stores{}, nil, err
		}
		stores := db.AsStores()
		return stores, db.Close, nil
	default:
		path := cfg.Database.SqlitePath
		if path == "" {
			path = ":memory:"
		}
		db, err := sqlite.Open(ctx, config.ExpandHome(path))
		if err != nil {
			return store.Stores{}, nil, err
		}
		stores := db.AsStores()
		return stores, db.Close, nil
	}
}

// buildBackendRegistry registers the configured default backend kind
// plus "mock" (test/demo use). subprocess.Factory expects
// cfg.Binary/cfg.Extra to already be populated per-call, but
// warmsession only ever sets WorkingDir (spec §5's workspace-per-
// session contract) — so the registered factory closes over the
// configured binary/env instead of relying on agentbackend.Config
// carrying them through.
func buildBackendRegistry(cfg *config.Config) *agentbackend.Registry {
	registry := agentbackend.NewRegistry(cfg.Backend.Kind)

	binary := cfg.Backend.Binary
	extra := cfg.Backend.Env
	registry.Register(subprocess.Kind, func(ctx context.Context, c agentbackend.Config) (agentbackend.Handle, error) {
		return subprocess.New(ctx, binary, c.WorkingDir, extra)
	})

	m := mock.New()
	registry.Register(mock.Kind, mock.NewFactory(m))

	return registry
}

// buildChannelsManager constructs one gateway adapter per enabled
// entry in cfg.Channels and registers it with a Manager. Credential
// validation failures (e.g. a missing token for an enabled platform)
// are logged and that single adapter is skipped rather than failing
// the whole daemon.
func buildChannelsManager(cfg *config.Config, b *bus.Bus, sessions store.SessionStore) *channels.Manager {
	mgr := channels.NewManager(b, sessions)

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			slog.Warn("gorp: telegram enabled but GORP_TELEGRAM_TOKEN is unset, skipping")
		} else if a, err := telegram.New(cfg.Channels.Telegram.Token, b, sessions); err != nil {
			slog.Error("gorp: telegram adapter setup failed", "error", err)
		} else {
			mgr.Register(a)
		}
	}

	if cfg.Channels.Discord.Enabled {
		if cfg.Channels.Discord.Token == "" {
			slog.Warn("gorp: discord enabled but GORP_DISCORD_TOKEN is unset, skipping")
		} else if a, err := discord.New(cfg.Channels.Discord.Token, b, sessions); err != nil {
			slog.Error("gorp: discord adapter setup failed", "error", err)
		} else {
			mgr.Register(a)
		}
	}

	if cfg.Channels.Slack.Enabled {
		if cfg.Channels.Slack.BotToken == "" || cfg.Channels.Slack.AppToken == "" {
			slog.Warn("gorp: slack enabled but bot/app token is unset, skipping")
		} else {
			mgr.Register(slack.New(cfg.Channels.Slack.BotToken, cfg.Channels.Slack.AppToken, b, sessions))
		}
	}

	if cfg.Channels.WhatsApp.Enabled {
		storePath := cfg.Channels.WhatsApp.StorePath
		if storePath == "" {
			storePath = filepath.Join(cfg.Workspace, "whatsapp.db")
		}
		mgr.Register(whatsapp.New(config.ExpandHome(storePath), b, sessions))
	}

	if cfg.Channels.Web.Enabled {
		mgr.Register(web.New(web.Config{
			Host:  cfg.Channels.Web.Host,
			Port:  cfg.Channels.Web.Port,
			Path:  cfg.Channels.Web.Path,
			Token: cfg.Channels.Web.Token,
		}, b, sessions))
	}

	return mgr
}

// ensureDispatchSession creates the singleton DISPATCH control-plane
// session on first run, matching spec §4.2's "DISPATCH always exists"
// invariant.
func ensureDispatchSession(ctx context.Context, sessions store.SessionStore, cfg *config.Config) error {
	_, err := sessions.GetSession(ctx, orchestrator.DispatchSessionName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	workspace := filepath.Join(cfg.Workspace, orchestrator.DispatchSessionName)
	if mkErr := os.MkdirAll(workspace, 0o755); mkErr != nil {
		return mkErr
	}
	return sessions.CreateSession(ctx, store.Session{
		Name:      orchestrator.DispatchSessionName,
		Workspace: workspace,
		Dispatch:  true,
	})
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
