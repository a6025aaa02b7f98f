// Package config is Gorp's JSON configuration surface: a nested
// struct with json tags, loaded from a file and overlaid with
// environment variables, matching the teacher's Config/*Config
// pattern in shape even though the field set is Gorp's own.
package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON, kept
// from the teacher verbatim since allow-lists in chat platform config
// commonly arrive as numeric Telegram/Discord ids.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the Gorp daemon.
type Config struct {
	Workspace string          `json:"workspace"`
	Backend   BackendConfig   `json:"backend"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Webhook   WebhookConfig   `json:"webhook"`
	MCP       MCPConfig       `json:"mcp"`
	Channels  ChannelsConfig  `json:"channels"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`

	mu sync.RWMutex
}

// BackendConfig configures the default agent backend (spec §6's
// Agent Backend contract). Kind selects a registered
// internal/agentbackend factory; "subprocess" spawns Binary per
// session, "mock" is test-only.
type BackendConfig struct {
	Kind   string            `json:"kind"`
	Binary string            `json:"binary,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
}

// SchedulerConfig configures the NL/cron scheduler (spec §4.5).
type SchedulerConfig struct {
	Timezone           string `json:"timezone,omitempty"`
	TickIntervalSec     int    `json:"tick_interval_sec,omitempty"`
	PreWarmLeadMinutes int    `json:"pre_warm_lead_minutes,omitempty"`
}

// WebhookConfig configures the HTTP webhook ingress (spec §6).
type WebhookConfig struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	APIKey string `json:"-"` // secret: env GORP_WEBHOOK_KEY only, never persisted
}

// MCPConfig configures the MCP JSON-RPC ingress (spec §6).
type MCPConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DatabaseConfig selects and configures the session store backend.
// PostgresDSN is a secret: env-only, never persisted to config.json.
type DatabaseConfig struct {
	Driver      string `json:"driver,omitempty"` // "sqlite" (default) or "postgres"
	SqlitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"-"`
}

// TelemetryConfig configures OpenTelemetry trace export, exactly the
// shape the teacher already carries (ambient concern, untouched by
// spec's Non-goals).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// TailscaleConfig holds Tailscale tsnet listener settings. It is
// loaded, env-overridden and copied with the rest of Config, but no
// component in this repository starts a tsnet listener or reads it.
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // from env GORP_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's
// mutex — used by the hot-reload watcher to swap in a freshly loaded
// config without invalidating any pointer callers already hold.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Workspace = src.Workspace
	c.Backend = src.Backend
	c.Scheduler = src.Scheduler
	c.Webhook = src.Webhook
	c.MCP = src.MCP
	c.Channels = src.Channels
	c.Database = src.Database
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}

// Snapshot returns a copy of c safe to read without holding c's lock.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	cp.mu = sync.RWMutex{}
	return cp
}
