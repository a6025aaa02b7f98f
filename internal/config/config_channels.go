package config

// ChannelsConfig holds per-platform gateway adapter credentials.
// Only connection-level detail lives here; spec's Non-goals push the
// adapters themselves (and their platform SDKs) out of the core's
// required scope, so this config stays to "how do I connect."
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Slack    SlackConfig    `json:"slack,omitempty"`
	WhatsApp WhatsAppConfig `json:"whatsapp,omitempty"`
	Web      WebConfig      `json:"web,omitempty"`
}

// TelegramConfig configures the Telegram bot adapter (mymmrac/telego).
type TelegramConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"-"` // env GORP_TELEGRAM_TOKEN only
}

// DiscordConfig configures the Discord bot adapter (bwmarrin/discordgo).
type DiscordConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"-"` // env GORP_DISCORD_TOKEN only
}

// SlackConfig configures the Slack Socket Mode adapter (slack-go/slack).
type SlackConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	BotToken string `json:"-"` // env GORP_SLACK_BOT_TOKEN only
	AppToken string `json:"-"` // env GORP_SLACK_APP_TOKEN only (Socket Mode)
}

// WhatsAppConfig configures the WhatsApp adapter (go.mau.fi/whatsmeow).
// Device pairing is out of the core's scope; this is the interface
// contract stub spec's Non-goals allow for.
type WhatsAppConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	StorePath  string `json:"store_path,omitempty"`
}

// WebConfig configures the browser console adapter: a gorilla/websocket
// listener of its own, separate from the webhook/MCP HTTP surfaces so
// the console can be disabled without touching either of those ports.
type WebConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"` // default "/ws"
	Token   string `json:"-"`              // env GORP_WEB_TOKEN only
}

// AnyEnabled reports whether at least one gateway adapter is configured.
func (c ChannelsConfig) AnyEnabled() bool {
	return c.Telegram.Enabled || c.Discord.Enabled || c.Slack.Enabled || c.WhatsApp.Enabled || c.Web.Enabled
}
