// Package config provides configuration types and loading for geon.
package config

// Config is the root configuration struct.
type Config struct {
	Store    StoreConfig    `json:"store"`
	Discord  DiscordConfig  `json:"discord"`
	Slack    SlackConfig    `json:"slack"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Audit    AuditConfig    `json:"audit"`
}

// StoreConfig locates the correlation database.
type StoreConfig struct {
	Path string `json:"path" envconfig:"STORE_PATH"`
}

// DiscordConfig configures the Discord connector.
type DiscordConfig struct {
	Enabled   bool   `json:"enabled" envconfig:"DISCORD_ENABLED"`
	Token     string `json:"token" envconfig:"DISCORD_TOKEN"`
	ChannelID string `json:"channelId" envconfig:"DISCORD_CHANNEL_ID"`
	Intents   int    `json:"intents,omitempty" envconfig:"DISCORD_INTENTS"`
}

// SlackConfig configures the Slack connector.
type SlackConfig struct {
	Enabled   bool   `json:"enabled" envconfig:"SLACK_ENABLED"`
	AppToken  string `json:"appToken" envconfig:"SLACK_APP_TOKEN"`
	BotToken  string `json:"botToken" envconfig:"SLACK_BOT_TOKEN"`
	ChannelID string `json:"channelId" envconfig:"SLACK_CHANNEL_ID"`
}

// WhatsAppConfig configures the WhatsApp connector.
type WhatsAppConfig struct {
	Enabled   bool   `json:"enabled" envconfig:"WHATSAPP_ENABLED"`
	ChatJID   string `json:"chatJid" envconfig:"WHATSAPP_CHAT_JID"`
	StorePath string `json:"storePath,omitempty" envconfig:"WHATSAPP_STORE_PATH"`
	QRPath    string `json:"qrPath,omitempty" envconfig:"WHATSAPP_QR_PATH"`
}

// AuditConfig configures the optional Kafka audit sink.
type AuditConfig struct {
	Enabled bool     `json:"enabled" envconfig:"AUDIT_ENABLED"`
	Brokers []string `json:"brokers" envconfig:"AUDIT_BROKERS"`
	Topic   string   `json:"topic" envconfig:"AUDIT_TOPIC"`
}
