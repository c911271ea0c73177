package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".geon"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// envPrefix namespaces all environment overrides (GEON_*).
	envPrefix = "geon"
)

// ConfigPath returns the path to the config file. GEON_CONFIG overrides the
// default ~/.geon/config.json.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("GEON_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// Default returns the built-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Store: StoreConfig{
			Path: filepath.Join(home, ConfigDir, "correlation.db"),
		},
		Audit: AuditConfig{
			Topic: "geon.relay",
		},
	}
}

// Load reads the config file (if present), overlays environment variables,
// and validates the result.
func Load() (Config, error) {
	cfg := Default()
	path, err := ConfigPath()
	if err != nil {
		return cfg, err
	}
	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	enabled := 0
	for _, on := range []bool{c.Discord.Enabled, c.Slack.Enabled, c.WhatsApp.Enabled} {
		if on {
			enabled++
		}
	}
	if enabled < 2 {
		return fmt.Errorf("a relay needs at least two enabled connectors")
	}
	if c.Discord.Enabled {
		if c.Discord.Token == "" {
			return fmt.Errorf("discord.token is required when discord is enabled")
		}
		if c.Discord.ChannelID == "" {
			return fmt.Errorf("discord.channelId is required when discord is enabled")
		}
	}
	if c.Slack.Enabled {
		if c.Slack.AppToken == "" || c.Slack.BotToken == "" {
			return fmt.Errorf("slack.appToken and slack.botToken are required when slack is enabled")
		}
		if c.Slack.ChannelID == "" {
			return fmt.Errorf("slack.channelId is required when slack is enabled")
		}
	}
	if c.WhatsApp.Enabled && c.WhatsApp.ChatJID == "" {
		return fmt.Errorf("whatsapp.chatJid is required when whatsapp is enabled")
	}
	if c.Audit.Enabled && len(c.Audit.Brokers) == 0 {
		return fmt.Errorf("audit.brokers is required when audit is enabled")
	}
	return nil
}

// Redacted returns a copy with credentials masked, for display.
func (c Config) Redacted() Config {
	out := c
	out.Discord.Token = redact(c.Discord.Token)
	out.Slack.AppToken = redact(c.Slack.AppToken)
	out.Slack.BotToken = redact(c.Slack.BotToken)
	return out
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
