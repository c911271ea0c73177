package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() Config {
	cfg := Default()
	cfg.Discord = DiscordConfig{Enabled: true, Token: "d-tok", ChannelID: "chan"}
	cfg.Slack = SlackConfig{Enabled: true, AppToken: "xapp", BotToken: "xoxb", ChannelID: "C1"}
	return cfg
}

func writeConfig(t *testing.T, cfg Config) string {
	t.Helper()
	raw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Store.Path == "" {
		t.Fatal("expected default store path")
	}
	if cfg.Audit.Topic != "geon.relay" {
		t.Fatalf("unexpected audit topic %q", cfg.Audit.Topic)
	}
}

func TestLoadFromFile(t *testing.T) {
	want := validConfig()
	want.Store.Path = "/tmp/test.db"
	t.Setenv("GEON_CONFIG", writeConfig(t, want))

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Path != "/tmp/test.db" {
		t.Fatalf("store path %q", cfg.Store.Path)
	}
	if !cfg.Discord.Enabled || cfg.Discord.Token != "d-tok" {
		t.Fatalf("discord config %+v", cfg.Discord)
	}
	if cfg.Slack.ChannelID != "C1" {
		t.Fatalf("slack config %+v", cfg.Slack)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("GEON_CONFIG", writeConfig(t, validConfig()))
	t.Setenv("GEON_DISCORD_TOKEN", "from-env")
	t.Setenv("GEON_STORE_PATH", "/tmp/env.db")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Discord.Token != "from-env" {
		t.Fatalf("expected env token, got %q", cfg.Discord.Token)
	}
	if cfg.Store.Path != "/tmp/env.db" {
		t.Fatalf("expected env store path, got %q", cfg.Store.Path)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("GEON_CONFIG", filepath.Join(t.TempDir(), "absent.json"))
	t.Setenv("GEON_DISCORD_ENABLED", "true")
	t.Setenv("GEON_DISCORD_TOKEN", "tok")
	t.Setenv("GEON_DISCORD_CHANNEL_ID", "chan")
	t.Setenv("GEON_SLACK_ENABLED", "true")
	t.Setenv("GEON_SLACK_APP_TOKEN", "xapp")
	t.Setenv("GEON_SLACK_BOT_TOKEN", "xoxb")
	t.Setenv("GEON_SLACK_CHANNEL_ID", "C1")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Path == "" {
		t.Fatal("expected default store path to survive")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no store path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"single connector", func(c *Config) { c.Slack.Enabled = false }, "at least two"},
		{"discord missing token", func(c *Config) { c.Discord.Token = "" }, "discord.token"},
		{"discord missing channel", func(c *Config) { c.Discord.ChannelID = "" }, "discord.channelId"},
		{"slack missing tokens", func(c *Config) { c.Slack.BotToken = "" }, "slack.appToken"},
		{"slack missing channel", func(c *Config) { c.Slack.ChannelID = "" }, "slack.channelId"},
		{"whatsapp missing jid", func(c *Config) {
			c.Discord.Enabled = false
			c.WhatsApp.Enabled = true
		}, "whatsapp.chatJid"},
		{"audit missing brokers", func(c *Config) { c.Audit.Enabled = true }, "audit.brokers"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := validConfig()
	cfg.Discord.Token = "abcdefghijkl"
	red := cfg.Redacted()
	if red.Discord.Token != "abcd****ijkl" {
		t.Fatalf("redacted token %q", red.Discord.Token)
	}
	if red.Slack.BotToken != "****" {
		t.Fatalf("redacted short token %q", red.Slack.BotToken)
	}
	if cfg.Discord.Token != "abcdefghijkl" {
		t.Fatal("original mutated")
	}
}
