package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bygeon/geon/internal/audit"
	"github.com/bygeon/geon/internal/config"
	"github.com/bygeon/geon/internal/connectors/discord"
	"github.com/bygeon/geon/internal/connectors/slack"
	"github.com/bygeon/geon/internal/connectors/whatsapp"
	"github.com/bygeon/geon/internal/relay"
	"github.com/bygeon/geon/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelay()
	},
}

func runRelay() error {
	logger := slog.Default()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var sink audit.Sink
	if cfg.Audit.Enabled {
		k := audit.NewKafka(cfg.Audit.Brokers, cfg.Audit.Topic)
		defer k.Close()
		sink = k
	}

	// The hub must be built before the connectors (they need its event
	// sink) but the store needs the platform list, so collect names first.
	var platforms []string
	if cfg.Discord.Enabled {
		platforms = append(platforms, "discord")
	}
	if cfg.Slack.Enabled {
		platforms = append(platforms, "slack")
	}
	if cfg.WhatsApp.Enabled {
		platforms = append(platforms, "whatsapp")
	}
	st, err := store.Open(cfg.Store.Path, platforms)
	if err != nil {
		return fmt.Errorf("open correlation store: %w", err)
	}
	defer st.Close()

	hub := relay.NewHub(st, sink, logger)
	if cfg.Discord.Enabled {
		c := discord.New(discord.Config{
			Token:     cfg.Discord.Token,
			ChannelID: cfg.Discord.ChannelID,
			Intents:   cfg.Discord.Intents,
			Logger:    logger,
		}, hub)
		if err := hub.Register(c); err != nil {
			return err
		}
	}
	if cfg.Slack.Enabled {
		c := slack.New(slack.Config{
			AppToken:  cfg.Slack.AppToken,
			BotToken:  cfg.Slack.BotToken,
			ChannelID: cfg.Slack.ChannelID,
			Logger:    logger,
		}, hub)
		if err := hub.Register(c); err != nil {
			return err
		}
	}
	if cfg.WhatsApp.Enabled {
		c := whatsapp.New(whatsapp.Config{
			ChatJID:   cfg.WhatsApp.ChatJID,
			StorePath: cfg.WhatsApp.StorePath,
			QRPath:    cfg.WhatsApp.QRPath,
			Logger:    logger,
		}, hub)
		if err := hub.Register(c); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := hub.StartAll(ctx); err != nil {
		hub.StopAll()
		return err
	}
	logger.Info("relay running", "platforms", platforms)
	<-ctx.Done()
	logger.Info("shutting down")
	hub.StopAll()
	return nil
}
