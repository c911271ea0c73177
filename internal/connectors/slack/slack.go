// Package slack implements the Slack connector over Socket Mode for
// inbound events and the Web API for send/edit/delete. Threads stand in
// for reply references: a relayed reply lands in the target's thread.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/bygeon/geon/internal/relay"
)

// Config configures the Slack connector.
type Config struct {
	AppToken  string
	BotToken  string
	ChannelID string
	Logger    *slog.Logger
}

// Connector bridges one Slack channel. Message timestamps are Slack's
// native message ids.
type Connector struct {
	cfg  Config
	sink relay.EventSink
	log  *slog.Logger

	api  *slack.Client
	sock *socketmode.Client

	botUserID string
	sent      *relay.SeenSet
	inbound   *relay.SeenSet

	ready   atomic.Bool
	started atomic.Bool
	cancel  context.CancelFunc
}

// New creates the connector. sink receives normalized inbound events.
func New(cfg Config, sink relay.EventSink) *Connector {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		cfg:     cfg,
		sink:    sink,
		log:     logger.With("component", "slack"),
		sent:    relay.NewSeenSet(24 * time.Hour),
		inbound: relay.NewSeenSet(time.Hour),
	}
}

func (c *Connector) Name() string { return "slack" }

// Start authenticates and spawns the socket mode event loop.
func (c *Connector) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("slack: already started")
	}
	c.api = slack.New(c.cfg.BotToken, slack.OptionAppLevelToken(c.cfg.AppToken))
	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w: %v", relay.ErrAuthentication, err)
	}
	c.botUserID = auth.UserID
	c.sock = socketmode.New(c.api)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx)
	go func() {
		if err := c.sock.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			c.log.Error("socket mode ended", "error", err)
		}
	}()
	return nil
}

// Stop cancels the event loop.
func (c *Connector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Connector) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.sock.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnected:
				c.ready.Store(true)
				c.log.Info("socket mode connected")
			case socketmode.EventTypeEventsAPI:
				if evt.Request != nil {
					c.sock.Ack(*evt.Request)
				}
				ev, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok || ev.Type != slackevents.CallbackEvent {
					continue
				}
				if in, ok := ev.InnerEvent.Data.(*slackevents.MessageEvent); ok && in != nil {
					c.handleMessage(ctx, in)
				}
			}
		}
	}
}

func (c *Connector) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	if ev.Channel != c.cfg.ChannelID {
		return
	}
	switch ev.SubType {
	case "":
		if ev.BotID != "" || ev.User == c.botUserID || c.sent.Contains(ev.TimeStamp) {
			return
		}
		if c.inbound.CheckAndAdd(ev.TimeStamp) {
			return
		}
		msg := relay.Message{
			Origin:   c.Name(),
			OriginID: ev.TimeStamp,
			Author:   authorOf(ev),
			Text:     ev.Text,
		}
		// Replies land in the root message's thread; the thread timestamp
		// is the root's message id.
		if ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp {
			msg.ReplyToOriginID = ev.ThreadTimeStamp
		}
		c.sink.MessageCreated(ctx, msg)
	case "message_changed":
		if ev.Message == nil || ev.Message.BotID != "" || ev.Message.User == c.botUserID {
			return
		}
		if c.sent.Contains(ev.Message.Timestamp) {
			return
		}
		c.sink.MessageUpdated(ctx, c.Name(), ev.Message.Timestamp, ev.Message.Text)
	case "message_deleted":
		if ev.DeletedTimeStamp == "" || c.sent.Contains(ev.DeletedTimeStamp) {
			return
		}
		c.sink.MessageDeleted(ctx, c.Name(), ev.DeletedTimeStamp)
	}
}

// Send posts a new message and returns its timestamp id.
func (c *Connector) Send(ctx context.Context, msg relay.Message) (string, error) {
	return c.post(ctx, msg, "")
}

// SendReply posts a message into the thread rooted at refID.
func (c *Connector) SendReply(ctx context.Context, msg relay.Message, refID string) (string, error) {
	return c.post(ctx, msg, refID)
}

func (c *Connector) post(ctx context.Context, msg relay.Message, threadTS string) (string, error) {
	if !c.ready.Load() {
		return "", fmt.Errorf("slack send: %w", relay.ErrNotReady)
	}
	opts := []slack.MsgOption{slack.MsgOptionText(msg.Text, false)}
	if msg.Author != "" {
		opts = append(opts, slack.MsgOptionUsername(msg.Author))
	}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := c.api.PostMessageContext(ctx, c.cfg.ChannelID, opts...)
	if err != nil {
		return "", fmt.Errorf("slack send: %w", classify(err))
	}
	c.sent.Add(ts)
	return ts, nil
}

// Edit rewrites a previously sent message.
func (c *Connector) Edit(ctx context.Context, id, newText string) error {
	if !c.ready.Load() {
		return fmt.Errorf("slack edit: %w", relay.ErrNotReady)
	}
	_, _, _, err := c.api.UpdateMessageContext(ctx, c.cfg.ChannelID, id, slack.MsgOptionText(newText, false))
	if err != nil {
		return fmt.Errorf("slack edit %s: %w", id, classify(err))
	}
	return nil
}

// Delete removes a previously sent message.
func (c *Connector) Delete(ctx context.Context, id string) error {
	if !c.ready.Load() {
		return fmt.Errorf("slack delete: %w", relay.ErrNotReady)
	}
	if _, _, err := c.api.DeleteMessageContext(ctx, c.cfg.ChannelID, id); err != nil {
		return fmt.Errorf("slack delete %s: %w", id, classify(err))
	}
	return nil
}

// classify maps the Web API's string errors onto the relay error kinds.
func classify(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "message_not_found") || strings.Contains(msg, "cant_delete_message"):
		return fmt.Errorf("%w: %v", relay.ErrNotFound, err)
	case strings.Contains(msg, "invalid_auth") || strings.Contains(msg, "token_revoked"):
		return fmt.Errorf("%w: %v", relay.ErrAuthentication, err)
	default:
		return fmt.Errorf("%w: %v", relay.ErrTransport, err)
	}
}

func authorOf(ev *slackevents.MessageEvent) string {
	if ev.Username != "" {
		return ev.Username
	}
	return ev.User
}
