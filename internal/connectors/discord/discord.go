// Package discord implements the Discord connector: inbound events over
// the gateway protocol, outbound send/edit/delete over the REST API.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bygeon/geon/internal/gateway"
	"github.com/bygeon/geon/internal/relay"
)

const (
	DefaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"
	DefaultAPIBase    = "https://discord.com/api/v10"

	// GUILD_MESSAGES | MESSAGE_CONTENT
	defaultIntents = (1 << 9) | (1 << 15)
)

// Gateway event names this connector recognizes. Anything else is ignored.
const (
	eventMessageCreate = "MESSAGE_CREATE"
	eventMessageUpdate = "MESSAGE_UPDATE"
	eventMessageDelete = "MESSAGE_DELETE"
)

// Config configures the Discord connector.
type Config struct {
	Token     string
	ChannelID string
	Intents   int

	// Overridable for tests; zero values use the real endpoints.
	GatewayURL string
	APIBase    string
	Dialer     gateway.Dialer
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Connector bridges one Discord channel. Inbound events arrive on a
// gateway session; Send/Edit/Delete go through the REST API and fail with
// ErrNotReady until the session first reaches Ready.
type Connector struct {
	cfg     Config
	sink    relay.EventSink
	log     *slog.Logger
	session *gateway.Session
	http    *http.Client

	// sent holds ids this connector itself produced, so their create,
	// update and delete events are never reported back as foreign.
	// inbound deduplicates replayed create events.
	sent    *relay.SeenSet
	inbound *relay.SeenSet

	started atomic.Bool
	cancel  context.CancelFunc
}

// New creates the connector. sink receives normalized inbound events.
func New(cfg Config, sink relay.EventSink) *Connector {
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = DefaultGatewayURL
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.Intents == 0 {
		cfg.Intents = defaultIntents
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Connector{
		cfg:     cfg,
		sink:    sink,
		log:     logger.With("component", "discord"),
		http:    httpClient,
		sent:    relay.NewSeenSet(24 * time.Hour),
		inbound: relay.NewSeenSet(time.Hour),
	}
}

func (c *Connector) Name() string { return "discord" }

// Start spawns the gateway session. Safe to call exactly once.
func (c *Connector) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("discord: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.session = gateway.NewSession(gateway.Config{
		URL:     c.cfg.GatewayURL,
		Token:   c.cfg.Token,
		Intents: c.cfg.Intents,
		Dialer:  c.cfg.Dialer,
		Logger:  c.log,
		OnEvent: func(t string, d json.RawMessage) {
			c.handleEvent(runCtx, t, d)
		},
	})
	go func() {
		if err := c.session.Run(runCtx); err != nil && runCtx.Err() == nil {
			c.log.Error("gateway session ended", "error", err)
		}
	}()
	return nil
}

// Stop cancels the session, including any pending reconnect backoff.
func (c *Connector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Connector) handleEvent(ctx context.Context, t string, d json.RawMessage) {
	switch t {
	case eventMessageCreate:
		var ev messageEvent
		if err := json.Unmarshal(d, &ev); err != nil {
			c.log.Warn("bad message event", "event", t, "error", err)
			return
		}
		if ev.ID == "" || ev.ChannelID != c.cfg.ChannelID || ev.Author.Bot || c.sent.Contains(ev.ID) {
			return
		}
		if c.inbound.CheckAndAdd(ev.ID) {
			return
		}
		msg := relay.Message{
			Origin:   c.Name(),
			OriginID: ev.ID,
			Author:   ev.Author.Username,
			Text:     ev.Content,
		}
		if ev.ReferencedMessage != nil {
			msg.ReplyToOriginID = ev.ReferencedMessage.ID
		}
		c.sink.MessageCreated(ctx, msg)
	case eventMessageUpdate:
		var ev messageEvent
		if err := json.Unmarshal(d, &ev); err != nil {
			c.log.Warn("bad message event", "event", t, "error", err)
			return
		}
		if ev.ID == "" || ev.ChannelID != c.cfg.ChannelID || ev.Author.Bot || c.sent.Contains(ev.ID) {
			return
		}
		c.sink.MessageUpdated(ctx, c.Name(), ev.ID, ev.Content)
	case eventMessageDelete:
		var ev deleteEvent
		if err := json.Unmarshal(d, &ev); err != nil {
			c.log.Warn("bad message event", "event", t, "error", err)
			return
		}
		// A frame without an id has nothing to act on.
		if ev.ID == "" || ev.ChannelID != c.cfg.ChannelID || c.sent.Contains(ev.ID) {
			return
		}
		c.sink.MessageDeleted(ctx, c.Name(), ev.ID)
	}
}

// Send posts a new message and returns the id Discord assigned.
func (c *Connector) Send(ctx context.Context, msg relay.Message) (string, error) {
	return c.send(ctx, msg, "")
}

// SendReply posts a message referencing refID.
func (c *Connector) SendReply(ctx context.Context, msg relay.Message, refID string) (string, error) {
	return c.send(ctx, msg, refID)
}

func (c *Connector) send(ctx context.Context, msg relay.Message, refID string) (string, error) {
	if !c.ready() {
		return "", fmt.Errorf("discord send: %w", relay.ErrNotReady)
	}
	payload := map[string]any{"content": msg.Text}
	if refID != "" {
		payload["message_reference"] = map[string]any{"message_id": refID}
	}
	var res struct {
		ID string `json:"id"`
	}
	path := fmt.Sprintf("/channels/%s/messages", c.cfg.ChannelID)
	if err := c.do(ctx, http.MethodPost, path, payload, &res); err != nil {
		return "", fmt.Errorf("discord send: %w", err)
	}
	c.sent.Add(res.ID)
	return res.ID, nil
}

// Edit rewrites a previously sent message.
func (c *Connector) Edit(ctx context.Context, id, newText string) error {
	if !c.ready() {
		return fmt.Errorf("discord edit: %w", relay.ErrNotReady)
	}
	path := fmt.Sprintf("/channels/%s/messages/%s", c.cfg.ChannelID, id)
	if err := c.do(ctx, http.MethodPatch, path, map[string]any{"content": newText}, nil); err != nil {
		return fmt.Errorf("discord edit %s: %w", id, err)
	}
	return nil
}

// Delete removes a previously sent message.
func (c *Connector) Delete(ctx context.Context, id string) error {
	if !c.ready() {
		return fmt.Errorf("discord delete: %w", relay.ErrNotReady)
	}
	path := fmt.Sprintf("/channels/%s/messages/%s", c.cfg.ChannelID, id)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("discord delete %s: %w", id, err)
	}
	return nil
}

func (c *Connector) ready() bool {
	return c.session != nil && c.session.Ready()
}

func (c *Connector) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIBase+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", relay.ErrTransport, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return relay.ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", relay.ErrAuthentication, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: %s %s: status %d", relay.ErrTransport, method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", relay.ErrTransport, err)
		}
	}
	return nil
}

type messageAuthor struct {
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

type messageEvent struct {
	ID                string        `json:"id"`
	ChannelID         string        `json:"channel_id"`
	Content           string        `json:"content"`
	Author            messageAuthor `json:"author"`
	ReferencedMessage *struct {
		ID string `json:"id"`
	} `json:"referenced_message"`
}

type deleteEvent struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}
