// Package whatsapp implements the WhatsApp connector on top of whatsmeow.
// The session is persisted in sqlite; first-time pairing writes a QR code
// PNG to scan from the phone.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/skip2/go-qrcode"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/bygeon/geon/internal/relay"
)

// Config configures the WhatsApp connector.
type Config struct {
	// ChatJID is the group or contact the relay is bound to.
	ChatJID string
	// StorePath is the whatsmeow session database. Defaults to
	// ~/.geon/whatsapp.db.
	StorePath string
	// QRPath is where the pairing QR code PNG is written. Defaults to
	// ~/.geon/whatsapp-qr.png.
	QRPath string
	Logger *slog.Logger
}

// Connector bridges one WhatsApp chat.
type Connector struct {
	cfg  Config
	sink relay.EventSink
	log  *slog.Logger

	client    *whatsmeow.Client
	container *sqlstore.Container
	chat      types.JID

	inbound *relay.SeenSet

	ready   atomic.Bool
	started atomic.Bool
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
		log:     logger.With("component", "whatsapp"),
		inbound: relay.NewSeenSet(time.Hour),
	}
}

func (c *Connector) Name() string { return "whatsapp" }

// Start opens the session store, pairs if needed, and connects.
func (c *Connector) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("whatsapp: already started")
	}
	chat, err := types.ParseJID(c.cfg.ChatJID)
	if err != nil {
		return fmt.Errorf("whatsapp: invalid chat jid %q: %w", c.cfg.ChatJID, err)
	}
	c.chat = chat

	dbPath := c.cfg.StorePath
	if dbPath == "" {
		home, _ := os.UserHomeDir()
		dbPath = filepath.Join(home, ".geon", "whatsapp.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("whatsapp: create session dir: %w", err)
	}

	dbLog := waLog.Stdout("Database", "WARN", true)
	clientLog := waLog.Stdout("Client", "INFO", true)
	container, err := sqlstore.New(ctx, "sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbLog)
	if err != nil {
		return fmt.Errorf("whatsapp: init session db: %w", err)
	}
	c.container = container

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: get device: %w", err)
	}
	c.client = whatsmeow.NewClient(deviceStore, clientLog)
	c.client.AddEventHandler(c.handleEvent)

	if c.client.Store.ID == nil {
		// No session yet: show a QR code and wait for the phone to pair.
		qrChan, _ := c.client.GetQRChannel(ctx)
		if err := c.client.Connect(); err != nil {
			return fmt.Errorf("whatsapp: connect: %w", err)
		}
		qrPath := c.cfg.QRPath
		if qrPath == "" {
			home, _ := os.UserHomeDir()
			qrPath = filepath.Join(home, ".geon", "whatsapp-qr.png")
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 512, qrPath); err == nil {
					c.log.Info("pairing QR code written, scan it with your phone", "path", qrPath)
				}
			} else {
				c.log.Info("pairing event", "event", evt.Event)
			}
		}
	} else {
		if err := c.client.Connect(); err != nil {
			return fmt.Errorf("whatsapp: connect: %w", err)
		}
	}
	return nil
}

// Stop disconnects and closes the session store.
func (c *Connector) Stop() {
	if c.client != nil {
		c.client.Disconnect()
	}
	if c.container != nil {
		c.container.Close()
	}
}

func (c *Connector) handleEvent(evt interface{}) {
	ctx := context.Background()
	switch v := evt.(type) {
	case *events.Connected:
		c.ready.Store(true)
		c.log.Info("connected")
	case *events.LoggedOut:
		c.ready.Store(false)
		c.log.Error("logged out by server, pairing required", "reason", v.Reason)
	case *events.Message:
		// Own deliveries (including messages this relay sent) never come
		// back as foreign events.
		if v.Info.IsFromMe || v.Info.Chat != c.chat {
			return
		}
		if pm := v.Message.GetProtocolMessage(); pm != nil {
			c.handleProtocol(ctx, pm)
			return
		}
		if c.inbound.CheckAndAdd(v.Info.ID) {
			return
		}
		text, replyTo := extractText(v.Message)
		if text == "" {
			return
		}
		c.sink.MessageCreated(ctx, relay.Message{
			Origin:          c.Name(),
			OriginID:        v.Info.ID,
			Author:          v.Info.PushName,
			Text:            text,
			ReplyToOriginID: replyTo,
		})
	}
}

// handleProtocol maps WhatsApp's in-band edit and revoke messages onto
// relay edit and delete events.
func (c *Connector) handleProtocol(ctx context.Context, pm *waE2E.ProtocolMessage) {
	id := pm.GetKey().GetID()
	if id == "" {
		return
	}
	switch pm.GetType() {
	case waE2E.ProtocolMessage_MESSAGE_EDIT:
		edited, _ := extractText(pm.GetEditedMessage())
		if edited == "" {
			return
		}
		c.sink.MessageUpdated(ctx, c.Name(), id, edited)
	case waE2E.ProtocolMessage_REVOKE:
		c.sink.MessageDeleted(ctx, c.Name(), id)
	}
}

// Send delivers a new message and returns the id WhatsApp assigned.
func (c *Connector) Send(ctx context.Context, msg relay.Message) (string, error) {
	if !c.ready.Load() {
		return "", fmt.Errorf("whatsapp send: %w", relay.ErrNotReady)
	}
	waMsg := &waE2E.Message{Conversation: proto.String(msg.Text)}
	resp, err := c.client.SendMessage(ctx, c.chat, waMsg)
	if err != nil {
		return "", fmt.Errorf("whatsapp send: %w: %v", relay.ErrTransport, err)
	}
	return string(resp.ID), nil
}

// SendReply delivers a message quoting refID.
func (c *Connector) SendReply(ctx context.Context, msg relay.Message, refID string) (string, error) {
	if !c.ready.Load() {
		return "", fmt.Errorf("whatsapp send: %w", relay.ErrNotReady)
	}
	waMsg := &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(msg.Text),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:      proto.String(refID),
				Participant:   proto.String(c.chat.String()),
				QuotedMessage: &waE2E.Message{Conversation: proto.String("")},
			},
		},
	}
	resp, err := c.client.SendMessage(ctx, c.chat, waMsg)
	if err != nil {
		return "", fmt.Errorf("whatsapp send: %w: %v", relay.ErrTransport, err)
	}
	return string(resp.ID), nil
}

// Edit rewrites a previously sent message in place.
func (c *Connector) Edit(ctx context.Context, id, newText string) error {
	if !c.ready.Load() {
		return fmt.Errorf("whatsapp edit: %w", relay.ErrNotReady)
	}
	edit := c.client.BuildEdit(c.chat, types.MessageID(id), &waE2E.Message{
		Conversation: proto.String(newText),
	})
	if _, err := c.client.SendMessage(ctx, c.chat, edit); err != nil {
		return fmt.Errorf("whatsapp edit %s: %w: %v", id, relay.ErrTransport, err)
	}
	return nil
}

// Delete revokes a previously sent message.
func (c *Connector) Delete(ctx context.Context, id string) error {
	if !c.ready.Load() {
		return fmt.Errorf("whatsapp delete: %w", relay.ErrNotReady)
	}
	revoke := c.client.BuildRevoke(c.chat, types.EmptyJID, types.MessageID(id))
	if _, err := c.client.SendMessage(ctx, c.chat, revoke); err != nil {
		return fmt.Errorf("whatsapp delete %s: %w: %v", id, relay.ErrTransport, err)
	}
	return nil
}

// extractText pulls the text body and quoted-message id out of an inbound
// message.
func extractText(m *waE2E.Message) (text, replyTo string) {
	if m == nil {
		return "", ""
	}
	if conv := m.GetConversation(); conv != "" {
		return conv, ""
	}
	if ext := m.GetExtendedTextMessage(); ext != nil {
		return ext.GetText(), ext.GetContextInfo().GetStanzaID()
	}
	return "", ""
}
