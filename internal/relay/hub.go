package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bygeon/geon/internal/audit"
)

// Hub owns the connector registry and the correlation store. It receives
// inbound events from any connector and fans them out, concurrently, to
// every other registered connector. Fan-out is best effort per platform:
// one slow or failed connector never blocks or fails delivery to the
// others. All Hub methods are safe for concurrent use.
type Hub struct {
	store CorrelationStore
	log   *slog.Logger
	sink  audit.Sink // optional

	mu     sync.RWMutex
	order  []Connector
	byName map[string]Connector
}

// NewHub creates a hub over the given store. sink may be nil.
func NewHub(store CorrelationStore, sink audit.Sink, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		store:  store,
		log:    logger.With("component", "hub"),
		sink:   sink,
		byName: make(map[string]Connector),
	}
}

// Register adds a connector under its platform name. Registration order is
// preserved for fan-out.
func (h *Hub) Register(c Connector) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	name := c.Name()
	if _, ok := h.byName[name]; ok {
		return fmt.Errorf("connector %q already registered", name)
	}
	h.byName[name] = c
	h.order = append(h.order, c)
	return nil
}

// Platforms returns the registered platform names in registration order.
func (h *Hub) Platforms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, len(h.order))
	for i, c := range h.order {
		names[i] = c.Name()
	}
	return names
}

// StartAll starts every registered connector. The first failure stops and
// is returned; already started connectors keep running.
func (h *Hub) StartAll(ctx context.Context) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.order {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		h.log.Info("connector started", "platform", c.Name())
	}
	return nil
}

// StopAll requests shutdown of every registered connector.
func (h *Hub) StopAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.order {
		c.Stop()
	}
}

// targets returns every registered connector except the named origin.
func (h *Hub) targets(origin string) []Connector {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Connector, 0, len(h.order))
	for _, c := range h.order {
		if c.Name() != origin {
			out = append(out, c)
		}
	}
	return out
}

// Dispatch relays a brand-new message: inserts its correlation row with the
// origin cell populated, then sends to every other connector concurrently,
// recording each returned id. Per-connector failures are logged and do not
// affect the others.
func (h *Hub) Dispatch(ctx context.Context, msg Message) error {
	trace := uuid.NewString()
	// Connectors deduplicate inbound delivery, but a row whose origin cell
	// already resolves means this native id was seen before.
	if _, found, err := h.store.FindByPlatformMessage(ctx, msg.Origin, msg.OriginID); err != nil {
		return fmt.Errorf("dispatch %s/%s: %w", msg.Origin, msg.OriginID, err)
	} else if found {
		h.log.Warn("duplicate dispatch ignored", "platform", msg.Origin, "native_id", msg.OriginID, "trace_id", trace)
		return nil
	}
	row, err := h.store.Insert(ctx, map[string]string{msg.Origin: msg.OriginID})
	if err != nil {
		return fmt.Errorf("dispatch %s/%s: %w", msg.Origin, msg.OriginID, err)
	}
	h.log.Info("dispatch", "platform", msg.Origin, "native_id", msg.OriginID, "author", msg.Author, "trace_id", trace)
	h.audit(ctx, audit.ActionDispatch, msg.Origin, msg.OriginID, trace, "")

	h.fanOut(h.targets(msg.Origin), func(c Connector) {
		id, err := c.Send(ctx, msg)
		if err != nil {
			h.dropped(ctx, trace, c.Name(), msg.OriginID, "send failed", err)
			return
		}
		if err := h.store.SetCell(ctx, row, c.Name(), id); err != nil {
			h.log.Error("record mirrored id", "platform", c.Name(), "native_id", id, "trace_id", trace, "error", err)
		}
	})
	return nil
}

// DispatchEdit propagates an edit observed on platform for nativeID. An
// edit with no matching row is dropped: there is nothing to mirror.
func (h *Hub) DispatchEdit(ctx context.Context, platform, nativeID, newText string) error {
	trace := uuid.NewString()
	cells, origin, ok, err := h.resolve(ctx, platform, nativeID)
	if err != nil {
		return fmt.Errorf("edit %s/%s: %w", platform, nativeID, err)
	}
	if !ok {
		h.dropped(ctx, trace, platform, nativeID, "edit for unknown message", nil)
		return nil
	}
	h.log.Info("dispatch edit", "platform", platform, "native_id", nativeID, "trace_id", trace)
	h.audit(ctx, audit.ActionEdit, platform, nativeID, trace, "")

	h.fanOut(h.targets(origin), func(c Connector) {
		id := cells[c.Name()]
		if id == "" {
			return
		}
		if err := c.Edit(ctx, id, newText); err != nil {
			if errors.Is(err, ErrNotFound) {
				h.log.Debug("edit target gone", "platform", c.Name(), "native_id", id, "trace_id", trace)
				return
			}
			h.dropped(ctx, trace, c.Name(), id, "edit failed", err)
		}
	})
	return nil
}

// DispatchDelete propagates a deletion observed on platform for nativeID.
// Idempotent under repeated delivery: the row is never removed, and
// ErrNotFound from an already-deleted mirror is not surfaced.
func (h *Hub) DispatchDelete(ctx context.Context, platform, nativeID string) error {
	trace := uuid.NewString()
	cells, origin, ok, err := h.resolve(ctx, platform, nativeID)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", platform, nativeID, err)
	}
	if !ok {
		h.dropped(ctx, trace, platform, nativeID, "delete for unknown message", nil)
		return nil
	}
	h.log.Info("dispatch delete", "platform", platform, "native_id", nativeID, "trace_id", trace)
	h.audit(ctx, audit.ActionDelete, platform, nativeID, trace, "")

	h.fanOut(h.targets(origin), func(c Connector) {
		id := cells[c.Name()]
		if id == "" {
			return
		}
		if err := c.Delete(ctx, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				h.log.Debug("delete target already gone", "platform", c.Name(), "native_id", id, "trace_id", trace)
				return
			}
			h.dropped(ctx, trace, c.Name(), id, "delete failed", err)
		}
	})
	return nil
}

// DispatchReply relays a message that replies to an earlier one. Each
// target whose connector can reference messages gets a referenced send
// aimed at its mirrored copy of the reply target; the rest get a plain
// send. The reply itself always becomes a new correlation row. When the
// reply target has no row the message falls back to a plain Dispatch.
func (h *Hub) DispatchReply(ctx context.Context, msg Message) error {
	if !msg.IsReply() {
		return h.Dispatch(ctx, msg)
	}
	trace := uuid.NewString()
	if _, found, err := h.store.FindByPlatformMessage(ctx, msg.Origin, msg.OriginID); err != nil {
		return fmt.Errorf("reply %s/%s: %w", msg.Origin, msg.OriginID, err)
	} else if found {
		h.log.Warn("duplicate dispatch ignored", "platform", msg.Origin, "native_id", msg.OriginID, "trace_id", trace)
		return nil
	}
	refRow, found, err := h.store.FindByPlatformMessage(ctx, msg.Origin, msg.ReplyToOriginID)
	if err != nil {
		return fmt.Errorf("reply %s/%s: %w", msg.Origin, msg.OriginID, err)
	}
	if !found {
		h.log.Debug("reply target unknown, relaying as plain message",
			"platform", msg.Origin, "reply_to", msg.ReplyToOriginID, "trace_id", trace)
		return h.Dispatch(ctx, msg)
	}
	refs, err := h.store.AllCells(ctx, refRow)
	if err != nil {
		return fmt.Errorf("reply %s/%s: %w", msg.Origin, msg.OriginID, err)
	}
	row, err := h.store.Insert(ctx, map[string]string{msg.Origin: msg.OriginID})
	if err != nil {
		return fmt.Errorf("reply %s/%s: %w", msg.Origin, msg.OriginID, err)
	}
	h.log.Info("dispatch reply", "platform", msg.Origin, "native_id", msg.OriginID, "reply_to", msg.ReplyToOriginID, "trace_id", trace)
	h.audit(ctx, audit.ActionReply, msg.Origin, msg.OriginID, trace, "reply_to="+msg.ReplyToOriginID)

	h.fanOut(h.targets(msg.Origin), func(c Connector) {
		var (
			id  string
			err error
		)
		if rs, ok := c.(ReplySender); ok && refs[c.Name()] != "" {
			id, err = rs.SendReply(ctx, msg, refs[c.Name()])
		} else {
			id, err = c.Send(ctx, msg)
		}
		if err != nil {
			h.dropped(ctx, trace, c.Name(), msg.OriginID, "reply send failed", err)
			return
		}
		if err := h.store.SetCell(ctx, row, c.Name(), id); err != nil {
			h.log.Error("record mirrored id", "platform", c.Name(), "native_id", id, "trace_id", trace, "error", err)
		}
	})
	return nil
}

// MessageCreated implements EventSink. Replies route through DispatchReply.
func (h *Hub) MessageCreated(ctx context.Context, msg Message) {
	var err error
	if msg.IsReply() {
		err = h.DispatchReply(ctx, msg)
	} else {
		err = h.Dispatch(ctx, msg)
	}
	if err != nil {
		h.log.Error("inbound message dropped", "platform", msg.Origin, "native_id", msg.OriginID, "error", err)
	}
}

// MessageUpdated implements EventSink.
func (h *Hub) MessageUpdated(ctx context.Context, platform, nativeID, newText string) {
	if err := h.DispatchEdit(ctx, platform, nativeID, newText); err != nil {
		h.log.Error("inbound edit dropped", "platform", platform, "native_id", nativeID, "error", err)
	}
}

// MessageDeleted implements EventSink.
func (h *Hub) MessageDeleted(ctx context.Context, platform, nativeID string) {
	if err := h.DispatchDelete(ctx, platform, nativeID); err != nil {
		h.log.Error("inbound delete dropped", "platform", platform, "native_id", nativeID, "error", err)
	}
}

// resolve locates the row for (platform, nativeID) and returns its cells
// and the platform that holds the looked-up id.
func (h *Hub) resolve(ctx context.Context, platform, nativeID string) (map[string]string, string, bool, error) {
	row, found, err := h.store.FindByPlatformMessage(ctx, platform, nativeID)
	if err != nil || !found {
		return nil, "", false, err
	}
	cells, err := h.store.AllCells(ctx, row)
	if err != nil {
		return nil, "", false, err
	}
	return cells, platform, true, nil
}

// fanOut runs op once per target concurrently and waits for all of them.
func (h *Hub) fanOut(targets []Connector, op func(Connector)) {
	var wg sync.WaitGroup
	for _, c := range targets {
		wg.Add(1)
		go func(c Connector) {
			defer wg.Done()
			op(c)
		}(c)
	}
	wg.Wait()
}

func (h *Hub) dropped(ctx context.Context, trace, platform, nativeID, detail string, err error) {
	if err != nil {
		h.log.Warn(detail, "platform", platform, "native_id", nativeID, "trace_id", trace, "error", err)
	} else {
		h.log.Warn(detail, "platform", platform, "native_id", nativeID, "trace_id", trace)
	}
	h.audit(ctx, audit.ActionDrop, platform, nativeID, trace, detail)
}

func (h *Hub) audit(ctx context.Context, action, platform, nativeID, trace, detail string) {
	if h.sink == nil {
		return
	}
	rec := audit.Record{
		Action:   action,
		Platform: platform,
		NativeID: nativeID,
		TraceID:  trace,
		Detail:   detail,
		Time:     time.Now(),
	}
	if err := h.sink.Publish(ctx, rec); err != nil {
		h.log.Warn("audit publish failed", "action", action, "trace_id", trace, "error", err)
	}
}
