package relay

import "context"

// Connector is the capability contract every platform adapter implements.
// Concrete connectors share no state, only this contract.
type Connector interface {
	// Name returns the stable platform name (e.g. "discord").
	Name() string
	// Start establishes connectivity and may spawn background activity.
	// Safe to call exactly once.
	Start(ctx context.Context) error
	// Stop requests graceful shutdown. It must not block indefinitely;
	// inbound events observed after Stop are dropped, not errored.
	Stop()
	// Send delivers a new message and returns the platform-assigned id.
	Send(ctx context.Context, msg Message) (string, error)
	// Edit mutates a previously sent message. Returns ErrNotFound if the
	// platform no longer has that id.
	Edit(ctx context.Context, platformMessageID, newText string) error
	// Delete removes a previously sent message. ErrNotFound is an
	// acceptable outcome (already deleted).
	Delete(ctx context.Context, platformMessageID string) error
}

// ReplySender is implemented by connectors that can send a message carrying
// an explicit reference to another message on their platform. Connectors
// without it degrade to a plain Send during reply fan-out.
type ReplySender interface {
	SendReply(ctx context.Context, msg Message, refID string) (string, error)
}

// EventSink receives normalized inbound events from connectors. The Hub
// implements it; connectors are handed one at construction time. Connectors
// must deduplicate before calling in: the same native id is reported at most
// once, and messages the hub itself caused to be sent are never reported.
type EventSink interface {
	MessageCreated(ctx context.Context, msg Message)
	MessageUpdated(ctx context.Context, platform, nativeID, newText string)
	MessageDeleted(ctx context.Context, platform, nativeID string)
}
