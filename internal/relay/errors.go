package relay

import "errors"

// Shared error kinds. Callers classify failures with errors.Is; concrete
// connectors and stores wrap these with fmt.Errorf and %w.
var (
	// ErrNotFound means a lookup target is gone: no correlation row for a
	// native id, or the platform no longer has the message. Not fatal.
	ErrNotFound = errors.New("not found")

	// ErrNotReady means an outbound call was made before the connector
	// first reached its ready state.
	ErrNotReady = errors.New("connector not ready")

	// ErrStorage means the correlation store is unavailable. Fatal to the
	// affected dispatch call only.
	ErrStorage = errors.New("correlation store unavailable")

	// ErrTransport means a network or protocol failure on a connector.
	// Recovered by that connector's own reconnection.
	ErrTransport = errors.New("transport failure")

	// ErrAuthentication means the platform rejected the credential.
	// The affected connector stops retrying.
	ErrAuthentication = errors.New("authentication rejected")
)
