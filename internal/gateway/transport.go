package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/bygeon/geon/internal/relay"
)

// Stream is one established bidirectional frame connection.
type Stream interface {
	// ReadFrame blocks until the next frame arrives or the stream fails.
	ReadFrame() (*Frame, error)
	WriteFrame(f *Frame) error
	Close() error
}

// Dialer opens a Stream to a gateway endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Stream, error)
}

// Gateway close codes that mean the credential was rejected; retrying the
// same token is pointless.
var authCloseCodes = map[int]bool{4004: true}

// WebsocketDialer dials JSON-text websocket streams.
type WebsocketDialer struct{}

func (WebsocketDialer) Dial(ctx context.Context, url string) (Stream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", relay.ErrTransport, url, err)
	}
	return &wsStream{conn: conn}, nil
}

// wsStream serializes writes: the heartbeat timer and the session loop both
// write, and a websocket connection supports one concurrent writer.
type wsStream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *wsStream) ReadFrame() (*Frame, error) {
	var f Frame
	if err := s.conn.ReadJSON(&f); err != nil {
		if ce, ok := err.(*websocket.CloseError); ok && authCloseCodes[ce.Code] {
			return nil, fmt.Errorf("%w: close code %d: %v", relay.ErrAuthentication, ce.Code, ce.Text)
		}
		return nil, fmt.Errorf("%w: read: %v", relay.ErrTransport, err)
	}
	return &f, nil
}

func (s *wsStream) WriteFrame(f *Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("%w: write: %v", relay.ErrTransport, err)
	}
	return nil
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}
