package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bygeon/geon/internal/relay"
)

// fakeStream is a scriptable Stream: tests push inbound frames and read
// back whatever the session writes.
type fakeStream struct {
	in  chan *Frame
	out chan *Frame

	once   sync.Once
	closed chan struct{}
	err    error
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		in:     make(chan *Frame, 16),
		out:    make(chan *Frame, 16),
		closed: make(chan struct{}),
	}
}

func (st *fakeStream) ReadFrame() (*Frame, error) {
	select {
	case f := <-st.in:
		return f, nil
	case <-st.closed:
		if st.err != nil {
			return nil, st.err
		}
		return nil, fmt.Errorf("%w: stream closed", relay.ErrTransport)
	}
}

func (st *fakeStream) WriteFrame(f *Frame) error {
	select {
	case st.out <- f:
		return nil
	case <-st.closed:
		return fmt.Errorf("%w: stream closed", relay.ErrTransport)
	}
}

func (st *fakeStream) Close() error {
	st.once.Do(func() { close(st.closed) })
	return nil
}

// failWith makes subsequent reads and writes return err.
func (st *fakeStream) failWith(err error) {
	st.err = err
	st.Close()
}

func (st *fakeStream) push(f *Frame) { st.in <- f }

// fakeDialer hands out streams in order, one per Dial.
type fakeDialer struct {
	streams chan *fakeStream
}

func newFakeDialer(streams ...*fakeStream) *fakeDialer {
	d := &fakeDialer{streams: make(chan *fakeStream, 8)}
	for _, st := range streams {
		d.streams <- st
	}
	return d
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Stream, error) {
	select {
	case st := <-d.streams:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func helloFrame(intervalMs int64) *Frame {
	raw, _ := json.Marshal(helloData{HeartbeatInterval: intervalMs})
	return &Frame{Op: OpHello, D: raw}
}

func readyFrame(sessionID string, seq int64) *Frame {
	raw, _ := json.Marshal(map[string]string{"session_id": sessionID})
	return &Frame{Op: OpDispatch, T: EventReady, S: &seq, D: raw}
}

func expectFrame(t *testing.T, st *fakeStream, op int) *Frame {
	t.Helper()
	select {
	case f := <-st.out:
		if f.Op != op {
			t.Fatalf("expected op %d, got %d", op, f.Op)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for op %d", op)
		return nil
	}
}

type runResult struct {
	done chan error
}

func startSession(t *testing.T, ctx context.Context, cfg Config) (*Session, runResult) {
	t.Helper()
	s := NewSession(cfg)
	res := runResult{done: make(chan error, 1)}
	go func() { res.done <- s.Run(ctx) }()
	return s, res
}

func waitDone(t *testing.T, res runResult) error {
	t.Helper()
	select {
	case err := <-res.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
		return nil
	}
}

func TestHandshakeIdentify(t *testing.T) {
	st := newFakeStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan string, 4)
	s, res := startSession(t, ctx, Config{
		Token:   "tok",
		Intents: 513,
		Dialer:  newFakeDialer(st),
		OnEvent: func(typ string, d json.RawMessage) { events <- typ },
	})

	st.push(helloFrame(60000))
	f := expectFrame(t, st, OpIdentify)
	var id identifyData
	if err := json.Unmarshal(f.D, &id); err != nil {
		t.Fatal(err)
	}
	if id.Token != "tok" || id.Intents != 513 {
		t.Fatalf("bad identify payload: %+v", id)
	}
	if id.Properties.Browser != "geon" || id.Properties.Device != "geon" {
		t.Fatalf("bad identify properties: %+v", id.Properties)
	}
	if id.LargeThreshold != 250 || id.Compress {
		t.Fatalf("bad identify payload: %+v", id)
	}

	if s.Ready() {
		t.Fatal("ready before first dispatch")
	}
	st.push(readyFrame("sess-1", 1))
	select {
	case typ := <-events:
		if typ != EventReady {
			t.Fatalf("unexpected event %q", typ)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ready event not delivered")
	}
	if !s.Ready() {
		t.Fatal("session should be ready")
	}
	if s.State() != StateReady {
		t.Fatalf("state %v, want Ready", s.State())
	}

	cancel()
	waitDone(t, res)
}

func TestHeartbeatCarriesSequence(t *testing.T) {
	st := newFakeStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan string, 4)
	_, res := startSession(t, ctx, Config{
		Dialer:  newFakeDialer(st),
		OnEvent: func(typ string, d json.RawMessage) { events <- typ },
	})

	st.push(helloFrame(50))
	expectFrame(t, st, OpIdentify)
	st.push(readyFrame("sess-1", 41))
	<-events

	beat := expectFrame(t, st, OpHeartbeat)
	if string(beat.D) != "41" {
		t.Fatalf("heartbeat payload %s, want last sequence", beat.D)
	}
	st.push(&Frame{Op: OpHeartbeatACK})
	expectFrame(t, st, OpHeartbeat)

	cancel()
	waitDone(t, res)
}

func TestMissedAckDropsStream(t *testing.T) {
	st1, st2 := newFakeStream(), newFakeStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, res := startSession(t, ctx, Config{
		Dialer:     newFakeDialer(st1, st2),
		MinBackoff: time.Millisecond,
	})

	st1.push(helloFrame(10))
	expectFrame(t, st1, OpIdentify)
	// Never acknowledge. The second tick finds no ack and tears the
	// stream down, which drives a reconnect onto the next stream.
	st2.push(helloFrame(60000))
	expectFrame(t, st2, OpIdentify)

	cancel()
	waitDone(t, res)
}

func TestServerRequestedHeartbeat(t *testing.T) {
	st := newFakeStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, res := startSession(t, ctx, Config{Dialer: newFakeDialer(st)})

	st.push(helloFrame(60000))
	expectFrame(t, st, OpIdentify)
	st.push(&Frame{Op: OpHeartbeat})
	expectFrame(t, st, OpHeartbeat)

	cancel()
	waitDone(t, res)
}

func TestResumeAfterDrop(t *testing.T) {
	st1, st2 := newFakeStream(), newFakeStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan string, 4)
	s, res := startSession(t, ctx, Config{
		Token:      "tok",
		Dialer:     newFakeDialer(st1, st2),
		MinBackoff: time.Millisecond,
		OnEvent:    func(typ string, d json.RawMessage) { events <- typ },
	})

	st1.push(helloFrame(60000))
	expectFrame(t, st1, OpIdentify)
	st1.push(readyFrame("sess-1", 5))
	<-events
	st1.Close()

	st2.push(helloFrame(60000))
	f := expectFrame(t, st2, OpResume)
	var r resumeData
	if err := json.Unmarshal(f.D, &r); err != nil {
		t.Fatal(err)
	}
	if r.SessionID != "sess-1" || r.Seq != 5 || r.Token != "tok" {
		t.Fatalf("bad resume payload: %+v", r)
	}

	// A replayed dispatch confirms the resume.
	seq := int64(6)
	st2.push(&Frame{Op: OpDispatch, T: "MESSAGE_CREATE", S: &seq, D: json.RawMessage(`{}`)})
	<-events
	if s.State() != StateReady {
		t.Fatalf("state %v, want Ready", s.State())
	}

	cancel()
	waitDone(t, res)
}

func TestUnansweredResumeFallsBackToIdentify(t *testing.T) {
	st1, st2, st3 := newFakeStream(), newFakeStream(), newFakeStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan string, 4)
	_, res := startSession(t, ctx, Config{
		Dialer:     newFakeDialer(st1, st2, st3),
		MinBackoff: time.Millisecond,
		OnEvent:    func(typ string, d json.RawMessage) { events <- typ },
	})

	st1.push(helloFrame(60000))
	expectFrame(t, st1, OpIdentify)
	st1.push(readyFrame("sess-1", 5))
	<-events
	st1.Close()

	// The resume attempt goes unanswered: the server drops the stream
	// before any dispatch arrives, so the session must identify fresh.
	st2.push(helloFrame(60000))
	expectFrame(t, st2, OpResume)
	st2.Close()

	st3.push(helloFrame(60000))
	expectFrame(t, st3, OpIdentify)

	cancel()
	waitDone(t, res)
}

func TestAuthenticationRejectionStops(t *testing.T) {
	st := newFakeStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, res := startSession(t, ctx, Config{Dialer: newFakeDialer(st)})

	st.push(helloFrame(60000))
	expectFrame(t, st, OpIdentify)
	st.failWith(fmt.Errorf("%w: close 4004", relay.ErrAuthentication))

	if err := waitDone(t, res); !errors.Is(err, relay.ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestServerReconnectRequest(t *testing.T) {
	st1, st2 := newFakeStream(), newFakeStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, res := startSession(t, ctx, Config{
		Dialer:     newFakeDialer(st1, st2),
		MinBackoff: time.Millisecond,
	})

	st1.push(helloFrame(60000))
	expectFrame(t, st1, OpIdentify)
	st1.push(&Frame{Op: OpReconnect})

	st2.push(helloFrame(60000))
	expectFrame(t, st2, OpIdentify)

	cancel()
	waitDone(t, res)
}

func TestCancelDuringBackoff(t *testing.T) {
	st := newFakeStream()
	st.failWith(errors.New("refused"))
	ctx, cancel := context.WithCancel(context.Background())

	_, res := startSession(t, ctx, Config{
		Dialer:     newFakeDialer(st),
		MinBackoff: time.Hour,
		MaxBackoff: time.Hour,
	})

	// Let the failed attempt land in the backoff wait, then cancel.
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := waitDone(t, res); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestBackoffCaps(t *testing.T) {
	s := NewSession(Config{MinBackoff: time.Second, MaxBackoff: 30 * time.Second})
	if got := s.backoff(0); got != time.Second {
		t.Fatalf("attempt 0: %v", got)
	}
	if got := s.backoff(3); got != 8*time.Second {
		t.Fatalf("attempt 3: %v", got)
	}
	if got := s.backoff(10); got != 30*time.Second {
		t.Fatalf("attempt 10: %v", got)
	}
	if got := s.backoff(100); got != 30*time.Second {
		t.Fatalf("attempt 100: %v", got)
	}
}
