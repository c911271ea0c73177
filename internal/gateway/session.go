package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bygeon/geon/internal/relay"
)

// EventReady is the dispatch event that confirms authentication and carries
// the resume session id.
const EventReady = "READY"

// Config configures a gateway Session.
type Config struct {
	URL     string
	Token   string
	Intents int
	Dialer  Dialer
	Logger  *slog.Logger

	// OnEvent is invoked from the session loop for every DISPATCH frame.
	OnEvent func(t string, d json.RawMessage)
	// OnStateChange is an optional hook observing every state transition.
	OnStateChange func(State)

	// Reconnect backoff bounds. Zero values mean 1s and 60s.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Session runs the gateway protocol over a long-lived stream:
//
//	Disconnected → Connecting → AwaitingHello → Authenticating → Ready
//	                     ↑            (Reconnecting) ←──────────────┘
//
// Liveness failures and stream closures reconnect with capped exponential
// backoff, resuming the prior session when eligible. Cancelling the Run
// context stops the session for good.
type Session struct {
	cfg Config
	log *slog.Logger

	state     atomic.Int32
	seq       atomic.Int64
	hasSeq    atomic.Bool
	acked     atomic.Bool
	everReady atomic.Bool

	mu        sync.Mutex
	sessionID string
}

// NewSession creates a session. It does nothing until Run is called.
func NewSession(cfg Config) *Session {
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	return &Session{cfg: cfg, log: logger.With("component", "gateway")}
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Ready reports whether the session has reached Ready at least once.
// Outbound platform calls are rejected until it has.
func (s *Session) Ready() bool {
	return s.everReady.Load()
}

// Run connects and services the gateway until ctx is cancelled or the
// credential is rejected. There is no retry limit: a long platform outage
// is tolerated indefinitely, each attempt logged.
func (s *Session) Run(ctx context.Context) error {
	defer s.setState(StateDisconnected)
	attempt := 0
	for {
		helloSeen, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, relay.ErrAuthentication) {
			s.log.Error("authentication rejected, not retrying", "error", err)
			return err
		}
		if helloSeen {
			attempt = 0
		}
		s.setState(StateReconnecting)
		delay := s.backoff(attempt)
		attempt++
		s.log.Warn("gateway connection lost", "error", err, "retry_in", delay, "attempt", attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runOnce services a single stream from dial to failure. helloSeen reports
// whether the handshake got far enough to reset the backoff.
func (s *Session) runOnce(ctx context.Context) (helloSeen bool, err error) {
	s.setState(StateConnecting)
	stream, err := s.cfg.Dialer.Dial(ctx, s.cfg.URL)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	// Unblock ReadFrame promptly when the session is stopped.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-done:
		}
	}()

	s.setState(StateAwaitingHello)
	f, err := stream.ReadFrame()
	if err != nil {
		return false, err
	}
	if f.Op != OpHello {
		return false, fmt.Errorf("%w: expected hello, got op %d", relay.ErrTransport, f.Op)
	}
	var hello helloData
	if err := json.Unmarshal(f.D, &hello); err != nil {
		return false, fmt.Errorf("%w: hello payload: %v", relay.ErrTransport, err)
	}
	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		return false, fmt.Errorf("%w: bad heartbeat interval %d", relay.ErrTransport, hello.HeartbeatInterval)
	}

	s.setState(StateAuthenticating)
	resumed, err := s.authenticate(stream)
	if err != nil {
		return true, err
	}
	// A resume the server never answered with a dispatch is treated as
	// rejected: the next attempt identifies from scratch.
	defer func() {
		if resumed && s.State() == StateAuthenticating {
			s.clearResumeState()
		}
	}()

	// One missing acknowledgment between ticks is a liveness failure; the
	// loop tears the stream down, failing the read below.
	s.acked.Store(true)
	hbDone := make(chan struct{})
	defer close(hbDone)
	go s.heartbeatLoop(stream, interval, hbDone)

	for {
		f, err := stream.ReadFrame()
		if err != nil {
			return true, err
		}
		switch f.Op {
		case OpHeartbeatACK:
			s.acked.Store(true)
		case OpHeartbeat:
			// Server-requested beat, answered immediately.
			if err := s.sendHeartbeat(stream); err != nil {
				return true, err
			}
		case OpReconnect:
			return true, fmt.Errorf("%w: server requested reconnect", relay.ErrTransport)
		case OpDispatch:
			if f.S != nil {
				s.seq.Store(*f.S)
				s.hasSeq.Store(true)
			}
			s.handleDispatch(f)
		default:
			// Unrecognized opcodes are ignored, not fatal.
		}
	}
}

// authenticate sends RESUME when a prior session is resumable, otherwise a
// fresh IDENTIFY.
func (s *Session) authenticate(stream Stream) (resumed bool, err error) {
	if id, seq, ok := s.resumeState(); ok {
		s.log.Info("resuming session", "session_id", id, "seq", seq)
		f, err := marshalFrame(OpResume, resumeData{Token: s.cfg.Token, SessionID: id, Seq: seq})
		if err != nil {
			return false, err
		}
		return true, stream.WriteFrame(f)
	}
	f, err := marshalFrame(OpIdentify, identifyData{
		Token: s.cfg.Token,
		Properties: identifyProperties{
			OS:      "linux",
			Browser: "geon",
			Device:  "geon",
		},
		LargeThreshold: 250,
		Compress:       false,
		Intents:        s.cfg.Intents,
	})
	if err != nil {
		return false, err
	}
	return false, stream.WriteFrame(f)
}

func (s *Session) handleDispatch(f *Frame) {
	if f.T == EventReady {
		var d struct {
			SessionID string `json:"session_id"`
		}
		_ = json.Unmarshal(f.D, &d)
		if d.SessionID != "" {
			s.mu.Lock()
			s.sessionID = d.SessionID
			s.mu.Unlock()
		}
	}
	// The first dispatch confirms authentication, for both the identify
	// path (READY event) and a replay after resume.
	if s.State() == StateAuthenticating {
		s.setState(StateReady)
		s.everReady.Store(true)
	}
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(f.T, f.D)
	}
}

func (s *Session) heartbeatLoop(stream Stream, interval time.Duration, done <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if !s.acked.Swap(false) {
				s.log.Error("heartbeat acknowledgment missed, dropping stream")
				stream.Close()
				return
			}
			if err := s.sendHeartbeat(stream); err != nil {
				stream.Close()
				return
			}
		}
	}
}

func (s *Session) sendHeartbeat(stream Stream) error {
	var d any
	if s.hasSeq.Load() {
		d = s.seq.Load()
	}
	f, err := marshalFrame(OpHeartbeat, d)
	if err != nil {
		return err
	}
	return stream.WriteFrame(f)
}

func (s *Session) resumeState() (sessionID string, seq int64, ok bool) {
	s.mu.Lock()
	sessionID = s.sessionID
	s.mu.Unlock()
	if sessionID == "" || !s.hasSeq.Load() {
		return "", 0, false
	}
	return sessionID, s.seq.Load(), true
}

func (s *Session) clearResumeState() {
	s.mu.Lock()
	s.sessionID = ""
	s.mu.Unlock()
	s.hasSeq.Store(false)
}

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old == st {
		return
	}
	s.log.Debug("state transition", "from", old.String(), "to", st.String())
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(st)
	}
}

func (s *Session) backoff(attempt int) time.Duration {
	if attempt > 16 {
		attempt = 16
	}
	d := s.cfg.MinBackoff << uint(attempt)
	if d > s.cfg.MaxBackoff || d <= 0 {
		d = s.cfg.MaxBackoff
	}
	return d
}
