// Package gateway implements the persistent-connection protocol state
// machine used by real-time connectors: handshake, authentication,
// heartbeat, event dispatch, and reconnection with resume support.
package gateway

import "encoding/json"

// Gateway opcodes.
const (
	OpDispatch     = 0
	OpHeartbeat    = 1
	OpIdentify     = 2
	OpResume       = 6
	OpReconnect    = 7
	OpHello        = 10
	OpHeartbeatACK = 11
)

// Frame is one gateway wire frame.
type Frame struct {
	Op int             `json:"op"`
	T  string          `json:"t,omitempty"`
	S  *int64          `json:"s,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type identifyData struct {
	Token          string             `json:"token"`
	Properties     identifyProperties `json:"properties"`
	LargeThreshold int                `json:"large_threshold"`
	Compress       bool               `json:"compress"`
	Intents        int                `json:"intents"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

func marshalFrame(op int, d any) (*Frame, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return &Frame{Op: op, D: raw}, nil
}
