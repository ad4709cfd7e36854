// Package wire defines the op-coded frames exchanged over the persistent
// gateway session, and helpers to build and decode them.
package wire

import (
	"encoding/json"
	"fmt"
)

// Gateway opcodes.
const (
	OpDispatch       = 0
	OpHeartbeat      = 1
	OpIdentify       = 2
	OpResume         = 6
	OpReconnect      = 7
	OpInvalidSession = 9
	OpHello          = 10
	OpHeartbeatACK   = 11
)

// Close codes that decide the reconnect strategy.
const (
	CloseAuthenticationFailed = 4004
	CloseInvalidSeq           = 4007
	CloseSessionTimedOut      = 4009
)

// Payload is the envelope for every gateway frame. S and T are only set on
// dispatch frames.
type Payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type Hello struct {
	HeartbeatInterval int `json:"heartbeat_interval"` // milliseconds
}

type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type Identify struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Properties IdentifyProperties `json:"properties"`
}

type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

type Ready struct {
	Version          int    `json:"v"`
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	User             struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

// Dispatch type names carried in Payload.T.
const (
	EventReady                     = "READY"
	EventResumed                   = "RESUMED"
	EventMessageCreate             = "MESSAGE_CREATE"
	EventInteractionCreate         = "INTERACTION_CREATE"
	EventChannelUpdate             = "CHANNEL_UPDATE"
	EventGuildScheduledEventCreate = "GUILD_SCHEDULED_EVENT_CREATE"
)

func HeartbeatPayload(seq int64) (*Payload, error) {
	d, err := json.Marshal(seq)
	if err != nil {
		return nil, err
	}
	return &Payload{Op: OpHeartbeat, D: d}, nil
}

func IdentifyPayload(token string, intents int) (*Payload, error) {
	d, err := json.Marshal(Identify{
		Token:   token,
		Intents: intents,
		Properties: IdentifyProperties{
			OS:      "linux",
			Browser: "clawcord",
			Device:  "clawcord",
		},
	})
	if err != nil {
		return nil, err
	}
	return &Payload{Op: OpIdentify, D: d}, nil
}

func ResumePayload(token, sessionID string, seq int64) (*Payload, error) {
	d, err := json.Marshal(Resume{Token: token, SessionID: sessionID, Seq: seq})
	if err != nil {
		return nil, err
	}
	return &Payload{Op: OpResume, D: d}, nil
}

func DecodeHello(p *Payload) (*Hello, error) {
	if p.Op != OpHello {
		return nil, fmt.Errorf("expected hello (op %d), got op %d", OpHello, p.Op)
	}
	var h Hello
	if err := json.Unmarshal(p.D, &h); err != nil {
		return nil, fmt.Errorf("decoding hello: %w", err)
	}
	if h.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("hello carried invalid heartbeat interval %d", h.HeartbeatInterval)
	}
	return &h, nil
}

func DecodeReady(p *Payload) (*Ready, error) {
	var r Ready
	if err := json.Unmarshal(p.D, &r); err != nil {
		return nil, fmt.Errorf("decoding ready: %w", err)
	}
	return &r, nil
}

// DecodeInvalidSession reports whether the invalidated session is resumable.
func DecodeInvalidSession(p *Payload) bool {
	var resumable bool
	if err := json.Unmarshal(p.D, &resumable); err != nil {
		return false
	}
	return resumable
}
