// Package transport wraps the bidirectional streaming connection to the
// conversational voice service behind a small Conn/Dialer abstraction. Events
// are delivered as one tagged-union type so the session state machine can be
// driven by synthesized events in tests without a real websocket.
package transport

import "context"

// Source identifies who produced an inbound message.
type Source string

const (
	SourceAgent Source = "agent"
	SourceUser  Source = "user"
)

// Mode describes the remote agent's live turn-taking state.
type Mode string

const (
	ModeListening Mode = "listening"
	ModeSpeaking  Mode = "speaking"
	ModeThinking  Mode = "thinking"
)

// Event is the tagged union delivered on Conn.Events().
type Event interface {
	eventType() string
}

// ConnectedEvent is emitted once the remote assigns a session identifier.
type ConnectedEvent struct {
	SessionID string
}

func (ConnectedEvent) eventType() string { return "connected" }

// DisconnectedEvent is emitted when the underlying connection ends without a
// preceding error (normal close or remote going away).
type DisconnectedEvent struct {
	Reason string
}

func (DisconnectedEvent) eventType() string { return "disconnected" }

// MessageEvent carries one inbound conversation turn: the agent's reply or
// the transcription of the user's own speech.
type MessageEvent struct {
	Text   string
	Source Source
}

func (MessageEvent) eventType() string { return "message" }

// ErrorEvent carries the remote's or the socket's error text. Classification
// (authentication vs transient) is the state machine's job, not ours.
type ErrorEvent struct {
	Message string
}

func (ErrorEvent) eventType() string { return "error" }

// StatusEvent surfaces auxiliary remote state (tentative responses,
// interruptions, VAD scores) for passive observers.
type StatusEvent struct {
	Status string
}

func (StatusEvent) eventType() string { return "status" }

// ModeEvent reports turn-taking transitions derived from the frame stream.
type ModeEvent struct {
	Mode Mode
}

func (ModeEvent) eventType() string { return "mode" }

// OpenConfig carries session-open parameters. Exactly one of SignedURL or
// (Authorization + AgentID) must be supplied; DynamicVariables are sanitized
// by the dialer before the init frame is written.
type OpenConfig struct {
	SignedURL        string
	Authorization    string
	AgentID          string
	DynamicVariables map[string]any
}

// Conn is one open session connection.
type Conn interface {
	// Events yields inbound events until the connection ends; the channel is
	// closed after the terminal Disconnected or Error event.
	Events() <-chan Event
	// SendText transmits a user text turn. Fails if the session is closed.
	SendText(text string) error
	// SendContext transmits a non-turn contextual update.
	SendContext(text string) error
	// SendAudio transmits one raw PCM microphone chunk unless muted.
	SendAudio(pcm []byte) error
	// SetMuted controls whether local audio chunks are transmitted.
	SetMuted(muted bool)
	// SetVolume sets playback gain in [0,1]; out-of-range values are clamped.
	SetVolume(level float64) error
	// InputLevel reports the instantaneous 0..1 input volume, 0 if unavailable.
	InputLevel() float64
	// OutputLevel reports the instantaneous 0..1 output volume, 0 if unavailable.
	OutputLevel() float64
	// Close tears down the connection; idempotent.
	Close() error
}

// Dialer opens session connections. The websocket implementation is the only
// production dialer; tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, cfg OpenConfig) (Conn, error)
}
