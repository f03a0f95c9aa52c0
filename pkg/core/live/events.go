package live

import (
	"time"

	"github.com/vango-go/vai-live/pkg/core"
)

// ServerMessage is an inbound message from the remote service.
type ServerMessage interface {
	serverMessageType() string
}

// TranscriptMessage carries a partial transcript delta.
type TranscriptMessage struct {
	Speaker Speaker
	Text    string
}

func (TranscriptMessage) serverMessageType() string { return "transcript" }

// TurnCompleteMessage signals the end of a conversational turn.
type TurnCompleteMessage struct{}

func (TurnCompleteMessage) serverMessageType() string { return "turn_complete" }

// AudioMessage carries a chunk of model speech.
type AudioMessage struct {
	Chunk EncodedChunk
}

func (AudioMessage) serverMessageType() string { return "audio" }

// InterruptedMessage signals that the user barged in over model speech.
type InterruptedMessage struct{}

func (InterruptedMessage) serverMessageType() string { return "interrupted" }

// ErrorMessage is a fatal error signaled by the remote service.
type ErrorMessage struct {
	Code    string
	Message string
}

func (ErrorMessage) serverMessageType() string { return "error" }

// ClosedMessage reports that the remote service closed the session.
type ClosedMessage struct {
	Reason string
}

func (ClosedMessage) serverMessageType() string { return "closed" }

// Event is the interface for all controller events.
type Event interface {
	// EventType returns the event type string for serialization.
	EventType() string
}

// SessionStartedEvent is emitted when a session becomes live.
type SessionStartedEvent struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

func (e *SessionStartedEvent) EventType() string { return "session.started" }

// SessionClosedEvent is emitted after a session has been torn down.
type SessionClosedEvent struct {
	SessionID string    `json:"session_id"`
	ClosedAt  time.Time `json:"closed_at"`
	Reason    string    `json:"reason,omitempty"`
}

func (e *SessionClosedEvent) EventType() string { return "session.closed" }

// StateChangedEvent is emitted when the session state changes.
type StateChangedEvent struct {
	SessionID string       `json:"session_id,omitempty"`
	From      SessionState `json:"from"`
	To        SessionState `json:"to"`
}

func (e *StateChangedEvent) EventType() string { return "state.changed" }

// TranscriptDeltaEvent is emitted as partial transcripts arrive.
type TranscriptDeltaEvent struct {
	Speaker Speaker `json:"speaker"`
	Delta   string  `json:"delta"`
}

func (e *TranscriptDeltaEvent) EventType() string { return "transcript.delta" }

// TurnFinalizedEvent is emitted when pending transcripts are committed to history.
type TurnFinalizedEvent struct {
	SessionID string `json:"session_id"`
	Turns     []Turn `json:"turns"`
}

func (e *TurnFinalizedEvent) EventType() string { return "turn.finalized" }

// InterruptedEvent is emitted when model playback was cut off by the user.
type InterruptedEvent struct {
	DroppedSegments int `json:"dropped_segments"`
}

func (e *InterruptedEvent) EventType() string { return "playback.interrupted" }

// ErrorEvent is emitted for every surfaced error, fatal or not.
type ErrorEvent struct {
	Err   *core.Error `json:"error"`
	Fatal bool        `json:"fatal"`
}

func (e *ErrorEvent) EventType() string { return "error" }
