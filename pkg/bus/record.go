// Package bus publishes conversation events to message brokers so other
// services can follow a session: state changes, transcript deltas and
// finalized turns. NATS and Kafka sinks are provided.
package bus

import (
	"time"

	"github.com/vango-go/vai-live/pkg/core/live"
)

// Record kinds. Each kind maps to its own NATS subject suffix.
const (
	KindState      = "state"
	KindTranscript = "transcript"
	KindTurn       = "turn"
	KindError      = "error"
)

// Record is the JSON payload written to every sink.
type Record struct {
	Kind      string      `json:"kind"`
	Event     string      `json:"event"`
	SessionID string      `json:"session_id,omitempty"`
	At        time.Time   `json:"at"`
	From      string      `json:"from,omitempty"`
	To        string      `json:"to,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Speaker   string      `json:"speaker,omitempty"`
	Text      string      `json:"text,omitempty"`
	Turns     []live.Turn `json:"turns,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo is the broker-facing shape of a core.Error.
type ErrorInfo struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

// FromEvent converts a controller event into a record. sessionID is used for
// events that do not carry one. Events without a broker representation
// return false.
func FromEvent(ev live.Event, sessionID string, at time.Time) (Record, bool) {
	rec := Record{Event: ev.EventType(), SessionID: sessionID, At: at.UTC()}
	switch e := ev.(type) {
	case *live.SessionStartedEvent:
		rec.Kind = KindState
		rec.SessionID = e.SessionID
		rec.To = live.StateLive.String()
		rec.At = e.StartedAt.UTC()
	case *live.StateChangedEvent:
		rec.Kind = KindState
		if e.SessionID != "" {
			rec.SessionID = e.SessionID
		}
		rec.From = e.From.String()
		rec.To = e.To.String()
	case *live.SessionClosedEvent:
		rec.Kind = KindState
		rec.SessionID = e.SessionID
		rec.To = live.StateClosed.String()
		rec.Reason = e.Reason
		rec.At = e.ClosedAt.UTC()
	case *live.TranscriptDeltaEvent:
		rec.Kind = KindTranscript
		rec.Speaker = string(e.Speaker)
		rec.Text = e.Delta
	case *live.TurnFinalizedEvent:
		rec.Kind = KindTurn
		rec.SessionID = e.SessionID
		rec.Turns = e.Turns
	case *live.ErrorEvent:
		if e.Err == nil {
			return Record{}, false
		}
		rec.Kind = KindError
		rec.Error = &ErrorInfo{
			Type:    string(e.Err.Type),
			Code:    e.Err.Code,
			Message: e.Err.Message,
			Fatal:   e.Fatal,
		}
	default:
		return Record{}, false
	}
	return rec, true
}
