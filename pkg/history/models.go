package history

import (
	"time"

	"github.com/vango-go/vai-live/pkg/core/live"
)

// Session is one recorded conversation.
type Session struct {
	ID        string
	Profile   string
	Model     string
	Voice     string
	StartedAt time.Time
	EndedAt   *time.Time
	Reason    string
	TurnCount int
}

// Duration returns how long the session lasted, or zero while it is open.
func (s Session) Duration() time.Duration {
	if s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Transcript is a session with its finalized turns.
type Transcript struct {
	Session Session
	Turns   []live.Turn
}
