package live

import (
	"strings"
	"sync"
	"time"
)

// Turn is a finalized transcript entry.
type Turn struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// TranscriptAggregator accumulates partial transcripts per speaker and
// commits them to history on turn completion.
type TranscriptAggregator struct {
	now func() time.Time

	mu      sync.Mutex
	user    strings.Builder
	model   strings.Builder
	history []Turn
}

// NewTranscriptAggregator returns an empty aggregator. now may be nil.
func NewTranscriptAggregator(now func() time.Time) *TranscriptAggregator {
	if now == nil {
		now = time.Now
	}
	return &TranscriptAggregator{now: now}
}

// Append adds text to the speaker's pending buffer.
func (a *TranscriptAggregator) Append(speaker Speaker, text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if b := a.buffer(speaker); b != nil {
		b.WriteString(text)
	}
}

// FinalizeTurn commits non-empty pending buffers to history, user before
// model, and clears both buffers. It returns the turns that were added.
func (a *TranscriptAggregator) FinalizeTurn() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()

	at := a.now()
	var turns []Turn
	for _, speaker := range []Speaker{SpeakerUser, SpeakerModel} {
		b := a.buffer(speaker)
		text := strings.TrimSpace(b.String())
		b.Reset()
		if text == "" {
			continue
		}
		turns = append(turns, Turn{Speaker: speaker, Text: text, At: at})
	}
	a.history = append(a.history, turns...)
	return turns
}

// ClearPending discards the speaker's pending buffer.
func (a *TranscriptAggregator) ClearPending(speaker Speaker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b := a.buffer(speaker); b != nil {
		b.Reset()
	}
}

// ClearAllPending discards both pending buffers. History is kept.
func (a *TranscriptAggregator) ClearAllPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user.Reset()
	a.model.Reset()
}

// Reset discards pending buffers and history.
func (a *TranscriptAggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user.Reset()
	a.model.Reset()
	a.history = nil
}

// Pending returns the speaker's uncommitted text.
func (a *TranscriptAggregator) Pending(speaker Speaker) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b := a.buffer(speaker); b != nil {
		return b.String()
	}
	return ""
}

// History returns a copy of the finalized turns.
func (a *TranscriptAggregator) History() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Turn(nil), a.history...)
}

func (a *TranscriptAggregator) buffer(speaker Speaker) *strings.Builder {
	switch speaker {
	case SpeakerUser:
		return &a.user
	case SpeakerModel:
		return &a.model
	}
	return nil
}
