package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/vango-go/vai-live/pkg/core/live"
)

// Recorder writes controller events to a Store.
type Recorder struct {
	store   *Store
	profile string
	model   string
	voice   string
	timeout time.Duration
	log     *slog.Logger
}

// NewRecorder returns a recorder that files sessions under profile.
func NewRecorder(store *Store, profile, model, voice string, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		store:   store,
		profile: profileOrDefault(profile),
		model:   model,
		voice:   voice,
		timeout: 5 * time.Second,
		log:     log,
	}
}

// Run consumes events until the channel closes or ctx is done. Store
// failures are logged; they never stop the conversation.
func (r *Recorder) Run(ctx context.Context, events <-chan live.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Handle(ctx, ev)
		}
	}
}

// Handle records a single event.
func (r *Recorder) Handle(ctx context.Context, ev live.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	var err error
	switch e := ev.(type) {
	case *live.SessionStartedEvent:
		err = r.store.BeginSession(ctx, Session{
			ID:        e.SessionID,
			Profile:   r.profile,
			Model:     r.model,
			Voice:     r.voice,
			StartedAt: e.StartedAt,
		})
	case *live.TurnFinalizedEvent:
		err = r.store.AppendTurns(ctx, e.SessionID, e.Turns)
	case *live.SessionClosedEvent:
		err = r.store.EndSession(ctx, e.SessionID, e.ClosedAt, e.Reason)
	default:
		return
	}
	if err != nil {
		r.log.Warn("history write failed", slog.String("event", ev.EventType()), slog.String("error", err.Error()))
	}
}
