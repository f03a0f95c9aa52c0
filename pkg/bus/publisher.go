package bus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vango-go/vai-live/pkg/core/live"
)

// Sink delivers records to one broker.
type Sink interface {
	Name() string
	Publish(ctx context.Context, rec Record) error
	Close() error
}

// PublishRecorder counts publish outcomes. *metrics.Metrics implements it.
type PublishRecorder interface {
	RecordPublish(sink, kind string, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordPublish(string, string, error) {}

// Publisher fans controller events out to every configured sink.
type Publisher struct {
	sinks   []Sink
	metrics PublishRecorder
	log     *slog.Logger
	now     func() time.Time
	timeout time.Duration

	// Session ID of the running session, for events that do not carry one.
	sessionID string
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithMetrics records publish outcomes.
func WithMetrics(m PublishRecorder) Option {
	return func(p *Publisher) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithLogger sets the publisher logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Publisher) {
		if log != nil {
			p.log = log
		}
	}
}

// WithPublishTimeout bounds each sink write.
func WithPublishTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewPublisher returns a publisher over sinks. A publisher with no sinks
// drops everything.
func NewPublisher(sinks []Sink, opts ...Option) *Publisher {
	p := &Publisher{
		sinks:   sinks,
		metrics: nopRecorder{},
		log:     slog.Default(),
		now:     time.Now,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run publishes events until the channel closes or ctx is done.
func (p *Publisher) Run(ctx context.Context, events <-chan live.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.Handle(ctx, ev)
		}
	}
}

// Handle publishes one event to every sink. Sink failures are logged and
// counted; they never reach the controller.
func (p *Publisher) Handle(ctx context.Context, ev live.Event) {
	switch e := ev.(type) {
	case *live.SessionStartedEvent:
		p.sessionID = e.SessionID
	case *live.StateChangedEvent:
		if e.SessionID != "" {
			p.sessionID = e.SessionID
		}
	}

	rec, ok := FromEvent(ev, p.sessionID, p.now())
	if !ok || len(p.sinks) == 0 {
		return
	}
	for _, sink := range p.sinks {
		pctx, cancel := context.WithTimeout(ctx, p.timeout)
		err := sink.Publish(pctx, rec)
		cancel()
		p.metrics.RecordPublish(sink.Name(), rec.Kind, err)
		if err != nil {
			p.log.Warn("bus publish failed",
				slog.String("sink", sink.Name()),
				slog.String("kind", rec.Kind),
				slog.String("session_id", rec.SessionID),
				slog.String("error", err.Error()))
		}
	}

	if _, closed := ev.(*live.SessionClosedEvent); closed {
		p.sessionID = ""
	}
}

// Close closes every sink.
func (p *Publisher) Close() error {
	var errs []error
	for _, sink := range p.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
