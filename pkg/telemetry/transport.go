package telemetry

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-live/pkg/core"
	"github.com/vango-go/vai-live/pkg/core/live"
)

const instrumentationName = "github.com/vango-go/vai-live/pkg/telemetry"

// TraceTransport wraps a transport so that every dial and every session
// produces a span. A nil tracer uses the global provider.
func TraceTransport(inner live.Transport, name string, tracer trace.Tracer) live.Transport {
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return &tracedTransport{inner: inner, name: name, tracer: tracer}
}

type tracedTransport struct {
	inner  live.Transport
	name   string
	tracer trace.Tracer
}

func (t *tracedTransport) Dial(ctx context.Context, cfg live.ConnectConfig) (live.Stream, error) {
	attrs := []attribute.KeyValue{
		attribute.String("live.transport", t.name),
		attribute.String("live.model", cfg.Model),
		attribute.String("live.voice", cfg.Voice),
		attribute.Int("live.input_rate", cfg.InputSampleRate),
		attribute.Int("live.output_rate", cfg.OutputSampleRate),
	}
	dialCtx, span := t.tracer.Start(ctx, "live.dial", trace.WithAttributes(attrs...))
	stream, err := t.inner.Dial(dialCtx, cfg)
	if err != nil {
		recordError(span, err)
		span.End()
		return nil, err
	}
	span.End()

	_, session := t.tracer.Start(ctx, "live.session",
		trace.WithAttributes(attrs...),
		trace.WithLinks(trace.LinkFromContext(dialCtx)),
	)
	return &tracedStream{inner: stream, span: session}, nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		span.SetAttributes(
			attribute.String("error.type", string(coreErr.Type)),
			attribute.String("error.code", coreErr.Code),
		)
	}
}

type tracedStream struct {
	inner live.Stream
	span  trace.Span

	sent     atomic.Int64
	received atomic.Int64
	endOnce  sync.Once
}

func (s *tracedStream) Send(chunk live.EncodedChunk) error {
	err := s.inner.Send(chunk)
	if err == nil {
		s.sent.Add(1)
	}
	return err
}

func (s *tracedStream) Recv() (live.ServerMessage, error) {
	msg, err := s.inner.Recv()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.end(err)
		}
		return msg, err
	}
	s.received.Add(1)
	switch m := msg.(type) {
	case live.InterruptedMessage:
		s.span.AddEvent("interrupted")
	case live.TurnCompleteMessage:
		s.span.AddEvent("turn_complete")
	case live.ErrorMessage:
		s.span.AddEvent("remote_error", trace.WithAttributes(
			attribute.String("error.code", m.Code),
			attribute.String("error.message", m.Message),
		))
	}
	return msg, nil
}

func (s *tracedStream) Close() error {
	err := s.inner.Close()
	s.end(nil)
	return err
}

func (s *tracedStream) end(err error) {
	s.endOnce.Do(func() {
		s.span.SetAttributes(
			attribute.Int64("live.frames_sent", s.sent.Load()),
			attribute.Int64("live.messages_received", s.received.Load()),
		)
		if err != nil {
			recordError(s.span, err)
		}
		s.span.End()
	})
}
