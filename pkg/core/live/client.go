package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/vai-live/pkg/core"
)

const (
	defaultConnectTimeout = 15 * time.Second
	defaultSendQueue      = 32
)

// Transport dials the remote conversation service.
type Transport interface {
	Dial(ctx context.Context, cfg ConnectConfig) (Stream, error)
}

// Stream is an open bidirectional session with the remote service.
//
// Recv blocks until a message arrives. It returns io.EOF once the remote side
// closed cleanly, and must return promptly after Close.
type Stream interface {
	Send(chunk EncodedChunk) error
	Recv() (ServerMessage, error)
	Close() error
}

// Handlers receive inbound messages. They are called from a single goroutine
// in arrival order. OnError and OnClosed are called at most once, after the
// reader has stopped, so they may call SessionClient.Close.
type Handlers struct {
	OnTranscript   func(speaker Speaker, text string)
	OnTurnComplete func()
	OnAudio        func(chunk EncodedChunk)
	OnInterrupted  func()
	OnError        func(err *core.Error)
	OnClosed       func(reason string)
}

// SessionClient owns one connection to the remote service. It does not
// reconnect.
type SessionClient struct {
	transport      Transport
	handlers       Handlers
	logger         *slog.Logger
	metrics        Metrics
	connectTimeout time.Duration

	mu       sync.Mutex
	state    SessionState
	stream   Stream
	outbound chan EncodedChunk
	stop     chan struct{}
	done     chan struct{}
	err      *core.Error

	closeOnce sync.Once
	closeErr  error
}

// ClientOption configures a SessionClient.
type ClientOption func(*SessionClient)

// WithClientLogger sets the client logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *SessionClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClientMetrics sets the metrics sink.
func WithClientMetrics(m Metrics) ClientOption {
	return func(c *SessionClient) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithConnectTimeout bounds Connect.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *SessionClient) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithSendQueue sets how many outbound chunks may wait for the transport.
func WithSendQueue(n int) ClientOption {
	return func(c *SessionClient) {
		if n > 0 {
			c.outbound = make(chan EncodedChunk, n)
		}
	}
}

// NewSessionClient returns an idle client.
func NewSessionClient(transport Transport, handlers Handlers, opts ...ClientOption) *SessionClient {
	c := &SessionClient{
		transport:      transport,
		handlers:       handlers,
		logger:         slog.Default(),
		metrics:        nopMetrics{},
		connectTimeout: defaultConnectTimeout,
		state:          StateIdle,
		outbound:       make(chan EncodedChunk, defaultSendQueue),
		stop:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens the session. Failures are returned as core.ErrConnect errors.
func (c *SessionClient) Connect(ctx context.Context, cfg ConnectConfig) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("connect: client is %s", state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	stream, err := c.transport.Dial(dialCtx, cfg)
	if err == nil && dialCtx.Err() != nil {
		_ = stream.Close()
		err = dialCtx.Err()
	}
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = core.NewConnectError(core.CodeTimeout, fmt.Sprintf("connect timed out after %s", c.connectTimeout), err)
		}
		coreErr := core.ClassifyConnect(err)
		c.mu.Lock()
		c.state = StateError
		c.err = coreErr
		c.mu.Unlock()
		return coreErr
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		_ = stream.Close()
		return core.NewConnectError(core.CodeRejected, "client closed while connecting", context.Canceled)
	}
	c.stream = stream
	c.done = make(chan struct{})
	c.state = StateLive
	c.mu.Unlock()

	go c.writeLoop(stream)
	go c.readLoop(stream)
	return nil
}

// Send queues an encoded chunk without blocking. Chunks are dropped unless
// the client is Live.
func (c *SessionClient) Send(chunk EncodedChunk) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateLive:
	case StatePaused:
		c.metrics.FrameDropped("paused")
		return
	default:
		c.metrics.FrameDropped("not_live")
		return
	}
	select {
	case c.outbound <- chunk:
	default:
		c.metrics.FrameDropped("queue_full")
	}
}

// Pause stops forwarding outbound audio.
func (c *SessionClient) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateLive {
		c.state = StatePaused
	}
}

// Resume restarts forwarding outbound audio.
func (c *SessionClient) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StatePaused {
		c.state = StateLive
	}
}

// State returns the client's lifecycle state.
func (c *SessionClient) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that ended the session, if any.
func (c *SessionClient) Err() *core.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the session down and waits for the reader to exit. It is safe
// to call more than once and from a terminal handler.
func (c *SessionClient) Close() error {
	c.mu.Lock()
	switch c.state {
	case StateIdle, StateConnecting:
		c.state = StateClosed
	case StateLive, StatePaused:
		c.state = StateClosing
	}
	done := c.done
	c.mu.Unlock()

	c.shutdown()
	if done != nil {
		<-done
	}

	c.mu.Lock()
	if c.state == StateClosing {
		c.state = StateClosed
	}
	c.mu.Unlock()
	return c.closeErr
}

func (c *SessionClient) shutdown() {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.mu.Lock()
		stream := c.stream
		c.mu.Unlock()
		if stream != nil {
			c.closeErr = stream.Close()
		}
	})
}

func (c *SessionClient) writeLoop(stream Stream) {
	for {
		select {
		case <-c.stop:
			return
		case chunk := <-c.outbound:
			if err := stream.Send(chunk); err != nil {
				c.metrics.FrameDropped("send_error")
				c.logger.Debug("send audio chunk", "error", err)
				continue
			}
			c.metrics.FrameSent(len(chunk.Data))
		}
	}
}

func (c *SessionClient) readLoop(stream Stream) {
	var terminal func()
	defer func() {
		close(c.done)
		if terminal != nil {
			terminal()
		}
	}()

	for {
		msg, err := stream.Recv()
		if err != nil {
			if c.closing() {
				return
			}
			if errors.Is(err, io.EOF) {
				terminal = c.finishClosed("")
				return
			}
			terminal = c.finishError(&core.Error{
				Type:    core.ErrRemote,
				Message: err.Error(),
				Cause:   err,
			})
			return
		}
		if c.closing() {
			return
		}

		switch m := msg.(type) {
		case TranscriptMessage:
			if c.handlers.OnTranscript != nil {
				c.handlers.OnTranscript(m.Speaker, m.Text)
			}
		case TurnCompleteMessage:
			if c.handlers.OnTurnComplete != nil {
				c.handlers.OnTurnComplete()
			}
		case AudioMessage:
			if c.handlers.OnAudio != nil {
				c.handlers.OnAudio(m.Chunk)
			}
		case InterruptedMessage:
			if c.handlers.OnInterrupted != nil {
				c.handlers.OnInterrupted()
			}
		case ErrorMessage:
			terminal = c.finishError(core.NewRemoteError(m.Code, m.Message))
			return
		case ClosedMessage:
			terminal = c.finishClosed(m.Reason)
			return
		default:
			c.logger.Debug("ignoring unknown server message", "type", fmt.Sprintf("%T", msg))
		}
	}
}

func (c *SessionClient) closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateClosing || c.state == StateClosed
}

func (c *SessionClient) finishError(err *core.Error) func() {
	c.mu.Lock()
	c.state = StateError
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.shutdown()
	return func() {
		if c.handlers.OnError != nil {
			c.handlers.OnError(err)
		}
	}
}

func (c *SessionClient) finishClosed(reason string) func() {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.shutdown()
	return func() {
		if c.handlers.OnClosed != nil {
			c.handlers.OnClosed(reason)
		}
	}
}
