// Package wslive connects to a live gateway that speaks a small JSON
// protocol over a WebSocket: a hello/hello_ack handshake, base64 PCM frames
// in both directions, and tagged transcript and control events.
package wslive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-live/pkg/core"
	"github.com/vango-go/vai-live/pkg/core/live"
)

const defaultHandshakeTimeout = 15 * time.Second

// Transport dials a live gateway.
type Transport struct {
	url              string
	apiKey           string
	dialer           *websocket.Dialer
	handshakeTimeout time.Duration
	logger           *slog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) {
		if d != nil {
			t.dialer = d
		}
	}
}

// WithHandshakeTimeout bounds the wait for hello_ack when ctx has no deadline.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.handshakeTimeout = d
		}
	}
}

// WithLogger sets the transport logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New returns a transport for the gateway at url (ws:// or wss://).
func New(url, apiKey string, opts ...Option) *Transport {
	t := &Transport{
		url:              strings.TrimSpace(url),
		apiKey:           strings.TrimSpace(apiKey),
		dialer:           websocket.DefaultDialer,
		handshakeTimeout: defaultHandshakeTimeout,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.dialer == nil {
		t.dialer = &websocket.Dialer{}
	}
	return t
}

// Dial implements live.Transport.
func (t *Transport) Dial(ctx context.Context, cfg live.ConnectConfig) (live.Stream, error) {
	if t.url == "" {
		return nil, core.NewConnectError(core.CodeInvalidArgument, "gateway url is required", nil)
	}

	headers := make(http.Header)
	if t.apiKey != "" {
		headers.Set("Authorization", "Bearer "+t.apiKey)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.url, headers)
	if err != nil {
		if resp != nil {
			code := core.ConnectCodeFromStatus(resp.StatusCode, "")
			if code == "" {
				code = core.CodeRejected
			}
			return nil, core.NewConnectError(code, fmt.Sprintf("websocket dial failed (status %d)", resp.StatusCode), err)
		}
		return nil, fmt.Errorf("dial %s: %w", t.url, err)
	}

	hello := buildHello(cfg, t.apiKey)
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send live hello: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.handshakeTimeout)
	}
	stopWatch := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stopWatch()

	_ = conn.SetReadDeadline(deadline)
	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, core.NewConnectError(core.CodeTimeout, "timed out waiting for hello_ack", err)
		}
		return nil, fmt.Errorf("read hello_ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if messageType != websocket.TextMessage {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected first live frame type %d", messageType)
	}

	first, err := DecodeServerMessage(payload, cfg.OutputSampleRate)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	switch m := first.(type) {
	case *ServerHelloAck:
		outRate := m.AudioOut.SampleRateHz
		if outRate <= 0 {
			outRate = cfg.OutputSampleRate
		}
		t.logger.Debug("live gateway connected", "session_id", m.SessionID, "audio_out_hz", outRate)
		return &stream{conn: conn, outRate: outRate, logger: t.logger}, nil
	case live.ErrorMessage:
		_ = conn.Close()
		code := core.ConnectCodeFromStatus(0, m.Code)
		if code == "" {
			code = gatewayErrorCode(m.Code)
		}
		return nil, core.NewConnectError(code, m.Message, nil)
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected first live frame %T", first)
	}
}

func buildHello(cfg live.ConnectConfig, apiKey string) ClientHello {
	hello := ClientHello{
		Type:            "hello",
		ProtocolVersion: ProtocolVersion1,
		Model:           cfg.Model,
		System:          cfg.SystemInstruction,
		AudioIn:         AudioFormat{Encoding: AudioEncodingPCM16LE, SampleRateHz: cfg.InputSampleRate, Channels: 1},
		AudioOut:        AudioFormat{Encoding: AudioEncodingPCM16LE, SampleRateHz: cfg.OutputSampleRate, Channels: 1},
		Features: HelloFeatures{
			WantInputTranscripts:  true,
			WantOutputTranscripts: true,
		},
	}
	if apiKey != "" {
		hello.Auth = &HelloAuth{APIKey: apiKey}
	}
	if cfg.Voice != "" || cfg.Language != "" {
		hello.Voice = &HelloVoice{VoiceID: cfg.Voice, Language: cfg.Language}
	}
	return hello
}

func gatewayErrorCode(code string) string {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "unauthorized", "invalid_api_key", core.CodeInvalidCredential:
		return core.CodeInvalidCredential
	case "rate_limited", "quota", core.CodeQuotaExceeded:
		return core.CodeQuotaExceeded
	case "unavailable", "overloaded", core.CodeServiceUnavailable:
		return core.CodeServiceUnavailable
	case "model_not_found", "not_found":
		return core.CodeModelNotFound
	case "bad_request", "unsupported", core.CodeInvalidArgument:
		return core.CodeInvalidArgument
	}
	return core.CodeRejected
}

type stream struct {
	conn    *websocket.Conn
	outRate int
	logger  *slog.Logger

	seq       atomic.Int64
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func (s *stream) Send(chunk live.EncodedChunk) error {
	if s.closed.Load() {
		return fmt.Errorf("live session is closed")
	}
	frame := ClientAudioFrame{
		Type:    "audio_frame",
		Seq:     s.seq.Add(1) - 1,
		DataB64: chunk.Data,
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(frame)
}

func (s *stream) Recv() (live.ServerMessage, error) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return live.ErrorMessage{
					Code:    fmt.Sprintf("close_%d", closeErr.Code),
					Message: strings.TrimSpace(closeErr.Text),
				}, nil
			}
			return nil, err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := DecodeServerMessage(data, s.outRate)
		if err != nil {
			var decodeErr *DecodeError
			if errors.As(err, &decodeErr) && decodeErr.Code == "unsupported" {
				s.logger.Debug("ignoring live frame", "type", decodeErr.Param)
				continue
			}
			return nil, err
		}
		if out, ok := msg.(live.ServerMessage); ok {
			return out, nil
		}
	}
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	return nil
}
