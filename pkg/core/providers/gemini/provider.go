// Package gemini streams live voice conversations through the Gemini Live API.
// It implements live.Transport on top of google.golang.org/genai.
package gemini

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/vango-go/vai-live/pkg/core"
	"github.com/vango-go/vai-live/pkg/core/live"
	"google.golang.org/genai"
)

const (
	// DefaultModel is the native-audio model used when none is configured.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

	// DefaultVoice is the prebuilt voice used when none is configured.
	DefaultVoice = "Zephyr"

	// DefaultSystemInstruction is sent when the caller supplies none.
	DefaultSystemInstruction = "You are a friendly conversational AI. Be concise."
)

// Transport dials Gemini Live sessions.
type Transport struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a new Gemini Live transport.
func New(apiKey string, opts ...Option) *Transport {
	t := &Transport{
		apiKey: strings.TrimSpace(apiKey),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the transport identifier.
func (t *Transport) Name() string {
	return "gemini"
}

func (t *Transport) clientConfig() *genai.ClientConfig {
	cc := &genai.ClientConfig{
		APIKey:  t.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if t.httpClient != nil {
		cc.HTTPClient = t.httpClient
	}
	if t.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: t.baseURL}
	}
	return cc
}

type dialResult struct {
	session *genai.Session
	first   *genai.LiveServerMessage
	err     error
}

// Dial implements live.Transport. It returns once the service has
// acknowledged the session setup.
func (t *Transport) Dial(ctx context.Context, cfg live.ConnectConfig) (live.Stream, error) {
	if t.apiKey == "" {
		return nil, core.NewConnectError(core.CodeInvalidCredential, "API key is required", nil)
	}

	client, err := genai.NewClient(ctx, t.clientConfig())
	if err != nil {
		return nil, classifyError(err)
	}

	model := stripProviderPrefix(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	connectConfig := buildConnectConfig(cfg)

	// Live.Connect does not observe ctx, so the handshake runs on its own
	// goroutine and an abandoned session is closed as soon as it exists.
	var (
		mu        sync.Mutex
		pending   *genai.Session
		abandoned bool
	)
	done := make(chan dialResult, 1)
	go func() {
		session, err := client.Live.Connect(ctx, model, connectConfig)
		if err != nil {
			done <- dialResult{err: err}
			return
		}
		mu.Lock()
		if abandoned {
			mu.Unlock()
			_ = session.Close()
			done <- dialResult{err: context.Canceled}
			return
		}
		pending = session
		mu.Unlock()

		msg, err := session.Receive()
		done <- dialResult{session: session, first: msg, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if res.session != nil {
				_ = res.session.Close()
			}
			return nil, classifyError(res.err)
		}
		if res.first == nil || res.first.SetupComplete == nil {
			_ = res.session.Close()
			return nil, core.NewConnectError(core.CodeRejected, "live session did not acknowledge setup", nil)
		}
		t.logger.Debug("gemini live session ready", "model", model)
		return newStream(res.session, cfg.OutputSampleRate, t.logger), nil
	case <-ctx.Done():
		mu.Lock()
		abandoned = true
		if pending != nil {
			_ = pending.Close()
		}
		mu.Unlock()
		return nil, ctx.Err()
	}
}
