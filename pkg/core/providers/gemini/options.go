package gemini

import (
	"log/slog"
	"net/http"
)

// Option configures the Transport.
type Option func(*Transport)

// WithBaseURL overrides the API endpoint. The live socket is derived from it.
func WithBaseURL(url string) Option {
	return func(t *Transport) {
		t.baseURL = url
	}
}

// WithHTTPClient sets the HTTP client handed to the genai client.
func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) {
		t.httpClient = client
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
