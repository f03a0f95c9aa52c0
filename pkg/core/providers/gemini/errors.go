package gemini

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-live/pkg/core"
	"github.com/vango-go/vai-live/pkg/core/live"
	"google.golang.org/genai"
)

// classifyError maps a failure from creating the client or opening the live
// socket onto a connect error.
func classifyError(err error) *core.Error {
	if err == nil {
		return nil
	}

	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		return coreErr
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return fromAPIError(apiErr, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return fromAPIError(*apiErrPtr, err)
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code := closeCode(closeErr)
		msg := strings.TrimSpace(closeErr.Text)
		if msg == "" {
			msg = fmt.Sprintf("live socket closed during setup (%d)", closeErr.Code)
		}
		if code == "" {
			return core.ClassifyConnect(fmt.Errorf("%s: %w", msg, err))
		}
		return core.NewConnectError(code, msg, err)
	}

	return core.ClassifyConnect(err)
}

func fromAPIError(apiErr genai.APIError, cause error) *core.Error {
	code := core.ConnectCodeFromStatus(apiErr.Code, apiErr.Status)
	if code == "" {
		return core.ClassifyConnect(cause)
	}
	msg := strings.TrimSpace(apiErr.Message)
	if msg == "" {
		msg = cause.Error()
	}
	return core.NewConnectError(code, msg, cause)
}

// closeCode derives a connect code from a websocket close frame. The service
// carries its canonical status in the close reason; an empty result means the
// frame alone is not conclusive.
func closeCode(closeErr *websocket.CloseError) string {
	text := strings.ToUpper(closeErr.Text)
	for _, canonical := range []string{"UNAUTHENTICATED", "PERMISSION_DENIED", "RESOURCE_EXHAUSTED", "UNAVAILABLE", "NOT_FOUND", "INVALID_ARGUMENT", "DEADLINE_EXCEEDED"} {
		if strings.Contains(text, canonical) {
			return core.ConnectCodeFromStatus(0, canonical)
		}
	}
	switch closeErr.Code {
	case websocket.CloseTryAgainLater, websocket.CloseServiceRestart:
		return core.CodeServiceUnavailable
	}
	return ""
}

// recvError converts a receive failure on an established session into what
// Recv reports: io.EOF for a clean close, an ErrorMessage when the service
// ended the session with a reason, and the raw error otherwise.
func recvError(err error) (live.ServerMessage, error) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway {
			return nil, io.EOF
		}
		msg := strings.TrimSpace(closeErr.Text)
		if msg == "" {
			msg = "live session closed unexpectedly"
		}
		return live.ErrorMessage{Code: fmt.Sprintf("close_%d", closeErr.Code), Message: msg}, nil
	}
	if msg := err.Error(); strings.HasPrefix(msg, "received error in response") {
		return live.ErrorMessage{Code: "remote", Message: msg}, nil
	}
	return nil, err
}
