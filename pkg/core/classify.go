package core

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"
)

// ClassifyConnect maps an error from dialing or handshaking with the remote
// service onto a connect error. Errors that are already classified are
// returned unchanged.
func ClassifyConnect(err error) *Error {
	if err == nil {
		return nil
	}

	var coreErr *Error
	if errors.As(err, &coreErr) && coreErr != nil {
		return coreErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewConnectError(CodeTimeout, "connect timed out", err)
	}

	msg := err.Error()
	if code := connectCodeFromMessage(msg); code != "" {
		return NewConnectError(code, msg, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewConnectError(CodeTimeout, msg, err)
		}
		return NewConnectError(CodeNetwork, msg, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NewConnectError(CodeNetwork, msg, err)
	}

	return NewConnectError(CodeRejected, msg, err)
}

// ConnectCodeFromStatus maps an HTTP-style status code or a canonical status
// string from the remote service to a connect error code.
func ConnectCodeFromStatus(status int, canonical string) string {
	switch strings.ToUpper(strings.TrimSpace(canonical)) {
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		return CodeInvalidCredential
	case "RESOURCE_EXHAUSTED":
		return CodeQuotaExceeded
	case "UNAVAILABLE":
		return CodeServiceUnavailable
	case "NOT_FOUND":
		return CodeModelNotFound
	case "INVALID_ARGUMENT":
		return CodeInvalidArgument
	case "DEADLINE_EXCEEDED":
		return CodeTimeout
	}
	switch status {
	case 401, 403:
		return CodeInvalidCredential
	case 429:
		return CodeQuotaExceeded
	case 502, 503:
		return CodeServiceUnavailable
	case 404:
		return CodeModelNotFound
	case 400:
		return CodeInvalidArgument
	case 504:
		return CodeTimeout
	}
	return ""
}

// unavailableStatus matches 503 only where it is reported as a status.
var unavailableStatus = regexp.MustCompile(`\b(?:error|status|code|http/\d(?:\.\d)?)[ :=]*503\b|\b503 service unavailable\b`)

func connectCodeFromMessage(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "api key not valid"),
		strings.Contains(msg, "API_KEY_INVALID"),
		strings.Contains(lower, "invalid api key"),
		strings.Contains(lower, "unauthorized"):
		return CodeInvalidCredential
	case strings.Contains(lower, "quota"),
		strings.Contains(lower, "resource exhausted"),
		strings.Contains(msg, "RESOURCE_EXHAUSTED"):
		return CodeQuotaExceeded
	case unavailableStatus.MatchString(lower),
		strings.Contains(lower, "service is currently unavailable"):
		return CodeServiceUnavailable
	case strings.Contains(lower, "model is not found"),
		strings.Contains(lower, "model not found"):
		return CodeModelNotFound
	case strings.Contains(lower, "failed to fetch"),
		strings.Contains(lower, "networkerror"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "no such host"):
		return CodeNetwork
	case strings.Contains(lower, "invalid argument"):
		return CodeInvalidArgument
	}
	return ""
}
