package core

import (
	"fmt"
)

// Error represents a classified live-session error.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
	// Cause is the underlying transport, device or decoder error.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrPermission ErrorType = "permission_error"
	ErrDevice     ErrorType = "device_error"
	ErrConnect    ErrorType = "connect_error"
	ErrDecode     ErrorType = "decode_error"
	ErrPlayback   ErrorType = "playback_error"
	ErrRemote     ErrorType = "remote_error"
)

// Connect error codes.
const (
	CodeInvalidCredential  = "invalid_credential"
	CodeQuotaExceeded      = "quota_exceeded"
	CodeServiceUnavailable = "service_unavailable"
	CodeModelNotFound      = "model_not_found"
	CodeNetwork            = "network"
	CodeTimeout            = "timeout"
	CodeInvalidArgument    = "invalid_argument"
	CodeRejected           = "rejected"
)

// CodeClockGone marks a playback error whose output clock no longer exists.
const CodeClockGone = "clock_gone"

// NewPermissionError creates a permission error.
func NewPermissionError(message string, cause error) *Error {
	return &Error{
		Type:    ErrPermission,
		Message: message,
		Cause:   cause,
	}
}

// NewDeviceError creates a device error.
func NewDeviceError(message string, cause error) *Error {
	return &Error{
		Type:    ErrDevice,
		Message: message,
		Cause:   cause,
	}
}

// NewConnectError creates a connect error with a classification code.
func NewConnectError(code, message string, cause error) *Error {
	return &Error{
		Type:    ErrConnect,
		Message: message,
		Code:    code,
		Cause:   cause,
	}
}

// NewDecodeError creates a decode error.
func NewDecodeError(message string, cause error) *Error {
	return &Error{
		Type:    ErrDecode,
		Message: message,
		Cause:   cause,
	}
}

// NewPlaybackError creates a playback error.
func NewPlaybackError(code, message string, cause error) *Error {
	return &Error{
		Type:    ErrPlayback,
		Message: message,
		Code:    code,
		Cause:   cause,
	}
}

// NewRemoteError creates an error for a failure signaled by the remote service.
func NewRemoteError(code, message string) *Error {
	return &Error{
		Type:    ErrRemote,
		Message: message,
		Code:    code,
	}
}

// IsFatal reports whether the error ends the session.
func (e *Error) IsFatal() bool {
	switch e.Type {
	case ErrDecode:
		return false
	case ErrPlayback:
		return e.Code == CodeClockGone
	default:
		return true
	}
}

// Reason returns a message suitable for showing to the user.
func (e *Error) Reason() string {
	switch e.Type {
	case ErrPermission:
		return "Microphone access was denied. Allow microphone access and try again."
	case ErrDevice:
		return "No usable audio device was found."
	case ErrConnect:
		switch e.Code {
		case CodeInvalidCredential:
			return "The API key is not valid. Check your configuration."
		case CodeQuotaExceeded:
			return "API quota exceeded. Try again later."
		case CodeServiceUnavailable:
			return "The service is currently unavailable. Try again later."
		case CodeModelNotFound:
			return "The requested model was not found."
		case CodeNetwork:
			return "Network error. Check your connection."
		case CodeTimeout:
			return "Timed out connecting to the service."
		case CodeInvalidArgument:
			return "The service rejected the session configuration."
		}
		return "Could not connect to the service."
	case ErrRemote:
		return "An error occurred during the session."
	case ErrPlayback:
		return "Audio output failed."
	case ErrDecode:
		return "Received audio that could not be decoded."
	}
	return e.Message
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Cause
}
