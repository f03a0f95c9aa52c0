package tui

import "github.com/vango-go/vai-live/pkg/core/live"

// ControllerEventMsg wraps an event streamed from the controller.
type ControllerEventMsg struct {
	Event live.Event
}

// EventsClosedMsg is sent when the controller event stream ends.
type EventsClosedMsg struct{}

// TickMsg refreshes the snapshot (input level, pending playback).
type TickMsg struct{}

// StartResultMsg carries the outcome of a start request.
type StartResultMsg struct {
	Err error
}

// StopResultMsg is sent once a stop request has returned the controller to Idle.
type StopResultMsg struct {
	Quit bool
}

// ControlErrorMsg carries a failed pause or resume request.
type ControlErrorMsg struct {
	Err error
}

// ClearTransientErrorMsg clears a transient error after a timeout.
type ClearTransientErrorMsg struct{}
