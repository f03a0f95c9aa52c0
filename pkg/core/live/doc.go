// Package live implements real-time voice conversations with a hosted model.
//
// A Controller wires four capabilities together: a CaptureSource for the
// microphone, an OutputDevice whose OutputClock plays audio at precise
// times, a Transport to the remote service, and a TranscriptAggregator that
// turns partial transcripts into a turn history.
//
// # Data Flow
//
//	Microphone → Framer → EncodeFrame → SessionClient.Send → [remote]
//
//	[remote] → SessionClient read loop ─┬─ audio → DecodeChunk → PlaybackScheduler
//	                                    ├─ transcript → TranscriptAggregator
//	                                    ├─ interrupted → PlaybackScheduler.Interrupt
//	                                    └─ error / close → teardown
//
// # State Machine
//
//	IDLE → CONNECTING → LIVE ⇄ PAUSED
//	          │           │
//	          ▼           ▼
//	        ERROR      CLOSING → CLOSED → IDLE
//
// Failures while connecting leave the controller in ERROR until Acknowledge
// or Stop. Errors and closes signaled by the remote service tear the session
// down and return to IDLE with the error kept in the Snapshot.
//
// # Usage
//
//	ctrl := live.NewController(live.Deps{
//	    Capture:   mic,
//	    Output:    speaker,
//	    Transport: gemini.NewTransport(apiKey),
//	}, live.WithConnectConfig(live.ConnectConfig{Model: model, Voice: "Zephyr"}))
//
//	events, cancel := ctrl.Subscribe(64)
//	defer cancel()
//
//	if err := ctrl.Start(ctx); err != nil {
//	    return err
//	}
//	defer ctrl.Stop()
//
//	for event := range events {
//	    if e, ok := event.(*live.TurnFinalizedEvent); ok {
//	        fmt.Println(e.Turns)
//	    }
//	}
package live
