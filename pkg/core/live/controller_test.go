package live

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/vango-go/vai-live/pkg/core"
)

type controllerFixture struct {
	log       *eventLog
	capture   *fakeCapture
	clock     *fakeOutputClock
	output    *fakeOutputDevice
	stream    *fakeStream
	transport *fakeTransport
	ctrl      *Controller
}

func newControllerFixture(t *testing.T, opts ...ControllerOption) *controllerFixture {
	t.Helper()
	log := &eventLog{}
	f := &controllerFixture{
		log:     log,
		capture: &fakeCapture{log: log},
		clock:   &fakeOutputClock{log: log},
		stream:  newFakeStream(log),
	}
	f.output = &fakeOutputDevice{clock: f.clock}
	f.transport = &fakeTransport{stream: f.stream}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]ControllerOption{WithLogger(logger)}, opts...)
	f.ctrl = NewController(Deps{
		Capture:   f.capture,
		Output:    f.output,
		Transport: f.transport,
	}, opts...)
	return f
}

func (f *controllerFixture) start(t *testing.T) {
	t.Helper()
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if got := f.ctrl.State(); got != StateLive {
		t.Fatalf("State() = %s, want LIVE", got)
	}
}

func TestController_StartStreamsMicrophoneAudio(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, WithConnectConfig(ConnectConfig{Model: "m", Voice: "Zephyr"}))
	f.start(t)
	defer f.ctrl.Stop()

	if f.transport.cfg.InputSampleRate != 16000 || f.transport.cfg.OutputSampleRate != 24000 || f.transport.cfg.Voice != "Zephyr" {
		t.Fatalf("connect config = %+v", f.transport.cfg)
	}

	f.capture.push(sineFrame(0, 4096, 16000))
	waitFor(t, "frame sent", func() bool { return f.stream.sentCount() == 1 })
	waitFor(t, "input level", func() bool { return f.ctrl.Snapshot().InputLevel > 0.2 })
}

func TestController_PausedFramesAreNotSent(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	f.start(t)
	defer f.ctrl.Stop()

	if err := f.ctrl.Pause(); err != nil {
		t.Fatalf("Pause error: %v", err)
	}
	f.capture.push(sineFrame(0, 4096, 16000))
	waitFor(t, "frame consumed", func() bool { return f.ctrl.Snapshot().InputLevel > 0 })
	if n := f.stream.sentCount(); n != 0 {
		t.Fatalf("sent %d frames while paused", n)
	}

	if err := f.ctrl.Resume(); err != nil {
		t.Fatalf("Resume error: %v", err)
	}
	f.capture.push(sineFrame(1, 4096, 16000))
	waitFor(t, "frame sent after resume", func() bool { return f.stream.sentCount() == 1 })

	if err := f.ctrl.Resume(); err == nil {
		t.Fatalf("Resume while live should fail")
	}
}

func TestController_HelloWorldTurn(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	events, cancel := f.ctrl.Subscribe(64)
	defer cancel()
	f.start(t)
	defer f.ctrl.Stop()

	f.stream.deliver(
		TranscriptMessage{Speaker: SpeakerUser, Text: "Hel"},
		TranscriptMessage{Speaker: SpeakerUser, Text: "lo"},
		TranscriptMessage{Speaker: SpeakerModel, Text: "Hi"},
		TranscriptMessage{Speaker: SpeakerModel, Text: "!"},
		TurnCompleteMessage{},
	)
	waitFor(t, "history", func() bool { return len(f.ctrl.History()) == 2 })

	snap := f.ctrl.Snapshot()
	want := []Turn{{Speaker: SpeakerUser, Text: "Hello"}, {Speaker: SpeakerModel, Text: "Hi!"}}
	for i, turn := range snap.History {
		if turn.Speaker != want[i].Speaker || turn.Text != want[i].Text {
			t.Fatalf("history = %+v", snap.History)
		}
	}
	if snap.PendingUser != "" || snap.PendingModel != "" {
		t.Fatalf("pending = %q / %q", snap.PendingUser, snap.PendingModel)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if e, ok := ev.(*TurnFinalizedEvent); ok {
				if len(e.Turns) != 2 || e.SessionID != snap.SessionID {
					t.Fatalf("turn event = %+v", e)
				}
				return
			}
		case <-deadline:
			t.Fatalf("no TurnFinalizedEvent")
		}
	}
}

func TestController_InterruptionDropsQueuedAudio(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	f.start(t)
	defer f.ctrl.Stop()

	f.stream.deliver(
		AudioMessage{Chunk: pcmChunk(500*time.Millisecond, 24000)},
		AudioMessage{Chunk: pcmChunk(500*time.Millisecond, 24000)},
	)
	waitFor(t, "two segments", func() bool { return len(f.clock.schedules()) == 2 })
	got := f.clock.schedules()
	if got[0].at != 0 || got[1].at != 500*time.Millisecond {
		t.Fatalf("schedules = %+v", got)
	}

	f.clock.advance(200 * time.Millisecond)
	f.stream.deliver(
		TranscriptMessage{Speaker: SpeakerModel, Text: "Let me tell you"},
		TranscriptMessage{Speaker: SpeakerUser, Text: "wait"},
		InterruptedMessage{},
	)
	waitFor(t, "interrupt", func() bool {
		f.clock.mu.Lock()
		stopped := f.clock.stopAlls > 0
		f.clock.mu.Unlock()
		return stopped && f.ctrl.Snapshot().PendingModel == ""
	})
	if n := f.clock.audible(f.clock.Now()); n != 0 {
		t.Fatalf("%d segments audible after interruption", n)
	}
	snap := f.ctrl.Snapshot()
	if snap.PendingModel != "" {
		t.Fatalf("model pending = %q, want cleared", snap.PendingModel)
	}
	if snap.PendingUser != "wait" {
		t.Fatalf("user pending = %q, want kept", snap.PendingUser)
	}
	if snap.PendingSegments != 0 {
		t.Fatalf("PendingSegments = %d", snap.PendingSegments)
	}

	f.stream.deliver(AudioMessage{Chunk: pcmChunk(100*time.Millisecond, 24000)})
	waitFor(t, "post-interrupt segment", func() bool { return len(f.clock.schedules()) == 3 })
	if at := f.clock.schedules()[2].at; at < 200*time.Millisecond {
		t.Fatalf("new segment at %v, before interruption time", at)
	}
	if f.ctrl.State() != StateLive {
		t.Fatalf("State() = %s, want LIVE", f.ctrl.State())
	}
}

func TestController_StaleDecodeIsDiscarded(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	r := &run{decodeCh: make(chan decodeJob, 4)}
	r.scheduler = NewPlaybackScheduler(f.clock)

	f.ctrl.enqueueAudio(r, pcmChunk(100*time.Millisecond, 24000))
	r.generation.Add(1)
	f.ctrl.enqueueAudio(r, pcmChunk(100*time.Millisecond, 24000))
	close(r.decodeCh)

	r.lanes.Add(1)
	f.ctrl.decodeLane(r)

	if got := len(f.clock.schedules()); got != 1 {
		t.Fatalf("scheduled %d buffers, want only the current generation", got)
	}
}

func TestController_StopReleasesResourcesInOrder(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	events, cancel := f.ctrl.Subscribe(64)
	defer cancel()
	f.start(t)

	f.stream.deliver(TranscriptMessage{Speaker: SpeakerUser, Text: "half a thought"})
	waitFor(t, "pending", func() bool { return f.ctrl.Snapshot().PendingUser != "" })

	f.ctrl.Stop()
	f.ctrl.Stop()

	if got := f.ctrl.State(); got != StateIdle {
		t.Fatalf("State() = %s, want IDLE", got)
	}
	if got, want := f.log.snapshot(), []string{"client", "capture", "clock"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("release order = %v, want %v", got, want)
	}
	if opens, closes := f.capture.counts(); opens != 1 || closes != 1 {
		t.Fatalf("capture opens=%d closes=%d", opens, closes)
	}
	snap := f.ctrl.Snapshot()
	if snap.PendingUser != "" {
		t.Fatalf("pending user = %q after stop", snap.PendingUser)
	}
	if snap.ClosedAt.IsZero() {
		t.Fatalf("ClosedAt not set")
	}

	var states []SessionState
	for len(events) > 0 {
		if e, ok := (<-events).(*StateChangedEvent); ok {
			states = append(states, e.To)
		}
	}
	want := []SessionState{StateConnecting, StateLive, StateClosing, StateClosed, StateIdle}
	if !reflect.DeepEqual(states, want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
}

func TestController_AuthFailureThenStop(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	f.transport.dialErr = errors.New("websocket: close 1007 (invalid payload data): API key not valid. Please pass a valid API key.")

	err := f.ctrl.Start(context.Background())
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Type != core.ErrConnect || coreErr.Code != core.CodeInvalidCredential {
		t.Fatalf("Start err = %v, want invalid_credential", err)
	}
	if f.ctrl.State() != StateError {
		t.Fatalf("State() = %s, want ERROR", f.ctrl.State())
	}
	if got := f.ctrl.Snapshot().Err; got == nil || got.Code != core.CodeInvalidCredential {
		t.Fatalf("Snapshot().Err = %v", got)
	}
	if opens, closes := f.capture.counts(); opens != 1 || closes != 1 {
		t.Fatalf("capture opens=%d closes=%d", opens, closes)
	}

	f.ctrl.Stop()
	if f.ctrl.State() != StateIdle {
		t.Fatalf("State() = %s, want IDLE", f.ctrl.State())
	}
}

func TestController_PermissionDenied(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	f.capture.openErr = core.NewPermissionError("microphone access denied", nil)

	err := f.ctrl.Start(context.Background())
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Type != core.ErrPermission {
		t.Fatalf("Start err = %v, want permission error", err)
	}
	if f.output.opens != 0 || f.transport.dials != 0 {
		t.Fatalf("output opens=%d dials=%d after permission failure", f.output.opens, f.transport.dials)
	}

	f.ctrl.Acknowledge()
	if f.ctrl.State() != StateIdle || f.ctrl.LastError() != nil {
		t.Fatalf("after Acknowledge: state=%s err=%v", f.ctrl.State(), f.ctrl.LastError())
	}
}

func TestController_OutputFailureReleasesMicrophone(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	f.output.openErr = errors.New("no output device")

	err := f.ctrl.Start(context.Background())
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Type != core.ErrDevice {
		t.Fatalf("Start err = %v, want device error", err)
	}
	if _, closes := f.capture.counts(); closes != 1 {
		t.Fatalf("capture closes=%d, want 1", closes)
	}
}

func TestController_StopWhileConnecting(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	f.transport.block = true

	errCh := make(chan error, 1)
	go func() { errCh <- f.ctrl.Start(context.Background()) }()
	waitFor(t, "connecting", func() bool {
		f.transport.mu.Lock()
		defer f.transport.mu.Unlock()
		return f.transport.dials == 1
	})

	f.ctrl.Stop()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Start err = %v, want context.Canceled", err)
	}
	if f.ctrl.State() != StateIdle {
		t.Fatalf("State() = %s, want IDLE", f.ctrl.State())
	}
	if f.ctrl.LastError() != nil {
		t.Fatalf("LastError() = %v, want nil", f.ctrl.LastError())
	}
	if opens, closes := f.capture.counts(); opens != 1 || closes != 1 {
		t.Fatalf("capture opens=%d closes=%d", opens, closes)
	}
}

func TestController_ConnectTimeout(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t, WithSessionConnectTimeout(30*time.Millisecond))
	f.transport.block = true

	err := f.ctrl.Start(context.Background())
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Code != core.CodeTimeout {
		t.Fatalf("Start err = %v, want timeout", err)
	}
	if f.ctrl.State() != StateError {
		t.Fatalf("State() = %s, want ERROR", f.ctrl.State())
	}
}

func TestController_RemoteErrorEndsInIdleWithError(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	f.start(t)

	f.stream.deliver(ErrorMessage{Code: "internal", Message: "upstream failure"})
	waitFor(t, "idle", func() bool { return f.ctrl.State() == StateIdle })

	if err := f.ctrl.LastError(); err == nil || err.Type != core.ErrRemote {
		t.Fatalf("LastError() = %v, want remote error", err)
	}
	if opens, closes := f.capture.counts(); opens != 1 || closes != 1 {
		t.Fatalf("capture opens=%d closes=%d", opens, closes)
	}
	f.ctrl.Stop()
	if f.ctrl.State() != StateIdle {
		t.Fatalf("State() = %s", f.ctrl.State())
	}
}

func TestController_RemoteCloseEndsInIdle(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	f.start(t)

	close(f.stream.inbound)
	waitFor(t, "idle", func() bool { return f.ctrl.State() == StateIdle })
	if f.ctrl.LastError() != nil {
		t.Fatalf("LastError() = %v, want nil", f.ctrl.LastError())
	}
	if _, closes := f.capture.counts(); closes != 1 {
		t.Fatalf("capture closes=%d", closes)
	}
}

func TestController_RestartAfterStop(t *testing.T) {
	t.Parallel()

	ids := []string{"live_1", "live_2"}
	f := newControllerFixture(t, WithSessionIDs(func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}))
	f.start(t)
	f.stream.deliver(TranscriptMessage{Speaker: SpeakerUser, Text: "one"}, TurnCompleteMessage{})
	waitFor(t, "history", func() bool { return len(f.ctrl.History()) == 1 })
	f.ctrl.Stop()

	if len(f.ctrl.History()) != 1 {
		t.Fatalf("history dropped on stop")
	}

	f.transport.mu.Lock()
	f.stream = newFakeStream(f.log)
	f.transport.stream = f.stream
	f.transport.mu.Unlock()

	f.start(t)
	defer f.ctrl.Stop()
	if got := f.ctrl.Snapshot().SessionID; got != "live_2" {
		t.Fatalf("SessionID = %q, want live_2", got)
	}
	if len(f.ctrl.History()) != 0 {
		t.Fatalf("history not reset for new session")
	}
	if opens, closes := f.capture.counts(); opens != 2 || closes != 1 {
		t.Fatalf("capture opens=%d closes=%d", opens, closes)
	}
}

func nextErrorEvent(t *testing.T, events <-chan Event) *ErrorEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if e, ok := ev.(*ErrorEvent); ok {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for an error event")
			return nil
		}
	}
}

func TestController_RemoteErrorDuringConnectIsNotLost(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		f := newControllerFixture(t)
		events, cancel := f.ctrl.Subscribe(64)
		f.stream.deliver(ErrorMessage{Code: "internal", Message: "upstream failure"})

		if err := f.ctrl.Start(context.Background()); err != nil {
			t.Fatalf("run %d: Start error: %v", i, err)
		}
		waitFor(t, "idle", func() bool { return f.ctrl.State() == StateIdle })
		if err := f.ctrl.LastError(); err == nil || err.Type != core.ErrRemote {
			t.Fatalf("run %d: LastError() = %v, want remote error", i, err)
		}
		if e := nextErrorEvent(t, events); !e.Fatal {
			t.Fatalf("run %d: error event not fatal", i)
		}
		if _, closes := f.capture.counts(); closes != 1 {
			t.Fatalf("run %d: capture closes=%d", i, closes)
		}
		cancel()
	}
}

func TestController_RemoteCloseDuringConnectIsNotLost(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	close(f.stream.inbound)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	waitFor(t, "idle", func() bool { return f.ctrl.State() == StateIdle })
	if f.ctrl.LastError() != nil {
		t.Fatalf("LastError() = %v, want nil", f.ctrl.LastError())
	}
	if _, closes := f.capture.counts(); closes != 1 {
		t.Fatalf("capture closes=%d", closes)
	}
}

func TestController_MalformedAudioIsContained(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	events, cancel := f.ctrl.Subscribe(64)
	defer cancel()
	f.start(t)
	defer f.ctrl.Stop()

	f.stream.deliver(AudioMessage{Chunk: EncodedChunk{Data: "not base64!!", SampleRate: 24000, Channels: 1}})
	e := nextErrorEvent(t, events)
	if e.Fatal || e.Err.Type != core.ErrDecode {
		t.Fatalf("error event = %+v, want non-fatal decode error", e)
	}

	// Three bytes are not a whole number of 16-bit samples.
	f.stream.deliver(AudioMessage{Chunk: EncodedChunk{Data: "AAAA", SampleRate: 24000, Channels: 1}})
	if e := nextErrorEvent(t, events); e.Fatal || e.Err.Type != core.ErrDecode {
		t.Fatalf("error event = %+v, want non-fatal decode error", e)
	}

	f.stream.deliver(AudioMessage{Chunk: pcmChunk(100*time.Millisecond, 24000)})
	waitFor(t, "segment scheduled", func() bool { return len(f.clock.schedules()) == 1 })
	if got := f.ctrl.State(); got != StateLive {
		t.Fatalf("State() = %s, want LIVE", got)
	}
}

func TestController_PlaybackErrorDropsSegment(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	events, cancel := f.ctrl.Subscribe(64)
	defer cancel()
	f.start(t)
	defer f.ctrl.Stop()

	f.clock.mu.Lock()
	f.clock.scheduleErr = errors.New("device busy")
	f.clock.mu.Unlock()

	f.stream.deliver(AudioMessage{Chunk: pcmChunk(100*time.Millisecond, 24000)})
	e := nextErrorEvent(t, events)
	if e.Fatal || e.Err.Type != core.ErrPlayback {
		t.Fatalf("error event = %+v, want non-fatal playback error", e)
	}
	if n := len(f.clock.schedules()); n != 0 {
		t.Fatalf("scheduled %d segments, want 0", n)
	}
	if got := f.ctrl.State(); got != StateLive {
		t.Fatalf("State() = %s, want LIVE", got)
	}

	f.clock.mu.Lock()
	f.clock.scheduleErr = nil
	f.clock.mu.Unlock()
	f.stream.deliver(AudioMessage{Chunk: pcmChunk(100*time.Millisecond, 24000)})
	waitFor(t, "segment scheduled", func() bool { return len(f.clock.schedules()) == 1 })
}

func TestController_LostOutputClockEndsSession(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	f.start(t)

	f.clock.mu.Lock()
	f.clock.closed = true
	f.clock.mu.Unlock()

	f.stream.deliver(AudioMessage{Chunk: pcmChunk(100*time.Millisecond, 24000)})
	waitFor(t, "idle", func() bool { return f.ctrl.State() == StateIdle })
	err := f.ctrl.LastError()
	if err == nil || err.Code != core.CodeClockGone {
		t.Fatalf("LastError() = %v, want clock_gone", err)
	}
	if _, closes := f.capture.counts(); closes != 1 {
		t.Fatalf("capture closes=%d", closes)
	}
}
