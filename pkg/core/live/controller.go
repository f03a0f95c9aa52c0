package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vango-go/vai-live/pkg/core"
)

const defaultDecodeBacklog = 256

// Deps are the capabilities a Controller drives.
type Deps struct {
	Capture   CaptureSource
	Output    OutputDevice
	Transport Transport
}

// Snapshot is a point-in-time view of the conversation.
type Snapshot struct {
	SessionID       string
	State           SessionState
	StartedAt       time.Time
	ClosedAt        time.Time
	Err             *core.Error
	History         []Turn
	PendingUser     string
	PendingModel    string
	InputLevel      float64
	PendingSegments int
}

// Controller runs one conversation session at a time and owns its state
// machine. Every teardown path closes the session client, then the
// microphone, then the output clock, then clears pending transcripts.
type Controller struct {
	deps           Deps
	audio          AudioConfig
	connect        ConnectConfig
	connectTimeout time.Duration
	sendQueue      int
	decodeBacklog  int
	logger         *slog.Logger
	metrics        Metrics
	now            func() time.Time
	newID          func() string

	transcripts *TranscriptAggregator
	level       atomic.Uint64

	mu      sync.Mutex
	state   SessionState
	lastErr *core.Error
	run     *run

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// run holds the resources of a single session.
type run struct {
	id        string
	startedAt time.Time
	closedAt  time.Time
	cancel    context.CancelFunc
	stopping  atomic.Bool
	started   chan struct{}

	stream    FrameStream
	scheduler *PlaybackScheduler
	client    *SessionClient

	// generation tags queued audio; bumping it discards in-flight decodes.
	generation atomic.Uint64
	playMu     sync.Mutex

	decodeMu     sync.Mutex
	decodeCh     chan decodeJob
	decodeClosed bool

	quit         chan struct{}
	lanes        sync.WaitGroup
	teardownOnce sync.Once
	tornDown     chan struct{}

	// early holds a remote end that arrived while Start was still
	// connecting. Guarded by Controller.mu.
	early *remoteEnd
}

type remoteEnd struct {
	err    *core.Error
	reason string
}

type decodeJob struct {
	generation uint64
	chunk      EncodedChunk
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) ControllerOption {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithAudioConfig sets capture and playback formats.
func WithAudioConfig(cfg AudioConfig) ControllerOption {
	return func(c *Controller) {
		c.audio = cfg.withDefaults()
	}
}

// WithConnectConfig sets what is sent to the transport on connect.
func WithConnectConfig(cfg ConnectConfig) ControllerOption {
	return func(c *Controller) {
		c.connect = cfg
	}
}

// WithSessionConnectTimeout bounds how long Start waits for the remote service.
func WithSessionConnectTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithOutboundQueue sets the session client's send queue length.
func WithOutboundQueue(n int) ControllerOption {
	return func(c *Controller) {
		if n > 0 {
			c.sendQueue = n
		}
	}
}

// WithNow sets the wall clock used for timestamps.
func WithNow(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSessionIDs sets the session ID generator.
func WithSessionIDs(newID func() string) ControllerOption {
	return func(c *Controller) {
		if newID != nil {
			c.newID = newID
		}
	}
}

// NewController returns an idle controller.
func NewController(deps Deps, opts ...ControllerOption) *Controller {
	c := &Controller{
		deps:           deps,
		audio:          DefaultAudioConfig(),
		connectTimeout: defaultConnectTimeout,
		sendQueue:      defaultSendQueue,
		decodeBacklog:  defaultDecodeBacklog,
		logger:         slog.Default(),
		metrics:        nopMetrics{},
		now:            time.Now,
		newID:          func() string { return "live_" + uuid.NewString() },
		state:          StateIdle,
		subs:           make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.transcripts = NewTranscriptAggregator(c.now)
	return c
}

// Start acquires the microphone and output clock and connects to the remote
// service. ctx bounds acquisition only. On failure the session is torn down
// and left in StateError until Acknowledge or Stop.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("start: session is %s", state)
	}
	connectCtx, cancel := context.WithCancel(ctx)
	r := &run{
		id:       c.newID(),
		cancel:   cancel,
		started:  make(chan struct{}),
		decodeCh: make(chan decodeJob, c.decodeBacklog),
		quit:     make(chan struct{}),
		tornDown: make(chan struct{}),
	}
	c.run = r
	c.lastErr = nil
	c.transcripts.Reset()
	c.level.Store(0)
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	defer close(r.started)
	defer cancel()

	logger := c.logger.With("session_id", r.id)
	fail := func(err *core.Error) error {
		if r.stopping.Load() {
			return c.abortStart(r)
		}
		return c.startFailed(r, err)
	}

	stream, err := c.deps.Capture.Open(connectCtx)
	if err != nil {
		return fail(classifyDeviceError(err, "open microphone"))
	}
	c.mu.Lock()
	r.stream = stream
	c.mu.Unlock()

	clock, err := c.deps.Output.Open(connectCtx)
	if err != nil {
		return fail(classifyDeviceError(err, "open audio output"))
	}
	scheduler := NewPlaybackScheduler(clock, WithSchedulerLogger(logger))
	client := NewSessionClient(c.deps.Transport, c.handlers(r),
		WithClientLogger(logger),
		WithClientMetrics(c.metrics),
		WithConnectTimeout(c.connectTimeout),
		WithSendQueue(c.sendQueue),
	)
	c.mu.Lock()
	r.scheduler = scheduler
	r.client = client
	c.mu.Unlock()

	r.lanes.Add(2)
	go c.decodeLane(r)
	go c.outboundLane(r, stream)

	cfg := c.connect
	cfg.InputSampleRate = c.audio.InputSampleRate
	cfg.OutputSampleRate = c.audio.OutputSampleRate
	if err := client.Connect(connectCtx, cfg); err != nil {
		var coreErr *core.Error
		if !errors.As(err, &coreErr) {
			coreErr = core.ClassifyConnect(err)
		}
		if !r.stopping.Load() {
			c.metrics.ConnectFailed(coreErr.Code)
		}
		return fail(coreErr)
	}

	c.mu.Lock()
	if r.stopping.Load() || c.run != r || c.state != StateConnecting {
		c.mu.Unlock()
		return c.abortStart(r)
	}
	r.startedAt = c.now()
	c.setStateLocked(StateLive)
	early := r.early
	r.early = nil
	c.mu.Unlock()

	c.metrics.SessionStarted()
	c.emit(&SessionStartedEvent{SessionID: r.id, StartedAt: r.startedAt})
	logger.Info("live session started", "model", cfg.Model, "voice", cfg.Voice)
	if early != nil {
		c.handleRemoteEnd(r, early.err, early.reason)
	}
	return nil
}

// Pause stops sending microphone audio. The session stays open.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateLive {
		return fmt.Errorf("pause: session is %s", c.state)
	}
	c.run.client.Pause()
	c.setStateLocked(StatePaused)
	return nil
}

// Resume restarts sending microphone audio.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return fmt.Errorf("resume: session is %s", c.state)
	}
	c.run.client.Resume()
	c.setStateLocked(StateLive)
	return nil
}

// Stop ends the session from any state and returns once the controller is
// Idle. It is a no-op when already Idle.
func (c *Controller) Stop() {
	c.mu.Lock()
	r := c.run
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return
	case StateError, StateClosed:
		c.mu.Unlock()
		if r != nil {
			<-r.tornDown
		}
		c.mu.Lock()
		if c.state == StateError || c.state == StateClosed {
			c.setStateLocked(StateIdle)
		}
		c.mu.Unlock()
		return
	case StateConnecting:
		r.stopping.Store(true)
		c.mu.Unlock()
		r.cancel()
		<-r.started
		c.Stop()
		return
	case StateClosing:
		c.mu.Unlock()
		<-r.tornDown
		c.Stop()
		return
	}

	final := c.state
	c.setStateLocked(StateClosing)
	c.mu.Unlock()

	c.teardown(r, final, "stopped")

	c.mu.Lock()
	if c.run == r && c.state == StateClosing {
		c.setStateLocked(StateClosed)
		c.setStateLocked(StateIdle)
	}
	c.mu.Unlock()
}

// Acknowledge clears an error and returns the controller to Idle.
func (c *Controller) Acknowledge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateError {
		c.lastErr = nil
		c.setStateLocked(StateIdle)
	}
}

// State returns the current session state.
func (c *Controller) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the error that ended the most recent session, if any.
func (c *Controller) LastError() *core.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// History returns the finalized turns of the current or last session.
func (c *Controller) History() []Turn {
	return c.transcripts.History()
}

// Snapshot returns the observable state of the conversation.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		State: c.state,
		Err:   c.lastErr,
	}
	r := c.run
	var scheduler *PlaybackScheduler
	if r != nil {
		snap.SessionID = r.id
		snap.StartedAt = r.startedAt
		snap.ClosedAt = r.closedAt
		if c.state.Active() {
			scheduler = r.scheduler
		}
	}
	c.mu.Unlock()

	if scheduler != nil {
		snap.PendingSegments = len(scheduler.Pending())
	}
	snap.History = c.transcripts.History()
	snap.PendingUser = c.transcripts.Pending(SpeakerUser)
	snap.PendingModel = c.transcripts.Pending(SpeakerModel)
	snap.InputLevel = math.Float64frombits(c.level.Load())
	return snap
}

// Subscribe returns a channel of controller events. Events are dropped for
// subscribers that fall behind. Call cancel to unsubscribe.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
			close(ch)
		})
	}
}

func (c *Controller) emit(event Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (c *Controller) setStateLocked(to SessionState) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	id := ""
	if c.run != nil {
		id = c.run.id
	}
	c.logger.Debug("live session state", "from", from.String(), "to", to.String(), "session_id", id)
	c.emit(&StateChangedEvent{SessionID: id, From: from, To: to})
}

func (c *Controller) current(r *run) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run == r
}

func (c *Controller) handlers(r *run) Handlers {
	return Handlers{
		OnTranscript: func(speaker Speaker, text string) {
			if !c.current(r) {
				return
			}
			c.transcripts.Append(speaker, text)
			c.emit(&TranscriptDeltaEvent{Speaker: speaker, Delta: text})
		},
		OnTurnComplete: func() {
			if !c.current(r) {
				return
			}
			if turns := c.transcripts.FinalizeTurn(); len(turns) > 0 {
				c.emit(&TurnFinalizedEvent{SessionID: r.id, Turns: turns})
			}
		},
		OnAudio: func(chunk EncodedChunk) {
			c.enqueueAudio(r, chunk)
		},
		OnInterrupted: func() {
			c.interrupt(r)
		},
		OnError: func(err *core.Error) {
			c.handleRemoteEnd(r, err, "")
		},
		OnClosed: func(reason string) {
			c.handleRemoteEnd(r, nil, reason)
		},
	}
}

func (c *Controller) enqueueAudio(r *run, chunk EncodedChunk) {
	r.decodeMu.Lock()
	defer r.decodeMu.Unlock()
	if r.decodeClosed {
		return
	}
	select {
	case r.decodeCh <- decodeJob{generation: r.generation.Load(), chunk: chunk}:
	default:
		c.metrics.SegmentDropped("decode_backlog")
	}
}

func (c *Controller) interrupt(r *run) {
	r.playMu.Lock()
	r.generation.Add(1)
	dropped := r.scheduler.Interrupt()
	r.playMu.Unlock()

	c.transcripts.ClearPending(SpeakerModel)
	c.metrics.Interrupted(dropped)
	c.emit(&InterruptedEvent{DroppedSegments: dropped})
}

// decodeLane decodes model audio in arrival order without blocking the
// inbound message lane.
func (c *Controller) decodeLane(r *run) {
	defer r.lanes.Done()
	for job := range r.decodeCh {
		if job.generation != r.generation.Load() {
			c.metrics.SegmentDropped("stale")
			continue
		}
		buf, err := DecodeChunk(job.chunk, c.audio.OutputSampleRate, c.audio.OutputChannels)
		if err != nil {
			c.metrics.DecodeFailed()
			c.reportError(err)
			continue
		}

		r.playMu.Lock()
		if job.generation != r.generation.Load() {
			r.playMu.Unlock()
			c.metrics.SegmentDropped("stale")
			continue
		}
		seg, err := r.scheduler.Enqueue(buf)
		r.playMu.Unlock()
		if err != nil {
			c.metrics.SegmentDropped("playback_error")
			var coreErr *core.Error
			if errors.As(err, &coreErr) && coreErr.IsFatal() {
				go c.handleRemoteEnd(r, coreErr, "")
				continue
			}
			c.reportError(err)
			continue
		}
		c.metrics.SegmentScheduled(seg.Duration)
	}
}

func (c *Controller) outboundLane(r *run, stream FrameStream) {
	defer r.lanes.Done()
	frames := stream.Frames()
	for {
		select {
		case <-r.quit:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			rms, _ := FrameLevel(frame.Samples)
			c.level.Store(math.Float64bits(rms))
			if r.client.State() != StateLive {
				continue
			}
			samples, rate := frame.Samples, frame.SampleRate
			if rate > 0 && rate != c.audio.InputSampleRate {
				samples = Resample(samples, 1, rate, c.audio.InputSampleRate)
			}
			r.client.Send(EncodeFrame(samples, c.audio.InputSampleRate))
		}
	}
}

func (c *Controller) reportError(err error) {
	var coreErr *core.Error
	if !errors.As(err, &coreErr) {
		coreErr = &core.Error{Type: core.ErrPlayback, Message: err.Error(), Cause: err}
	}
	c.logger.Warn("live session error", "type", string(coreErr.Type), "code", coreErr.Code, "error", coreErr.Message)
	c.emit(&ErrorEvent{Err: coreErr, Fatal: false})
}

// handleRemoteEnd tears the session down after the remote side failed or
// closed it, or after the output clock disappeared. The controller ends in
// Idle with the error retained for display.
func (c *Controller) handleRemoteEnd(r *run, err *core.Error, reason string) {
	c.mu.Lock()
	if c.run == r && c.state == StateConnecting && !r.stopping.Load() {
		if r.early == nil {
			r.early = &remoteEnd{err: err, reason: reason}
		}
		c.mu.Unlock()
		return
	}
	if c.run != r || !c.state.Active() {
		c.mu.Unlock()
		return
	}
	final := c.state
	if err != nil {
		c.lastErr = err
		c.setStateLocked(StateError)
	} else {
		c.setStateLocked(StateClosed)
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("live session failed", "session_id", r.id, "type", string(err.Type), "code", err.Code, "error", err.Message)
		c.emit(&ErrorEvent{Err: err, Fatal: true})
		reason = err.Reason()
	} else {
		c.logger.Info("live session closed by remote", "session_id", r.id, "reason", reason)
	}

	c.teardown(r, final, reason)

	c.mu.Lock()
	if c.run == r && (c.state == StateError || c.state == StateClosed) {
		c.setStateLocked(StateIdle)
	}
	c.mu.Unlock()
}

func (c *Controller) startFailed(r *run, err *core.Error) error {
	c.teardown(r, StateError, err.Reason())
	c.mu.Lock()
	c.lastErr = err
	if c.run == r {
		c.setStateLocked(StateError)
	}
	c.mu.Unlock()
	c.logger.Error("live session start failed", "session_id", r.id, "type", string(err.Type), "code", err.Code, "error", err.Message)
	c.emit(&ErrorEvent{Err: err, Fatal: true})
	return err
}

func (c *Controller) abortStart(r *run) error {
	c.mu.Lock()
	if c.run == r {
		c.setStateLocked(StateClosing)
	}
	c.mu.Unlock()
	c.teardown(r, StateClosed, "stopped")
	c.mu.Lock()
	if c.run == r {
		c.setStateLocked(StateClosed)
		c.setStateLocked(StateIdle)
	}
	c.mu.Unlock()
	return fmt.Errorf("start: %w", context.Canceled)
}

// teardown releases the session's resources exactly once. Concurrent
// callers wait for the first to finish.
func (c *Controller) teardown(r *run, final SessionState, reason string) {
	r.teardownOnce.Do(func() {
		defer close(r.tornDown)

		c.mu.Lock()
		client, stream, scheduler := r.client, r.stream, r.scheduler
		c.mu.Unlock()

		r.generation.Add(1)
		close(r.quit)

		if client != nil {
			if err := client.Close(); err != nil {
				c.logger.Debug("close session client", "error", err)
			}
		}
		if stream != nil {
			if err := stream.Close(); err != nil {
				c.logger.Warn("close microphone", "error", err)
			}
		}

		r.decodeMu.Lock()
		r.decodeClosed = true
		close(r.decodeCh)
		r.decodeMu.Unlock()
		r.lanes.Wait()

		if scheduler != nil {
			_ = scheduler.Close()
		}
		c.transcripts.ClearAllPending()
		c.level.Store(0)

		closedAt := c.now()
		c.mu.Lock()
		r.closedAt = closedAt
		startedAt := r.startedAt
		c.mu.Unlock()

		if !startedAt.IsZero() {
			c.metrics.SessionEnded(final, closedAt.Sub(startedAt))
		}
		c.emit(&SessionClosedEvent{SessionID: r.id, ClosedAt: closedAt, Reason: reason})
	})
	<-r.tornDown
}

func classifyDeviceError(err error, op string) *core.Error {
	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		return coreErr
	}
	return core.NewDeviceError(fmt.Sprintf("%s: %v", op, err), err)
}
