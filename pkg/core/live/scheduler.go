package live

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/vai-live/pkg/core"
)

// ErrClockClosed is returned by an OutputClock that has been released.
var ErrClockClosed = errors.New("output clock closed")

// OutputDevice opens the audio output clock for one session.
type OutputDevice interface {
	Open(ctx context.Context) (OutputClock, error)
}

// OutputClock is a monotonic playback timeline that can play buffers at
// precise positions. Times are offsets from when the clock was opened.
type OutputClock interface {
	Now() time.Duration
	Schedule(buf *AudioBuffer, at time.Duration) error
	StopAll()
	Close() error
}

// PlaybackSegment is one buffer placed on the output timeline.
type PlaybackSegment struct {
	Start    time.Duration
	Duration time.Duration
}

// End returns when the segment finishes playing.
func (s PlaybackSegment) End() time.Duration {
	return s.Start + s.Duration
}

// PlaybackScheduler places decoded buffers back to back on an output clock.
// The cursor only moves forward, except on Interrupt where it resets to the
// clock's current time.
type PlaybackScheduler struct {
	clock  OutputClock
	logger *slog.Logger

	mu     sync.Mutex
	cursor time.Duration
	queue  []PlaybackSegment
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// SchedulerOption configures a PlaybackScheduler.
type SchedulerOption func(*PlaybackScheduler)

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *PlaybackScheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewPlaybackScheduler returns a scheduler driving clock.
func NewPlaybackScheduler(clock OutputClock, opts ...SchedulerOption) *PlaybackScheduler {
	s := &PlaybackScheduler{
		clock:  clock,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue schedules buf at max(now, cursor) and advances the cursor by its
// duration. A failed schedule drops the segment and leaves the cursor
// unchanged.
func (s *PlaybackScheduler) Enqueue(buf *AudioBuffer) (PlaybackSegment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return PlaybackSegment{}, core.NewPlaybackError(core.CodeClockGone, "playback scheduler is closed", ErrClockClosed)
	}
	dur := buf.Duration()
	if dur <= 0 {
		return PlaybackSegment{}, nil
	}

	now := s.clock.Now()
	s.prune(now)
	start := s.cursor
	if now > start {
		start = now
	}
	if err := s.clock.Schedule(buf, start); err != nil {
		code := ""
		if errors.Is(err, ErrClockClosed) {
			code = core.CodeClockGone
		}
		return PlaybackSegment{}, core.NewPlaybackError(code, "schedule playback", err)
	}

	seg := PlaybackSegment{Start: start, Duration: dur}
	s.cursor = seg.End()
	s.queue = append(s.queue, seg)
	return seg, nil
}

// Interrupt stops every scheduled segment and resets the cursor to now. It
// returns the number of segments that had not finished.
func (s *PlaybackScheduler) Interrupt() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}
	now := s.clock.Now()
	s.prune(now)
	dropped := len(s.queue)
	s.clock.StopAll()
	s.queue = nil
	s.cursor = now
	return dropped
}

// Pending returns the segments that have not finished playing.
func (s *PlaybackScheduler) Pending() []PlaybackSegment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.prune(s.clock.Now())
	}
	return append([]PlaybackSegment(nil), s.queue...)
}

// Cursor returns the time at which the next segment will start if the clock
// has not passed it.
func (s *PlaybackScheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Close stops playback and releases the output clock. It is safe to call
// more than once.
func (s *PlaybackScheduler) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()

		s.clock.StopAll()
		s.closeErr = s.clock.Close()
		if s.closeErr != nil {
			s.logger.Warn("close output clock", "error", s.closeErr)
		}
	})
	return s.closeErr
}

func (s *PlaybackScheduler) prune(now time.Duration) {
	i := 0
	for i < len(s.queue) && s.queue[i].End() <= now {
		i++
	}
	if i > 0 {
		s.queue = append(s.queue[:0], s.queue[i:]...)
	}
}
