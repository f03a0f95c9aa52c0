package live

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// eventLog records the order in which resources are released.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(s string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, s)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type scheduledBuffer struct {
	at      time.Duration
	dur     time.Duration
	stopped bool
}

type fakeOutputClock struct {
	mu          sync.Mutex
	now         time.Duration
	scheduled   []*scheduledBuffer
	stopAlls    int
	closed      bool
	scheduleErr error
	log         *eventLog
}

func (c *fakeOutputClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeOutputClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

func (c *fakeOutputClock) Schedule(buf *AudioBuffer, at time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClockClosed
	}
	if c.scheduleErr != nil {
		return c.scheduleErr
	}
	c.scheduled = append(c.scheduled, &scheduledBuffer{at: at, dur: buf.Duration()})
	return nil
}

func (c *fakeOutputClock) StopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopAlls++
	for _, s := range c.scheduled {
		s.stopped = true
	}
}

func (c *fakeOutputClock) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.log.add("clock")
	return nil
}

// audible returns the buffers that would produce sound at or after t.
func (c *fakeOutputClock) audible(t time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.scheduled {
		if !s.stopped && s.at+s.dur > t {
			n++
		}
	}
	return n
}

func (c *fakeOutputClock) schedules() []scheduledBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]scheduledBuffer, len(c.scheduled))
	for i, s := range c.scheduled {
		out[i] = *s
	}
	return out
}

type fakeOutputDevice struct {
	mu      sync.Mutex
	clock   *fakeOutputClock
	openErr error
	opens   int
}

func (d *fakeOutputDevice) Open(context.Context) (OutputClock, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	if d.openErr != nil {
		return nil, d.openErr
	}
	return d.clock, nil
}

type fakeCapture struct {
	mu      sync.Mutex
	openErr error
	opens   int
	closes  int
	pipe    *FramePipe
	log     *eventLog
}

func (c *fakeCapture) Open(context.Context) (FrameStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	if c.openErr != nil {
		return nil, c.openErr
	}
	c.pipe = NewFramePipe(16, func() error {
		c.mu.Lock()
		c.closes++
		c.mu.Unlock()
		c.log.add("capture")
		return nil
	})
	return c.pipe, nil
}

func (c *fakeCapture) counts() (opens, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens, c.closes
}

func (c *fakeCapture) push(frame AudioFrame) bool {
	c.mu.Lock()
	pipe := c.pipe
	c.mu.Unlock()
	if pipe == nil {
		return false
	}
	return pipe.Deliver(frame)
}

type fakeStream struct {
	inbound chan ServerMessage
	recvErr chan error
	closed  chan struct{}
	once    sync.Once
	log     *eventLog

	mu   sync.Mutex
	sent []EncodedChunk
}

func newFakeStream(log *eventLog) *fakeStream {
	return &fakeStream{
		inbound: make(chan ServerMessage, 64),
		recvErr: make(chan error, 1),
		closed:  make(chan struct{}),
		log:     log,
	}
}

func (s *fakeStream) Send(chunk EncodedChunk) error {
	select {
	case <-s.closed:
		return errors.New("stream closed")
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, chunk)
	return nil
}

func (s *fakeStream) Recv() (ServerMessage, error) {
	select {
	case <-s.closed:
		return nil, errors.New("stream closed")
	default:
	}
	select {
	case msg, ok := <-s.inbound:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case err := <-s.recvErr:
		return nil, err
	case <-s.closed:
		return nil, errors.New("stream closed")
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.log.add("client")
	})
	return nil
}

func (s *fakeStream) deliver(msgs ...ServerMessage) {
	for _, m := range msgs {
		s.inbound <- m
	}
}

func (s *fakeStream) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fakeTransport struct {
	mu      sync.Mutex
	stream  *fakeStream
	dialErr error
	block   bool
	dials   int
	cfg     ConnectConfig
}

func (t *fakeTransport) Dial(ctx context.Context, cfg ConnectConfig) (Stream, error) {
	t.mu.Lock()
	t.dials++
	t.cfg = cfg
	block, err, stream := t.block, t.dialErr, t.stream
	t.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sineFrame(seq int64, n, rate int) AudioFrame {
	samples := make([]float32, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 0.25
		} else {
			samples[i] = -0.25
		}
	}
	return AudioFrame{Seq: seq, Samples: samples, SampleRate: rate}
}

// pcmChunk returns an encoded chunk of d of silence at rate Hz.
func pcmChunk(d time.Duration, rate int) EncodedChunk {
	n := int(d * time.Duration(rate) / time.Second)
	return EncodeFrame(make([]float32, n), rate)
}
