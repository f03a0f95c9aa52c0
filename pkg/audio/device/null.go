package device

import (
	"context"
	"sync"
	"time"

	"github.com/vango-go/vai-live/pkg/core/live"
)

// NullOutput is an output device with no sound. Its clock follows wall time
// so playback bookkeeping behaves as it would on a real device.
type NullOutput struct {
	now func() time.Time
}

// NewNullOutput returns a silent output device. now defaults to time.Now.
func NewNullOutput(now func() time.Time) *NullOutput {
	if now == nil {
		now = time.Now
	}
	return &NullOutput{now: now}
}

// Open implements live.OutputDevice.
func (n *NullOutput) Open(ctx context.Context) (live.OutputClock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &wallClock{now: n.now, origin: n.now()}, nil
}

type wallClock struct {
	now    func() time.Time
	origin time.Time

	mu     sync.Mutex
	closed bool
}

func (c *wallClock) Now() time.Duration {
	return c.now().Sub(c.origin)
}

func (c *wallClock) Schedule(*live.AudioBuffer, time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return live.ErrClockClosed
	}
	return nil
}

func (c *wallClock) StopAll() {}

func (c *wallClock) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
