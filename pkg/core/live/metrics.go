package live

import "time"

// Metrics receives counters from the conversation pipeline. Implementations
// must be safe for concurrent use.
type Metrics interface {
	FrameSent(bytes int)
	FrameDropped(reason string)
	SegmentScheduled(d time.Duration)
	SegmentDropped(reason string)
	DecodeFailed()
	Interrupted(droppedSegments int)
	SessionStarted()
	SessionEnded(final SessionState, d time.Duration)
	ConnectFailed(code string)
}

type nopMetrics struct{}

func (nopMetrics) FrameSent(int)                            {}
func (nopMetrics) FrameDropped(string)                      {}
func (nopMetrics) SegmentScheduled(time.Duration)           {}
func (nopMetrics) SegmentDropped(string)                    {}
func (nopMetrics) DecodeFailed()                            {}
func (nopMetrics) Interrupted(int)                          {}
func (nopMetrics) SessionStarted()                          {}
func (nopMetrics) SessionEnded(SessionState, time.Duration) {}
func (nopMetrics) ConnectFailed(string)                     {}
