package gemini

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vango-go/vai-live/pkg/core/live"
	"google.golang.org/genai"
)

// liveSession is the subset of *genai.Session the stream drives.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

var errStreamClosed = errors.New("gemini live stream is closed")

// stream adapts a Live session to live.Stream. Recv must be called from a
// single goroutine.
type stream struct {
	session liveSession
	outRate int
	logger  *slog.Logger

	pending []live.ServerMessage

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func newStream(session liveSession, outRate int, logger *slog.Logger) *stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &stream{session: session, outRate: outRate, logger: logger}
}

func (s *stream) Send(chunk live.EncodedChunk) error {
	if s.closed.Load() {
		return errStreamClosed
	}
	data, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return fmt.Errorf("decode outbound chunk: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: data, MIMEType: chunk.MIMEType()},
	})
}

func (s *stream) Recv() (live.ServerMessage, error) {
	for len(s.pending) == 0 {
		msg, err := s.session.Receive()
		if err != nil {
			if s.closed.Load() {
				return nil, io.EOF
			}
			return recvError(err)
		}
		if msg == nil {
			continue
		}
		if msg.GoAway != nil {
			s.logger.Warn("gemini live session ending soon", "time_left", msg.GoAway.TimeLeft)
		}
		s.pending = convertMessage(msg, s.outRate)
	}

	next := s.pending[0]
	s.pending = s.pending[1:]
	return next, nil
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.session.Close()
	})
	return err
}
