package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is prepended to every record subject.
const DefaultSubjectPrefix = "vai.live"

// NATSSink publishes records to <prefix>.<kind>.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	owned  bool
	log    *slog.Logger
}

// ConnectNATS dials the servers in url (comma separated) and returns a sink
// that owns the connection.
func ConnectNATS(url, prefix string, log *slog.Logger) (*NATSSink, error) {
	if log == nil {
		log = slog.Default()
	}
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("no NATS servers configured")
	}
	conn, err := nats.Connect(url,
		nats.Name("vai-live"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Info("connected to NATS", slog.String("servers", url))
	sink := NewNATSSink(conn, prefix, log)
	sink.owned = true
	return sink, nil
}

// NewNATSSink wraps an existing connection. Close does not close conn.
func NewNATSSink(conn *nats.Conn, prefix string, log *slog.Logger) *NATSSink {
	if log == nil {
		log = slog.Default()
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{conn: conn, prefix: prefix, log: log}
}

func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject a record kind is published on.
func (s *NATSSink) Subject(kind string) string {
	return s.prefix + "." + kind
}

func (s *NATSSink) Publish(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	msg := nats.NewMsg(s.Subject(rec.Kind))
	msg.Data = payload
	msg.Header.Set("Event-Type", rec.Event)
	if rec.SessionID != "" {
		msg.Header.Set("Session-Id", rec.SessionID)
	}
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	// Finalized turns are flushed so subscribers see them before shutdown.
	if rec.Kind == KindTurn {
		if _, ok := ctx.Deadline(); !ok {
			return s.conn.FlushTimeout(defaultFlushTimeout)
		}
		return s.conn.FlushWithContext(ctx)
	}
	return nil
}

const defaultFlushTimeout = 5 * time.Second

func (s *NATSSink) Close() error {
	if s == nil || s.conn == nil || !s.owned {
		return nil
	}
	s.log.Info("closing NATS connection")
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}
