package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/vango-go/vai-live/pkg/core"
	"github.com/vango-go/vai-live/pkg/core/live"
)

func startTestNATSServer(t *testing.T) string {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("create nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns.ClientURL()
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

type countingRecorder struct {
	mu   sync.Mutex
	ok   map[string]int
	errs map[string]int
}

func (r *countingRecorder) RecordPublish(sink, kind string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ok == nil {
		r.ok, r.errs = map[string]int{}, map[string]int{}
	}
	if err != nil {
		r.errs[sink+"/"+kind]++
		return
	}
	r.ok[sink+"/"+kind]++
}

func TestFromEvent(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		ev   live.Event
		kind string
		ok   bool
	}{
		{"started", &live.SessionStartedEvent{SessionID: "s1", StartedAt: at}, KindState, true},
		{"state", &live.StateChangedEvent{From: live.StateLive, To: live.StatePaused}, KindState, true},
		{"closed", &live.SessionClosedEvent{SessionID: "s1", ClosedAt: at, Reason: "stopped"}, KindState, true},
		{"delta", &live.TranscriptDeltaEvent{Speaker: live.SpeakerUser, Delta: "hi"}, KindTranscript, true},
		{"turn", &live.TurnFinalizedEvent{SessionID: "s1", Turns: []live.Turn{{Speaker: live.SpeakerModel, Text: "ok"}}}, KindTurn, true},
		{"error", &live.ErrorEvent{Err: core.NewRemoteError("internal", "boom"), Fatal: true}, KindError, true},
		{"nil error", &live.ErrorEvent{}, "", false},
		{"interrupted", &live.InterruptedEvent{DroppedSegments: 2}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, ok := FromEvent(tt.ev, "fallback", at)
			if ok != tt.ok || rec.Kind != tt.kind {
				t.Fatalf("FromEvent = %+v, %v; want kind %q ok %v", rec, ok, tt.kind, tt.ok)
			}
			if ok && rec.SessionID == "" {
				t.Fatalf("record has no session id: %+v", rec)
			}
		})
	}

	rec, _ := FromEvent(&live.StateChangedEvent{SessionID: "s2", From: live.StateLive, To: live.StatePaused}, "fallback", at)
	if rec.SessionID != "s2" || rec.From != "LIVE" || rec.To != "PAUSED" {
		t.Fatalf("state record = %+v", rec)
	}
	rec, _ = FromEvent(&live.ErrorEvent{Err: core.NewRemoteError("internal", "boom"), Fatal: true}, "s3", at)
	if rec.Error == nil || rec.Error.Type != string(core.ErrRemote) || !rec.Error.Fatal || rec.SessionID != "s3" {
		t.Fatalf("error record = %+v", rec)
	}
}

func TestNATSSink_PublishesBySubject(t *testing.T) {
	url := startTestNATSServer(t)

	sub, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect subscriber: %v", err)
	}
	defer sub.Close()
	msgs := make(chan *nats.Msg, 8)
	if _, err := sub.ChanSubscribe("live.test.>", msgs); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	sink, err := ConnectNATS(url, "live.test.", nil)
	if err != nil {
		t.Fatalf("ConnectNATS error: %v", err)
	}
	defer sink.Close()

	rec := Record{Kind: KindTurn, Event: "turn.finalized", SessionID: "s1", Turns: []live.Turn{{Speaker: live.SpeakerUser, Text: "hello"}}}
	if err := sink.Publish(context.Background(), rec); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.Subject != "live.test.turn" {
			t.Fatalf("subject = %q", msg.Subject)
		}
		if msg.Header.Get("Session-Id") != "s1" || msg.Header.Get("Event-Type") != "turn.finalized" {
			t.Fatalf("headers = %v", msg.Header)
		}
		var got Record
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(got.Turns) != 1 || got.Turns[0].Text != "hello" {
			t.Fatalf("record = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
}

func TestConnectNATS_RequiresURL(t *testing.T) {
	if _, err := ConnectNATS(" ", "", nil); err == nil {
		t.Fatalf("ConnectNATS without servers should fail")
	}
	if got := NewNATSSink(nil, "", nil).Subject(KindState); got != "vai.live.state" {
		t.Fatalf("default subject = %q", got)
	}
}

func TestKafkaSink_KeysBySession(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, topic: DefaultKafkaTopic}

	rec := Record{Kind: KindState, Event: "state.changed", SessionID: "s9", To: "LIVE"}
	if err := sink.Publish(context.Background(), rec); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "s9" {
		t.Fatalf("key = %q", msg.Key)
	}
	if len(msg.Headers) != 2 || string(msg.Headers[0].Value) != "state.changed" || string(msg.Headers[1].Value) != KindState {
		t.Fatalf("headers = %+v", msg.Headers)
	}
	_ = sink.Close()
	if !w.closed {
		t.Fatalf("writer not closed")
	}
}

func TestNewKafkaSink_RequiresBrokers(t *testing.T) {
	if _, err := NewKafkaSink([]string{" ", ""}, "", nil); err == nil {
		t.Fatalf("NewKafkaSink without brokers should fail")
	}
	sink, err := NewKafkaSink([]string{"localhost:9092"}, "", nil)
	if err != nil {
		t.Fatalf("NewKafkaSink error: %v", err)
	}
	if sink.topic != DefaultKafkaTopic {
		t.Fatalf("topic = %q", sink.topic)
	}
	_ = sink.Close()
}

func TestPublisher_FansOutAndTracksSession(t *testing.T) {
	good := &fakeWriter{}
	bad := &fakeWriter{err: errors.New("broker down")}
	rec := &countingRecorder{}
	p := NewPublisher([]Sink{
		&KafkaSink{writer: good, topic: "a"},
		&namedSink{KafkaSink{writer: bad, topic: "b"}, "kafka-b"},
	}, WithMetrics(rec))

	events := make(chan live.Event, 8)
	events <- &live.SessionStartedEvent{SessionID: "s1", StartedAt: time.Now()}
	events <- &live.TranscriptDeltaEvent{Speaker: live.SpeakerModel, Delta: "hel"}
	events <- &live.InterruptedEvent{}
	events <- &live.SessionClosedEvent{SessionID: "s1", ClosedAt: time.Now()}
	events <- &live.TranscriptDeltaEvent{Speaker: live.SpeakerUser, Delta: "late"}
	close(events)
	p.Run(context.Background(), events)

	if len(good.msgs) != 4 {
		t.Fatalf("good sink got %d messages, want 4", len(good.msgs))
	}
	if string(good.msgs[1].Key) != "s1" {
		t.Fatalf("delta key = %q, want s1", good.msgs[1].Key)
	}
	if string(good.msgs[3].Key) != "" {
		t.Fatalf("delta after close keyed %q", good.msgs[3].Key)
	}
	if rec.ok["kafka/transcript"] != 2 || rec.errs["kafka-b/state"] != 2 {
		t.Fatalf("recorder ok=%v errs=%v", rec.ok, rec.errs)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

type namedSink struct {
	KafkaSink
	name string
}

func (s *namedSink) Name() string { return s.name }
