package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"

	"github.com/linnemanlabs/tripwire/internal/clock"
	"github.com/linnemanlabs/tripwire/internal/event"
	"github.com/linnemanlabs/tripwire/internal/pipeline"
)

type mockSubmitter struct {
	mu     sync.Mutex
	events []*event.Event
	err    error
}

func (m *mockSubmitter) Submit(_ context.Context, ev *event.Event) (*pipeline.SubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.events = append(m.events, ev)
	return &pipeline.SubmitResult{EventID: ev.ID}, nil
}

// mockReader serves queued messages, then blocks until ctx is done.
type mockReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	commitErr error
	closed    bool
}

func (r *mockReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *mockReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commitErr != nil {
		return r.commitErr
	}
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *mockReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *mockReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(offset int64, value string) kafka.Message {
	return kafka.Message{Topic: "events", Offset: offset, Value: []byte(value)}
}

func TestKafkaConsumer_CommitsAfterSubmit(t *testing.T) {
	t.Parallel()

	reader := &mockReader{msgs: []kafka.Message{
		msg(1, `{"type":"login","attrs":{"user":"alice"}}`),
		msg(2, `not json`),
		msg(3, `{"type":"login","attrs":{"user":"bob"}}`),
	}}
	sub := &mockSubmitter{}

	var mu sync.Mutex
	results := map[string]int{}
	c := NewKafkaConsumer(reader, sub, clock.NewFake(t0), nil, Hooks{OnMessage: func(transport, result string) {
		mu.Lock()
		defer mu.Unlock()
		if transport != "kafka" {
			t.Errorf("transport = %q", transport)
		}
		results[result]++
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for len(reader.commits()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("commits = %v, want 3", reader.commits())
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := reader.commits(); got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("commit order = %v", got)
	}
	if len(sub.events) != 2 || sub.events[1].Attrs["user"] != "bob" {
		t.Errorf("submitted = %+v", sub.events)
	}
	if !sub.events[0].ReceivedAt.Equal(t0) {
		t.Errorf("ReceivedAt = %s, want %s", sub.events[0].ReceivedAt, t0)
	}
	mu.Lock()
	defer mu.Unlock()
	if results[ResultAccepted] != 2 || results[ResultRejected] != 1 {
		t.Errorf("hook results = %v", results)
	}

	if err := c.Close(); err != nil || !reader.closed {
		t.Errorf("Close = %v, closed = %v", err, reader.closed)
	}
}

func TestKafkaConsumer_SubmitFailureLeavesOffsetUncommitted(t *testing.T) {
	t.Parallel()

	reader := &mockReader{msgs: []kafka.Message{msg(7, `{"type":"login"}`)}}
	sub := &mockSubmitter{err: pipeline.ErrStopped}
	c := NewKafkaConsumer(reader, sub, nil, nil, Hooks{})

	err := c.Run(context.Background())
	if !errors.Is(err, pipeline.ErrStopped) {
		t.Fatalf("Run = %v, want ErrStopped", err)
	}
	if got := reader.commits(); len(got) != 0 {
		t.Errorf("committed %v after failed submit", got)
	}
}

func TestKafkaConsumer_CommitError(t *testing.T) {
	t.Parallel()

	reader := &mockReader{msgs: []kafka.Message{msg(1, `{"type":"login"}`)}, commitErr: errors.New("broker gone")}
	c := NewKafkaConsumer(reader, &mockSubmitter{}, nil, nil, Hooks{})

	if err := c.Run(context.Background()); err == nil {
		t.Fatal("expected commit error")
	}
}

func TestNewKafkaReader_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  KafkaConfig
	}{
		{"no brokers", KafkaConfig{Topic: "t", GroupID: "g"}},
		{"no topic", KafkaConfig{Brokers: "b:9092", GroupID: "g"}},
		{"no group", KafkaConfig{Brokers: "b:9092", Topic: "t"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewKafkaReader(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}

	r, err := NewKafkaReader(KafkaConfig{Brokers: "a:9092, b:9092", Topic: "events", GroupID: "tripwire"})
	if err != nil {
		t.Fatalf("NewKafkaReader: %v", err)
	}
	defer r.Close()
	if got := r.Config().Brokers; len(got) != 2 || got[1] != "b:9092" {
		t.Errorf("brokers = %v", got)
	}
}

func TestNATSSubscriber_HandleMsg(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		data      string
		subErr    error
		wantError bool
		wantID    string
	}{
		{name: "accepted", data: `{"id":"e1","type":"login"}`, wantID: "e1"},
		{name: "missing type", data: `{"attrs":{}}`, wantError: true},
		{name: "submit fails", data: `{"type":"login"}`, subErr: errors.New("boom"), wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := NewNATSSubscriber(NATSConfig{Subject: "events"}, &mockSubmitter{err: tt.subErr}, nil, nil, Hooks{})
			out := s.handleMsg(context.Background(), &nats.Msg{Subject: "events", Data: []byte(tt.data)})

			var reply struct {
				Result *pipeline.SubmitResult `json:"result"`
				Error  string                 `json:"error"`
			}
			if err := json.Unmarshal(out, &reply); err != nil {
				t.Fatalf("reply is not json: %v", err)
			}
			if tt.wantError {
				if reply.Error == "" {
					t.Error("expected error in reply")
				}
				return
			}
			if reply.Result == nil || reply.Result.EventID != tt.wantID {
				t.Errorf("reply = %s", out)
			}
		})
	}
}

func TestRejected(t *testing.T) {
	t.Parallel()

	h := &handler{transport: "test", sub: &mockSubmitter{}, clock: clock.Real{}}
	_, err := h.handle(context.Background(), []byte(`[1,2]`))
	if !Rejected(err) || !errors.Is(err, event.ErrInvalidDocument) {
		t.Errorf("err = %v, want rejected ErrInvalidDocument", err)
	}

	h.sub = &mockSubmitter{err: errors.New("down")}
	_, err = h.handle(context.Background(), []byte(`{"type":"x"}`))
	if err == nil || Rejected(err) {
		t.Errorf("err = %v, want non-rejected failure", err)
	}
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := &handler{transport: "nats", sub: &mockSubmitter{}, clock: clock.Real{}, hooks: m.Hooks()}
	_, _ = h.handle(context.Background(), []byte(`{"type":"x"}`))
	_, _ = h.handle(context.Background(), []byte(`{}`))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) != 1 || len(families[0].GetMetric()) != 2 {
		t.Fatalf("families = %v", families)
	}
}
