package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"pulsefeed/internal/metrics"
	"pulsefeed/internal/models"
)

type capturedBatch struct {
	Topic string
	Key   string
	Env   batchEnvelope
}

type fakePublisher struct {
	mu      sync.Mutex
	batches []capturedBatch
}

func (p *fakePublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	var env batchEnvelope
	if err := json.Unmarshal(value, &env); err != nil {
		return err
	}
	p.mu.Lock()
	p.batches = append(p.batches, capturedBatch{Topic: topic, Key: key, Env: env})
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

type fakeSink struct {
	mu     sync.Mutex
	events []*models.TelemetryEvent
}

func (s *fakeSink) Append(e *models.TelemetryEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestBridge(cfg Config, pub Publisher, sink EventSink) *Bridge {
	if cfg.DeviceID == "" {
		cfg.DeviceID = "laptop_test"
	}
	if cfg.UserID == "" {
		cfg.UserID = "tester"
	}
	if cfg.TelemetryTopic == "" {
		cfg.TelemetryTopic = "telemetry"
	}
	return New(cfg, pub, sink, metrics.New(), quietLogger())
}

func focusEvent(at time.Time) *models.TelemetryEvent {
	return &models.TelemetryEvent{
		Type:            models.EventWindowFocus,
		OccurredAt:      at,
		AppName:         "editor",
		Title:           "main.go",
		DurationSeconds: 12,
		Source:          models.SourceAgentStream,
	}
}

func TestOfferRejectsInvalidEvents(t *testing.T) {
	b := newTestBridge(Config{BatchSize: 100}, &fakePublisher{}, &fakeSink{})

	b.Offer(&models.TelemetryEvent{Type: "screenshot", OccurredAt: time.Now().Add(-time.Second)})
	b.Offer(&models.TelemetryEvent{
		Type: models.EventIdle, OccurredAt: time.Now().Add(-time.Second), DurationSeconds: -1,
	})

	if got := b.PendingLen(); got != 0 {
		t.Errorf("pending = %d after invalid offers, want 0", got)
	}
}

func TestOfferDeduplicates(t *testing.T) {
	b := newTestBridge(Config{BatchSize: 100}, &fakePublisher{}, &fakeSink{})

	at := time.Now().Add(-time.Minute)
	b.Offer(focusEvent(at))
	b.Offer(focusEvent(at))

	if got := b.PendingLen(); got != 1 {
		t.Errorf("pending = %d after duplicate offer, want 1", got)
	}

	// A different timestamp is a different sample.
	b.Offer(focusEvent(at.Add(time.Second)))
	if got := b.PendingLen(); got != 2 {
		t.Errorf("pending = %d, want 2", got)
	}
}

func TestOfferDropsOldestAtCapacity(t *testing.T) {
	counters := metrics.New()
	b := New(Config{
		BatchSize: 100, PendingCapacity: 3,
		DeviceID: "laptop_test", UserID: "tester", TelemetryTopic: "telemetry",
	}, &fakePublisher{}, &fakeSink{}, counters, quietLogger())

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 4; i++ {
		b.Offer(focusEvent(base.Add(time.Duration(i) * time.Second)))
	}

	if got := b.PendingLen(); got != 3 {
		t.Fatalf("pending = %d, want 3", got)
	}
	if drops := counters.Read().BridgeDrops; drops != 1 {
		t.Errorf("bridge drops = %d, want 1", drops)
	}
	b.mu.Lock()
	oldest := b.pending[0].OccurredAt
	b.mu.Unlock()
	if !oldest.Equal(base.Add(time.Second)) {
		t.Errorf("oldest pending = %v, want second event (first dropped)", oldest)
	}
}

func TestFlushAtBatchSize(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeSink{}
	b := newTestBridge(Config{
		BatchSize: 2, BatchAge: time.Hour,
		TransportPreference: []string{"poll"}, PollInterval: time.Hour,
		AgentHost: "localhost", AgentPort: "1", // unreachable, poll just errors
	}, pub, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	base := time.Now().Add(-time.Minute)
	b.Offer(focusEvent(base))
	b.Offer(focusEvent(base.Add(time.Second)))

	deadline := time.After(2 * time.Second)
	for pub.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("batch never flushed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	pub.mu.Lock()
	batch := pub.batches[0]
	pub.mu.Unlock()
	if batch.Topic != "telemetry" || batch.Key != "laptop_test" {
		t.Errorf("batch routing = %s/%s", batch.Topic, batch.Key)
	}
	if batch.Env.BatchSize != 2 || len(batch.Env.Events) != 2 {
		t.Errorf("batch size = %d/%d events", batch.Env.BatchSize, len(batch.Env.Events))
	}
	if sink.count() != 2 {
		t.Errorf("sink received %d events, want 2", sink.count())
	}

	cancel()
	<-done
}

func TestShutdownFlushesPending(t *testing.T) {
	pub := &fakePublisher{}
	b := newTestBridge(Config{
		BatchSize: 100, BatchAge: time.Hour,
		TransportPreference: []string{"poll"}, PollInterval: time.Hour,
		AgentHost: "localhost", AgentPort: "1",
	}, pub, &fakeSink{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	b.Offer(focusEvent(time.Now().Add(-time.Minute)))
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop")
	}
	if pub.count() != 1 {
		t.Errorf("publish count = %d after shutdown flush, want 1", pub.count())
	}
	if b.PendingLen() != 0 {
		t.Errorf("pending = %d after shutdown flush, want 0", b.PendingLen())
	}
}

func hostPort(t *testing.T, rawURL string) (host, port string) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	return u.Hostname(), u.Port()
}

func TestRunStreamReceivesEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// Expect the subscription first.
		var sub map[string]any
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if sub["type"] != "subscribe" {
			t.Errorf("first message = %v, want subscribe", sub)
		}

		sample := map[string]any{
			"type":      "currentwindow",
			"timestamp": time.Now().Add(-time.Second).Format(time.RFC3339Nano),
			"duration":  3.5,
			"data":      map[string]any{"app": "browser", "title": "docs"},
		}
		if err := conn.WriteJSON(sample); err != nil {
			t.Errorf("write sample: %v", err)
			return
		}
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	host, port := hostPort(t, srv.URL)
	b := newTestBridge(Config{
		BatchSize: 100, AgentHost: host, AgentPort: port,
	}, &fakePublisher{}, &fakeSink{})

	if err := b.runStream(context.Background()); err != nil {
		t.Fatalf("runStream: %v", err)
	}
	if got := b.PendingLen(); got != 1 {
		t.Fatalf("pending = %d after stream, want 1", got)
	}
	b.mu.Lock()
	e := b.pending[0]
	b.mu.Unlock()
	if e.Type != models.EventWindowFocus || e.AppName != "browser" {
		t.Errorf("mapped event = %+v", e)
	}
	if e.Source != models.SourceAgentStream {
		t.Errorf("source = %s, want %s", e.Source, models.SourceAgentStream)
	}
}

func TestPollOnceQueriesAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/api/0/query") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		rows := []map[string]any{{
			"type":     "currentwindow",
			"duration": 42.0,
			"data":     map[string]any{"app": "terminal", "title": "zsh"},
		}}
		json.NewEncoder(w).Encode(rows)
	}))
	defer srv.Close()

	host, port := hostPort(t, srv.URL)
	b := newTestBridge(Config{
		BatchSize: 100, AgentHost: host, AgentPort: port,
	}, &fakePublisher{}, &fakeSink{})

	if err := b.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if got := b.PendingLen(); got != 1 {
		t.Fatalf("pending = %d after poll, want 1", got)
	}
	b.mu.Lock()
	e := b.pending[0]
	b.mu.Unlock()
	if e.Source != models.SourceAgentPoll {
		t.Errorf("source = %s, want %s", e.Source, models.SourceAgentPoll)
	}
	if e.AppName != "terminal" {
		t.Errorf("app = %s", e.AppName)
	}
}

func TestPollReusesAgentConnection(t *testing.T) {
	var mu sync.Mutex
	remotes := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		remotes[r.RemoteAddr] = true
		mu.Unlock()
		json.NewEncoder(w).Encode([]map[string]any{})
	}))
	defer srv.Close()

	host, port := hostPort(t, srv.URL)
	b := newTestBridge(Config{
		BatchSize: 100, AgentHost: host, AgentPort: port,
	}, &fakePublisher{}, &fakeSink{})

	for i := 0; i < 3; i++ {
		if err := b.pollOnce(context.Background()); err != nil {
			t.Fatalf("pollOnce %d: %v", i, err)
		}
	}
	// Keep-alive holds one agent connection open across polls.
	mu.Lock()
	defer mu.Unlock()
	if len(remotes) != 1 {
		t.Errorf("polls used %d connections, want 1", len(remotes))
	}
}

func TestMapAgentEvent(t *testing.T) {
	tests := []struct {
		name    string
		raw     agentEvent
		want    models.EventType
		skipped bool
	}{
		{name: "current window", raw: agentEvent{Type: "currentwindow"}, want: models.EventWindowFocus},
		{name: "afk", raw: func() agentEvent {
			var e agentEvent
			e.Type = "afkstatus"
			e.Data.Status = "afk"
			return e
		}(), want: models.EventAFK},
		{name: "not afk is idle", raw: agentEvent{Type: "afkstatus"}, want: models.EventIdle},
		{name: "heartbeat", raw: agentEvent{Type: "heartbeat"}, want: models.EventHeartbeat},
		{name: "unknown skipped", raw: agentEvent{Type: "screenshot"}, skipped: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ok := mapAgentEvent(tt.raw)
			if tt.skipped {
				if ok {
					t.Fatal("expected event to be skipped")
				}
				return
			}
			if !ok {
				t.Fatal("expected event to map")
			}
			if e.Type != tt.want {
				t.Errorf("type = %s, want %s", e.Type, tt.want)
			}
		})
	}
}
