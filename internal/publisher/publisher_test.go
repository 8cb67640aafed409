package publisher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"pulsefeed/internal/faulttolerance"
	"pulsefeed/internal/metrics"
)

// fakeWriter records writes and fails while down is set.
type fakeWriter struct {
	mu       sync.Mutex
	down     bool
	failures int
	written  []kafka.Message
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		f.failures++
		return errors.New("broker unreachable")
	}
	f.written = append(f.written, msgs...)
	return nil
}

func (f *fakeWriter) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeWriter) messages() []kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]kafka.Message, len(f.written))
	copy(out, f.written)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPublisher(t *testing.T, writer MessageWriter, capacity int) (*Publisher, *metrics.Counters) {
	t.Helper()
	counters := metrics.New()
	p, err := New(writer, Config{
		RetryQueueCapacity: capacity,
		RedeliverInterval:  time.Hour, // tests call Redeliver directly
		WriteTimeout:       time.Second,
	}, nil, counters, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, counters
}

func TestPublishDirectDelivery(t *testing.T) {
	w := &fakeWriter{}
	p, _ := newTestPublisher(t, w, 10)

	if err := p.Publish(context.Background(), "quotes", "RELIANCE.BSE", []byte(`{"price":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	msgs := w.messages()
	if len(msgs) != 1 {
		t.Fatalf("wrote %d messages, want 1", len(msgs))
	}
	if msgs[0].Topic != "quotes" || string(msgs[0].Key) != "RELIANCE.BSE" {
		t.Errorf("message = topic %q key %q", msgs[0].Topic, msgs[0].Key)
	}
	if p.QueueLen() != 0 {
		t.Errorf("queue should be empty after direct delivery, len=%d", p.QueueLen())
	}
}

func TestPublishBuffersOnFailureAndRedelivers(t *testing.T) {
	w := &fakeWriter{}
	w.setDown(true)
	p, _ := newTestPublisher(t, w, 10)

	// Three attempts while the transport is down.
	for i := 0; i < 3; i++ {
		if err := p.Publish(context.Background(), "quotes", "TCS.BSE", []byte{byte('a' + i)}); err != nil {
			t.Fatalf("Publish while down: %v", err)
		}
	}
	if p.QueueLen() != 3 {
		t.Fatalf("queue len = %d, want 3", p.QueueLen())
	}

	// Redelivery while still down leaves the queue intact.
	p.Redeliver(context.Background())
	if p.QueueLen() != 3 {
		t.Fatalf("queue drained while transport down, len=%d", p.QueueLen())
	}

	w.setDown(false)
	p.Redeliver(context.Background())
	if p.QueueLen() != 0 {
		t.Errorf("queue len after recovery = %d, want 0", p.QueueLen())
	}

	msgs := w.messages()
	if len(msgs) != 3 {
		t.Fatalf("delivered %d messages, want 3", len(msgs))
	}
	// Submission order per key is preserved through redelivery.
	for i, m := range msgs {
		if string(m.Value) != string([]byte{byte('a' + i)}) {
			t.Errorf("message %d = %q, out of order", i, m.Value)
		}
	}
}

func TestPublishQueuesBehindSameKey(t *testing.T) {
	w := &fakeWriter{}
	w.setDown(true)
	p, _ := newTestPublisher(t, w, 10)

	_ = p.Publish(context.Background(), "quotes", "INFY.BSE", []byte("first"))
	w.setDown(false)

	// Transport recovered, but the key has a queued record: the second
	// publish must not overtake the first.
	_ = p.Publish(context.Background(), "quotes", "INFY.BSE", []byte("second"))
	if len(w.messages()) != 0 {
		t.Fatal("publish overtook a queued record for the same key")
	}
	if p.QueueLen() != 2 {
		t.Fatalf("queue len = %d, want 2", p.QueueLen())
	}

	// A different key is unordered relative to INFY and may go direct.
	_ = p.Publish(context.Background(), "quotes", "SBIN.BSE", []byte("other"))
	if len(w.messages()) != 1 {
		t.Fatal("independent key should deliver directly")
	}

	p.Redeliver(context.Background())
	msgs := w.messages()
	if len(msgs) != 3 {
		t.Fatalf("delivered %d messages, want 3", len(msgs))
	}
	var infy []string
	for _, m := range msgs {
		if string(m.Key) == "INFY.BSE" {
			infy = append(infy, string(m.Value))
		}
	}
	if len(infy) != 2 || infy[0] != "first" || infy[1] != "second" {
		t.Errorf("per-key order = %v, want [first second]", infy)
	}
}

// gatedWriter blocks each write until release is signalled, simulating a
// slow broker round trip.
type gatedWriter struct {
	fakeWriter
	entered chan struct{}
	release chan struct{}
}

func (g *gatedWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	g.entered <- struct{}{}
	<-g.release
	return g.fakeWriter.WriteMessages(ctx, msgs...)
}

func TestPublishQueuesBehindInFlightSameKey(t *testing.T) {
	w := &gatedWriter{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	p, _ := newTestPublisher(t, w, 10)

	done := make(chan struct{})
	go func() {
		_ = p.Publish(context.Background(), "quotes", "RELIANCE.BSE", []byte("v1"))
		close(done)
	}()
	<-w.entered // v1 is now on the transport, unacknowledged

	// A same-key publish while v1 is in flight must queue behind it, not
	// race it on the transport.
	_ = p.Publish(context.Background(), "quotes", "RELIANCE.BSE", []byte("v2"))
	if p.QueueLen() != 1 {
		t.Fatalf("queue len = %d, want 1 (second publish must wait for the in-flight write)", p.QueueLen())
	}
	if got := len(w.messages()); got != 0 {
		t.Fatalf("broker saw %d messages before the first write completed", got)
	}

	close(w.release) // closed channel stops gating later writes too
	<-done
	p.Redeliver(context.Background())

	msgs := w.messages()
	if len(msgs) != 2 {
		t.Fatalf("delivered %d messages, want 2", len(msgs))
	}
	if string(msgs[0].Value) != "v1" || string(msgs[1].Value) != "v2" {
		t.Errorf("delivery order = [%s %s], want [v1 v2]", msgs[0].Value, msgs[1].Value)
	}
}

func TestEvictionOnlyAtCapacity(t *testing.T) {
	w := &fakeWriter{}
	w.setDown(true)
	p, counters := newTestPublisher(t, w, 3)

	for i := 0; i < 3; i++ {
		_ = p.Publish(context.Background(), "quotes", "A.BSE", []byte{byte('0' + i)})
	}
	if counters.Read().PublisherEvictions != 0 {
		t.Fatal("eviction occurred while the queue had headroom")
	}

	_ = p.Publish(context.Background(), "quotes", "A.BSE", []byte("overflow"))
	if got := counters.Read().PublisherEvictions; got != 1 {
		t.Errorf("evictions = %d, want 1", got)
	}
	if p.QueueLen() != 3 {
		t.Errorf("queue len = %d, capacity is 3", p.QueueLen())
	}

	// Oldest record was the one evicted.
	w.setDown(false)
	p.Redeliver(context.Background())
	msgs := w.messages()
	if string(msgs[0].Value) != "1" {
		t.Errorf("first redelivered = %q, want %q (oldest evicted)", msgs[0].Value, "1")
	}
}

func TestSpillAndReloadAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	spill, err := faulttolerance.NewSpillStore(dir, "publisher", testLogger())
	if err != nil {
		t.Fatalf("NewSpillStore: %v", err)
	}

	w := &fakeWriter{}
	w.setDown(true)
	counters := metrics.New()
	cfg := Config{RetryQueueCapacity: 10, RedeliverInterval: time.Hour, WriteTimeout: time.Second}

	p1, err := New(w, cfg, spill, counters, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = p1.Publish(context.Background(), "quotes", "HDFCBANK.BSE", []byte(`{"price":2}`))
	if err := p1.spillQueue(); err != nil {
		t.Fatalf("spillQueue: %v", err)
	}

	// A new publisher over the same spill dir restores the queue.
	p2, err := New(w, cfg, spill, counters, testLogger())
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	if p2.QueueLen() != 1 {
		t.Fatalf("restored queue len = %d, want 1", p2.QueueLen())
	}

	w.setDown(false)
	p2.Redeliver(context.Background())
	msgs := w.messages()
	if len(msgs) != 1 || string(msgs[0].Key) != "HDFCBANK.BSE" {
		t.Errorf("restored record not delivered: %v", msgs)
	}
}
