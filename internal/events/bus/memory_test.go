package bus

import (
	"context"
	"sync"
	"testing"

	"github.com/agentboard/agentboard/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

type recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recorder) handle(ctx context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	rec := &recorder{}
	if _, err := bus.Subscribe("jobs.job.created", rec.handle); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	event := NewEvent("job.created", "job_store", map[string]interface{}{"id": "j1"})
	if err := bus.Publish(context.Background(), "jobs.job.created", event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if rec.count() != 1 {
		t.Fatalf("expected 1 event, got %d", rec.count())
	}
	rec.mu.Lock()
	got := rec.events[0]
	rec.mu.Unlock()
	if got.Type != "job.created" || got.Source != "job_store" {
		t.Errorf("unexpected event %+v", got)
	}
	if got.ID == "" || got.Timestamp.IsZero() {
		t.Error("expected generated id and timestamp")
	}
}

func TestWildcardSubjects(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	tailRec := &recorder{}
	tokenRec := &recorder{}
	bus.Subscribe("jobs.>", tailRec.handle)
	bus.Subscribe("jobs.*.created", tokenRec.handle)

	ctx := context.Background()
	bus.Publish(ctx, "jobs.job.created", NewEvent("job.created", "job_store", nil))
	bus.Publish(ctx, "jobs.job.updated", NewEvent("job.updated", "job_store", nil))
	bus.Publish(ctx, "jobs.queue.ready", NewEvent("queue.ready", "job_store", nil))
	bus.Publish(ctx, "other.subject", NewEvent("noise", "elsewhere", nil))

	if tailRec.count() != 3 {
		t.Errorf("jobs.> should see 3 events, got %d", tailRec.count())
	}
	if tokenRec.count() != 1 {
		t.Errorf("jobs.*.created should see 1 event, got %d", tokenRec.count())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	rec := &recorder{}
	sub, err := bus.Subscribe("jobs.job.updated", rec.handle)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	ctx := context.Background()
	bus.Publish(ctx, "jobs.job.updated", NewEvent("job.updated", "job_store", nil))

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("expected invalid subscription after unsubscribe")
	}

	bus.Publish(ctx, "jobs.job.updated", NewEvent("job.updated", "job_store", nil))
	if rec.count() != 1 {
		t.Errorf("expected 1 event after unsubscribe, got %d", rec.count())
	}
}

func TestClosedBusRejectsTraffic(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))

	rec := &recorder{}
	sub, _ := bus.Subscribe("jobs.>", rec.handle)

	bus.Close()

	if bus.IsConnected() {
		t.Error("expected disconnected after close")
	}
	if sub.IsValid() {
		t.Error("expected subscriptions invalidated on close")
	}
	if err := bus.Publish(context.Background(), "jobs.job.created", NewEvent("job.created", "job_store", nil)); err == nil {
		t.Error("expected publish to fail on closed bus")
	}
	if _, err := bus.Subscribe("jobs.>", rec.handle); err == nil {
		t.Error("expected subscribe to fail on closed bus")
	}
}

func TestMultipleSubscribersSameSubject(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	a, b := &recorder{}, &recorder{}
	bus.Subscribe("jobs.queue.ready", a.handle)
	bus.Subscribe("jobs.queue.ready", b.handle)

	bus.Publish(context.Background(), "jobs.queue.ready", NewEvent("queue.ready", "job_store", nil))

	if a.count() != 1 || b.count() != 1 {
		t.Errorf("both subscribers should see the event, got %d and %d", a.count(), b.count())
	}
}
