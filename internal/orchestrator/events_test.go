package orchestrator

import (
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ShayCichocki/orcha/pkg/models"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
	err    error
}

func (s *recordingSink) Publish(e models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func TestEventBusSubscribe(t *testing.T) {
	bus := NewEventBus(nil)
	ch, unsubscribe := bus.Subscribe(4)

	bus.Publish(models.Event{Seq: 1, Type: models.EventNodeStarted})
	bus.Publish(models.Event{Seq: 2, Type: models.EventNodeDone})

	if e := <-ch; e.Seq != 1 {
		t.Errorf("expected seq 1, got %d", e.Seq)
	}
	if e := <-ch; e.Type != models.EventNodeDone {
		t.Errorf("expected %s, got %s", models.EventNodeDone, e.Type)
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(models.Event{Seq: 3})
}

func TestEventBusDropsWhenFull(t *testing.T) {
	m := NewMetrics()
	bus := NewEventBus(m)
	ch, unsubscribe := bus.Subscribe(1)
	defer unsubscribe()

	bus.Publish(models.Event{Seq: 1})
	bus.Publish(models.Event{Seq: 2})

	if got := bus.DroppedCount(); got != 1 {
		t.Errorf("expected 1 dropped event, got %d", got)
	}
	if got := testutil.ToFloat64(m.eventsDropped); got != 1 {
		t.Errorf("expected dropped metric 1, got %v", got)
	}
	if e := <-ch; e.Seq != 1 {
		t.Errorf("expected first event to survive, got seq %d", e.Seq)
	}
}

func TestEventBusSinks(t *testing.T) {
	bus := NewEventBus(nil)
	ok := &recordingSink{}
	failing := &recordingSink{err: errors.New("broker down")}
	bus.AddSink(failing)
	bus.AddSink(ok)

	bus.Publish(models.Event{Seq: 1, Type: models.EventArtifactCreated})

	if len(ok.events) != 1 || len(failing.events) != 1 {
		t.Fatalf("expected both sinks to receive the event, got %d and %d", len(ok.events), len(failing.events))
	}
}

func TestEventBusClose(t *testing.T) {
	bus := NewEventBus(nil)
	ch, _ := bus.Subscribe(1)
	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed")
	}

	late, _ := bus.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("expected subscription after close to be closed")
	}
	bus.Publish(models.Event{Seq: 1})
}

func TestNATSEventSinkSubject(t *testing.T) {
	sink := NewNATSEventSink(nil, "")
	got := sink.Subject(models.Event{SessionID: "s-1", Type: models.EventNodeAwaitingApproval})
	want := "orcha.events.s-1.node_awaiting_approval"
	if got != want {
		t.Errorf("expected subject %q, got %q", want, got)
	}

	custom := NewNATSEventSink(nil, "fraud.ops")
	if got := custom.Subject(models.Event{SessionID: "s-2", Type: models.EventNodeDone}); got != "fraud.ops.s-2.node_done" {
		t.Errorf("unexpected subject %q", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.nodeStarted()
	m.nodeFinished("done")
	m.approval(true)
	m.conflict()
	m.artifactCreated("rule")
	m.tick(0, nil)
	m.eventDropped()
	m.setGauges(1, 1)
	if m.Registry() != nil {
		t.Error("expected nil registry from nil metrics")
	}
}
