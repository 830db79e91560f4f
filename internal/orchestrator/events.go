package orchestrator

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/orcha/pkg/models"
)

// sendTimeout is how long Publish waits on a full subscriber before dropping.
const sendTimeout = 100 * time.Millisecond

// EventSink receives every published event, for example to forward it
// to a message bus. Publish must not block for long.
type EventSink interface {
	Publish(e models.Event) error
}

// EventBus fans events out to subscribers. A slow subscriber loses events
// instead of stalling the scheduler; the transcript on the session stays
// complete regardless.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[int]chan models.Event
	nextID  int
	sinks   []EventSink
	closed  bool
	dropped atomic.Uint64
	metrics *Metrics
}

// NewEventBus creates an empty bus.
func NewEventBus(metrics *Metrics) *EventBus {
	return &EventBus{subs: make(map[int]chan models.Event), metrics: metrics}
}

// AddSink registers a sink.
func (b *EventBus) AddSink(s EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Subscribe returns a channel of future events and a function that
// unsubscribes and closes the channel.
func (b *EventBus) Subscribe(buffer int) (<-chan models.Event, func()) {
	if buffer <= 0 {
		buffer = 100
	}
	ch := make(chan models.Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers e to every subscriber and sink.
func (b *EventBus) Publish(e models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs {
		b.send(ch, e)
	}
	for _, s := range b.sinks {
		if err := s.Publish(e); err != nil {
			debugLog("[events] sink publish failed for %s: %v", e.Type, err)
		}
	}
}

func (b *EventBus) send(ch chan models.Event, e models.Event) {
	select {
	case ch <- e:
		return
	default:
	}

	select {
	case ch <- e:
	case <-time.After(sendTimeout):
		count := b.dropped.Add(1)
		b.metrics.eventDropped()
		if count%10 == 1 {
			log.Printf("[orchestrator] WARNING: event subscriber full, dropped event (total dropped: %d): type=%s", count, e.Type)
		}
	}
}

// DroppedCount returns the total number of events dropped.
func (b *EventBus) DroppedCount() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
