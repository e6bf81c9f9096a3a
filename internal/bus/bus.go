package bus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBuffer is the per-subscriber queue depth. A subscriber that
// falls further behind than this loses events rather than stalling
// publishers.
const subscriberBuffer = 256

type subscriber struct {
	id    string
	runID string // "" or "*" matches every run
	ch    chan Event
	done  chan struct{}

	mu      sync.Mutex
	dropped int64
}

// Bus is the in-process run-event bus. Publish never blocks on a slow
// subscriber; privileged sinks run synchronously in publish order.
type Bus struct {
	mu    sync.RWMutex
	sinks []SinkHandler
	subs  map[string]*subscriber

	// runMu serializes publishes per run so the sequence a sink assigns
	// matches the order subscribers dequeue.
	runMu   sync.Mutex
	runLock map[string]*sync.Mutex

	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:    make(map[string]*subscriber),
		runLock: make(map[string]*sync.Mutex),
	}
}

// OnAll registers a privileged sink invoked synchronously inside Publish,
// before subscriber fan-out. The run manager uses this to assign sequence
// numbers and persist every event.
func (b *Bus) OnAll(sink SinkHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Subscribe registers a handler for one run's events, or all events when
// runID is "" or "*". The handler runs on its own goroutine and must not
// be re-entered after Unsubscribe returns the queue to the pool.
func (b *Bus) Subscribe(runID string, handler EventHandler) string {
	sub := &subscriber{
		id:    uuid.NewString(),
		runID: runID,
		ch:    make(chan Event, subscriberBuffer),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return sub.id
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-sub.ch:
				if !ok {
					return
				}
				safeHandle(handler, ev)
			case <-sub.done:
				// Drain what is already queued, then stop.
				for {
					select {
					case ev := <-sub.ch:
						safeHandle(handler, ev)
					default:
						return
					}
				}
			}
		}
	}()

	return sub.id
}

// Unsubscribe removes a subscriber. Queued events are still delivered.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

// Publish delivers ev to all sinks (synchronously, in registration order)
// and then to every matching subscriber without blocking. Sink and handler
// panics are swallowed so one consumer cannot take down another or the
// publisher.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	sinks := b.sinks
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	lock := b.lockFor(ev.RunID)
	lock.Lock()
	defer lock.Unlock()

	for _, sink := range sinks {
		safeSink(sink, &ev)
	}

	for _, sub := range subs {
		if sub.runID != "" && sub.runID != "*" && sub.runID != ev.RunID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.mu.Lock()
			sub.dropped++
			n := sub.dropped
			sub.mu.Unlock()
			if n == 1 || n%100 == 0 {
				slog.Warn("bus: slow subscriber dropping events", "subscriber", sub.id, "run_id", ev.RunID, "dropped", n)
			}
		}
	}
}

// Close stops all subscriber goroutines. Further publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
}

func (b *Bus) lockFor(runID string) *sync.Mutex {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	l, ok := b.runLock[runID]
	if !ok {
		l = &sync.Mutex{}
		b.runLock[runID] = l
	}
	return l
}

// ReleaseRun drops the per-run publish lock once a run is terminal.
func (b *Bus) ReleaseRun(runID string) {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	delete(b.runLock, runID)
}

func safeHandle(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus: subscriber panic", "run_id", ev.RunID, "type", ev.Type, "panic", r)
		}
	}()
	h(ev)
}

func safeSink(s SinkHandler, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus: sink panic", "run_id", ev.RunID, "type", ev.Type, "panic", r)
		}
	}()
	s(ev)
}
