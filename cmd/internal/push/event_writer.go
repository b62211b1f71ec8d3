package push

import (
	"context"
	"log/slog"
	"sync"
)

// eventWriter appends session events from a single goroutine, so connect,
// teardown and broadcast paths never wait on the store.
//
// Before start and after stop, enqueue appends inline.
type eventWriter struct {
	log   *slog.Logger
	store EventStore
	size  int

	mu      sync.RWMutex
	running bool
	queue   chan Event
	done    chan struct{}
}

func newEventWriter(log *slog.Logger, store EventStore, size int) *eventWriter {
	if size <= 0 {
		size = eventQueueSize
	}
	return &eventWriter{log: log, store: store, size: size}
}

func (w *eventWriter) start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.queue = make(chan Event, w.size)
	w.done = make(chan struct{})
	w.running = true
	go w.run(w.queue, w.done)
}

func (w *eventWriter) run(queue <-chan Event, done chan<- struct{}) {
	defer close(done)
	for ev := range queue {
		w.append(ev)
	}
}

// enqueue hands ev to the writer goroutine. A full queue drops the event.
func (w *eventWriter) enqueue(ev Event) {
	w.mu.RLock()
	if w.running {
		select {
		case w.queue <- ev:
		default:
			EventsDropped.Inc()
			w.log.Warn("events.queue.full", "kind", ev.Kind)
		}
		w.mu.RUnlock()
		return
	}
	w.mu.RUnlock()

	w.append(ev)
}

// stop closes the queue and waits until every queued event is written.
func (w *eventWriter) stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.queue)
	done := w.done
	w.mu.Unlock()

	<-done
}

func (w *eventWriter) append(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), eventRecordTimeout)
	defer cancel()
	if err := w.store.Append(ctx, ev); err != nil {
		w.log.Warn("events.append.fail", "kind", ev.Kind, "err", err)
	}
}
