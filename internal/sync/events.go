package sync

import (
	"log/slog"
	stdsync "sync"
	"sync/atomic"
)

// topicBuf is the per-subscriber channel depth. A full subscriber drops the
// event rather than blocking the publisher; the counter records the loss.
const topicBuf = 64

// Topic is a single-kind event channel with fan-out. Ordering is preserved
// per topic; nothing is guaranteed across topics.
type Topic[T any] struct {
	mu      stdsync.Mutex
	subs    []chan T
	dropped atomic.Int64
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function. The channel is closed on cancel.
func (t *Topic[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, topicBuf)

	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		for i, sub := range t.subs {
			if sub == ch {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				close(ch)

				return
			}
		}
	}

	return ch, cancel
}

// Publish delivers ev to every subscriber without blocking. Slow consumers
// lose events; Dropped reports how many.
func (t *Topic[T]) Publish(ev T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, sub := range t.subs {
		select {
		case sub <- ev:
		default:
			t.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events lost to full subscriber channels.
func (t *Topic[T]) Dropped() int64 {
	return t.dropped.Load()
}

// Bus groups the engine's event topics. Each subscriber is expected to
// drain its channel from a long-lived worker goroutine.
type Bus struct {
	Status    Topic[StatusEvent]
	Progress  Topic[ProgressEvent]
	FileError Topic[FileErrorEvent]
	Antivirus Topic[AntivirusEvent]
	Collision Topic[CollisionEvent]

	logger *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// RaiseStatus publishes a status event and logs it at debug level.
func (b *Bus) RaiseStatus(ev StatusEvent) {
	b.logger.Debug("status",
		slog.String("status", ev.Status.String()),
		slog.Int("pending", ev.Pending),
	)

	b.Status.Publish(ev)
}

// RaiseFileError publishes a file error, logging fatal ones at error level.
func (b *Bus) RaiseFileError(ev FileErrorEvent) {
	if ev.Fatal {
		b.logger.Error("file error", slog.String("path", ev.Path), slog.String("error", ev.Err.Error()))
	} else {
		b.logger.Warn("file error", slog.String("path", ev.Path), slog.String("error", ev.Err.Error()))
	}

	b.FileError.Publish(ev)
}
