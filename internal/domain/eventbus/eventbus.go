// Package eventbus carries in-process relay lifecycle events to observers
// such as the Stats counters.
package eventbus

import (
	"sync"
	"sync/atomic"

	evbus "github.com/asaskevich/EventBus"
)

const (
	defaultWorkers = 4
	defaultQueue   = 1024
)

// Bus wraps an asaskevich/EventBus with a worker pool for fire-and-forget
// publishing.
type Bus struct {
	bus     evbus.Bus
	workers int
	queue   chan asyncEvent
	stopCh  chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a bus. Non-positive sizes fall back to defaults.
func New(workers, queue int) *Bus {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queue <= 0 {
		queue = defaultQueue
	}
	return &Bus{
		bus:     evbus.New(),
		workers: workers,
		queue:   make(chan asyncEvent, queue),
		stopCh:  make(chan struct{}),
	}
}

// Publish runs every subscriber of topic on the calling goroutine.
func (b *Bus) Publish(topic string, args ...interface{}) {
	b.bus.Publish(topic, args...)
}

// Subscribe registers fn for topic. fn must accept the published args.
func (b *Bus) Subscribe(topic string, fn interface{}) error {
	return b.bus.Subscribe(topic, fn)
}

// HasCallback reports whether topic has subscribers.
func (b *Bus) HasCallback(topic string) bool {
	return b.bus.HasCallback(topic)
}

// Dropped counts async events discarded because the queue was full or the
// bus was stopped.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
