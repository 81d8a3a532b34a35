package msgbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus is a keyed payload pub/sub channel. Watch returns a channel receiving
// every payload published to topic until the context is canceled or Unwatch
// is called. Delivery is at-most-once per watcher; a watcher that cannot keep
// up may lose messages (counted in Metrics.Dropped for backends that track it).
type Bus interface {
	// Publish sends data to all watchers of topic.
	Publish(ctx context.Context, topic string, data []byte) error
	// Watch subscribes to payloads published to topic.
	Watch(ctx context.Context, topic string) (chan []byte, error)
	// Unwatch stops delivering payloads for topic to ch.
	Unwatch(ctx context.Context, topic string, ch chan []byte) error
}

// Metrics carries delivery counters exposed by bus implementations.
type Metrics struct {
	Published uint64
	Delivered uint64
	Dropped   uint64
}

// Option configures the in-memory bus.
type Option func(*config)

type config struct {
	buffer int
}

// WithBuffer sets the per-watcher channel capacity. The default of 64 gives
// request/reply protocols such as the mutex broker headroom so grants are not
// dropped between a publish and the watcher draining its channel.
func WithBuffer(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.buffer = n
		}
	}
}

// InMemoryBus is a local implementation of Bus for single-process use and tests.
type InMemoryBus struct {
	mu        sync.Mutex
	buffer    int
	subs      map[string][]chan []byte
	published uint64
	delivered uint64
	dropped   uint64
}

// NewInMemory creates a new InMemoryBus.
func NewInMemory(opts ...Option) *InMemoryBus {
	cfg := config{buffer: 64}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &InMemoryBus{buffer: cfg.buffer, subs: make(map[string][]chan []byte)}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	atomic.AddUint64(&b.published, 1)
	// sends stay under the lock so a concurrent Unwatch cannot close a
	// channel mid-delivery; they are non-blocking, so the lock is never
	// held across a watcher stall
	b.mu.Lock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- data:
			atomic.AddUint64(&b.delivered, 1)
		default:
			atomic.AddUint64(&b.dropped, 1)
		}
	}
	b.mu.Unlock()
	return nil
}

// Watch implements Bus.Watch.
func (b *InMemoryBus) Watch(ctx context.Context, topic string) (chan []byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ch := make(chan []byte, b.buffer)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unwatch implements Bus.Unwatch.
func (b *InMemoryBus) Unwatch(ctx context.Context, topic string, ch chan []byte) error {
	b.mu.Lock()
	subs := b.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[topic] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, topic)
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published, delivered and dropped counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
		Dropped:   atomic.LoadUint64(&b.dropped),
	}
}
