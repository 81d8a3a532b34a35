package msgbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	chans  []chan []byte
}

// RedisBus implements Bus on top of Redis pub/sub.
type RedisBus struct {
	client    *redis.Client
	mu        sync.Mutex
	buffer    int
	subs      map[string]*redisSubscription
	published uint64
	delivered uint64
	dropped   uint64
}

// NewRedisBus creates a new RedisBus using the provided client. The client
// remains owned by the caller.
func NewRedisBus(client *redis.Client, opts ...Option) *RedisBus {
	cfg := config{buffer: 64}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &RedisBus{
		client: client,
		buffer: cfg.buffer,
		subs:   make(map[string]*redisSubscription),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string, data []byte) error {
	if err := b.client.Publish(ctx, topic, data).Err(); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Watch implements Bus.Watch.
func (b *RedisBus) Watch(ctx context.Context, topic string) (chan []byte, error) {
	ch := make(chan []byte, b.buffer)
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		// The subscription outlives any single watcher; it is torn down when
		// the last watcher for the topic goes away.
		subCtx, cancel := context.WithCancel(context.Background())
		pubsub := b.client.Subscribe(subCtx, topic)
		if _, err := pubsub.Receive(subCtx); err != nil {
			cancel()
			_ = pubsub.Close()
			b.mu.Unlock()
			return nil, err
		}
		sub = &redisSubscription{pubsub: pubsub, cancel: cancel}
		b.subs[topic] = sub
		go b.dispatch(subCtx, pubsub, topic)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), topic, ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(ctx context.Context, pubsub *redis.PubSub, topic string) {
	msgs := pubsub.Channel()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			// deliver under the lock so Unwatch cannot close a channel
			// mid-send; the sends never block
			b.mu.Lock()
			sub := b.subs[topic]
			if sub == nil {
				b.mu.Unlock()
				return
			}
			for _, c := range sub.chans {
				select {
				case c <- []byte(msg.Payload):
					atomic.AddUint64(&b.delivered, 1)
				default:
					atomic.AddUint64(&b.dropped, 1)
				}
			}
			b.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// Unwatch implements Bus.Unwatch.
func (b *RedisBus) Unwatch(ctx context.Context, topic string, ch chan []byte) error {
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, topic)
		b.mu.Unlock()
		sub.cancel()
		return sub.pubsub.Close()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published, delivered and dropped counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
		Dropped:   atomic.LoadUint64(&b.dropped),
	}
}
