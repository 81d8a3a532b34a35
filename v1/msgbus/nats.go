package msgbus

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan []byte
}

// NATSBus implements Bus using a NATS backend. Topics map to NATS subjects.
type NATSBus struct {
	conn      *nats.Conn
	mu        sync.Mutex
	buffer    int
	subs      map[string]*natsSubscription
	published uint64
	delivered uint64
	dropped   uint64
}

// NewNATSBus returns a new NATSBus using the provided connection. The
// connection remains owned by the caller.
func NewNATSBus(conn *nats.Conn, opts ...Option) *NATSBus {
	cfg := config{buffer: 64}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &NATSBus{
		conn:   conn,
		buffer: cfg.buffer,
		subs:   make(map[string]*natsSubscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := b.conn.Publish(topic, data); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Watch implements Bus.Watch.
func (b *NATSBus) Watch(ctx context.Context, topic string) (chan []byte, error) {
	ch := make(chan []byte, b.buffer)
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		ns, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
			// deliver under the lock so Unwatch cannot close a channel
			// mid-send; the sends never block
			b.mu.Lock()
			s := b.subs[topic]
			if s == nil {
				b.mu.Unlock()
				return
			}
			for _, c := range s.chans {
				select {
				case c <- msg.Data:
					atomic.AddUint64(&b.delivered, 1)
				default:
					atomic.AddUint64(&b.dropped, 1)
				}
			}
			b.mu.Unlock()
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &natsSubscription{sub: ns}
		b.subs[topic] = sub
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unwatch implements Bus.Unwatch.
func (b *NATSBus) Unwatch(ctx context.Context, topic string, ch chan []byte) error {
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
		return sub.sub.Unsubscribe()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published, delivered and dropped counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
		Dropped:   atomic.LoadUint64(&b.dropped),
	}
}
