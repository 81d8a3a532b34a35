package msgbus

import (
	"context"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

type kafkaSubscription struct {
	pc    sarama.PartitionConsumer
	chans []chan []byte
}

// KafkaBus implements Bus using a Kafka backend. Topics map to Kafka topics,
// consumed from partition 0 at the newest offset.
type KafkaBus struct {
	producer  sarama.SyncProducer
	consumer  sarama.Consumer
	mu        sync.Mutex
	buffer    int
	subs      map[string]*kafkaSubscription
	published uint64
	delivered uint64
	dropped   uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config, opts ...Option) (*KafkaBus, error) {
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	busCfg := config{buffer: 64}
	for _, opt := range opts {
		opt(&busCfg)
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		buffer:   busCfg.buffer,
		subs:     make(map[string]*kafkaSubscription),
	}, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, topic string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	msg := &sarama.ProducerMessage{Topic: topic, Value: sarama.ByteEncoder(data)}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Watch implements Bus.Watch.
func (b *KafkaBus) Watch(ctx context.Context, topic string) (chan []byte, error) {
	ch := make(chan []byte, b.buffer)
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		pc, err := b.consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &kafkaSubscription{pc: pc}
		b.subs[topic] = sub
		go b.dispatch(sub, topic)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), topic, ch)
	}()
	return ch, nil
}

func (b *KafkaBus) dispatch(sub *kafkaSubscription, topic string) {
	for msg := range sub.pc.Messages() {
		// deliver under the lock so Unwatch cannot close a channel
		// mid-send; the sends never block
		b.mu.Lock()
		s := b.subs[topic]
		if s == nil {
			b.mu.Unlock()
			return
		}
		for _, ch := range s.chans {
			select {
			case ch <- msg.Value:
				atomic.AddUint64(&b.delivered, 1)
			default:
				atomic.AddUint64(&b.dropped, 1)
			}
		}
		b.mu.Unlock()
	}
}

// Unwatch implements Bus.Unwatch.
func (b *KafkaBus) Unwatch(ctx context.Context, topic string, ch chan []byte) error {
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
		return sub.pc.Close()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published, delivered and dropped counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
		Dropped:   atomic.LoadUint64(&b.dropped),
	}
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() {
	_ = b.producer.Close()
	_ = b.consumer.Close()
}
