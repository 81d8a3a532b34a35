package mutex

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mirkobrombin/go-loom/v1/metrics"
	"github.com/mirkobrombin/go-loom/v1/msgbus"
)

// Broker is the single arbiter serializing access to named resources. It
// owns one FIFO queue per key; the head of a non-empty queue holds the lock.
// All state lives inside the broker's event loop and is mutated one request
// at a time, which is what makes the mutex correct for parties that share no
// memory.
//
// Queues are never deleted once created: Exists reports exactly that.
type Broker struct {
	bus  msgbus.Bus
	name string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBroker returns a broker arbitrating over the given bus. The bus handle
// is owned by the caller and may be shared with handles and other brokers
// under different names.
func NewBroker(bus msgbus.Bus, opts ...Option) *Broker {
	cfg := newConfig(opts)
	return &Broker{
		bus:  bus,
		name: cfg.name,
	}
}

// Name returns the broker name, which prefixes its bus topics.
func (b *Broker) Name() string { return b.name }

// Start subscribes to the request topic and runs the event loop until Stop
// or ctx cancellation. A stopped broker may be started again; queue state
// does not survive the restart.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return fmt.Errorf("%s: broker already started", b.name)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	reqs, err := b.bus.Watch(loopCtx, reqTopic(b.name))
	if err != nil {
		cancel()
		return err
	}
	done := make(chan struct{})
	b.cancel = cancel
	b.done = done
	go b.loop(loopCtx, reqs, done)
	return nil
}

// Stop terminates the event loop and waits for it to exit. It is a no-op on
// a broker that is not running.
func (b *Broker) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (b *Broker) loop(ctx context.Context, reqs <-chan []byte, done chan struct{}) {
	defer close(done)
	queues := make(map[string][]string)
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-reqs:
			if !ok {
				return
			}
			var req request
			if err := json.Unmarshal(raw, &req); err != nil {
				continue // not ours; the bus may be shared
			}
			b.handle(ctx, queues, req)
		}
	}
}

func (b *Broker) handle(ctx context.Context, queues map[string][]string, req request) {
	switch req.Action {
	case actionLock:
		b.lock(ctx, queues, req)
	case actionRelease:
		b.release(ctx, queues, req)
	case actionCancel:
		b.cancelRequest(ctx, queues, req)
	case actionExists:
		value := 0
		if _, ok := queues[req.Key]; ok {
			value = 1
		}
		b.send(ctx, reply{Action: replyResolveExists, ID: req.ID, Key: req.Key, Value: value})
	case actionWaiting:
		b.send(ctx, reply{Action: replyResolveWaiting, ID: req.ID, Key: req.Key, Value: len(queues[req.Key])})
	}
}

// lock enqueues the request. Even an immediately granted request is recorded
// in the queue so release always has a holder at position 0. A priority
// request jumps to position 1, behind the holder but ahead of every waiter.
func (b *Broker) lock(ctx context.Context, queues map[string][]string, req request) {
	metrics.LockRequestCounter.Inc()
	q := queues[req.Key]
	grant := len(q) == 0
	if req.Priority && len(q) >= 1 {
		q = append([]string{q[0], req.ID}, q[1:]...)
	} else {
		q = append(q, req.ID)
	}
	queues[req.Key] = q
	metrics.LockWaitersGauge.Inc()
	if grant {
		metrics.LockGrantCounter.Inc()
		b.send(ctx, reply{Action: replyResolveLock, ID: req.ID, Key: req.Key})
	}
}

// release drops the holder and grants the next waiter, if any. Unknown keys
// and empty queues are no-ops.
func (b *Broker) release(ctx context.Context, queues map[string][]string, req request) {
	q := queues[req.Key]
	if len(q) == 0 {
		return
	}
	queues[req.Key] = q[1:]
	metrics.LockWaitersGauge.Dec()
	if len(q) > 1 {
		metrics.LockGrantCounter.Inc()
		b.send(ctx, reply{Action: replyResolveLock, ID: q[1], Key: req.Key})
	}
}

// cancelRequest withdraws a pending waiter. Canceling the current holder is
// refused: silently revoking an active lock would hand the resource to the
// next waiter while the holder still believes it owns it.
func (b *Broker) cancelRequest(ctx context.Context, queues map[string][]string, req request) {
	q := queues[req.Key]
	if len(q) > 0 && q[0] == req.ID {
		b.send(ctx, reply{Action: replyRejectCancel, ID: req.ID, Key: req.Key, Error: "cannot cancel an active lock"})
		return
	}
	for i, id := range q {
		if id == req.ID {
			queues[req.Key] = append(q[:i:i], q[i+1:]...)
			metrics.LockWaitersGauge.Dec()
			break
		}
	}
	// confirmed even when the id is unknown, so a stale withdrawal settles
	b.send(ctx, reply{Action: replyRejectLock, ID: req.ID, Key: req.Key})
}

func (b *Broker) send(ctx context.Context, rep reply) {
	raw, err := json.Marshal(rep)
	if err != nil {
		return
	}
	_ = b.bus.Publish(ctx, repTopic(b.name, rep.ID), raw)
}
