package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	loomerrors "github.com/mirkobrombin/go-loom/v1/errors"
	"github.com/mirkobrombin/go-loom/v1/future"
	"github.com/mirkobrombin/go-loom/v1/metrics"
)

// Forever disables the idle auto-close timer. Units with this timeout stay
// open until closed explicitly ("warm" units in pool terms).
const Forever time.Duration = 0

// Observer receives busy/idle transitions. UnitBusy fires when the pending
// count leaves zero, UnitIdle when it returns to zero. Callbacks run outside
// the unit's lock and must not block.
type Observer interface {
	UnitBusy(u *Unit)
	UnitIdle(u *Unit)
}

// Option configures a Unit.
type Option func(*Unit)

// WithIdleTimeout sets how long an open unit survives at zero pending calls
// before closing itself. Forever (the default) disables the timer.
func WithIdleTimeout(d time.Duration) Option {
	return func(u *Unit) {
		u.idleTimeout = d
	}
}

// WithObserver registers the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(u *Unit) {
		u.observer = o
	}
}

// Unit is one isolated execution context plus the bookkeeping needed to use
// it safely: pending-call count, busy/closed state and the idle auto-close
// timer. A Unit starts closed and opens lazily on the first Invoke.
type Unit struct {
	mu          sync.Mutex
	fn          Callable
	idleTimeout time.Duration
	observer    Observer

	pending int
	calls   map[string]*future.Future
	inbox   chan message // non-nil while open
	cancel  context.CancelFunc
	done    chan struct{} // closed when the current context terminates
	timer   *time.Timer
	idleCh  chan struct{} // closed iff pending == 0
}

// New returns a closed Unit that will execute fn.
func New(fn Callable, opts ...Option) *Unit {
	idle := make(chan struct{})
	close(idle)
	u := &Unit{
		fn:     fn,
		calls:  make(map[string]*future.Future),
		idleCh: idle,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Open reports whether the unit currently has a live execution context.
func (u *Unit) Open() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.inbox != nil
}

// Pending returns the number of in-flight calls.
func (u *Unit) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pending
}

// Busy reports whether any call is in flight.
func (u *Unit) Busy() bool {
	return u.Pending() > 0
}

// IdleTimeout returns the configured idle timeout.
func (u *Unit) IdleTimeout() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.idleTimeout
}

// SetIdleTimeout replaces the idle timeout. If the unit is open and idle the
// auto-close timer is re-armed (or disarmed for Forever) immediately.
func (u *Unit) SetIdleTimeout(d time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.idleTimeout = d
	if u.inbox == nil || u.pending > 0 {
		return
	}
	u.stopTimerLocked()
	u.armTimerLocked()
}

// SetCallable replaces the unit's work function. If the unit is open the new
// callable is pushed to the live context, so calls sent after SetCallable
// returns use it.
func (u *Unit) SetCallable(fn Callable) {
	u.mu.Lock()
	u.fn = fn
	inbox, done := u.inbox, u.done
	u.mu.Unlock()
	if inbox == nil {
		return
	}
	select {
	case inbox <- message{action: actionSet, fn: fn}:
	case <-done:
	}
}

// Idle returns a channel closed while the pending count is zero. A busy unit
// hands back a channel that closes on the next transition to zero.
func (u *Unit) Idle() <-chan struct{} {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.idleCh
}

// Invoke opens the context if needed, sends a correlated call message and
// returns a future settled with the call's result or error. Concurrent
// invocations are legal; each settles independently, in completion order.
func (u *Unit) Invoke(ctx context.Context, args ...any) *future.Future {
	fut := future.New()

	u.mu.Lock()
	if u.inbox == nil {
		u.openLocked()
	}
	id := uuid.NewString()
	u.calls[id] = fut
	u.pending++
	nowBusy := u.pending == 1
	if nowBusy {
		u.stopTimerLocked()
		u.idleCh = make(chan struct{})
	}
	inbox, done, obs := u.inbox, u.done, u.observer
	u.mu.Unlock()

	if nowBusy && obs != nil {
		obs.UnitBusy(u)
	}

	select {
	case inbox <- message{action: actionCall, id: id, args: args}:
	case <-done:
		// context terminated before the call was accepted
		u.withdraw(id)
		fut.Reject(loomerrors.ErrClosed)
	case <-ctx.Done():
		u.withdraw(id)
		fut.Reject(ctx.Err())
	}
	return fut
}

// Close terminates the unit's execution context. Without force it first waits
// for the pending count to reach zero; with force it terminates immediately
// and the futures of in-flight calls are abandoned, never settling. It
// reports whether a live context was actually terminated and is safe to call
// repeatedly.
func (u *Unit) Close(ctx context.Context, force bool) (bool, error) {
	for {
		u.mu.Lock()
		if u.inbox == nil {
			u.mu.Unlock()
			return false, nil
		}
		if force || u.pending == 0 {
			wasBusy := u.pending > 0
			obs := u.observer
			u.terminateLocked()
			u.mu.Unlock()
			if wasBusy && obs != nil {
				obs.UnitIdle(u)
			}
			return true, nil
		}
		idle := u.idleCh
		u.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// openLocked spawns a fresh execution context. Caller holds u.mu.
func (u *Unit) openLocked() {
	loopCtx, cancel := context.WithCancel(context.Background())
	inbox := make(chan message, 16)
	outbox := make(chan result, 16)
	done := make(chan struct{})

	u.inbox = inbox
	u.cancel = func() {
		cancel()
		close(done)
	}
	u.done = done

	metrics.OpenWorkersGauge.Inc()
	go run(loopCtx, u.fn, inbox, outbox)
	go u.collect(loopCtx, outbox)
}

// terminateLocked tears down the live context. Caller holds u.mu.
func (u *Unit) terminateLocked() {
	u.stopTimerLocked()
	u.cancel()
	metrics.OpenWorkersGauge.Dec()
	u.inbox = nil
	u.cancel = nil
	u.calls = make(map[string]*future.Future)
	u.pending = 0
	select {
	case <-u.idleCh:
	default:
		close(u.idleCh)
	}
}

// collect settles futures from the context's outbox.
func (u *Unit) collect(ctx context.Context, outbox <-chan result) {
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-outbox:
			u.settle(res)
		}
	}
}

func (u *Unit) settle(res result) {
	u.mu.Lock()
	fut, ok := u.calls[res.id]
	if !ok {
		u.mu.Unlock()
		return
	}
	delete(u.calls, res.id)
	u.pending--
	nowIdle := u.pending == 0
	if nowIdle {
		close(u.idleCh)
		u.armTimerLocked()
	}
	obs := u.observer
	u.mu.Unlock()

	if res.err != nil {
		metrics.InvokeErrorCounter.Inc()
		fut.Reject(res.err)
	} else {
		fut.Resolve(res.value)
	}
	if nowIdle && obs != nil {
		obs.UnitIdle(u)
	}
}

// withdraw backs out a call that was never accepted by the context.
func (u *Unit) withdraw(id string) {
	u.mu.Lock()
	if _, ok := u.calls[id]; !ok {
		u.mu.Unlock()
		return
	}
	delete(u.calls, id)
	u.pending--
	nowIdle := u.pending == 0
	if nowIdle {
		select {
		case <-u.idleCh:
		default:
			close(u.idleCh)
		}
		if u.inbox != nil {
			u.armTimerLocked()
		}
	}
	obs := u.observer
	u.mu.Unlock()
	if nowIdle && obs != nil {
		obs.UnitIdle(u)
	}
}

// armTimerLocked schedules the idle auto-close. Caller holds u.mu and has
// established pending == 0 on an open unit.
func (u *Unit) armTimerLocked() {
	if u.idleTimeout <= Forever {
		return
	}
	u.timer = time.AfterFunc(u.idleTimeout, u.closeIfIdle)
}

func (u *Unit) stopTimerLocked() {
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}
}

// closeIfIdle is the timer callback; a stale fire racing a new invocation
// finds pending > 0 and leaves the unit alone.
func (u *Unit) closeIfIdle() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.inbox == nil || u.pending > 0 {
		return
	}
	u.terminateLocked()
}
