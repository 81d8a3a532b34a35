package pool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	loomerrors "github.com/mirkobrombin/go-loom/v1/errors"
	"github.com/mirkobrombin/go-loom/v1/future"
	"github.com/mirkobrombin/go-loom/v1/metrics"
	"github.com/mirkobrombin/go-loom/v1/worker"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-loom/v1/pool")

// DefaultIdleTimeout is applied to non-warm units unless overridden.
const DefaultIdleTimeout = 10 * time.Second

// Option configures a Pool.
type Option func(*config)

type config struct {
	minWarm       int
	maxConcurrent int
	idleTimeout   time.Duration
	traceEnabled  bool
}

// WithMinWarm sets how many units are kept open indefinitely.
func WithMinWarm(n int) Option {
	return func(cfg *config) { cfg.minWarm = n }
}

// WithMaxConcurrent caps the unit count. Defaults to runtime.NumCPU().
func WithMaxConcurrent(n int) Option {
	return func(cfg *config) { cfg.maxConcurrent = n }
}

// WithIdleTimeout sets the shared idle timeout for non-warm units.
func WithIdleTimeout(d time.Duration) Option {
	return func(cfg *config) { cfg.idleTimeout = d }
}

// WithTracing enables OpenTelemetry tracing for dispatch operations.
func WithTracing() Option {
	return func(cfg *config) { cfg.traceEnabled = true }
}

// Pool owns an ordered collection of worker units. The unit count always
// equals the maxConcurrent cap; units at indices below minWarm carry an
// infinite idle timeout, the rest carry the pool's shared one.
type Pool struct {
	mu            sync.Mutex
	fn            worker.Callable
	minWarm       int
	maxConcurrent int
	idleTimeout   time.Duration
	units         []*worker.Unit
	waiters       []chan *worker.Unit
	closed        bool
	closedCh      chan struct{}
	traceEnabled  bool
}

// New constructs a pool running fn on every unit. All units start closed and
// open lazily on dispatch.
func New(fn worker.Callable, opts ...Option) (*Pool, error) {
	cfg := config{
		minWarm:       0,
		maxConcurrent: runtime.NumCPU(),
		idleTimeout:   DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.minWarm < 0 {
		return nil, fmt.Errorf("%w: minWarm %d", loomerrors.ErrInvalidArgument, cfg.minWarm)
	}
	if cfg.maxConcurrent < 1 {
		return nil, fmt.Errorf("%w: maxConcurrent %d", loomerrors.ErrInvalidArgument, cfg.maxConcurrent)
	}
	if cfg.minWarm > cfg.maxConcurrent {
		cfg.maxConcurrent = cfg.minWarm
	}
	p := &Pool{
		fn:            fn,
		minWarm:       cfg.minWarm,
		maxConcurrent: cfg.maxConcurrent,
		idleTimeout:   cfg.idleTimeout,
		closedCh:      make(chan struct{}),
		traceEnabled:  cfg.traceEnabled,
	}
	for i := 0; i < cfg.maxConcurrent; i++ {
		p.units = append(p.units, p.newUnit(i < cfg.minWarm))
	}
	return p, nil
}

func (p *Pool) newUnit(warm bool) *worker.Unit {
	d := p.idleTimeout
	if warm {
		d = worker.Forever
	}
	return worker.New(p.fn, worker.WithIdleTimeout(d), worker.WithObserver(p))
}

// MinWarm returns the warm watermark.
func (p *Pool) MinWarm() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.minWarm
}

// MaxConcurrent returns the unit count cap.
func (p *Pool) MaxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxConcurrent
}

// IdleTimeout returns the shared idle timeout for non-warm units.
func (p *Pool) IdleTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idleTimeout
}

// SetMinWarm adjusts the warm watermark, raising maxConcurrent to match when
// needed. Units below the watermark get an infinite idle timeout, the rest
// the pool's shared one.
func (p *Pool) SetMinWarm(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: minWarm %d", loomerrors.ErrInvalidArgument, n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return loomerrors.ErrClosed
	}
	if n > p.maxConcurrent {
		for len(p.units) < n {
			p.units = append(p.units, p.newUnit(true))
		}
		p.maxConcurrent = n
	}
	p.minWarm = n
	p.reclassifyLocked()
	return nil
}

// SetMaxConcurrent adjusts the cap, lowering minWarm to match when needed.
// Shrinking closes removed tail units gracefully, best effort; growing
// appends fresh closed units.
func (p *Pool) SetMaxConcurrent(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: maxConcurrent %d", loomerrors.ErrInvalidArgument, n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return loomerrors.ErrClosed
	}
	if n < p.minWarm {
		p.minWarm = n
	}
	if n < len(p.units) {
		removed := append([]*worker.Unit(nil), p.units[n:]...)
		p.units = p.units[:n]
		for _, u := range removed {
			go func(u *worker.Unit) {
				_, _ = u.Close(context.Background(), false)
			}(u)
		}
	}
	for len(p.units) < n {
		p.units = append(p.units, p.newUnit(false))
	}
	p.maxConcurrent = n
	p.reclassifyLocked()
	return nil
}

// SetIdleTimeout changes the shared idle timeout and applies it to every
// non-warm unit.
func (p *Pool) SetIdleTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idleTimeout = d
	p.reclassifyLocked()
}

// reclassifyLocked pins warm units and applies the shared timeout to the
// rest. Caller holds p.mu.
func (p *Pool) reclassifyLocked() {
	for i, u := range p.units {
		if i < p.minWarm {
			u.SetIdleTimeout(worker.Forever)
		} else {
			u.SetIdleTimeout(p.idleTimeout)
		}
	}
}

// SetCallable pushes a new work function to every unit.
func (p *Pool) SetCallable(fn worker.Callable) {
	p.mu.Lock()
	p.fn = fn
	units := append([]*worker.Unit(nil), p.units...)
	p.mu.Unlock()
	for _, u := range units {
		u.SetCallable(fn)
	}
}

// Dispatch hands args to a unit chosen by the selection policy: an open idle
// unit first, then any idle unit, and under saturation the first unit to
// drain. The returned future follows the worker.Unit.Invoke contract.
func (p *Pool) Dispatch(ctx context.Context, args ...any) (*future.Future, error) {
	var span trace.Span
	if p.traceEnabled {
		start := time.Now()
		ctx, span = tracer.Start(ctx, "Pool.Dispatch")
		defer span.End()
		defer func() {
			span.SetAttributes(attribute.Int64("loom.pool.dispatch_latency_ms", time.Since(start).Milliseconds()))
		}()
	}
	metrics.DispatchCounter.Inc()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, loomerrors.ErrClosed
	}
	if u := p.selectLocked(); u != nil {
		fut := u.Invoke(ctx, args...)
		p.mu.Unlock()
		if p.traceEnabled {
			span.SetAttributes(attribute.String("loom.pool.route", "idle"))
		}
		return fut, nil
	}
	if p.traceEnabled {
		span.SetAttributes(attribute.String("loom.pool.route", "saturated"))
	}
	// saturated: queue behind the first idle transition
	ch := make(chan *worker.Unit, 1)
	p.waiters = append(p.waiters, ch)
	closedCh := p.closedCh
	p.mu.Unlock()

	select {
	case u := <-ch:
		return u.Invoke(ctx, args...), nil
	case <-closedCh:
		p.abandonWaiter(ch)
		return nil, loomerrors.ErrClosed
	case <-ctx.Done():
		p.abandonWaiter(ch)
		return nil, ctx.Err()
	}
}

// selectLocked applies steps (1) and (2) of the dispatch policy. Caller
// holds p.mu.
func (p *Pool) selectLocked() *worker.Unit {
	for _, u := range p.units {
		if u.Open() && !u.Busy() {
			return u
		}
	}
	for _, u := range p.units {
		if !u.Busy() {
			return u
		}
	}
	return nil
}

// abandonWaiter removes ch from the waiter list; if a unit was already handed
// to it the unit is passed on to the next waiter so the signal is not lost.
func (p *Pool) abandonWaiter(ch chan *worker.Unit) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	var next chan *worker.Unit
	var u *worker.Unit
	select {
	case u = <-ch:
		if len(p.waiters) > 0 {
			next = p.waiters[0]
			p.waiters = p.waiters[1:]
		}
	default:
	}
	p.mu.Unlock()
	if next != nil && u != nil {
		next <- u
	}
}

// UnitBusy implements worker.Observer.
func (p *Pool) UnitBusy(*worker.Unit) {
	metrics.BusyWorkersGauge.Inc()
}

// UnitIdle implements worker.Observer. An idle transition hands the unit to
// the oldest dispatch waiter, if any.
func (p *Pool) UnitIdle(u *worker.Unit) {
	metrics.BusyWorkersGauge.Dec()
	p.mu.Lock()
	if !p.containsLocked(u) || len(p.waiters) == 0 {
		p.mu.Unlock()
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.mu.Unlock()
	w <- u
}

func (p *Pool) containsLocked(u *worker.Unit) bool {
	for _, v := range p.units {
		if v == u {
			return true
		}
	}
	return false
}

// BusyCount returns the number of units with in-flight calls.
func (p *Pool) BusyCount() int {
	p.mu.Lock()
	units := append([]*worker.Unit(nil), p.units...)
	p.mu.Unlock()
	n := 0
	for _, u := range units {
		if u.Busy() {
			n++
		}
	}
	return n
}

// AllIdle blocks until every unit has drained or ctx expires.
func (p *Pool) AllIdle(ctx context.Context) error {
	p.mu.Lock()
	units := append([]*worker.Unit(nil), p.units...)
	p.mu.Unlock()
	for _, u := range units {
		select {
		case <-u.Idle():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close closes every unit in parallel and returns how many live contexts
// were actually terminated. Further dispatches fail with ErrClosed.
func (p *Pool) Close(ctx context.Context, force bool) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, nil
	}
	p.closed = true
	close(p.closedCh)
	units := append([]*worker.Unit(nil), p.units...)
	p.mu.Unlock()

	var terminated int64
	g, gctx := errgroup.WithContext(ctx)
	for _, u := range units {
		u := u
		g.Go(func() error {
			ok, err := u.Close(gctx, force)
			if ok {
				atomic.AddInt64(&terminated, 1)
			}
			return err
		})
	}
	err := g.Wait()
	return int(atomic.LoadInt64(&terminated)), err
}
