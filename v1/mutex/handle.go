package mutex

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	loomerrors "github.com/mirkobrombin/go-loom/v1/errors"
	"github.com/mirkobrombin/go-loom/v1/msgbus"
)

// LockOption configures a single lock attempt.
type LockOption func(*lockConfig)

type lockConfig struct {
	priority bool
}

// WithPriority queues the request immediately behind the current holder,
// ahead of all other waiters.
func WithPriority() LockOption {
	return func(cfg *lockConfig) { cfg.priority = true }
}

// attempt tracks one lock request from publish to grant, withdrawal or
// release. Its channels are closed by the reply dispatcher.
type attempt struct {
	id       string
	granted  chan struct{}
	rejected chan struct{}
	denied   chan struct{} // cancel refused: the id already holds the lock
	stop     context.CancelFunc
}

// Handle is one party's relationship to a named lock. A handle holds at most
// one outstanding request; every attempt gets a fresh request id, so a
// released handle can never silently re-acquire.
type Handle struct {
	bus  msgbus.Bus
	name string
	key  string

	mu      sync.Mutex
	locked  bool
	current *attempt
}

// NewHandle returns a handle for key against the named broker on bus.
func NewHandle(bus msgbus.Bus, key string, opts ...Option) *Handle {
	cfg := newConfig(opts)
	return &Handle{bus: bus, name: cfg.name, key: key}
}

// Key returns the resource key this handle targets.
func (h *Handle) Key() string { return h.key }

// Locked reports whether this handle currently holds the lock.
func (h *Handle) Locked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.locked
}

// Lock requests the lock and blocks until it is granted, withdrawn or ctx
// expires. A deadline expiry surfaces as ErrTimeout, a withdrawal (by Cancel)
// as ErrLockCanceled. On timeout the request stays queued at the broker:
// Cancel withdraws it, and if the grant already raced past the deadline the
// handle adopts the lock (Locked reports true) so the caller can Release it.
func (h *Handle) Lock(ctx context.Context, opts ...LockOption) error {
	cfg := lockConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	h.mu.Lock()
	if h.locked {
		h.mu.Unlock()
		return fmt.Errorf("%s: lock already held", h.key)
	}
	if h.current != nil {
		h.mu.Unlock()
		return fmt.Errorf("%s: lock attempt already in progress", h.key)
	}
	att, err := h.startAttempt()
	if err != nil {
		h.mu.Unlock()
		return err
	}
	h.current = att
	h.mu.Unlock()

	if err := h.send(ctx, request{Action: actionLock, ID: att.id, Key: h.key, Priority: cfg.priority}); err != nil {
		h.clear(att)
		return err
	}

	select {
	case <-att.granted:
		return nil
	case <-att.rejected:
		return loomerrors.ErrLockCanceled
	case <-ctx.Done():
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return loomerrors.ErrTimeout
		}
		return ctx.Err()
	}
}

// Cancel withdraws the outstanding request. It returns false immediately if
// no request is outstanding, true once the broker confirms the withdrawal,
// and ErrLockHeld if the request already holds the lock. Cancel does not
// release; it never flips a held lock.
func (h *Handle) Cancel(ctx context.Context) (bool, error) {
	h.mu.Lock()
	att := h.current
	h.mu.Unlock()
	if att == nil {
		return false, nil
	}

	if err := h.send(ctx, request{Action: actionCancel, ID: att.id, Key: h.key}); err != nil {
		return false, err
	}

	select {
	case <-att.rejected:
		return true, nil
	case <-att.denied:
		return false, loomerrors.ErrLockHeld
	case <-ctx.Done():
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return false, loomerrors.ErrTimeout
		}
		return false, ctx.Err()
	}
}

// Release frees a held lock. It reports false, sending nothing, when the
// handle does not hold the lock; a released handle needs a fresh Lock (and a
// fresh request id) to re-acquire. A failed publish leaves the handle locked
// so the release can be retried; clearing first would strand the key at the
// broker with no party able to free it.
func (h *Handle) Release(ctx context.Context) (bool, error) {
	h.mu.Lock()
	if !h.locked {
		h.mu.Unlock()
		return false, nil
	}
	att := h.current
	h.locked = false
	h.current = nil
	h.mu.Unlock()

	if err := h.send(ctx, request{Action: actionRelease, Key: h.key}); err != nil {
		h.mu.Lock()
		h.locked = true
		h.current = att
		h.mu.Unlock()
		return false, err
	}
	if att != nil {
		att.stop()
	}
	return true, nil
}

// startAttempt subscribes to the reply topic for a fresh request id and
// spawns the reply dispatcher. Caller holds h.mu.
func (h *Handle) startAttempt() (*attempt, error) {
	id := uuid.NewString()
	subCtx, cancel := context.WithCancel(context.Background())
	replies, err := h.bus.Watch(subCtx, repTopic(h.name, id))
	if err != nil {
		cancel()
		return nil, err
	}
	att := &attempt{
		id:       id,
		granted:  make(chan struct{}),
		rejected: make(chan struct{}),
		denied:   make(chan struct{}),
		stop:     cancel,
	}
	go h.dispatch(att, replies)
	return att, nil
}

// dispatch routes broker replies for one attempt.
func (h *Handle) dispatch(att *attempt, replies <-chan []byte) {
	for raw := range replies {
		var rep reply
		if err := json.Unmarshal(raw, &rep); err != nil || rep.ID != att.id {
			continue
		}
		switch rep.Action {
		case replyResolveLock:
			h.mu.Lock()
			h.locked = true
			h.mu.Unlock()
			closeOnce(att.granted)
		case replyRejectLock:
			h.clear(att)
			closeOnce(att.rejected)
			att.stop()
			return
		case replyRejectCancel:
			closeOnce(att.denied)
		}
	}
}

// clear drops att as the current attempt if it still is.
func (h *Handle) clear(att *attempt) {
	h.mu.Lock()
	if h.current == att {
		h.current = nil
		h.locked = false
	}
	h.mu.Unlock()
}

func (h *Handle) send(ctx context.Context, req request) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return h.bus.Publish(ctx, reqTopic(h.name), raw)
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// Exists asks the named broker whether key has ever been locked.
func Exists(ctx context.Context, bus msgbus.Bus, key string, opts ...Option) (bool, error) {
	rep, err := query(ctx, bus, request{Action: actionExists, Key: key}, replyResolveExists, opts)
	if err != nil {
		return false, err
	}
	return rep.Value == 1, nil
}

// Waiting asks the named broker for key's queue length, holder included.
func Waiting(ctx context.Context, bus msgbus.Bus, key string, opts ...Option) (int, error) {
	rep, err := query(ctx, bus, request{Action: actionWaiting, Key: key}, replyResolveWaiting, opts)
	if err != nil {
		return 0, err
	}
	return rep.Value, nil
}

// query runs a one-shot request/reply exchange with a fresh correlation id.
func query(ctx context.Context, bus msgbus.Bus, req request, wantAction string, opts []Option) (reply, error) {
	cfg := newConfig(opts)
	req.ID = uuid.NewString()

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	replies, err := bus.Watch(subCtx, repTopic(cfg.name, req.ID))
	if err != nil {
		return reply{}, err
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return reply{}, err
	}
	if err := bus.Publish(ctx, reqTopic(cfg.name), raw); err != nil {
		return reply{}, err
	}

	for {
		select {
		case msg := <-replies:
			var rep reply
			if err := json.Unmarshal(msg, &rep); err != nil || rep.ID != req.ID || rep.Action != wantAction {
				continue
			}
			return rep, nil
		case <-ctx.Done():
			if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
				return reply{}, loomerrors.ErrTimeout
			}
			return reply{}, ctx.Err()
		}
	}
}
