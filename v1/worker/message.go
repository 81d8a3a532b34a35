package worker

import (
	"context"
	"fmt"
)

// Callable is the unit of work executed inside a worker's context. It is a
// value passed over the unit's private channel, never shared state.
type Callable func(ctx context.Context, args ...any) (any, error)

type action int

const (
	actionSet action = iota
	actionCall
)

// message is the only thing a Unit sends into its execution context.
type message struct {
	action action
	fn     Callable
	id     string
	args   []any
}

// result is the only thing an execution context sends back.
type result struct {
	id    string
	value any
	err   error
}

// invoke runs fn guarding against panics, so an execution failure rejects the
// owning call instead of tearing down the context.
func invoke(ctx context.Context, fn Callable, args []any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callable panicked: %v", r)
		}
	}()
	if fn == nil {
		return nil, fmt.Errorf("no callable configured")
	}
	return fn(ctx, args...)
}

// run is the execution context event loop. It owns its own copy of the
// callable; actionSet swaps it for subsequent calls, actionCall executes in a
// call-scoped goroutine so in-flight calls settle in completion order.
func run(ctx context.Context, fn Callable, inbox <-chan message, outbox chan<- result) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-inbox:
			switch msg.action {
			case actionSet:
				fn = msg.fn
			case actionCall:
				go func(fn Callable, msg message) {
					value, err := invoke(ctx, fn, msg.args)
					select {
					case outbox <- result{id: msg.id, value: value, err: err}:
					case <-ctx.Done():
					}
				}(fn, msg)
			}
		}
	}
}
