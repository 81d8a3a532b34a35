package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	loomerrors "github.com/mirkobrombin/go-loom/v1/errors"
	"github.com/mirkobrombin/go-loom/v1/future"
	"github.com/mirkobrombin/go-loom/v1/worker"
)

func echo(ctx context.Context, args ...any) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return args[0], nil
}

func sleeper(ctx context.Context, args ...any) (any, error) {
	time.Sleep(args[0].(time.Duration))
	return nil, nil
}

func TestNewSizing(t *testing.T) {
	p, err := New(echo, WithMinWarm(2), WithMaxConcurrent(5), WithIdleTimeout(time.Second))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if len(p.units) != 5 {
		t.Fatalf("expected 5 units got %d", len(p.units))
	}
	warm := 0
	for _, u := range p.units {
		if u.IdleTimeout() == worker.Forever {
			warm++
		}
	}
	if warm != 2 {
		t.Fatalf("expected 2 warm units got %d", warm)
	}
}

func TestNewMinWarmRaisesMax(t *testing.T) {
	p, err := New(echo, WithMinWarm(4), WithMaxConcurrent(2))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if p.MaxConcurrent() != 4 {
		t.Fatalf("expected maxConcurrent raised to 4, got %d", p.MaxConcurrent())
	}
}

func TestNewInvalidArguments(t *testing.T) {
	if _, err := New(echo, WithMinWarm(-1)); !errors.Is(err, loomerrors.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := New(echo, WithMaxConcurrent(0)); !errors.Is(err, loomerrors.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestSetMaxConcurrentClampsMinWarm(t *testing.T) {
	p, err := New(echo, WithMinWarm(3), WithMaxConcurrent(4))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := p.SetMaxConcurrent(2); err != nil {
		t.Fatalf("setMaxConcurrent: %v", err)
	}
	if p.MinWarm() != 2 {
		t.Fatalf("expected minWarm lowered to 2, got %d", p.MinWarm())
	}
	if len(p.units) != 2 {
		t.Fatalf("expected 2 units got %d", len(p.units))
	}
}

func TestSetMinWarmRaisesMaxConcurrent(t *testing.T) {
	p, err := New(echo, WithMaxConcurrent(2))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := p.SetMinWarm(5); err != nil {
		t.Fatalf("setMinWarm: %v", err)
	}
	if p.MaxConcurrent() != 5 || len(p.units) != 5 {
		t.Fatalf("expected 5 units, got max %d len %d", p.MaxConcurrent(), len(p.units))
	}
	for i, u := range p.units {
		if u.IdleTimeout() != worker.Forever {
			t.Fatalf("unit %d should be warm", i)
		}
	}
}

func TestSetIdleTimeoutAppliesToNonWarmOnly(t *testing.T) {
	p, err := New(echo, WithMinWarm(1), WithMaxConcurrent(3))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p.SetIdleTimeout(42 * time.Second)
	if d := p.units[0].IdleTimeout(); d != worker.Forever {
		t.Fatalf("warm unit timeout changed to %v", d)
	}
	for i := 1; i < 3; i++ {
		if d := p.units[i].IdleTimeout(); d != 42*time.Second {
			t.Fatalf("unit %d timeout %v", i, d)
		}
	}
}

func TestSetterInvalidArguments(t *testing.T) {
	p, _ := New(echo)
	if err := p.SetMinWarm(-1); !errors.Is(err, loomerrors.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if err := p.SetMaxConcurrent(0); !errors.Is(err, loomerrors.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestDispatchPrefersIdleUnits(t *testing.T) {
	p, err := New(sleeper, WithMaxConcurrent(2), WithIdleTimeout(time.Minute))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	f1, err := p.Dispatch(ctx, 80*time.Millisecond)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	f2, err := p.Dispatch(ctx, 80*time.Millisecond)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// Both units must be in use: the second dispatch may not pile onto the
	// busy first unit while an idle one exists.
	deadline := time.Now().Add(time.Second)
	for p.BusyCount() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 busy units, got %d", p.BusyCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	for _, f := range []*future.Future{f1, f2} {
		if _, err := f.Wait(ctx); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
}

func TestSaturatedDispatchWaitsForFirstIdle(t *testing.T) {
	p, err := New(sleeper, WithMaxConcurrent(1))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	f1, err := p.Dispatch(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	start := time.Now()
	f2, err := p.Dispatch(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := f2.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatal("second dispatch did not wait for the busy unit to drain")
	}
	if _, err := f1.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestSaturatedDispatchHonorsContext(t *testing.T) {
	p, err := New(sleeper, WithMaxConcurrent(1))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = p.Dispatch(context.Background(), 200*time.Millisecond)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Dispatch(ctx, time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	_, _ = p.Close(context.Background(), true)
}

func TestThreeConcurrentTasksRunInParallel(t *testing.T) {
	p, err := New(sleeper, WithMinWarm(1), WithMaxConcurrent(3))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	start := time.Now()
	var futs []*future.Future
	for i := 0; i < 3; i++ {
		f, err := p.Dispatch(ctx, 100*time.Millisecond)
		if err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
		futs = append(futs, f)
	}

	deadline := time.Now().Add(time.Second)
	for p.BusyCount() != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected busyCount 3, got %d", p.BusyCount())
		}
		time.Sleep(2 * time.Millisecond)
	}

	for i, f := range futs {
		if _, err := f.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	elapsed := time.Since(start)
	if elapsed > 250*time.Millisecond {
		t.Fatalf("tasks did not run concurrently: %v", elapsed)
	}
	if err := p.AllIdle(ctx); err != nil {
		t.Fatalf("allIdle: %v", err)
	}
	if n := p.BusyCount(); n != 0 {
		t.Fatalf("expected busyCount 0 after settle, got %d", n)
	}
}

func TestSetCallableSwapsWork(t *testing.T) {
	p, err := New(echo, WithMaxConcurrent(2))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if _, err := mustDispatch(t, p, ctx, "x").Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	p.SetCallable(func(ctx context.Context, args ...any) (any, error) {
		return "new", nil
	})
	v, err := mustDispatch(t, p, ctx, "x").Wait(ctx)
	if err != nil || v != "new" {
		t.Fatalf("expected new callable result, got %v %v", v, err)
	}
}

func mustDispatch(t *testing.T, p *Pool, ctx context.Context, args ...any) *future.Future {
	t.Helper()
	f, err := p.Dispatch(ctx, args...)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	return f
}

func TestCloseCountsTerminatedUnits(t *testing.T) {
	p, err := New(echo, WithMaxConcurrent(3), WithIdleTimeout(time.Minute))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	// only the first unit ever opens
	if _, err := mustDispatch(t, p, ctx, 1).Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	n, err := p.Close(ctx, false)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 terminated, got %d", n)
	}
	if _, err := p.Dispatch(ctx, 3); !errors.Is(err, loomerrors.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
