package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-loom/v1/msgbus"
	"github.com/mirkobrombin/go-loom/v1/mutex"
	"github.com/mirkobrombin/go-loom/v1/pool"
)

var (
	concurrency = flag.Int("c", 50, "Concurrency")
	requests    = flag.Int("n", 100000, "Requests")
	target      = flag.String("target", "all", "Target: pool-warm, pool-cold, lock-memory, lock-nats, lock-redis")
	natsAddr    = flag.String("nats-addr", nats.DefaultURL, "NATS server URL")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis Address")
)

func main() {
	flag.Parse()

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"pool-warm", "pool-cold", "lock-memory", "lock-nats", "lock-redis"}
	}

	fmt.Printf("| %-12s | %-10s | %-12s | %-12s |\n", "System", "Ops/sec", "Avg Latency", "P99 Latency")
	fmt.Println("|:---|:---|:---|:---|")

	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t))
	}
}

func noop(ctx context.Context, args ...any) (any, error) { return nil, nil }

func runBenchmark(name string) {
	var (
		opFn    func(ctx context.Context) error
		cleanup func()
	)

	ctx := context.Background()

	switch name {
	case "pool-warm":
		p, err := pool.New(noop, pool.WithMinWarm(*concurrency), pool.WithMaxConcurrent(*concurrency))
		if err != nil {
			log.Fatalf("pool: %v", err)
		}
		opFn = func(ctx context.Context) error {
			fut, err := p.Dispatch(ctx)
			if err != nil {
				return err
			}
			_, err = fut.Wait(ctx)
			return err
		}
		cleanup = func() { _, _ = p.Close(ctx, true) }

	case "pool-cold":
		p, err := pool.New(noop, pool.WithMaxConcurrent(*concurrency), pool.WithIdleTimeout(time.Millisecond))
		if err != nil {
			log.Fatalf("pool: %v", err)
		}
		opFn = func(ctx context.Context) error {
			fut, err := p.Dispatch(ctx)
			if err != nil {
				return err
			}
			_, err = fut.Wait(ctx)
			return err
		}
		cleanup = func() { _, _ = p.Close(ctx, true) }

	case "lock-memory":
		bus := msgbus.NewInMemory(msgbus.WithBuffer(*concurrency * 4))
		opFn, cleanup = lockBench(ctx, bus, nil)

	case "lock-nats":
		nc, err := nats.Connect(*natsAddr)
		if err != nil {
			fmt.Printf("| %-12s | %-10s | %-12s | %-12s |\n", name, "SKIP", "-", "-")
			return
		}
		bus := msgbus.NewNATSBus(nc)
		opFn, cleanup = lockBench(ctx, bus, nc.Close)

	case "lock-redis":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			fmt.Printf("| %-12s | %-10s | %-12s | %-12s |\n", name, "SKIP", "-", "-")
			return
		}
		bus := msgbus.NewRedisBus(client)
		opFn, cleanup = lockBench(ctx, bus, func() { _ = client.Close() })

	default:
		log.Printf("Unknown target: %s", name)
		return
	}

	if cleanup != nil {
		defer cleanup()
	}

	var wg sync.WaitGroup
	var ops int64
	totalReqs := *requests
	latencies := make([]int64, totalReqs)

	start := time.Now()
	chunk := totalReqs / *concurrency

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			offset := idx * chunk
			for j := 0; j < chunk; j++ {
				reqStart := time.Now()
				if err := opFn(ctx); err == nil {
					atomic.AddInt64(&ops, 1)
					latencies[offset+j] = time.Since(reqStart).Nanoseconds()
				}
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	if ops == 0 {
		fmt.Printf("| %-12s | %-10s | %-12s | %-12s |\n", name, "ERROR", "-", "-")
		return
	}

	throughput := float64(ops) / elapsed.Seconds()
	avgLat := float64(elapsed.Nanoseconds()) / float64(ops)

	var p99 string = "-"
	validLats := make([]int64, 0, ops)
	for _, l := range latencies {
		if l > 0 {
			validLats = append(validLats, l)
		}
	}
	if len(validLats) > 0 {
		sort.Slice(validLats, func(i, j int) bool { return validLats[i] < validLats[j] })
		p99Idx := int(float64(len(validLats)) * 0.99)
		if p99Idx >= len(validLats) {
			p99Idx = len(validLats) - 1
		}
		p99 = fmt.Sprintf("%d", validLats[p99Idx])
	}

	fmt.Printf("| %-12s | %-10.0f | %-12.0f | %-12s |\n", name, throughput, avgLat, p99)
}

// lockBench runs an uncontended acquire/release cycle per op. Each goroutine
// gets its own key via the handle, so the benchmark measures broker and bus
// round trips rather than queueing.
func lockBench(ctx context.Context, bus msgbus.Bus, closeBus func()) (func(ctx context.Context) error, func()) {
	broker := mutex.NewBroker(bus)
	if err := broker.Start(ctx); err != nil {
		log.Fatalf("broker: %v", err)
	}

	var seq int64
	opFn := func(ctx context.Context) error {
		key := fmt.Sprintf("bench:%d", atomic.AddInt64(&seq, 1))
		h := mutex.NewHandle(bus, key)
		if err := h.Lock(ctx); err != nil {
			return err
		}
		_, err := h.Release(ctx)
		return err
	}
	cleanup := func() {
		broker.Stop()
		if closeBus != nil {
			closeBus()
		}
	}
	return opFn, cleanup
}
