package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	gouuid "github.com/hashicorp/go-uuid"
	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-loom/v1/metrics"
	"github.com/mirkobrombin/go-loom/v1/msgbus"
	"github.com/mirkobrombin/go-loom/v1/mutex"
)

var (
	busKind   = flag.String("bus", "memory", "Bus backend: memory, nats, redis")
	natsAddr  = flag.String("nats-addr", nats.DefaultURL, "NATS server URL")
	redisAddr = flag.String("redis-addr", "localhost:6379", "Redis address")
	name      = flag.String("name", mutex.DefaultName, "Broker name (topic prefix)")
	httpAddr  = flag.String("http", ":2112", "HTTP listen address for /metrics, /watch and /ws")
)

func main() {
	flag.Parse()

	instance, err := gouuid.GenerateUUID()
	if err != nil {
		log.Fatalf("failed to generate instance id: %v", err)
	}

	bus, cleanup, err := newBus()
	if err != nil {
		log.Fatalf("failed to connect bus: %v", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	broker := mutex.NewBroker(bus, mutex.WithName(*name))
	if err := broker.Start(context.Background()); err != nil {
		log.Fatalf("failed to start broker: %v", err)
	}
	defer broker.Stop()

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/watch", msgbus.SSEHandler(bus))
	mux.HandleFunc("/ws", msgbus.WebSocketHandler(bus))

	srv := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	log.Printf("loom-brokerd %s arbitrating %q over %s bus, http on %s", instance, *name, *busKind, *httpAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("shutting down")
	_ = srv.Shutdown(context.Background())
}

func newBus() (msgbus.Bus, func(), error) {
	switch *busKind {
	case "nats":
		nc, err := nats.Connect(*natsAddr)
		if err != nil {
			return nil, nil, err
		}
		return msgbus.NewNATSBus(nc), nc.Close, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		return msgbus.NewRedisBus(client), func() { _ = client.Close() }, nil
	default:
		return msgbus.NewInMemory(), nil, nil
	}
}
