// Command scheduler runs one worker process of the scheduling engine: every
// component from the durable store through the recovery pass, wired by
// internal/scheduler.Build and driven until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/scheduler/internal/bus"
	"github.com/swarmguard/scheduler/internal/config"
	"github.com/swarmguard/scheduler/internal/dispatch"
	"github.com/swarmguard/scheduler/internal/scheduler"
	"github.com/swarmguard/scheduler/internal/store"
	"github.com/swarmguard/scheduler/internal/telemetry"
)

const serviceName = "scheduler"

func main() {
	configPath := flag.String("config", "", "path to a scheduler.yaml config file")
	healthAddr := flag.String("health-addr", ":8080", "address to serve /health and /owned-buckets on")
	flag.Parse()

	logger := telemetry.InitLogging(serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1)
	}
	cfg := loader.Current()

	self := cfg.WorkerAddress
	if self == "" {
		self = defaultSelfAddress()
	}
	logger.Info("starting", "self", self, "bucket_count", cfg.BucketCount)

	shutdownTracer := telemetry.InitTracer(ctx, serviceName)
	shutdownMetrics, metrics := telemetry.InitMetrics(ctx, serviceName)

	if err := os.MkdirAll(cfg.StorePath, 0o755); err != nil {
		logger.Warn("could not ensure store directory exists", "path", cfg.StorePath, "error", err)
	}
	st, err := store.Open(filepath.Join(cfg.StorePath, "scheduler.db"), otel.Meter(serviceName))
	if err != nil {
		logger.Error("open durable store failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	var wakeBus *bus.Bus
	if cfg.NATSURL != "" {
		wakeBus, err = bus.Connect(cfg.NATSURL)
		if err != nil {
			logger.Warn("nats connect failed, continuing without a wake bus (polling only)", "error", err)
			wakeBus = nil
		} else {
			defer wakeBus.Close()
		}
	}

	executor, err := dispatch.DialGRPCExecutor(cfg.ExecutorAddress)
	if err != nil {
		logger.Error("dial execution subsystem failed", "error", err)
		os.Exit(1)
	}
	defer executor.Close()

	loader.WatchAndReload(func(fresh config.Config) {
		logger.Info("config reloaded", "bucket_count", fresh.BucketCount, "dispatch_tick_interval", fresh.DispatchTickInterval)
	})

	sc := scheduler.Build(self, cfg, st, rdb, wakeBus, metrics, executor)

	srv := healthServer(*healthAddr, sc)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "error", err)
			stop()
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- sc.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-runErr:
		if err != nil {
			logger.Error("scheduler exited with error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	telemetry.Flush(shutdownCtx, shutdownTracer)
	_ = shutdownMetrics(shutdownCtx)
	logger.Info("shutdown complete")
}

func healthServer(addr string, sc *scheduler.Context) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/owned-buckets", func(w http.ResponseWriter, _ *http.Request) {
		owned := sc.BucketMgr.Owned()
		fmt.Fprintf(w, "%d\n", len(owned))
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func defaultSelfAddress() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}
