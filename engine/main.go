package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tosin2013/openshift-coordination-engine/engine/coordination"
	"github.com/tosin2013/openshift-coordination-engine/engine/executor"
	"github.com/tosin2013/openshift-coordination-engine/engine/middleware"
	"github.com/tosin2013/openshift-coordination-engine/engine/resolver"
	"github.com/tosin2013/openshift-coordination-engine/engine/scheduler"
	"github.com/tosin2013/openshift-coordination-engine/engine/store"
)

func envDuration(name string, fallback time.Duration) time.Duration {
	if val := os.Getenv(name); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			log.Fatalf("Invalid %s: %v", name, err)
		}
		return d
	}
	return fallback
}

func envInt(name string, fallback int) int {
	if val := os.Getenv(name); val != "" {
		var n int
		fmt.Sscanf(val, "%d", &n)
		if n > 0 {
			return n
		}
	}
	return fallback
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Registry backend selection: Postgres (durable) > Redis (shared) >
	// Memory (single-node default).
	var s store.Store
	var err error
	switch {
	case os.Getenv("DATABASE_URL") != "":
		s, err = store.NewPostgresStore(ctx, os.Getenv("DATABASE_URL"))
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		log.Println("Using Postgres registry backend")
	case os.Getenv("REDIS_ADDR") != "":
		s, err = store.NewRedisStore(os.Getenv("REDIS_ADDR"), os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		log.Println("Using Redis registry backend")
	default:
		s = store.NewMemoryStore()
		log.Println("Using in-memory registry backend (single-node)")
	}
	defer s.Close()

	// Arbitration policy.
	resolverCfg := resolver.DefaultConfig()
	if thStr := os.Getenv("CONFIDENCE_THRESHOLD"); thStr != "" {
		var th float64
		fmt.Sscanf(thStr, "%f", &th)
		if th > 0 && th <= 1 {
			resolverCfg.ConfidenceThreshold = th
		}
	}
	res := resolver.New(s, resolverCfg)

	// Admission and dispatch.
	schedCfg := scheduler.DefaultConfig()
	schedCfg.MaxActiveActions = envInt("MAX_ACTIVE_ACTIONS", schedCfg.MaxActiveActions)
	schedCfg.ExecutionTimeout = envDuration("EXECUTION_TIMEOUT", schedCfg.ExecutionTimeout)
	schedCfg.RateLimitMax = envInt("RATE_LIMIT_MAX", schedCfg.RateLimitMax)
	schedCfg.RateLimitWindow = envDuration("RATE_LIMIT_WINDOW", schedCfg.RateLimitWindow)
	sched := scheduler.New(s, res, schedCfg)

	// Executor boundary: remote remediation service, or the logging
	// executor for standalone mode.
	callback := func(cbCtx context.Context, result executor.Result) {
		sched.HandleResult(cbCtx, result)
	}
	var exec executor.Executor
	if url := os.Getenv("EXECUTOR_URL"); url != "" {
		exec = executor.NewRemoteExecutor(url, callback)
		log.Printf("Dispatching actions to remote executor at %s", url)
	} else {
		exec = executor.NewLogExecutor(callback, 2*time.Second)
		log.Println("No EXECUTOR_URL set, using logging executor (standalone mode)")
	}
	sched.SetExecutor(exec)
	sched.Start(ctx)

	// Retention reaper: terminal actions stay for audit until the window
	// elapses.
	retention := envDuration("RETENTION_WINDOW", 24*time.Hour)
	reaper := coordination.NewReaper(s, retention, 10*time.Minute)
	reaper.Start(ctx)

	api := NewAPI(s, sched)
	go api.hub.Run(ctx)

	mux := api.routes(os.Getenv("API_TOKEN"))

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	server := &http.Server{
		Addr:    addr,
		Handler: middleware.CORSMiddleware(mux),
	}

	go func() {
		log.Printf("Coordination Engine listening on %s", addr)
		log.Printf("Config: max_active=%d execution_timeout=%s retention=%s confidence_threshold=%.2f",
			schedCfg.MaxActiveActions, schedCfg.ExecutionTimeout, retention, resolverCfg.ConfidenceThreshold)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutdown signal received, draining...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
