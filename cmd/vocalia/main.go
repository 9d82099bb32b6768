package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dparodi/vocalia/internal/config"
	"github.com/dparodi/vocalia/internal/gateway"
	"github.com/dparodi/vocalia/internal/httpapi"
	"github.com/dparodi/vocalia/internal/memory"
	"github.com/dparodi/vocalia/internal/observability"
	"github.com/dparodi/vocalia/internal/session"
	"github.com/dparodi/vocalia/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("memory store init failed: %v", err)
	}
	defer store.Close()

	pools := make([]*worker.Pool, 0, len(cfg.Pools))
	for taskType, pc := range cfg.Pools {
		name, args, err := worker.ParseCommand(pc.Command)
		if err != nil {
			log.Fatalf("pool %s: bad worker command %q: %v", taskType, pc.Command, err)
		}
		pool, err := worker.New(worker.Config{
			Type:            taskType,
			Slots:           pc.Slots,
			Launcher:        worker.CommandLauncher(name, args...),
			HealthInterval:  cfg.PoolHealthInterval,
			PingTimeout:     cfg.PoolPingTimeout,
			StartTimeout:    cfg.PoolStartTimeout,
			DefaultDeadline: cfg.PoolTaskDeadline,
			MaxRestarts:     cfg.PoolMaxRestarts,
			RestartWindow:   cfg.PoolRestartWindow,
		})
		if err != nil {
			log.Fatalf("pool %s init failed: %v", taskType, err)
		}
		log.Printf("pool %s: %d slots via %q", taskType, pc.Slots, pc.Command)
		pools = append(pools, pool)
	}
	registry, err := worker.NewRegistry(pools...)
	if err != nil {
		log.Fatalf("registry init failed: %v", err)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	turns := observability.NewTurnWindow(cfg.TurnWindowSize)
	gw := gateway.New(gateway.Config{
		VADMode:             cfg.VADMode,
		VADSilenceThreshold: cfg.VADSilenceThreshold,
		VADMinSpeech:        cfg.VADMinSpeech,
		VADMaxSilence:       cfg.VADMaxSilence,
		ContextWindowTurns:  cfg.ContextWindowTurns,
		TTSChunkBytes:       cfg.TTSChunkBytes,
	}, sessions, registry, store, metrics, turns)

	api := httpapi.New(cfg, sessions, gw, registry, registry, store, metrics, turns)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	sessions.StartJanitor(runCtx, 5*time.Second)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
			_ = httpServer.Close()
		}
		return nil
	})
	g.Go(func() error {
		pollPoolGauges(gctx, registry, metrics)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("server error: %v", err)
	}

	registry.Shutdown(cfg.PoolShutdownGrace)
	log.Printf("shutdown complete")
}

// pollPoolGauges mirrors pool capacity into prometheus every few seconds.
// Pools are polled rather than instrumented inline so the dispatch loop
// never touches metric locks.
func pollPoolGauges(ctx context.Context, registry *worker.Registry, metrics *observability.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	lastRestarts := make(map[string]int)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range registry.Describe() {
				pool := string(st.Type)
				metrics.PoolSlots.WithLabelValues(pool, "idle").Set(float64(st.Idle))
				metrics.PoolSlots.WithLabelValues(pool, "busy").Set(float64(st.Busy))
				metrics.PoolSlots.WithLabelValues(pool, "starting").Set(float64(st.Starting))
				metrics.PoolSlots.WithLabelValues(pool, "unhealthy").Set(float64(st.Unhealthy))
				metrics.PoolQueueDepth.WithLabelValues(pool).Set(float64(st.QueueDepth))
				if d := st.Restarts - lastRestarts[pool]; d > 0 {
					metrics.WorkerRestarts.WithLabelValues(pool).Add(float64(d))
				}
				lastRestarts[pool] = st.Restarts
			}
		}
	}
}
