// Package main is the entrypoint for the dynamopool demo binary. It loads
// configuration, starts the metrics and health HTTP servers, builds the
// pool manager and (optionally) the distributed ceiling coordinator, and
// runs a periodic borrow/query/return exercise cycle against every
// configured endpoint until signaled to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/cjgratacos/dynamopool/internal/config"
	"github.com/cjgratacos/dynamopool/internal/coordinator"
	"github.com/cjgratacos/dynamopool/internal/dynamo"
	"github.com/cjgratacos/dynamopool/internal/health"
	"github.com/cjgratacos/dynamopool/internal/metrics"
	"github.com/cjgratacos/dynamopool/internal/observer"
	"github.com/cjgratacos/dynamopool/internal/pool"
	"github.com/cjgratacos/dynamopool/pkg/endpoint"
)

var (
	driverConfigPath    = flag.String("driver", "configs/driver.yaml", "Path to driver configuration file")
	endpointsConfigPath = flag.String("endpoints", "configs/endpoints.yaml", "Path to endpoints configuration file")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] Starting dynamopool demo")

	// ─── Load Configuration ───────────────────────────────────────────
	driverCfg, endpoints, err := config.LoadDemoConfig(*driverConfigPath, *endpointsConfigPath)
	if err != nil {
		log.Fatalf("[main] Failed to load configuration: %v", err)
	}
	log.Printf("[main] Configuration loaded: %d endpoints, instance=%s", len(endpoints), driverCfg.InstanceID)

	for _, ep := range endpoints {
		log.Printf("[main]   Endpoint %s → %s (max_size=%d, min_size=%d)",
			ep.ID, ep.Addr(), ep.MaxSize, ep.MinSize)
	}

	sink := metrics.NewSink()
	obs := observer.New("main")
	obs.Debug = driverCfg.LogDebug

	// ─── Metrics HTTP server ──────────────────────────────────────────
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", driverCfg.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] Metrics server listening on :%d/metrics", driverCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] Metrics server error: %v", err)
		}
	}()

	// ─── Distributed Ceiling Coordinator (optional) ───────────────────
	var rc *coordinator.RedisCoordinator
	var hb *coordinator.Heartbeat
	if driverCfg.Redis.Enabled {
		log.Println("[main] Initializing Redis coordinator...")
		limits := make([]coordinator.EndpointLimit, 0, len(endpoints))
		for _, ep := range endpoints {
			limits = append(limits, coordinator.EndpointLimit{EndpointID: ep.ID, MaxTotal: ep.MaxSize})
		}

		rc, err = coordinator.New(context.Background(), coordinator.Config{
			Addr:              driverCfg.Redis.Addr,
			Password:          driverCfg.Redis.Password,
			DB:                driverCfg.Redis.DB,
			PoolSize:          driverCfg.Redis.PoolSize,
			DialTimeout:       driverCfg.Redis.DialTimeout,
			ReadTimeout:       driverCfg.Redis.ReadTimeout,
			WriteTimeout:      driverCfg.Redis.WriteTimeout,
			HeartbeatInterval: driverCfg.Redis.HeartbeatInterval,
			HeartbeatTTL:      driverCfg.Redis.HeartbeatTTL,
			FallbackEnabled:   driverCfg.Fallback.Enabled,
			LocalLimitDivisor: driverCfg.Fallback.LocalLimitDivisor,
			InstanceID:        driverCfg.InstanceID,
		}, limits)
		if err != nil {
			log.Fatalf("[main] Failed to initialize Redis coordinator: %v", err)
		}
		defer func() {
			log.Println("[main] Closing Redis coordinator...")
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutCancel()
			if err := rc.Close(shutCtx); err != nil {
				log.Printf("[main] Coordinator close error: %v", err)
			}
		}()
		if rc.IsFallback() {
			log.Println("[main] Coordinator started in FALLBACK mode (Redis unavailable)")
		} else {
			log.Println("[main] Coordinator ready (Redis connected)")
		}

		hb = coordinator.NewHeartbeat(rc)
		hb.Start(context.Background())
		defer hb.Stop()
	} else {
		log.Println("[main] Distributed ceiling coordinator disabled, enforcing local maxSize only")
	}

	// ─── Health Checker ────────────────────────────────────────────────
	healthTargets := make([]health.EndpointTarget, 0, len(endpoints))
	for _, ep := range endpoints {
		client, err := dynamo.NewClient(context.Background(), ep)
		if err != nil {
			log.Fatalf("[main] Failed to build DynamoDB client for endpoint %s: %v", ep.ID, err)
		}
		healthTargets = append(healthTargets, health.EndpointTarget{
			ID:              ep.ID,
			Client:          client,
			TableNamePrefix: ep.TableNamePrefix,
		})
	}

	var redisClient redis.UniversalClient
	if rc != nil {
		redisClient = rc.Client()
	}

	checker := health.NewChecker(driverCfg.InstanceID, driverCfg.HealthCheckPort, healthTargets, redisClient)
	healthServer := checker.ServeHTTP(context.Background())
	log.Printf("[main] Health check server listening on :%d/health", driverCfg.HealthCheckPort)

	log.Println("[main] Running initial health check...")
	report := checker.Check(context.Background())
	for _, comp := range report.Components {
		log.Printf("[main]   %s: %s (status=%s, latency=%s)", comp.Name, comp.Message, comp.Status, comp.Latency)
	}
	log.Printf("[main] Overall health: %s", report.Status)

	// ─── Pool Manager ──────────────────────────────────────────────────
	log.Println("[main] Initializing pool manager...")

	opts := []pool.Option{pool.WithObserver(obs), pool.WithMetrics(sink)}
	if rc != nil {
		if driverCfg.Redis.BlockingCeiling {
			opts = append(opts, pool.WithCeiling(coordinator.NewBlockingCeiling(rc, driverCfg.Redis.WaitTimeout)))
		} else {
			opts = append(opts, pool.WithCeiling(rc))
		}
	}

	poolMgr, err := pool.NewManager(context.Background(), endpoints, buildFactory, opts...)
	if err != nil {
		log.Fatalf("[main] Failed to initialize pool manager: %v", err)
	}
	defer func() {
		log.Println("[main] Closing pool manager...")
		if err := poolMgr.Close(); err != nil {
			log.Printf("[main] Pool manager close error: %v", err)
		}
	}()
	log.Println("[main] Pool manager ready")
	for _, s := range poolMgr.Stats() {
		log.Printf("[main]   Pool %s: idle=%d, active=%d, max=%d", s.EndpointID, s.Idle, s.Active, s.Max)
	}

	// ─── Exercise Cycle ────────────────────────────────────────────────
	exerciseCtx, cancelExercise := context.WithCancel(context.Background())
	defer cancelExercise()
	go runExerciseCycle(exerciseCtx, poolMgr, endpoints, driverCfg.BorrowTimeout, obs)

	// ─── Graceful Shutdown ───────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Println("[main] dynamopool demo is ready. Waiting for shutdown signal...")
	sig := <-sigCh
	log.Printf("[main] Received signal %v, shutting down gracefully...", sig)

	cancelExercise()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Health server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Metrics server shutdown error: %v", err)
	}

	log.Println("[main] Shutdown complete.")
}

// buildFactory is the pool.FactoryBuilder bridging the generic pool core to
// internal/dynamo's AWS-SDK-backed sessions.
func buildFactory(ep endpoint.Config) (pool.Factory, pool.Validator, error) {
	return dynamo.NewFactory(ep), dynamo.NewValidator(ep), nil
}

// runExerciseCycle periodically borrows a session from every endpoint and,
// when the endpoint has a table prefix, issues a lightweight read (a PartiQL
// SELECT), giving the demo binary observable activity to scrape metrics
// against. It performs no writes and commits no transaction.
func runExerciseCycle(ctx context.Context, mgr *pool.Manager, endpoints []endpoint.Config, borrowTimeout time.Duration, obs *observer.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ep := range endpoints {
				exerciseEndpoint(ctx, mgr, ep, borrowTimeout, obs)
			}
		}
	}
}

func exerciseEndpoint(ctx context.Context, mgr *pool.Manager, ep endpoint.Config, borrowTimeout time.Duration, obs *observer.Logger) {
	bctx, cancel := context.WithTimeout(ctx, borrowTimeout)
	defer cancel()

	h, err := mgr.Borrow(bctx, ep.ID)
	if err != nil {
		obs.Warnf("endpoint %s: borrow failed: %v", ep.ID, err)
		return
	}
	defer h.Close()

	if ep.TableNamePrefix == "" {
		return
	}

	qctx, qcancel := context.WithTimeout(ctx, 5*time.Second)
	defer qcancel()

	_, err = h.Query(qctx, fmt.Sprintf("SELECT * FROM %q", ep.TableNamePrefix))
	if err != nil {
		obs.Warnf("endpoint %s: exercise query failed: %v", ep.ID, err)
		h.Discard()
		return
	}
	obs.Debugf("endpoint %s: exercise cycle ok", ep.ID)
}
