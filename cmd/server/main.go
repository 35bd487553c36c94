package main

import (
	"context"
	"database/sql"
	"errors"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"orderflow/cmd/server/config"
	grpcadapter "orderflow/internal/adapters/grpc"
	"orderflow/internal/cart"
	"orderflow/internal/dispatch"
	"orderflow/internal/idempotency"
	"orderflow/internal/observability"
	"orderflow/internal/orders"
	"orderflow/internal/realtime"
	"orderflow/internal/reliability"
	"orderflow/internal/transport"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		stdlog.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	app, err := config.LoadApp()
	if err != nil {
		return err
	}
	stdr.SetVerbosity(app.LogVerbosity)
	log := stdr.New(stdlog.New(os.Stderr, "", stdlog.LstdFlags)).WithName("orderflow")

	metrics := observability.NewMetrics()

	var db *sql.DB
	if app.DatabaseURL != "" {
		if db, err = openDB("pgx", app.DatabaseURL); err != nil {
			return err
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Error(err, "close database")
			}
		}()
	}

	var (
		redisClient *redis.Client
		redisCfg    config.RedisConfig
	)
	if config.RedisEnabled() {
		if redisCfg, err = config.LoadRedis(); err != nil {
			return err
		}
		if redisClient, err = buildRedisClient(ctx, redisCfg); err != nil {
			return err
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Error(err, "close redis")
			}
		}()
	}

	ledgerCfg, err := config.LoadLedger()
	if err != nil {
		return err
	}
	store, err := buildLedger(ctx, ledgerCfg, db, redisClient)
	if err != nil {
		return err
	}
	log.Info("idempotency ledger ready", "backend", ledgerCfg.Backend, "retention", ledgerCfg.Retention)

	coordCfg, err := config.LoadCoordinator()
	if err != nil {
		return err
	}
	coord := buildCoordinator(store, coordCfg, log, metrics)

	gatewayCfg, err := config.LoadGateway()
	if err != nil {
		return err
	}
	gateway := buildGateway(gatewayCfg, log.WithName("payments"), metrics)

	ordersCfg, err := config.LoadOrders()
	if err != nil {
		return err
	}
	hub := realtime.NewHub(log.WithName("realtime"))
	var (
		eventLog realtime.Sink
		redisLog *realtime.RedisEventLog
	)
	if redisClient != nil {
		redisLog = realtime.NewRedisEventLog(redisClient, realtime.RedisEventLogConfig{
			Stream:   redisCfg.SagaEventStream,
			StateTTL: redisCfg.SagaStateTTL,
			MaxLen:   redisCfg.StreamMaxLen,
			Logger:   log.WithName("saga-events"),
			Metrics:  metrics,
		})
		eventLog = redisLog
	}
	orch := orders.BuildOrchestrator(ctx, orders.BuildConfig{
		DB:          db,
		Countries:   ordersCfg.Countries,
		Stock:       ordersCfg.Stock,
		Coordinator: coord,
		Payments:    gateway,
		Notifier:    realtime.NewFanout(realtime.NewSagaFeed(hub, metrics), eventLog),
		Logger:      log.WithName("orders"),
		Metrics:     metrics,
	})

	var cartStore cart.Store = cart.NewMemoryStore()
	if redisClient != nil {
		cartStore = cart.NewRedisStore(redisClient, "")
	}

	router := dispatch.NewRouter(log.WithName("dispatch"), metrics)
	dispatch.RegisterCart(router, cart.NewService(coord, cartStore))
	dispatch.RegisterOrders(router, orch)
	log.Info("operations registered", "types", router.Types())

	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return err
	}
	limiter := reliability.NewRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst).OnWait(metrics.AddRateLimitWait)
	grpcLog := log.WithName("grpc")
	server := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, metrics, grpcLog)),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(limiter, metrics, grpcLog)),
	)
	grpcadapter.RegisterOperationsServer(server, grpcadapter.NewServer(router))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(grpcadapter.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if app.Env != "production" {
		reflection.Register(server)
		log.Info("gRPC reflection enabled", "env", app.Env)
	}

	obsSrv, err := newObservabilityServer(metrics, hub)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	if redisLog != nil {
		g.Go(func() error {
			redisLog.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return idempotency.NewSweeper(store, ledgerCfg.SweepInterval, log, metrics).Run(gctx)
	})
	if redisClient != nil && redisCfg.ConsumeStream {
		consumer := transport.NewStreamConsumer(redisClient, router, transport.StreamConfig{
			Stream:      redisCfg.Stream,
			ReplyStream: redisCfg.ReplyStream,
			Group:       redisCfg.ConsumerGroup,
			Consumer:    redisCfg.ConsumerName,
			Block:       redisCfg.StreamBlock,
			Concurrency: redisCfg.StreamConcurrency,
			ReclaimIdle: redisCfg.ReclaimIdle,
			ReplyMaxLen: redisCfg.StreamMaxLen,
			Logger:      log.WithName("stream"),
			Metrics:     metrics,
		})
		if err := consumer.EnsureGroup(ctx); err != nil {
			_ = lis.Close()
			return err
		}
		g.Go(func() error { return consumer.Run(gctx) })
		log.Info("request stream consumer started", "stream", redisCfg.Stream, "group", redisCfg.ConsumerGroup)
	}
	g.Go(func() error {
		if err := obsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("gRPC server listening", "addr", grpcCfg.Addr)
		return server.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdown(log, server, healthServer, obsSrv, metrics)
		return nil
	})

	return g.Wait()
}

func newObservabilityServer(metrics *observability.Metrics, hub *realtime.Hub) (*http.Server, error) {
	cfg, err := config.LoadObservability()
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))
	mux.Handle("/ws", hub)

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}, nil
}

func shutdown(log logr.Logger, server *grpcpkg.Server, healthServer *health.Server, obsSrv *http.Server, metrics *observability.Metrics) {
	log.Info("shutting down")
	healthServer.SetServingStatus(grpcadapter.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	metrics.MarkShutdown(metrics.Snapshot().InFlight)
	server.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := obsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "observability server shutdown")
	}
}
