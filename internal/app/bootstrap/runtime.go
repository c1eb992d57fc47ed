package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	cacheadapter "github.com/viralforge/deferred-diffusion/internal/adapters/cache"
	eventadapter "github.com/viralforge/deferred-diffusion/internal/adapters/events"
	grpcadapter "github.com/viralforge/deferred-diffusion/internal/adapters/grpc"
	httpadapter "github.com/viralforge/deferred-diffusion/internal/adapters/http"
	"github.com/viralforge/deferred-diffusion/internal/adapters/inference"
	"github.com/viralforge/deferred-diffusion/internal/adapters/monitor"
	"github.com/viralforge/deferred-diffusion/internal/adapters/postgres"
	"github.com/viralforge/deferred-diffusion/internal/adapters/security"
	"github.com/viralforge/deferred-diffusion/internal/application"
	"github.com/viralforge/deferred-diffusion/internal/domain"
	"github.com/viralforge/deferred-diffusion/internal/gpu"
	"github.com/viralforge/deferred-diffusion/internal/ports"
	"github.com/viralforge/deferred-diffusion/internal/worker"
)

const (
	gatewayHealthService = "deferred_diffusion.Gateway"
	workerHealthService  = "deferred_diffusion.Worker"
)

// Runtime owns the shared process resources. RunAPI and RunWorker build the
// role-specific parts on top of it.
type Runtime struct {
	cfg       Config
	logger    *slog.Logger
	redis     *redis.Client
	broker    *cacheadapter.RedisBroker
	cleanupFn []func(context.Context)
}

func NewRuntime(ctx context.Context, configPath string) (*Runtime, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("bootstrapping deferred diffusion runtime",
		"service_id", cfg.ServiceID,
		"http_port", cfg.HTTPPort,
		"grpc_port", cfg.GRPCPort,
		"queues", cfg.Queues,
	)

	redisClient, err := cacheadapter.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	r := &Runtime{
		cfg:    cfg,
		logger: logger,
		redis:  redisClient,
		broker: cacheadapter.NewRedisBroker(redisClient, cacheadapter.RedisBrokerConfig{
			ResultTTL:     cfg.ResultTTL,
			DispatchGrace: cfg.DispatchGrace,
		}, logger),
	}
	r.onCleanup(func(context.Context) { _ = redisClient.Close() })
	return r, nil
}

func (r *Runtime) onCleanup(fn func(context.Context)) {
	r.cleanupFn = append(r.cleanupFn, fn)
}

// cleanup runs registered hooks in reverse order.
func (r *Runtime) cleanup(ctx context.Context) {
	for i := len(r.cleanupFn) - 1; i >= 0; i-- {
		r.cleanupFn[i](ctx)
	}
}

func (r *Runtime) ping(ctx context.Context) error {
	return r.redis.Ping(ctx).Err()
}

func (r *Runtime) buildService(ctx context.Context) (*application.Service, error) {
	cfg := r.cfg

	var submissions ports.SubmissionRepository
	if cfg.DatabaseURL != "" {
		db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("gorm sql db: %w", err)
		}
		r.onCleanup(func(context.Context) { _ = sqlDB.Close() })
		if cfg.RunMigrations {
			if err := postgres.RunMigrations(ctx, db); err != nil {
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}
		submissions = postgres.NewSubmissionRepository(db)
	} else {
		r.logger.Warn("DB_URL not set, submission audit disabled")
	}

	var publisher ports.EventPublisher = eventadapter.NewLoggingPublisher(r.logger)
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher, err := eventadapter.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopics)
		if err != nil {
			return nil, fmt.Errorf("init kafka publisher: %w", err)
		}
		r.onCleanup(func(context.Context) { _ = kafkaPublisher.Close() })
		publisher = kafkaPublisher
	}

	var infoSource ports.TaskInfoSource = cacheadapter.NewRedisTaskInfoStore(r.redis, cfg.ResultTTL)
	if cfg.MonitorURL != "" {
		infoSource = monitor.NewFlowerClient(cfg.MonitorURL, cfg.MonitorTimeout)
	}
	infoSource = monitor.NewCachedSource(infoSource, cfg.MonitorCacheSize, cfg.MonitorCacheTTL, r.logger)

	links, err := security.NewResultLinkSigner(cfg.AdminKey)
	if err != nil {
		return nil, fmt.Errorf("init result link signer: %w", err)
	}

	routing, err := routingConfig(cfg)
	if err != nil {
		return nil, err
	}

	return application.NewService(application.Dependencies{
		Config: application.Config{
			AdminKey:        cfg.AdminKey,
			Queues:          cfg.Queues,
			BacklogLimit:    cfg.BacklogLimit,
			QueueScanLimit:  cfg.QueueScanLimit,
			RateLimit:       cfg.RateLimit,
			RateLimitWindow: cfg.RateLimitWindow,
			Routing:         routing,
			ResultLinkTTL:   cfg.ResultLinkTTL,
			ResultURLBase:   cfg.ResultURLBase,
		},
		Keys:        cacheadapter.NewRedisKeyStore(r.redis),
		Material:    security.NewRandomKeyMaterial(),
		Limiter:     cacheadapter.NewRedisRateLimiter(r.redis),
		Broker:      r.broker,
		TaskInfo:    infoSource,
		Links:       links,
		Submissions: submissions,
		Events:      publisher,
		Logger:      r.logger,
	}), nil
}

func routingConfig(cfg Config) (application.RoutingConfig, error) {
	routing := application.RoutingConfig{
		DefaultQueue:   cfg.Queues[0],
		ResourceQueues: make(map[domain.Resource]string, len(cfg.ResourceQueues)),
		TaskQueues:     cfg.TaskQueues,
	}
	for raw, queue := range cfg.ResourceQueues {
		resource, err := domain.ParseResource(raw)
		if err != nil {
			return application.RoutingConfig{}, fmt.Errorf("resource route %q: %w", raw, err)
		}
		routing.ResourceQueues[resource] = queue
	}
	return routing, nil
}

func (r *Runtime) RunAPI(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), 10*time.Second)
	}

	svc, err := r.buildService(ctx)
	if err != nil {
		cctx, cancel := shutdownCtx()
		defer cancel()
		r.cleanup(cctx)
		return err
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", r.cfg.HTTPPort),
		Handler:           httpadapter.NewRouter(httpadapter.NewHandler(svc, r.ping)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	grpcServer, probe := grpcadapter.NewServer(r.logger, r.ping, r.cfg.HealthInterval, gatewayHealthService)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", r.cfg.GRPCPort))
	if err != nil {
		cctx, cancel := shutdownCtx()
		defer cancel()
		r.cleanup(cctx)
		return fmt.Errorf("listen gRPC: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		r.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	r.serveGRPC(ctx, grpcServer, probe, lis, errCh)

	select {
	case <-ctx.Done():
		r.logger.Info("shutdown signal received")
	case err := <-errCh:
		r.logger.Error("server failure", "error", err)
	}

	cctx, cancel := shutdownCtx()
	defer cancel()
	_ = httpServer.Shutdown(cctx)
	grpcServer.GracefulStop()
	r.cleanup(cctx)
	return nil
}

func (r *Runtime) RunWorker(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := r.cfg
	pipelines, err := worker.NewPipelineCache(cfg.PipelineCacheSize, r.logger)
	if err != nil {
		return err
	}
	tensors, err := gpu.NewTensorCache(cfg.TensorCacheSize, r.logger)
	if err != nil {
		return err
	}
	runner, err := worker.NewRunner(worker.Config{
		Queues:     cfg.WorkerQueues,
		PopTimeout: cfg.PopTimeout,
		WorkerID:   cfg.WorkerID,
	}, worker.Dependencies{
		Consumer:  r.broker,
		Loader:    inference.NewSidecarClient(cfg.SidecarURL, cfg.SidecarTimeout),
		Pipelines: pipelines,
		Tensors:   tensors,
		Info:      cacheadapter.NewRedisTaskInfoStore(r.redis, cfg.ResultTTL),
		Logger:    r.logger,
	})
	if err != nil {
		return err
	}

	grpcServer, probe := grpcadapter.NewServer(r.logger, r.ping, cfg.HealthInterval, workerHealthService)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.WorkerGRPCPort))
	if err != nil {
		return fmt.Errorf("listen gRPC: %w", err)
	}
	errCh := make(chan error, 1)
	r.serveGRPC(ctx, grpcServer, probe, lis, errCh)

	runErr := make(chan error, 1)
	go func() { runErr <- runner.Run(ctx) }()

	var result error
	select {
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			result = err
		}
	case err := <-errCh:
		r.logger.Error("server failure", "error", err)
		stop()
		<-runErr
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	runner.Close(shutdownCtx)
	grpcServer.GracefulStop()
	r.cleanup(shutdownCtx)
	return result
}

func (r *Runtime) serveGRPC(ctx context.Context, server *grpc.Server, probe *grpcadapter.HealthProbe, lis net.Listener, errCh chan<- error) {
	go func() {
		r.logger.Info("grpc server started", "addr", lis.Addr().String())
		if err := server.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		_ = probe.Run(ctx)
	}()
}

func parseLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
