package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	commonmw "autograde/internal/common/http/middleware"
	"autograde/internal/common/mq"
	"autograde/internal/common/storage"
	"autograde/internal/grader/model"
	"autograde/internal/grader/repository"
	"autograde/internal/grader/sandbox/container"
	"autograde/internal/grader/sandbox/observer"
	"autograde/internal/grader/sandbox/process"
	"autograde/internal/grader/sandbox/profile"
	"autograde/internal/grader/service"
	appErr "autograde/pkg/errors"
	"autograde/pkg/utils/logger"
	"autograde/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultConfigPath = "configs/grader_worker.yaml"
	readyTimeout      = 3 * time.Second
	sweepTimeout      = 2 * time.Minute
)

// pinger is a dependency checked by /readyz.
type pinger interface {
	Ping(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "grader worker stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()

	resolver := profile.NewResolver(appCfg.Profiles...)
	images, err := container.NewImageEnsurer(appCfg.Sandbox.PullTimeout)
	if err != nil {
		return fmt.Errorf("init docker client failed: %w", err)
	}
	defer func() {
		_ = images.Close()
	}()
	if err := images.Ping(ctx); err != nil {
		return fmt.Errorf("container engine unreachable: %w", err)
	}
	if appCfg.Sandbox.PullImages {
		if err := images.EnsureImages(ctx, resolver.All()); err != nil {
			return fmt.Errorf("pull build images failed: %w", err)
		}
	}

	containerCfg, err := appCfg.Sandbox.toContainerConfig()
	if err != nil {
		return err
	}
	executor := observer.WrapExecutor(process.NewExecutor(process.Config{
		MaxOutputBytes: appCfg.Sandbox.MaxOutputBytes,
	}))
	manager, err := container.NewManager(containerCfg, executor)
	if err != nil {
		return fmt.Errorf("init container manager failed: %w", err)
	}
	if appCfg.Sandbox.SweepOnStart {
		sweep(ctx, manager)
	}

	mqClient, err := mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
	if err != nil {
		return fmt.Errorf("init kafka failed: %w", err)
	}
	defer func() {
		_ = mqClient.Close()
	}()

	readiness := map[string]pinger{
		"engine": images,
		"kafka":  mqClient,
	}
	var artifacts service.ArtifactStore
	if appCfg.MinIO.Endpoint != "" {
		objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			return fmt.Errorf("init minio failed: %w", err)
		}
		if appCfg.Artifacts.ReportBucket != "" {
			if err := objStorage.EnsureBucket(ctx, appCfg.Artifacts.ReportBucket); err != nil {
				return fmt.Errorf("ensure report bucket failed: %w", err)
			}
		}
		artifacts = repository.NewArtifactStore(objStorage, repository.ArtifactConfig{
			SourceBucket:  appCfg.Artifacts.SourceBucket,
			ReportBucket:  appCfg.Artifacts.ReportBucket,
			ReportPrefix:  appCfg.Artifacts.ReportPrefix,
			MaxSourceSize: appCfg.Artifacts.MaxSourceSize,
		})
		readiness["storage"] = objStorage
	}

	gradingSvc, err := service.NewService(service.Config{
		Lifecycle:      observer.WrapLifecycle(manager),
		Resolver:       resolver,
		Publisher:      repository.NewMQOutcomePublisher(mqClient, appCfg.Kafka.OutcomeTopic),
		Artifacts:      artifacts,
		Windows:        model.NewAttemptWindows(appCfg.Attempts),
		WorkRoot:       appCfg.Worker.WorkRoot,
		WorkDir:        manager.WorkDir(),
		WorkerPoolSize: appCfg.Worker.PoolSize,
		SlotWait:       appCfg.Worker.SlotWait,
		ProvisionRate:  appCfg.Worker.ProvisionRate,
		ProvisionBurst: appCfg.Worker.ProvisionBurst,
		PublishTimeout: appCfg.Worker.PublishTimeout,
	})
	if err != nil {
		return fmt.Errorf("init grading service failed: %w", err)
	}

	if err := mqClient.Subscribe(ctx, appCfg.Kafka.TaskTopic, gradingSvc.HandleMessage, appCfg.Kafka.subscribeOptions()); err != nil {
		return fmt.Errorf("subscribe kafka failed: %w", err)
	}
	if err := mqClient.Start(); err != nil {
		return fmt.Errorf("start kafka consumer failed: %w", err)
	}
	logger.Info(ctx, "grader worker consuming",
		zap.String("topic", appCfg.Kafka.TaskTopic),
		zap.Int("pool_size", appCfg.Worker.PoolSize))

	httpServer := buildHTTPServer(appCfg.Server, readiness)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		_ = mqClient.Stop()
		return fmt.Errorf("init http listener failed: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "grader http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	shutdownTimeout, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownTimeout); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	if err := mqClient.Stop(); err != nil {
		logger.Error(ctx, "stop kafka consumer failed", zap.Error(err))
	}
	sweep(ctx, manager)
	return nil
}

// sweep removes environments left behind by an earlier process.
func sweep(ctx context.Context, manager *container.Manager) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()
	removed, err := manager.Sweep(ctx)
	if err != nil {
		logger.Warn(ctx, "sweep environments failed", zap.Error(err))
		return
	}
	if removed > 0 {
		logger.Info(ctx, "swept leftover environments", zap.Int("count", removed))
	}
}

func buildHTTPServer(cfg ServerConfig, deps map[string]pinger) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		response.Success(c, gin.H{"status": "ok"})
	})
	router.GET("/readyz", readyHandler(deps))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func readyHandler(deps map[string]pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
		defer cancel()
		for name, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				response.Error(c, appErr.Wrapf(err, appErr.ServiceUnavailable, "%s is not ready", name).
					WithDetail("dependency", name))
				return
			}
		}
		response.Success(c, gin.H{"status": "ready"})
	}
}
