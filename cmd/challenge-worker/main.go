package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mmproc/internal/common/cache"
	"mmproc/internal/common/credential"
	"mmproc/internal/common/http/middleware"
	"mmproc/internal/common/http/ops"
	"mmproc/internal/common/metrics"
	"mmproc/internal/common/storage"
	"mmproc/internal/fanout"
	"mmproc/internal/jobs/kube"
	"mmproc/internal/worker/config"
	"mmproc/internal/worker/controller"
	"mmproc/internal/worker/service"
	"mmproc/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	defaultConfigPath      = "configs/challenge_worker.yaml"
	defaultShutdownTimeout = 10 * time.Second
)

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
		logger.Error(context.Background(), "challenge worker stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := logger.WithCorrelation(context.Background(), "", appCfg.Worker.ChallengeID)
	metrics.Register(prometheus.DefaultRegisterer)
	gin.SetMode(gin.ReleaseMode)

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis failed: %w", err)
	}
	defer func() {
		_ = redisCache.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		return fmt.Errorf("init minio failed: %w", err)
	}

	tokens, err := credential.NewCacheFromConfig(appCfg.Credential, redisCache)
	if err != nil {
		return fmt.Errorf("init credential failed: %w", err)
	}

	clientset, err := kube.NewClientset(appCfg.Kube)
	if err != nil {
		return err
	}
	launcher, err := kube.NewLauncher(clientset, appCfg.Launcher)
	if err != nil {
		return fmt.Errorf("init launcher failed: %w", err)
	}

	workerSvc, err := service.NewService(service.Config{
		ChallengeID: appCfg.Worker.ChallengeID,
		MaxRetries:  appCfg.Worker.MaxRetries,
		Configs:     config.NewLoader(objStorage, appCfg.Config.Bucket, appCfg.Worker.ChallengeID, appCfg.Config.LoadTimeout),
		Tokens:      tokens,
		Launcher:    launcher,
	})
	if err != nil {
		return fmt.Errorf("init worker service failed: %w", err)
	}

	broker := fanout.NewBroker(redisCache.Client(), appCfg.Fanout)
	policy := fanout.FilterPolicy{fanout.AttrChallengeID: {appCfg.Worker.ChallengeID}}
	if err := broker.Subscribe(ctx, appCfg.Worker.Queue, policy); err != nil {
		return fmt.Errorf("subscribe queue %s failed: %w", appCfg.Worker.Queue, err)
	}
	queue := broker.Queue(appCfg.Worker.Queue, appCfg.Worker.Consumer)

	workerSvc.Warm(ctx)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runDone := make(chan error, 1)
	go func() {
		runDone <- workerSvc.Run(runCtx, queue, appCfg.Worker.BatchSize)
	}()

	opsRouter := ops.NewRouter(prometheus.DefaultGatherer,
		ops.Check{Name: "redis", Ping: redisCache.Ping},
		ops.Check{Name: "minio", Ping: objStorage.BucketProbe(appCfg.Config.Bucket)},
	)
	controller.NewQueueController(queue).Register(opsRouter.Group("/admin", middleware.AdminAuth(appCfg.Admin)))
	opsServer := ops.NewServer(appCfg.Server, opsRouter)
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "challenge worker started",
			zap.String("queue", appCfg.Worker.Queue),
			zap.String("consumer", appCfg.Worker.Consumer),
			zap.String("ops_addr", opsServer.Addr),
		)
		errCh <- opsServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "ops server stopped", zap.Error(err))
		}
		stop()
	case <-runCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	if err := <-runDone; err != nil {
		logger.Error(ctx, "worker loop stopped", zap.Error(err))
	}
	timeoutCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := opsServer.Shutdown(timeoutCtx); err != nil {
		logger.Error(ctx, "ops server shutdown failed", zap.Error(err))
	}
	return nil
}
