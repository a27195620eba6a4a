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

	"mmproc/internal/common/http/ops"
	"mmproc/internal/common/metrics"
	"mmproc/internal/common/mq"
	"mmproc/internal/completion/notify"
	"mmproc/internal/jobs/kube"
	"mmproc/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	defaultConfigPath      = "configs/job_watcher.yaml"
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
		logger.Error(context.Background(), "job watcher stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()
	metrics.Register(prometheus.DefaultRegisterer)
	gin.SetMode(gin.ReleaseMode)

	mqClient, err := mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
	if err != nil {
		return fmt.Errorf("init kafka failed: %w", err)
	}
	defer func() {
		_ = mqClient.Close()
	}()

	clientset, err := kube.NewClientset(appCfg.Kube)
	if err != nil {
		return err
	}
	publisher := notify.NewPublisher(mqClient, appCfg.Kafka.Topic)
	watcher := kube.NewWatcher(clientset, appCfg.Watch.Namespace, publisher, appCfg.Watch.Resync)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watchDone := make(chan error, 1)
	go func() {
		watchDone <- watcher.Run(runCtx)
	}()

	opsServer := ops.NewServer(appCfg.Server, ops.NewRouter(prometheus.DefaultGatherer,
		ops.Check{Name: "kafka", Ping: mqClient.Ping},
	))
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "job watcher ops server started", zap.String("ops_addr", opsServer.Addr))
		errCh <- opsServer.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "ops server stopped", zap.Error(err))
		}
		stop()
		runErr = <-watchDone
	case runErr = <-watchDone:
		stop()
	}

	timeoutCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := opsServer.Shutdown(timeoutCtx); err != nil {
		logger.Error(ctx, "ops server shutdown failed", zap.Error(err))
	}
	return runErr
}
