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
	"mmproc/internal/common/db"
	"mmproc/internal/common/http/ops"
	"mmproc/internal/common/metrics"
	"mmproc/internal/common/mq"
	"mmproc/internal/completion/service"
	"mmproc/internal/fanout"
	"mmproc/internal/routing"
	"mmproc/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	defaultConfigPath      = "configs/completion_handler.yaml"
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
		logger.Error(context.Background(), "completion handler stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()
	metrics.Register(prometheus.DefaultRegisterer)
	gin.SetMode(gin.ReleaseMode)

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		return fmt.Errorf("init database failed: %w", err)
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis failed: %w", err)
	}
	defer func() {
		_ = redisCache.Close()
	}()

	routes := routing.NewCachedStore(routing.NewMySQLStore(db.Fixed(mysqlDB)), redisCache, appCfg.Routing.CacheTTL, appCfg.Routing.EmptyTTL)
	broker := fanout.NewBroker(redisCache.Client(), appCfg.Fanout)

	var reporter service.Reporter
	if appCfg.Status.APIURL != "" {
		tokens, err := credential.NewCacheFromConfig(appCfg.Status.Credential, redisCache)
		if err != nil {
			return fmt.Errorf("init credential failed: %w", err)
		}
		httpReporter, err := service.NewHTTPReporter(appCfg.Status.APIURL, tokens, appCfg.Status.Timeout)
		if err != nil {
			return fmt.Errorf("init status reporter failed: %w", err)
		}
		reporter = httpReporter
	}

	correlator, err := service.NewService(service.Config{
		Routes:         routes,
		Sender:         broker,
		Reporter:       reporter,
		MaxRetries:     appCfg.Correlator.MaxRetries,
		DedupeTTL:      appCfg.Correlator.DedupeTTL,
		DedupeCapacity: appCfg.Correlator.DedupeCapacity,
		CallTimeout:    appCfg.Correlator.CallTimeout,
	})
	if err != nil {
		return fmt.Errorf("init correlator failed: %w", err)
	}
	correlator.Start()
	defer correlator.Stop()

	mqClient, err := mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
	if err != nil {
		return fmt.Errorf("init kafka failed: %w", err)
	}
	defer func() {
		_ = mqClient.Close()
	}()

	err = mqClient.SubscribeBatch(ctx, appCfg.Kafka.Topic, correlator.HandleBatch, &mq.SubscribeOptions{
		ConsumerGroup: appCfg.Kafka.ConsumerGroup,
		BatchSize:     appCfg.Kafka.BatchSize,
		BatchWait:     appCfg.Kafka.BatchWait,
	})
	if err != nil {
		return fmt.Errorf("subscribe kafka failed: %w", err)
	}
	if err := mqClient.Start(); err != nil {
		return fmt.Errorf("start kafka consumer failed: %w", err)
	}
	defer func() {
		_ = mqClient.Stop()
	}()

	opsServer := ops.NewServer(appCfg.Server, ops.NewRouter(prometheus.DefaultGatherer,
		ops.Check{Name: "mysql", Ping: mysqlDB.Ping},
		ops.Check{Name: "redis", Ping: redisCache.Ping},
		ops.Check{Name: "kafka", Ping: mqClient.Ping},
	))
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "completion handler started",
			zap.String("topic", appCfg.Kafka.Topic),
			zap.String("ops_addr", opsServer.Addr),
			zap.Bool("status_reporting", reporter != nil),
		)
		errCh <- opsServer.ListenAndServe()
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "ops server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := opsServer.Shutdown(timeoutCtx); err != nil {
		logger.Error(ctx, "ops server shutdown failed", zap.Error(err))
	}
	return nil
}
