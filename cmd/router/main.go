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
	"mmproc/internal/common/db"
	"mmproc/internal/common/http/middleware"
	"mmproc/internal/common/http/ops"
	"mmproc/internal/common/metrics"
	"mmproc/internal/common/mq"
	"mmproc/internal/fanout"
	"mmproc/internal/router/controller"
	"mmproc/internal/router/service"
	"mmproc/internal/router/validator"
	"mmproc/internal/routing"
	"mmproc/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	defaultConfigPath      = "configs/router.yaml"
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
		logger.Error(context.Background(), "router stopped", zap.Error(err))
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
	dbProvider := db.Fixed(mysqlDB)

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis failed: %w", err)
	}
	defer func() {
		_ = redisCache.Close()
	}()

	routes := routing.NewCachedStore(routing.NewMySQLStore(dbProvider), redisCache, appCfg.Routing.CacheTTL, appCfg.Routing.EmptyTTL)
	broker := fanout.NewBroker(redisCache.Client(), appCfg.Fanout)

	routerSvc, err := service.NewService(service.Config{
		Validator:      validator.New(appCfg.Ingress.Encoding),
		Routes:         routes,
		Publisher:      broker,
		LookupTimeout:  appCfg.Routing.LookupTimeout,
		PublishTimeout: appCfg.Routing.PublishTimeout,
	})
	if err != nil {
		return fmt.Errorf("init router service failed: %w", err)
	}

	mqClient, err := mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
	if err != nil {
		return fmt.Errorf("init kafka failed: %w", err)
	}
	defer func() {
		_ = mqClient.Close()
	}()

	err = mqClient.SubscribeBatch(ctx, appCfg.Ingress.Topic, routerSvc.HandleBatch, &mq.SubscribeOptions{
		ConsumerGroup: appCfg.Ingress.ConsumerGroup,
		BatchSize:     appCfg.Ingress.BatchSize,
		BatchWait:     appCfg.Ingress.BatchWait,
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

	opsRouter := ops.NewRouter(prometheus.DefaultGatherer,
		ops.Check{Name: "mysql", Ping: mysqlDB.Ping},
		ops.Check{Name: "redis", Ping: redisCache.Ping},
		ops.Check{Name: "kafka", Ping: mqClient.Ping},
	)
	controller.NewRoutesController(routes).Register(opsRouter.Group("/admin", middleware.AdminAuth(appCfg.Admin)))
	opsServer := ops.NewServer(appCfg.Server, opsRouter)
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "router started",
			zap.String("ops_addr", opsServer.Addr),
			zap.String("topic", appCfg.Ingress.Topic),
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
