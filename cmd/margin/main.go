// MarginService 主程序
// 功能：杠杆交易核心，负责下单校验、市价成交、持仓与资金账本、条件单触发以及止盈止损和强平
// 架构：基于 DDD + Gin + gRPC 健康检查 + Kafka + Redis
package main

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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	feeapp "github.com/wyfcoding/margintrading/internal/feemanagement/application"
	feedomain "github.com/wyfcoding/margintrading/internal/feemanagement/domain"
	feememory "github.com/wyfcoding/margintrading/internal/feemanagement/infrastructure/persistence/memory"
	feemysql "github.com/wyfcoding/margintrading/internal/feemanagement/infrastructure/persistence/mysql"
	feehttp "github.com/wyfcoding/margintrading/internal/feemanagement/interfaces/http"
	"github.com/wyfcoding/margintrading/internal/margin/application"
	"github.com/wyfcoding/margintrading/internal/margin/domain"
	"github.com/wyfcoding/margintrading/internal/margin/infrastructure/client"
	"github.com/wyfcoding/margintrading/internal/margin/infrastructure/messaging"
	"github.com/wyfcoding/margintrading/internal/margin/infrastructure/persistence/memory"
	marginmysql "github.com/wyfcoding/margintrading/internal/margin/infrastructure/persistence/mysql"
	grpchealth "github.com/wyfcoding/margintrading/internal/margin/interfaces/grpc"
	httphandler "github.com/wyfcoding/margintrading/internal/margin/interfaces/http"
	"github.com/wyfcoding/margintrading/pkg/cache"
	"github.com/wyfcoding/margintrading/pkg/config"
	"github.com/wyfcoding/margintrading/pkg/db"
	"github.com/wyfcoding/margintrading/pkg/logger"
	"github.com/wyfcoding/margintrading/pkg/metrics"
	"github.com/wyfcoding/margintrading/pkg/middleware"
	"github.com/wyfcoding/margintrading/pkg/mq"
	"github.com/wyfcoding/margintrading/pkg/ratelimit"
	"github.com/wyfcoding/margintrading/pkg/utils"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

func main() {
	// 1. 加载配置
	configPath := config.GetEnv("MARGIN_CONFIG", "configs/margin/config.toml")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	if err := logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Output:     cfg.Logger.Output,
		FilePath:   cfg.Logger.FilePath,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
		Compress:   cfg.Logger.Compress,
		WithCaller: cfg.Logger.WithCaller,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "Starting MarginService",
		"service", cfg.ServiceName,
		"version", cfg.Version,
		"environment", cfg.Environment,
	)

	// 3. 初始化存储
	ledgerStore, feeRepo, closeDB := openStores(ctx, cfg)
	defer closeDB()

	// 4. 初始化 Redis（限流与 Redis 价格源使用）
	var redisCache *cache.RedisCache
	if cfg.RateLimit.Enabled || cfg.Trading.PriceSource == "redis" || cfg.Trading.PriceSource == "kafka" {
		redisCache, err = cache.New(cache.Config{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			MaxPoolSize:  cfg.Redis.MaxPoolSize,
			ConnTimeout:  cfg.Redis.ConnTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			if cfg.Trading.PriceSource == "redis" {
				logger.Fatal(ctx, "Failed to initialize Redis", "error", err)
			}
			logger.Warn(ctx, "Redis unavailable, rate limiting and price mirroring disabled", "error", err)
			redisCache = nil
		} else {
			defer redisCache.Close()
		}
	}

	kafkaCfg := mq.KafkaConfig{
		Brokers:        cfg.Kafka.Brokers,
		GroupID:        cfg.Kafka.GroupID,
		SessionTimeout: cfg.Kafka.SessionTimeout,
		MaxRetries:     cfg.Kafka.MaxRetries,
		RetryBackoff:   cfg.Kafka.RetryBackoff,
	}

	// 5. 标记价格来源
	var (
		oracle    domain.PriceOracle
		priceFeed *client.KafkaPriceFeed
	)
	switch cfg.Trading.PriceSource {
	case "redis":
		oracle = client.NewRedisPriceOracle(redisCache, cfg.Trading.PriceTTL)
	case "kafka":
		consumer := mq.NewConsumer(kafkaCfg, cfg.Kafka.PriceTopic)
		defer consumer.Close()
		priceFeed = client.NewKafkaPriceFeed(consumer, redisCache, cfg.Trading.PriceTTL)
		oracle = priceFeed
	case "static":
		oracle = client.NewStaticPriceOracle(cfg.Trading.StaticPrices)
	default:
		logger.Fatal(ctx, "Unsupported price source", "price_source", cfg.Trading.PriceSource)
	}

	// 6. 领域事件
	var publisher domain.EventPublisher = messaging.LogEventPublisher{}
	if cfg.Kafka.Enabled {
		producer := mq.NewProducer(kafkaCfg)
		defer producer.Close()
		publisher = messaging.NewKafkaEventPublisher(producer, cfg.Kafka.EventTopic)
	}

	// 7. 指标
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(cfg.ServiceName)
	if err := m.Register(registry); err != nil {
		logger.Fatal(ctx, "Failed to register metrics", "error", err)
	}

	// 8. 应用服务
	ids := utils.NewSnowflakeID(1)
	feeService := feeapp.NewFeeService(feeRepo, ids, cfg.Trading.FeeCacheTTL, logger.Get())
	marginService := application.NewMarginService(application.Dependencies{
		Store:          ledgerStore,
		Oracle:         oracle,
		Fees:           feeService,
		Publisher:      publisher,
		Metrics:        m,
		Logger:         logger.Get(),
		IDs:            ids,
		Rules:          application.TradingRulesFromConfig(cfg.Trading),
		FallbackFees:   application.FallbackFeesFromConfig(cfg.Trading),
		InitialBalance: decimal.NewFromFloat(cfg.Trading.InitialBalance),
		RiskInterval:   cfg.Trading.RiskInterval,
	})
	warmupDone := logger.LogDuration(ctx, "Ledger warmup")
	if err := marginService.Warmup(ctx); err != nil {
		logger.Fatal(ctx, "Failed to warm up ledger", "error", err)
	}
	warmupDone()

	healthReporter := grpchealth.NewHealthReporter(cfg.ServiceName)
	marginService.RiskLoop().OnCycle(healthReporter.MarkReady)

	// 9. HTTP / gRPC 服务
	var limiter ratelimit.OrderLimiter
	if redisCache != nil {
		limiter = ratelimit.NewRedisOrderLimiter(redisCache.Client(), ratelimit.PerSecond(cfg.RateLimit.QPS, cfg.RateLimit.Burst))
	}
	httpServer := createHTTPServer(cfg, marginService, feeService, healthReporter, limiter, m)
	grpcServer := createGRPCServer(cfg, healthReporter)

	// 10. 启动
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return marginService.RiskLoop().Start(gctx)
	})

	if priceFeed != nil {
		g.Go(func() error {
			return priceFeed.Run(gctx)
		})
	}

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.Serve(gctx, metrics.NewHTTPServer(cfg.Metrics.Port, cfg.Metrics.Path, registry))
		})
	}

	g.Go(func() error {
		logger.Info(gctx, "Starting HTTP server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		addr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on gRPC address: %w", err)
		}
		logger.Info(gctx, "Starting gRPC server", "addr", addr)
		return grpcServer.Serve(lis)
	})

	// 11. 优雅关停
	g.Go(func() error {
		<-gctx.Done()
		logger.Info(context.Background(), "Shutting down MarginService")
		healthReporter.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error(shutdownCtx, "HTTP server shutdown error", "error", err)
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error(context.Background(), "MarginService exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info(context.Background(), "MarginService stopped")
}

// openStores 按驱动创建账本与费率存储，返回关闭函数
func openStores(ctx context.Context, cfg *config.Config) (domain.LedgerStore, feedomain.FeeRepository, func()) {
	if cfg.Database.Driver == "memory" {
		logger.Warn(ctx, "Using in-memory storage, state is lost on restart")
		return memory.NewLedgerStore(), feememory.NewFeeRepository(), func() {}
	}

	var database *db.DB
	err := utils.RetryWithBackoff(ctx, 5, 500*time.Millisecond, 5*time.Second, func() error {
		var err error
		database, err = db.Init(db.Config{
			Driver:             cfg.Database.Driver,
			DSN:                cfg.Database.DSN,
			MaxOpenConns:       cfg.Database.MaxOpenConns,
			MaxIdleConns:       cfg.Database.MaxIdleConns,
			ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
			LogEnabled:         cfg.Database.LogEnabled,
			SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
		})
		if err != nil {
			logger.Warn(ctx, "Database not ready, retrying", "error", err)
		}
		return err
	})
	if err != nil {
		logger.Fatal(ctx, "Failed to initialize database", "error", err)
	}

	if cfg.Database.AutoMigrate {
		if err := marginmysql.AutoMigrate(ctx, database); err != nil {
			logger.Fatal(ctx, "Failed to migrate ledger tables", "error", err)
		}
		if err := feemysql.AutoMigrate(ctx, database); err != nil {
			logger.Fatal(ctx, "Failed to migrate fee tables", "error", err)
		}
	}

	closeFn := func() {
		if err := database.Close(); err != nil {
			logger.Error(context.Background(), "Failed to close database", "error", err)
		}
	}
	return marginmysql.NewLedgerStore(database), feemysql.NewFeeRepository(database), closeFn
}

// createHTTPServer 创建 HTTP 服务器
func createHTTPServer(
	cfg *config.Config,
	marginService *application.MarginService,
	feeService *feeapp.FeeService,
	health *grpchealth.HealthReporter,
	limiter ratelimit.OrderLimiter,
	m *metrics.Metrics,
) *http.Server {
	if cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(middleware.GinLoggingMiddleware())
	router.Use(middleware.GinRecoveryMiddleware())
	router.Use(middleware.GinMetricsMiddleware(m))

	api := router.Group("/api/v1")
	var orderLimits []gin.HandlerFunc
	if limiter != nil {
		orderLimits = append(orderLimits, middleware.RateLimitMiddleware(limiter, cfg.RateLimit))
	}
	httphandler.NewMarginHandler(marginService).RegisterRoutes(api, orderLimits...)
	feehttp.NewFeeHandler(feeService).RegisterRoutes(api)

	// 健康检查，风控循环完成第一轮之前返回 503
	router.GET("/health", func(c *gin.Context) {
		status, err := health.Check(c.Request.Context())
		code := http.StatusOK
		if err != nil || !health.Ready() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status.String(),
			"service":   cfg.ServiceName,
			"timestamp": time.Now().Unix(),
		})
	})

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
		ErrorLog:     slog.NewLogLogger(logger.Module("http").Handler(), slog.LevelError),
	}
}

// createGRPCServer 创建 gRPC 服务器，目前只暴露健康检查与反射
func createGRPCServer(cfg *config.Config, health *grpchealth.HealthReporter) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			middleware.GRPCLoggingInterceptor(),
			middleware.GRPCRecoveryInterceptor(),
		),
		grpc.MaxConcurrentStreams(uint32(cfg.GRPC.MaxConcurrentStreams)),
	}
	server := grpc.NewServer(opts...)
	health.Register(server)
	reflection.Register(server)
	return server
}
