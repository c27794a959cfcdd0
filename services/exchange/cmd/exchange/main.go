package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/maengseojun/HLH-hack-sub008/libs/health"
	"github.com/maengseojun/HLH-hack-sub008/libs/httpmiddleware"
	"github.com/maengseojun/HLH-hack-sub008/libs/kafka"
	"github.com/maengseojun/HLH-hack-sub008/libs/logging"
	libmetrics "github.com/maengseojun/HLH-hack-sub008/libs/metrics"
	"github.com/maengseojun/HLH-hack-sub008/libs/trace"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/amm"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/book"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/breaker"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/config"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/curve"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/handlers"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/router"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/service"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/settlement"
	"github.com/maengseojun/HLH-hack-sub008/services/exchange/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"log/slog"
)

const tvlSampleInterval = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	libmetrics.Register(registry)

	exchangeMetrics := service.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		logger.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	pingCancel()

	tvlStore := breaker.NewRedisStore(redisClient, "exchange:tvl", cfg.Breaker.Window)
	guard := breaker.New(tvlStore, breaker.Config{
		DrawdownThreshold: decimal.NewFromFloat(cfg.Breaker.DrawdownThreshold),
		Window:            cfg.Breaker.Window,
		Cooldown:          cfg.Breaker.Cooldown,
	}, logger)

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	consumerGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
	if err != nil {
		logger.Error("kafka consumer init failed", "error", err)
		os.Exit(1)
	}
	defer consumerGroup.Close()
	consumerGroup.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter, 3)

	store := storage.New(pool)
	settlementStore := storage.NewSettlementStore(pool)

	ammVenue := amm.New(bpsToRate(cfg.Router.AmmFeeBps), logger)
	bookVenue := book.New(bpsToRate(cfg.Router.MakerFeeBps), bpsToRate(cfg.Router.TakerFeeBps), logger)

	curveEngine := curve.NewEngine(ammVenue, store, guard, logger)
	if err := restoreCurveStates(context.Background(), store, curveEngine, ammVenue, logger); err != nil {
		logger.Error("curve state restore failed", "error", err)
		os.Exit(1)
	}

	orderRouter := router.New(ammVenue, bookVenue, guard, router.Config{
		MaxRetries:   cfg.Router.MaxRetries,
		RetryBackoff: cfg.Router.RetryBackoff,
		VenueTimeout: cfg.Router.VenueTimeout,
	}, logger)

	chainClient := settlement.NewChainPublisher(producer, cfg.Kafka.Topics.SettlementsSubmit, logger)
	settleQueue := settlement.NewQueue(settlementStore, chainClient, producer, cfg.Kafka.Topics.SettlementsUpdated, settlement.Config{
		PollInterval:     cfg.Settlement.PollInterval,
		ConfirmTimeout:   cfg.Settlement.ConfirmTimeout,
		MaxSubmitRetries: cfg.Settlement.MaxSubmitRetries,
		BatchSize:        cfg.Settlement.BatchSize,
	}, logger).WithOrderFlags(store)
	receiptConsumer := settlement.NewReceiptConsumer(settleQueue, logger)

	exchangeSvc := service.NewExchangeService(
		orderRouter,
		curveEngine,
		ammVenue,
		bookVenue,
		store,
		settleQueue,
		producer,
		service.Topics{
			FillsExecuted:      cfg.Kafka.Topics.FillsExecuted,
			CurveTrades:        cfg.Kafka.Topics.CurveTrades,
			TokensGraduated:    cfg.Kafka.Topics.TokensGraduated,
			SettlementsUpdated: cfg.Kafka.Topics.SettlementsUpdated,
		},
		exchangeMetrics,
		logger,
	)

	handler := handlers.New(exchangeSvc, logger)
	ginRouter := gin.New()
	ginRouter.Use(httpmiddleware.RequestID())
	ginRouter.Use(httpmiddleware.Logger(logger))
	ginRouter.Use(httpmiddleware.Recovery(logger))
	ginRouter.Use(trace.Middleware(cfg.App.ServiceName))

	ginRouter.GET("/healthz", health.LivenessHandler)
	ginRouter.GET("/readyz", health.ReadinessHandler(ready))
	ginRouter.GET(cfg.App.MetricsPath, gin.WrapH(libmetrics.Handler(registry)))

	handler.Register(ginRouter)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port),
		Handler:      ginRouter,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	ready.SetReady(true)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go func() {
		logger.Info("exchange http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		logger.Info("settlement queue starting", "poll_interval", cfg.Settlement.PollInterval)
		if err := settleQueue.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("settlement queue error", "error", err)
		}
	}()

	go func() {
		logger.Info("receipt consumer starting", "topic", cfg.Kafka.Topics.ChainReceipts)
		if err := consumerGroup.Consume(workerCtx, []string{cfg.Kafka.Topics.ChainReceipts}, receiptConsumer); err != nil && workerCtx.Err() == nil {
			logger.Error("receipt consumer error", "error", err)
		}
	}()

	go sampleTVL(workerCtx, store, guard, exchangeMetrics, logger)

	waitForShutdown(httpServer, ready, workerCancel, logger)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func restoreCurveStates(ctx context.Context, store *storage.Store, engine *curve.Engine, ammVenue *amm.AMM, logger *slog.Logger) error {
	states, err := store.ListCurveStates(ctx)
	if err != nil {
		return fmt.Errorf("list curve states: %w", err)
	}
	params := curve.DefaultParams()
	for _, st := range states {
		if err := engine.Restore(curve.State{
			Token:       st.Token,
			Params:      params,
			SupplySold:  st.SupplySold,
			TotalRaised: st.TotalRaised,
			Status:      st.Status,
		}); err != nil {
			return fmt.Errorf("restore %s: %w", st.Token, err)
		}
		if st.Status == curve.StatusGraduated {
			// Pool reserves are not persisted; reseed from the curve's
			// reserve supply and raised funds at graduation.
			if _, err := ammVenue.CreatePool(ctx, st.Token, params.ReserveSupply, st.TotalRaised); err != nil {
				return fmt.Errorf("reseed pool %s: %w", st.Token, err)
			}
		}
	}
	if len(states) > 0 {
		logger.Info("curve states restored", "tokens", len(states))
	}
	return nil
}

// sampleTVL feeds the breaker's drawdown window from persisted curve
// reserves. Sampling failures are logged and skipped so a transient DB
// error cannot halt trading by itself.
func sampleTVL(ctx context.Context, store *storage.Store, guard *breaker.Breaker, metrics *service.Metrics, logger *slog.Logger) {
	ticker := time.NewTicker(tvlSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tvl, err := store.TotalValueLocked(ctx)
			if err != nil {
				logger.Warn("tvl sample failed", "error", err)
				continue
			}
			if err := guard.RecordTVL(ctx, tvl); err != nil {
				logger.Warn("tvl record failed", "error", err)
			}
			if guard.State().Tripped {
				metrics.BreakerTripped.Set(1)
			} else {
				metrics.BreakerTripped.Set(0)
			}
		}
	}
}

func bpsToRate(bps int) decimal.Decimal {
	return decimal.New(int64(bps), -4)
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
