package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"provflow/internal/adapters"
	"provflow/internal/adapters/local"
	"provflow/internal/api/handler"
	"provflow/internal/config"
	"provflow/internal/core/postgres/repository"
	infraredis "provflow/internal/infrastructure/redis"
	"provflow/internal/metrics"
	"provflow/internal/observer"
	"provflow/internal/registry"
	"provflow/internal/saga"
	"provflow/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"provflow/internal/domain"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// runCtx outlives the HTTP server so in-flight sagas can drain.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	db, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := db.AutoMigrate(&domain.WorkflowInstance{}, &domain.StepExecution{}); err != nil {
		logger.Fatal("failed to migrate schema", zap.Error(err))
	}

	redisClient, err := infraredis.NewClient(rootCtx, cfg.RedisAddr)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}

	workflowRepo := repository.NewWorkflowRepository(db)
	stepRepo := repository.NewStepRepository(db)
	idemStore := infraredis.NewIdempotencyStore(redisClient)
	eventBus := infraredis.NewEventBus(redisClient)

	lockOpts := []infraredis.LockOption{infraredis.WithLockTTL(cfg.LockTTL)}
	if cfg.QueueOnConflict {
		lockOpts = append(lockOpts, infraredis.WithQueuedAdmission(cfg.LockMaxWait, cfg.LockPollInterval))
	}
	locks := infraredis.NewSubscriberLock(redisClient, lockOpts...)

	reg, err := registry.New(registry.DefaultDefinitions()...)
	if err != nil {
		logger.Fatal("invalid workflow definitions", zap.Error(err))
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	aaa := local.NewAAADirectory()
	inventory := local.NewAddressInventory()
	cpe := local.NewCPEManager()
	adapterSet := adapters.NewSet(
		adapters.NewCredentialCreateAdapter(aaa, logger),
		adapters.NewCredentialLookupAdapter(aaa),
		adapters.NewCredentialSuspendAdapter(aaa, logger),
		adapters.NewCredentialDeleteAdapter(aaa),
		adapters.NewAddressAllocateAdapter(inventory, logger),
		adapters.NewAddressReleaseAdapter(inventory),
		adapters.NewConfigPushAdapter(cpe, logger),
		adapters.NewConfigResetAdapter(cpe),
	)

	executor := saga.NewExecutor(reg, workflowRepo, stepRepo, idemStore, locks, eventBus, adapterSet, logger, m,
		saga.WithIdempotencyGrace(cfg.IdempotencyGrace))

	svc := service.NewLifecycleService(runCtx, reg, workflowRepo, stepRepo, locks, eventBus, executor, logger, m)

	obs := observer.New(eventBus, logger)
	go func() {
		if err := obs.Start(runCtx); err != nil {
			logger.Error("observer stopped", zap.Error(err))
		}
	}()

	resumed, err := svc.ResumeInFlight(rootCtx)
	if err != nil {
		logger.Fatal("failed to resume in-flight workflows", zap.Error(err))
	}
	if resumed > 0 {
		logger.Info("resumed in-flight workflows", zap.Int("count", resumed))
	}

	workflowHandler := handler.NewWorkflowHandler(svc, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	workflowHandler.Register(router.Group("/api/v1"))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		logger.Info("server starting", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down")

	// New admissions stop first; in-flight sagas then get the rest of the
	// shutdown budget to reach a step boundary.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	drained := make(chan struct{})
	go func() {
		svc.Drain()
		close(drained)
	}()
	select {
	case <-drained:
		logger.Info("all workflows drained")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown budget exhausted with workflows in flight, they will resume on restart")
	}
	cancelRun()
}
