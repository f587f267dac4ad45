package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/ripple-publish/internal/config"
	"github.com/ifuryst/ripple-publish/internal/mq"
	"github.com/ifuryst/ripple-publish/internal/service"
	"github.com/ifuryst/ripple-publish/internal/service/adapter"
	"github.com/ifuryst/ripple-publish/internal/service/adapter/dryrun"
	"github.com/ifuryst/ripple-publish/internal/service/adapter/webhook"
)

type Server struct {
	Config *config.Config
	DB     *gorm.DB
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server

	// Services
	Adapters    *adapter.Registry
	Store       *service.TaskStore
	Quota       *service.QuotaService
	Accounts    *service.AccountPool
	Executor    *service.Executor
	Scheduler   *service.Scheduler
	Batches     *service.BatchController
	Limiter     *service.RateLimiter
	Maintenance *service.Maintenance
	Stats       *service.StatsUpdater
	Bus         *service.EventBus
	Metrics     *service.Metrics
	Registry    *prometheus.Registry

	amqp    *mq.Connection
	runCtx  context.Context
	cleanup []func()
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	// Set gin mode
	gin.SetMode(cfg.Server.Mode)

	// Initialize database
	db, err := service.NewDatabase(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	adapters, err := NewAdapterRegistry(&cfg.Adapters, logger)
	if err != nil {
		return nil, err
	}

	return New(cfg, db, adapters, logger), nil
}

// NewAdapterRegistry registers one adapter per configured platform.
func NewAdapterRegistry(cfg *config.AdaptersConfig, logger *zap.Logger) (*adapter.Registry, error) {
	registry := adapter.NewRegistry(logger)
	for _, d := range cfg.DryRun {
		delay, _ := time.ParseDuration(d.Delay)
		if err := registry.Register(dryrun.New(d.Platform, d.DisplayName, delay, logger)); err != nil {
			return nil, err
		}
	}
	for _, w := range cfg.Webhooks {
		timeout, _ := time.ParseDuration(w.Timeout)
		if err := registry.Register(webhook.New(webhook.Config{
			Platform:      w.Platform,
			DisplayName:   w.DisplayName,
			Endpoint:      w.Endpoint,
			Token:         w.Token,
			RatePerMinute: w.RatePerMinute,
			Timeout:       timeout,
		}, logger)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// New wires the engine around an open database and a populated adapter
// registry. Nothing is started until Start.
func New(cfg *config.Config, db *gorm.DB, adapters *adapter.Registry, logger *zap.Logger) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := service.NewMetrics(reg)

	bus := service.NewEventBus(cfg.Events.BufferSize, logger)
	store := service.NewTaskStore(db, logger)
	quota := service.NewQuotaService(db, logger, cfg.Quota.ReservationTTLDuration())
	executor := service.NewExecutor(db, store, quota, adapters, bus, logger, service.ExecutorOptions{
		QuotaFeature:   cfg.Quota.Feature,
		DefaultTimeout: cfg.Executor.DefaultTimeoutDuration(),
		RetryBaseDelay: cfg.Executor.RetryBaseDelayDuration(),
		RetryMaxDelay:  cfg.Executor.RetryMaxDelayDuration(),
		QuotaRecheck:   cfg.Quota.RecheckDelayDuration(),
	})
	limiter := service.NewRateLimiter(cfg.RateLimits, logger)

	s := &Server{
		Config:      cfg,
		DB:          db,
		Router:      gin.New(),
		Logger:      logger,
		Adapters:    adapters,
		Store:       store,
		Quota:       quota,
		Accounts:    service.NewAccountPool(db, logger),
		Executor:    executor,
		Scheduler:   service.NewScheduler(&cfg.Scheduler, logger, db, store, executor, metrics),
		Batches:     service.NewBatchController(db, store, executor, bus, logger, cfg.Executor.DefaultMaxRetries),
		Limiter:     limiter,
		Maintenance: service.NewMaintenance(cfg.Maintenance, executor, quota, limiter, logger),
		Stats:       service.NewStatsUpdater(store, metrics, logger, cfg.Maintenance.StatsIntervalDuration()),
		Bus:         bus,
		Metrics:     metrics,
		Registry:    reg,
		runCtx:      context.Background(),
	}

	s.cleanup = append(s.cleanup,
		bus.Subscribe("log", service.LogSink(logger)),
		bus.Subscribe("metrics", metrics.Observe),
	)

	// Setup middleware and routes
	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.Router.Use(gin.Recovery())

	// Logger middleware
	s.Router.Use(requestLogger(s.Logger))

	// CORS middleware
	s.Router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})
}

func (s *Server) setupRoutes() {
	// Health check
	s.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"time":      time.Now().Unix(),
			"scheduler": s.Scheduler.IsRunning(),
		})
	})
	s.Router.GET("/metrics", s.handleMetrics())

	api := s.Router.Group("/api/v1")
	{
		queue := api.Group("/queue")
		{
			queue.POST("/start", s.handleQueueStart)
			queue.POST("/stop", s.handleQueueStop)
			queue.GET("/status", s.handleQueueStatus)
			queue.POST("/cleanup", s.handleQueueCleanup)
		}

		tasks := api.Group("/tasks")
		{
			tasks.POST("", s.rateLimit("task_create"), s.handleCreateTask)
			tasks.GET("", s.handleListTasks)
			tasks.POST("/batch-delete", s.rateLimit("task_delete"), s.handleDeleteTasks)
			tasks.GET("/:id", s.handleGetTask)
			tasks.GET("/:id/logs", s.handleGetTaskLogs)
			tasks.POST("/:id/cancel", s.rateLimit("task_cancel"), s.handleCancelTask)
			tasks.POST("/:id/retry", s.rateLimit("task_retry"), s.handleRetryTask)
			tasks.POST("/:id/execute", s.rateLimit("task_execute"), s.handleExecuteTask)
			tasks.DELETE("/:id", s.rateLimit("task_delete"), s.handleDeleteTask)
		}

		batches := api.Group("/batches")
		{
			batches.POST("", s.rateLimit("batch_create"), s.handleCreateBatch)
			batches.GET("/:id", s.handleGetBatch)
			batches.POST("/:id/stop", s.handleStopBatch)
			batches.DELETE("/:id", s.handleDeleteBatch)
		}

		quota := api.Group("/quota/:tenant")
		{
			quota.GET("/reservations", s.handleListReservations)
			quota.GET("/:feature", s.handleGetQuota)
			quota.PUT("/:feature", s.handleSetQuota)
		}

		api.GET("/events/stream", s.handleEventStream)
	}
}

// ApplyConfig takes the parts of a reloaded config that can change at runtime.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.Limiter.SetRules(cfg.RateLimits)
}

func (s *Server) Start(ctx context.Context) error {
	s.runCtx = ctx

	if err := s.Adapters.Sync(ctx, s.DB); err != nil {
		return fmt.Errorf("failed to sync platforms: %w", err)
	}

	if s.Config.Events.AMQP.Enabled {
		if err := s.startEventForwarding(ctx); err != nil {
			return err
		}
	}

	// Start scheduler
	if s.Config.Scheduler.AutoStart == nil || *s.Config.Scheduler.AutoStart {
		if err := s.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	if s.Config.Maintenance.Enabled == nil || *s.Config.Maintenance.Enabled {
		if err := s.Maintenance.Start(ctx); err != nil {
			return fmt.Errorf("failed to start maintenance: %w", err)
		}
	}
	s.Stats.Start(ctx)

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)

	s.Server = &http.Server{
		Addr:    addr,
		Handler: s.Router,
	}

	s.Logger.Info("Starting HTTP server", zap.String("addr", addr))

	var err error
	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		err = s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	} else {
		err = s.Server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) startEventForwarding(ctx context.Context) error {
	amqpCfg := s.Config.Events.AMQP
	conn, err := mq.NewConnection(amqpCfg.URL, s.Logger)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	if err := mq.DeclareExchange(conn, amqpCfg.Exchange); err != nil {
		conn.Close()
		return err
	}
	s.amqp = conn

	publisher := mq.NewEventPublisher(conn, amqpCfg.Exchange, s.Logger)
	s.cleanup = append(s.cleanup, s.Bus.Subscribe("amqp", publisher.Handle))

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.ReconnectNotify():
				if err := mq.DeclareExchange(conn, amqpCfg.Exchange); err != nil {
					s.Logger.Error("Failed to redeclare exchange", zap.Error(err))
				}
			}
		}
	}()

	s.Logger.Info("Forwarding task events", zap.String("exchange", amqpCfg.Exchange))
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	// Stop scheduler first
	s.Scheduler.Stop()
	s.Maintenance.Stop()
	s.Stats.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var err error
	if s.Server != nil {
		err = s.Server.Shutdown(shutdownCtx)
	}

	if waitErr := s.Scheduler.Wait(shutdownCtx); waitErr != nil {
		s.Logger.Warn("Tasks still running at shutdown; stale cleanup will recover them",
			zap.Int("in_flight", len(s.Executor.InFlight())))
	}

	for _, fn := range s.cleanup {
		fn()
	}
	s.Bus.Close()
	if s.amqp != nil {
		if cerr := s.amqp.Close(); cerr != nil {
			s.Logger.Warn("Failed to close broker connection", zap.Error(cerr))
		}
	}
	return err
}
