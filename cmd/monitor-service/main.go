package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auction-monitor/internal/api/handlers"
	"auction-monitor/internal/api/middleware"
	"auction-monitor/internal/config"
	"auction-monitor/internal/domain"
	"auction-monitor/internal/infrastructure/auctionapi"
	"auction-monitor/internal/infrastructure/leader"
	"auction-monitor/internal/infrastructure/memory"
	"auction-monitor/internal/infrastructure/redis"
	"auction-monitor/internal/services"
	"auction-monitor/pkg/logger"

	redisClient "github.com/go-redis/redis/v8"
	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
)

const bidLockTTL = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New().Fatal("Failed to load config", "error", err)
	}

	log := logger.NewWithLevel(cfg.Log.Level).With("instance_id", cfg.Instance.ID)
	log.Info("Starting auction monitor service")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Storage: Redis when enabled, otherwise process memory.
	var (
		rdb     *redisClient.Client
		storage domain.Storage
	)
	if cfg.Redis.Enabled {
		rdb = redisClient.NewClient(&redisClient.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("Failed to connect to Redis", "error", err)
		}
		log.Info("Connected to Redis", "address", cfg.Redis.Address)
		storage = redis.NewRedisStore(rdb)
	} else {
		log.Warn("Redis disabled, monitored auctions will not survive a restart")
		storage = memory.NewStore()
	}

	biddingRuleDao := services.NewBiddingRuleDao(storage)
	if err := biddingRuleDao.LoadRules(ctx); err != nil {
		log.Warn("Using default increment rules", "error", err)
	}

	// External auction site
	client := auctionapi.NewClient(
		cfg.AuctionAPI.BaseURL,
		cfg.AuctionAPI.StreamURL,
		cfg.AuctionAPI.SessionCookie,
		cfg.AuctionAPI.BidderID,
		log.With("component", "auction_api"),
		auctionapi.WithTimeout(cfg.AuctionAPI.RequestTimeout),
	)
	breaker := services.NewCircuitBreaker(services.CircuitBreakerConfig{
		Name:             "auction_api",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
	}, log.With("component", "circuit_breaker"))
	api := services.NewProtectedAPI(client, breaker, cfg.AuctionAPI.RequestTimeout)

	// Core services
	registry := services.NewAuctionRegistry(storage, log.With("component", "registry"))
	scheduler := services.NewPollingScheduler(api, registry, services.PollingSchedulerConfig{
		RequestsPerSecond: cfg.Scheduler.RequestsPerSecond,
		Burst:             cfg.Scheduler.Burst,
		Jitter:            cfg.Scheduler.Jitter,
		NotFoundThreshold: cfg.Scheduler.NotFoundThreshold,
	}, log.With("component", "scheduler"))
	ingestor := services.NewRealtimeIngestor(client, registry, services.IngestorConfig{
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
		BackoffBase:          cfg.Stream.BackoffBase,
		BackoffMax:           cfg.Stream.BackoffMax,
		IdleTimeout:          cfg.Stream.IdleTimeout,
		BidderID:             cfg.AuctionAPI.BidderID,
	}, log.With("component", "ingestor"))
	broadcaster := services.NewEventBroadcaster(registry, log.With("component", "broadcaster"))
	engine := services.NewBiddingEngine(api, registry, biddingRuleDao, broadcaster, cfg.Instance.ID,
		log.With("component", "bidding_engine"))

	var (
		eventPublisher domain.EventPublisher
		leaderElection *leader.RedisLeaderElection
	)
	if rdb != nil {
		eventPublisher = redis.NewEventPublisher(rdb)
		engine.SetEventPublisher(eventPublisher)
		engine.SetBidLock(redis.NewRedisBidLock(rdb, bidLockTTL))
		if cfg.Leader.Enabled {
			leaderElection = leader.NewRedisLeaderElection(rdb, cfg.Leader.TTL, log.With("component", "leader"))
			engine.SetLeaderElection(leaderElection)
		}
	}

	auctionManager := services.NewAuctionManager(services.ManagerDeps{
		Registry:    registry,
		Scheduler:   scheduler,
		Ingestor:    ingestor,
		Engine:      engine,
		Broadcaster: broadcaster,
		API:         api,
		Breaker:     breaker,
		Storage:     storage,
		Publisher:   eventPublisher,
		Session:     client,
		Streaming:   cfg.Stream.Enabled,
		InstanceID:  cfg.Instance.ID,
	}, log.With("component", "auction_manager"))

	maintenance := services.NewMaintenanceScheduler(cfg.Monitor.MaintenanceSchedule, cfg.Monitor.EndedGracePeriod,
		registry, auctionManager, log.With("component", "maintenance"))

	// Start background services
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	registry.Start(bgCtx)
	scheduler.Start(bgCtx)

	restoreCtx, restoreCancel := context.WithTimeout(bgCtx, 30*time.Second)
	if _, err := auctionManager.Restore(restoreCtx); err != nil {
		log.Error("Failed to restore monitored auctions", "error", err)
	}
	restoreCancel()

	if err := maintenance.Start(bgCtx); err != nil {
		log.Fatal("Failed to start maintenance scheduler", "error", err)
	}

	if leaderElection != nil {
		go leaderElection.Campaign(bgCtx, cfg.Instance.ID, cfg.Leader.TTL/3)
	}

	if rdb != nil {
		eventListener := services.NewEventListener(nil, broadcaster, cfg.Instance.ID, log.With("component", "event_listener"))
		go func() {
			if err := eventListener.Start(bgCtx, redis.NewRedisEventSubscriber(rdb, log)); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Event listener stopped", "error", err)
			}
		}()
	}

	verifier := middleware.NewStaticTokenVerifier(cfg.Auth.Tokens)
	if len(cfg.Auth.Tokens) == 0 {
		log.Warn("No auth tokens configured, clients are accepted anonymously")
	}

	// Management API
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echoMiddleware.RequestID())
	e.Use(echoMiddleware.LoggerWithConfig(echoMiddleware.LoggerConfig{
		Format: `{"time":"${time_rfc3339}","id":"${id}","remote_ip":"${remote_ip}","method":"${method}","uri":"${uri}","status":${status},"error":"${error}","latency_human":"${latency_human}"}` + "\n",
	}))
	e.Use(echoMiddleware.Recover())
	e.Use(middleware.CORS(cfg.WebSocket.AllowedOrigins))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"service":   "auction-monitor",
			"timestamp": time.Now().Format(time.RFC3339),
			"auctions":  registry.Len(),
			"breaker":   breaker.State().String(),
		})
	})

	auctionHandler := handlers.NewAuctionHandler(auctionManager, log.With("component", "rest"))
	apiGroup := e.Group("/api/v1", middleware.KeyAuth(verifier))
	auctionHandler.Register(apiGroup)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		log.Info("Starting management server", "address", serverAddr)
		if err := e.Start(serverAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Management server failed", "error", err)
		}
	}()

	// Client channel
	wsHandlers := handlers.NewWebSocketHandlers(auctionManager, broadcaster, verifier,
		cfg.WebSocket.AllowedOrigins, cfg.WebSocket.SendBuffer, log.With("component", "websocket"))
	router := wsHandlers.Router()
	router.Use(middleware.CORSWithLogging(cfg.WebSocket.AllowedOrigins, log))

	wsServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.WebSocket.Port),
		Handler: router,
	}
	go func() {
		log.Info("Starting client channel", "address", wsServer.Addr)
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Client channel failed", "error", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down auction monitor service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("Management server forced to shutdown", "error", err)
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Client channel forced to shutdown", "error", err)
	}

	maintenance.Stop()
	scheduler.Stop()
	ingestor.Stop()
	engine.Stop()
	auctionManager.Wait()
	bgCancel()
	registry.Stop()

	if leaderElection != nil {
		if err := leaderElection.ReleaseLeadership(shutdownCtx, cfg.Instance.ID); err != nil {
			log.Error("Failed to release leadership", "error", err)
		}
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Error("Failed to close Redis connection", "error", err)
		}
	}

	log.Info("Auction monitor service stopped")
}
