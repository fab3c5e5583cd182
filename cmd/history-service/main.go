package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auction-monitor/internal/config"
	"auction-monitor/internal/infrastructure/mysql"
	"auction-monitor/internal/infrastructure/redis"
	"auction-monitor/internal/services"
	"auction-monitor/pkg/logger"
	"auction-monitor/pkg/utils"

	redisClient "github.com/go-redis/redis/v8"
)

// history-service archives the bid outcomes published by monitor instances.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New().Fatal("Failed to load config", "error", err)
	}

	log := logger.NewWithLevel(cfg.Log.Level).With("service", "history")
	log.Info("Starting bid history service")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rdb := redisClient.NewClient(&redisClient.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", "error", err)
	}
	log.Info("Connected to Redis", "address", cfg.Redis.Address)

	db, err := utils.InitializeMysql(ctx, cfg.MySQL, log)
	if err != nil {
		os.Exit(1)
	}
	defer db.Close()
	log.Info("Connected to MySQL")

	bidRepo := mysql.NewMySQLBidRepository(db)
	if err := bidRepo.EnsureSchema(ctx); err != nil {
		log.Fatal("Failed to prepare bid_events table", "error", err)
	}

	eventListener := services.NewEventListener(bidRepo, nil, cfg.Instance.ID, log)
	subscriber := redis.NewRedisEventSubscriber(rdb, log)

	listenCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := eventListener.Start(listenCtx, subscriber); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Event listener stopped", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-done:
	}

	log.Info("Shutting down bid history service...")
	stop()
	<-done

	if err := rdb.Close(); err != nil {
		log.Error("Failed to close Redis connection", "error", err)
	}
	log.Info("Bid history service stopped")
}
