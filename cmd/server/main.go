package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qwallet/internal/config"
	"qwallet/internal/handler"
	"qwallet/internal/infrastructure/cache"
	"qwallet/internal/infrastructure/database"
	"qwallet/internal/infrastructure/lock"
	"qwallet/internal/infrastructure/mq"
	"qwallet/internal/job"
	"qwallet/internal/service"
	"qwallet/pkg/idgen"
)

func main() {
	cfg, err := config.LoadConfig("config/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	idgen.Init(1)

	db, err := database.InitMySQL(&cfg.MySQL)
	if err != nil {
		log.Fatalf("init mysql: %v", err)
	}
	log.Println("mysql connected")

	redisClient, err := cache.InitRedis(&cfg.Redis)
	if err != nil {
		log.Fatalf("init redis: %v", err)
	}
	log.Println("redis connected")

	producer, err := mq.NewProducer(&cfg.Kafka)
	if err != nil {
		log.Fatalf("init kafka producer: %v", err)
	}
	defer producer.Close()
	log.Println("kafka producer ready")

	lockManager := lock.NewRedisManager(
		redisClient,
		time.Duration(cfg.Business.LockRetryIntervalMs)*time.Millisecond,
		cfg.Business.LockMaxRetries,
	)

	walletService := service.NewWalletService(db)
	balanceService := service.NewBalanceService(db, cfg.Business.CASMaxRetries)
	processor := service.NewTransactionProcessor(db, lockManager, balanceService, service.NewAllowAllChecker(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outboxSender := job.NewOutboxSender(db, producer, cfg)
	go outboxSender.Start(ctx)

	reconcileJob := job.NewReconcileJob(db, processor, cfg)
	go reconcileJob.Start(ctx)

	payoutConsumer, err := mq.NewPayoutResultConsumer(&cfg.Kafka, processor)
	if err != nil {
		log.Fatalf("init payout consumer: %v", err)
	}
	defer payoutConsumer.Close()
	go payoutConsumer.Start(ctx)

	router := handler.SetupRouter(handler.NewHandler(walletService, balanceService, processor))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("listening on :%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}

	log.Println("stopped")
}
