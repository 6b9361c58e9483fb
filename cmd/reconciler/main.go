package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-paypal-checkout/internal/config"
	"github.com/ariefcatur/go-paypal-checkout/internal/inventory"
	kafkax "github.com/ariefcatur/go-paypal-checkout/internal/kafka"
	"github.com/ariefcatur/go-paypal-checkout/internal/logger"
	"github.com/ariefcatur/go-paypal-checkout/internal/orders"
	"github.com/ariefcatur/go-paypal-checkout/internal/postgres"
	"github.com/ariefcatur/go-paypal-checkout/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logger.New(logger.Options{Service: cfg.ServiceName + "-reconciler", Env: cfg.AppEnv, Level: cfg.LogLevel})
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("reconciler stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	if cfg.PostgresDSN == "" || len(cfg.KafkaBrokers) == 0 {
		return errors.New("reconciler needs POSTGRES_DSN and KAFKA_BROKERS")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := &inventory.Service{Stock: &orders.ReservationRepo{DB: db}, Log: log}
	if cfg.RedisAddr != "" {
		rdb, err := redisx.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		svc.Dedup = redisx.Dedup{RDB: rdb, Service: "reconciler"}
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ReconcilerGroup, orders.TopicPaymentFailed, cfg.ReconcilerWorkers, log)

	log.Info("reconciler started", zap.String("group", cfg.ReconcilerGroup), zap.String("topic", orders.TopicPaymentFailed),
		zap.Int("workers", cfg.ReconcilerWorkers))
	err = cons.Start(ctx, svc.HandlePaymentFailed)
	log.Info("reconciler shutting down")
	return err
}
