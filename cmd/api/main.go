package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-paypal-checkout/internal/checkout"
	"github.com/ariefcatur/go-paypal-checkout/internal/config"
	"github.com/ariefcatur/go-paypal-checkout/internal/httpx"
	kafkax "github.com/ariefcatur/go-paypal-checkout/internal/kafka"
	"github.com/ariefcatur/go-paypal-checkout/internal/logger"
	"github.com/ariefcatur/go-paypal-checkout/internal/orders"
	"github.com/ariefcatur/go-paypal-checkout/internal/paypal"
	"github.com/ariefcatur/go-paypal-checkout/internal/postgres"
	"github.com/ariefcatur/go-paypal-checkout/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logger.New(logger.Options{Service: cfg.ServiceName, Env: cfg.AppEnv, Level: cfg.LogLevel})
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("checkout api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	if err := cfg.PayPal.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stores: Postgres when configured, process memory otherwise
	var (
		inv   orders.Inventory
		store orders.Store
	)
	if cfg.PostgresDSN != "" {
		db, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db, orders.DemoCatalog()); err != nil {
			return err
		}
		inv, store = &orders.ReservationRepo{DB: db}, &orders.Repo{DB: db}
		log.Info("using postgres stores")
	} else {
		inv, store = orders.NewMemInventory(orders.DemoCatalog()), orders.NewMemStore()
		log.Info("using in-memory stores")
	}

	// Events: Kafka when brokers are set, log only otherwise
	var events checkout.Publisher = checkout.LogPublisher{Log: log}
	if len(cfg.KafkaBrokers) > 0 {
		prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
		prod.Start()
		defer prod.Close()
		events = kafkax.NewEventPublisher(prod, cfg.ServiceName)
	}

	gw := paypal.New(paypal.Config{
		BaseURL:      cfg.PayPal.BaseURL,
		ClientID:     cfg.PayPal.ClientID,
		ClientSecret: cfg.PayPal.ClientSecret,
		Timeout:      cfg.PayPal.Timeout,
		MaxRetries:   cfg.PayPal.MaxRetries,
	}, log)
	svc := checkout.NewService(inv, store, gw, events, log)

	h := &httpx.CheckoutHandler{Svc: svc, Log: log, GatewayTimeout: gw.CallBudget()}
	if cfg.RedisAddr != "" {
		rdb, err := redisx.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		h.Idem = redisx.Idempotency{RDB: rdb}
		h.Cache = redisx.OrderCache{RDB: rdb}
	}

	router := httpx.NewRouter(log, max(15*time.Second, h.GatewayTimeout+5*time.Second))
	h.Register(router)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("paypal", cfg.PayPal.BaseURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return svc.RunSweeper(gctx, cfg.SweepInterval, cfg.ReservationTTL)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
