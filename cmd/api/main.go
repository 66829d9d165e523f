package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/bankops/internal/api"
	"github.com/punchamoorthee/bankops/internal/auth"
	"github.com/punchamoorthee/bankops/internal/broker"
	"github.com/punchamoorthee/bankops/internal/config"
	"github.com/punchamoorthee/bankops/internal/service"
	"github.com/punchamoorthee/bankops/internal/store"
	"go.uber.org/zap"
)

// backend is what both the Postgres and the in-memory store provide.
type backend interface {
	service.SagaStore
	service.EventStore
	service.AccountStore
	service.AccountLookup
	api.Store
	api.OwnerStore
	Close()
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (backend, error) {
	if cfg.StoreDriver == "memory" {
		logger.Warn("using in-memory store; state is lost on restart")
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.DBSource)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Unable to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("unable to open store", zap.Error(err))
	}
	defer st.Close()

	var cache service.OutcomeCache
	if cfg.RedisURL != "" {
		rc, err := store.NewRedisOutcomeCache(ctx, cfg.RedisURL, 24*time.Hour)
		if err != nil {
			logger.Fatal("unable to connect to redis", zap.Error(err))
		}
		defer rc.Close()
		cache = rc
	}

	subjects := broker.Subjects{
		AccountCreate:     cfg.Destinations.AccountCreate,
		OTCInit:           cfg.Destinations.OTCInit,
		OTCAckIn:          cfg.Destinations.OTCAckIn,
		OTCAckOut:         cfg.Destinations.OTCAckOut,
		OTCPremium:        cfg.Destinations.OTCPremium,
		InterbankOutbound: cfg.Destinations.InterbankOutbound,
	}

	var (
		bus      *broker.Client
		notifier service.Notifier
	)
	if cfg.NATSURL != "" {
		bus, err = broker.Connect(cfg.NATSURL, "bankops", logger.Named("broker"))
		if err != nil {
			logger.Fatal("unable to connect to broker", zap.Error(err))
		}
		if err := bus.EnsureStream(cfg.BrokerStream, subjects.All()); err != nil {
			logger.Fatal("unable to prepare stream", zap.Error(err))
		}
		notifier = broker.NewNotifier(bus, subjects.OTCAckOut, logger.Named("notifier"))
	} else {
		logger.Warn("NATS_URL not set; broker listeners disabled")
	}

	// Initialize Layers
	engine := service.NewEngine(st, notifier, cfg.SagaTimeout, logger.Named("saga"))
	accounts := service.NewAccounts(st, cfg.RoutingNumber, logger.Named("accounts"))
	protocol := service.NewProtocol(engine, st, cfg.RoutingNumber, logger.Named("protocol"))
	dispatcher := service.NewDispatcher(st, protocol, cache, cfg.RoutingNumber, cfg.ReplayWait, logger.Named("interbank"))
	sender := service.NewSender(st, nil, service.SenderConfig{
		RoutingNumber: cfg.RoutingNumber,
		APIKey:        cfg.PartnerAPIKey,
		MaxRetries:    cfg.OutboundMaxRetries,
		RetryDelay:    cfg.OutboundRetryDelay,
	}, logger.Named("outbound"))

	if bus != nil {
		listener := broker.NewListener(engine, accounts, sender, notifier, logger.Named("listener"))
		if err := listener.Register(bus, subjects, cfg.BrokerWorkers); err != nil {
			logger.Fatal("unable to register listeners", zap.Error(err))
		}
	}

	sweeper, err := service.NewSweeper(engine, cfg.SweepInterval, logger.Named("sweeper"))
	if err != nil {
		logger.Fatal("unable to schedule sweeper", zap.Error(err))
	}
	sweeper.Start()

	handler := api.NewHandler(api.Deps{
		Store:      st,
		Engine:     engine,
		Accounts:   accounts,
		Dispatcher: dispatcher,
		Sender:     sender,
		APIKey:     cfg.InterbankAPIKey,
		Log:        logger.Named("http"),
	})
	guard := auth.NewGuard(auth.NewEngine(api.OwnerResolver(st), logger.Named("auth")), auth.NewVerifier(cfg.JWTSecret), handler.Deny)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler, guard),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.Int("routingNumber", cfg.RoutingNumber))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	<-sweeper.Stop().Done()
	if bus != nil {
		bus.Close()
	}
	if err := sender.Close(shutdownCtx); err != nil {
		logger.Warn("outbound deliveries abandoned", zap.Error(err))
	}
}
