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

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"escrowflow/auth"
	"escrowflow/cart"
	"escrowflow/catalog"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/idempotency"
	"escrowflow/ledger"
	"escrowflow/outbox"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to the YAML config file")
	pflag.Parse()

	if err := run(context.Background(), *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "escrow api: %v\n", err)
		os.Exit(1)
	}
}

// app holds the wired components and the cleanups to run on shutdown.
type app struct {
	server  *Server
	relay   *outbox.Relay
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	logger.Info("bootstrapping escrow api",
		"http_addr", cfg.HTTPAddr,
		"grpc_addr", cfg.GRPCAddr,
		"storage", cfg.StorageDriver,
		"fee_tier", cfg.FeeTier.Name,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc server started", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	if a.relay != nil {
		g.Go(func() error {
			logger.Info("outbox relay started")
			if err := a.relay.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("outbox relay: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		healthSrv.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("server failure", "error", err.Error())
		return err
	}
	return nil
}

// build wires storage, messaging and services for the configured driver.
func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}

	var (
		store    ledger.Store
		users    auth.Repository
		products catalog.ProductStore
	)
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.MaxDBConns})
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, pool.Close)

		if cfg.Migrate {
			applied, err := db.Migrate(ctx, pool)
			if err != nil {
				return fail(err)
			}
			logger.Info("migrations applied", "count", len(applied), "files", applied)
		}

		store = ledger.NewPGStore(pool)
		users = auth.NewRepository(pool)
		products = catalog.NewRepository(pool)

		publisher, closePublisher, err := newPublisher(cfg, logger)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, closePublisher)
		a.relay = outbox.NewRelay(logger, outbox.NewRepository(pool), publisher, outbox.RelayOptions{
			Interval:    cfg.OutboxPollInterval,
			BatchSize:   cfg.OutboxBatchSize,
			ClaimTTL:    cfg.OutboxClaimTTL,
			MaxAttempts: cfg.OutboxMaxAttempts,
		})
	default:
		logger.Warn("using in-memory storage; data is lost on restart")
		store = ledger.NewMemoryStore()
		users = auth.NewMemoryRepository()
		products = catalog.NewMemoryRepository()
	}

	var idemStore idempotency.Store
	if cfg.RedisURL != "" {
		client, err := idempotency.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		idemStore = idempotency.NewRedisStore(client)
	} else {
		idemStore = idempotency.NewMemoryStore()
	}

	authService := auth.NewService(users, cfg.JWTSecret).WithTokenTTL(cfg.TokenTTL)
	if cfg.AdminEmail != "" {
		if _, err := authService.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminName, cfg.AdminPassword); err != nil {
			return fail(fmt.Errorf("seed admin: %w", err))
		}
	}

	ledgerService := ledger.NewService(store, cfg.FeeTier, logger)
	catalogService := catalog.NewService(products)

	a.server = &Server{
		logger:         logger.With("module", "http"),
		ledgerService:  ledgerService,
		authService:    authService,
		catalogService: catalogService,
		checkout:       cart.NewCheckout(catalogService, ledgerService, logger),
		idempotency:    idempotency.NewMiddleware(idemStore, cfg.IdempotencyTTL, idempotencyScope, logger),
	}
	return a, nil
}

func newPublisher(cfg config.Config, logger *slog.Logger) (outbox.Publisher, func(), error) {
	if len(cfg.KafkaBrokers) == 0 {
		logger.Warn("no kafka brokers configured; outbox events are logged only")
		return outbox.NewLogPublisher(logger), func() {}, nil
	}
	kp, err := outbox.NewKafkaPublisher(cfg.KafkaBrokers, nil)
	if err != nil {
		return nil, nil, err
	}
	return kp, func() { _ = kp.Close() }, nil
}
