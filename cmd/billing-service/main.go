// Command billing-service runs the subscription engine, its REST API, the
// user.events consumer and the period-end sweeper.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/subtrack/internal/app"
	"github.com/mihaimyh/subtrack/internal/httputil"
	"github.com/mihaimyh/subtrack/pkg/api"
	"github.com/mihaimyh/subtrack/pkg/billing"
	zerologadapter "github.com/mihaimyh/subtrack/pkg/billing/logger/zerolog"
	prommetrics "github.com/mihaimyh/subtrack/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/subtrack/pkg/billing/stripe"
	"github.com/mihaimyh/subtrack/pkg/config"
	"github.com/mihaimyh/subtrack/pkg/eventbus"
	"github.com/mihaimyh/subtrack/storage/memory"
	"github.com/mihaimyh/subtrack/storage/mongo"
	"github.com/mihaimyh/subtrack/storage/postgres"
	"github.com/mihaimyh/subtrack/storage/redis"
)

const serviceName = "billing-service"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

// stores groups the persistence backends the engine needs.
type stores struct {
	subscriptions  billing.SubscriptionStore
	plans          billing.PlanStore
	invoices       billing.InvoiceStore
	paymentMethods billing.PaymentMethodStore
	health         func(ctx context.Context) error
	close          func()
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	zlog := app.NewZerolog(cfg.Log, os.Stdout, serviceName)
	logger := zerologadapter.NewLogger(zlog)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := prommetrics.NewMetrics(reg, cfg.MetricsNamespace)

	st, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer st.close()

	gateway, err := stripe.NewGateway(stripe.Config{
		APIKey:        cfg.Processor.SecretKey,
		WebhookSecret: cfg.Processor.WebhookSecret,
		BaseURL:       cfg.Processor.BaseURL,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	breaker := billing.NewDefaultCircuitBreaker(cfg.Processor.BreakerThreshold, cfg.Processor.BreakerReset,
		func(state billing.CircuitBreakerState) {
			zlog.Warn().Str("state", string(state)).Msg("processor circuit breaker changed state")
		})
	processor := billing.GuardProcessor(gateway, billing.GuardConfig{Timeout: cfg.Processor.Timeout, Breaker: breaker})

	bus, err := app.NewBus(cfg.Bus, serviceName, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	var (
		locker  billing.Locker
		dedup   billing.Dedup
		limiter httputil.Limiter
	)
	health := st.health
	if cfg.Lock.Backend == config.BackendRedis {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Lock.RedisAddr,
			Password: cfg.Lock.RedisPassword,
			DB:       cfg.Lock.RedisDB,
		})
		rcfg := redis.DefaultConfig()
		if cfg.Lock.KeyPrefix != "" {
			rcfg.KeyPrefix = cfg.Lock.KeyPrefix
		}
		coord, err := redis.New(client, rcfg)
		if err != nil {
			return err
		}
		defer coord.Close()
		locker, dedup = coord, coord
		limiter = httputil.NewStoreLimiter(coord, cfg.Webhook.RateLimit, cfg.Webhook.RateWindow)
		storeHealth := health
		health = func(ctx context.Context) error {
			return errors.Join(storeHealth(ctx), coord.Ping(ctx))
		}
	} else {
		limiter = httputil.NewMemoryLimiter(cfg.Webhook.RateLimit, cfg.Webhook.RateWindow)
	}

	catalog, err := billing.NewCatalog(billing.CatalogConfig{Store: st.plans, Logger: logger})
	if err != nil {
		return err
	}
	if err := seedCatalog(ctx, catalog, cfg.Billing.SeedFile, zlog); err != nil {
		return err
	}

	engine, err := billing.NewEngine(billing.Config{
		Subscriptions:  st.subscriptions,
		Catalog:        catalog,
		Invoices:       st.invoices,
		PaymentMethods: st.paymentMethods,
		Processor:      processor,
		Publisher:      bus,
		Locker:         locker,
		Dedup:          dedup,
		Logger:         logger,
		Metrics:        metrics,
		AppURL:         cfg.Billing.AppURL,
		LockTimeout:    cfg.Billing.LockTimeout,
	})
	if err != nil {
		return err
	}

	sweeper, err := billing.NewSweeper(engine, cfg.Billing.SweepSchedule)
	if err != nil {
		return err
	}

	handler, err := api.NewHandler(api.Config{
		Service:        engine,
		Catalog:        catalog,
		WebhookLimiter: limiter,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Health:         health,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Serve(gctx, app.NewServer(cfg.Server, handler.Routes()), cfg.Server.ShutdownTimeout, logger)
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		return bus.Subscribe(gctx, []string{billing.TopicUserEvents}, serviceName, func(ctx context.Context, ev *eventbus.Event) error {
			return engine.HandleUserEvent(billing.WithCorrelationID(ctx, ev.CorrelationID), ev.Type, ev.Data)
		})
	})

	zlog.Info().
		Str("storage", cfg.Storage.Backend).
		Str("bus", cfg.Bus.Backend).
		Str("lock", cfg.Lock.Backend).
		Msg("billing service started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	zlog.Info().Msg("billing service stopped")
	return nil
}

func openStores(ctx context.Context, cfg config.StorageConfig) (*stores, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		pcfg := postgres.DefaultConfig()
		pcfg.ConnectionString = cfg.PostgresDSN
		db, err := postgres.New(ctx, pcfg)
		if err != nil {
			return nil, err
		}
		return &stores{db, db, db, db, db.Ping, db.Close}, nil
	case config.BackendMongo:
		db, err := mongo.New(ctx, mongo.Config{URI: cfg.MongoURI, Database: cfg.MongoDatabase})
		if err != nil {
			return nil, err
		}
		closeFn := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = db.Close(ctx)
		}
		return &stores{db, db, db, db, db.Ping, closeFn}, nil
	default:
		m := memory.New()
		return &stores{m, m, m, m, func(context.Context) error { return nil }, func() {}}, nil
	}
}

// seedCatalog upserts the plan seeds: the file at path when set, the built-in
// tiers otherwise.
func seedCatalog(ctx context.Context, catalog *billing.Catalog, path string, zlog zerolog.Logger) error {
	var doc []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read plan seed file: %w", err)
		}
		doc = b
	}
	plans, err := billing.ParseSeed(doc)
	if err != nil {
		return err
	}
	created, updated, err := catalog.Seed(ctx, plans)
	if err != nil {
		return fmt.Errorf("failed to seed plans: %w", err)
	}
	zlog.Info().Int("created", created).Int("updated", updated).Msg("plan catalog seeded")
	return nil
}
