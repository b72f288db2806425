// Command notification-service consumes billing.events, delivering signed
// organization webhooks and recording in-app notifications.
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

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/subtrack/internal/app"
	"github.com/mihaimyh/subtrack/internal/httputil"
	"github.com/mihaimyh/subtrack/pkg/billing"
	zerologadapter "github.com/mihaimyh/subtrack/pkg/billing/logger/zerolog"
	"github.com/mihaimyh/subtrack/pkg/config"
	"github.com/mihaimyh/subtrack/pkg/eventbus"
	"github.com/mihaimyh/subtrack/pkg/notify"
	"github.com/mihaimyh/subtrack/storage/mongo"
)

const serviceName = "notification-service"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

type notifyStore interface {
	notify.EndpointStore
	notify.NotificationStore
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateBus(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	zlog := app.NewZerolog(cfg.Log, os.Stdout, serviceName)
	logger := zerologadapter.NewLogger(zlog)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store  notifyStore
		health = func(context.Context) error { return nil }
	)
	if cfg.Storage.Backend == config.BackendMongo {
		db, err := mongo.New(ctx, mongo.Config{URI: cfg.Storage.MongoURI, Database: cfg.Storage.MongoDatabase})
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = db.Close(closeCtx)
		}()
		ns := db.NotifyStore()
		if err := ns.EnsureIndexes(ctx); err != nil {
			return err
		}
		store, health = ns, db.Ping
	} else {
		zlog.Warn().Str("storage", cfg.Storage.Backend).Msg("notification store is in-memory; endpoints and notifications are not persisted")
		store = notify.NewMemoryStore()
	}

	bus, err := app.NewBus(cfg.Bus, serviceName, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		Store:       store,
		HTTPClient:  &http.Client{Timeout: cfg.Notify.DeliveryTimeout},
		Concurrency: cfg.Notify.Workers,
		Logger:      logger,
	})
	notifier := notify.NewNotifier(store, logger, nil)

	reg := prometheus.NewRegistry()
	handled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.MetricsNamespace,
		Name:      "notification_events_total",
		Help:      "Billing events consumed by the notification service",
	}, []string{"event_type", "status"})
	reg.MustRegister(handled)

	handler := notify.Chain(dispatcher.Handle, notifier.Handle)

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := health(r.Context()); err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Serve(gctx, app.NewServer(cfg.Server, router), cfg.Server.ShutdownTimeout, logger)
	})
	g.Go(func() error {
		return bus.Subscribe(gctx, []string{billing.TopicBillingEvents}, serviceName, func(ctx context.Context, ev *eventbus.Event) error {
			err := handler(ctx, ev)
			status := "ok"
			if err != nil {
				status = "error"
			}
			handled.WithLabelValues(ev.Type, status).Inc()
			return err
		})
	})

	zlog.Info().Str("bus", cfg.Bus.Backend).Msg("notification service started")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	zlog.Info().Msg("notification service stopped")
	return nil
}
