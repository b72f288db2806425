// Package app holds the process wiring shared by the service binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/subtrack/pkg/billing"
	"github.com/mihaimyh/subtrack/pkg/config"
	"github.com/mihaimyh/subtrack/pkg/eventbus"
	"github.com/mihaimyh/subtrack/pkg/eventbus/kafka"
)

// NewZerolog builds the process logger: JSON by default, a console writer
// when format is "console".
func NewZerolog(cfg config.LogConfig, out io.Writer, service string) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", service).Logger()
}

// NewBus builds the event bus over the configured transport.
func NewBus(cfg config.BusConfig, source string, logger billing.Logger) (*eventbus.Bus, error) {
	var transport eventbus.Transport
	switch cfg.Backend {
	case config.BackendKafka:
		clientID := cfg.ClientID
		if clientID == "" {
			clientID = source
		}
		t, err := kafka.New(kafka.Config{Brokers: cfg.Brokers, ClientID: clientID, Logger: logger})
		if err != nil {
			return nil, err
		}
		transport = t
	case config.BackendMemory, "":
		transport = eventbus.NewMemoryTransport(0)
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Backend)
	}

	return eventbus.New(transport, eventbus.Config{
		Source:      source,
		Mode:        eventbus.DeliveryMode(cfg.DeliveryMode),
		MaxAttempts: cfg.MaxAttempts,
		Logger:      logger,
	}), nil
}

// NewServer returns an HTTP server with the configured timeouts.
func NewServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
}

// Serve runs srv until ctx is done, then shuts it down gracefully within
// shutdownTimeout.
func Serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, logger billing.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
	}
	return serveListener(ctx, srv, ln, shutdownTimeout, logger)
}

func serveListener(ctx context.Context, srv *http.Server, ln net.Listener, shutdownTimeout time.Duration, logger billing.Logger) error {
	errc := make(chan error, 1)
	go func() {
		logger.Info("http server listening", billing.F("addr", ln.Addr().String()))
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("shutting down http server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
