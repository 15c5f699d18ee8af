// Package app wires the pulse server runtime: config, logging, stores, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pulse/cmd/internal/attachments"
	"pulse/cmd/internal/auth"
	"pulse/cmd/internal/chatapi"
	"pulse/cmd/internal/events"
	"pulse/cmd/internal/realtime"
)

// closer releases one resource during shutdown.
type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// App is the pulse server runtime: it owns the HTTP wiring and every long-lived dependency.
type App struct {
	cfg Config
	log Logger

	closers []closer

	registry *realtime.Registry
	delivery *realtime.Delivery
	ws       *realtime.WSGateway
	api      *chatapi.Handler
	verifier *auth.PasetoVerifier
	metrics  *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	authCfg, err := auth.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("auth config: %w", err)
	}
	if err := ValidateSecurityConfig(cfg, authCfg); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, metrics: prometheus.NewRegistry()}
	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ok := false
	defer func() {
		if !ok {
			_ = a.Close(context.Background())
		}
	}()

	if authCfg.Enabled() {
		v, err := auth.NewPasetoVerifier(authCfg)
		if err != nil {
			return nil, fmt.Errorf("auth verifier: %w", err)
		}
		a.verifier = v
		log.Info("auth.enabled", "issuer", authCfg.Issuer)
	} else {
		log.Warn("auth.disabled.dev_mode")
	}

	store, users, err := a.openStores(context.Background())
	if err != nil {
		return nil, err
	}
	a.addCloser("store", func(context.Context) error { return store.Close() })

	metrics := realtime.NewMetrics(a.metrics)
	a.registry = realtime.NewRegistry(log, realtime.NewPresenceBroadcaster(log, metrics))

	deliveryOpts := []realtime.DeliveryOption{realtime.WithMetrics(metrics)}
	if cfg.AMQPURL != "" {
		pub, err := events.NewRabbitPublisher(log, cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, fmt.Errorf("amqp: %w", err)
		}
		a.addCloser("amqp", func(context.Context) error { return pub.Close() })
		deliveryOpts = append(deliveryOpts, realtime.WithEventPublisher(pub))
		log.Info("events.enabled.amqp", "exchange", cfg.AMQPExchange)
	}
	a.delivery = realtime.NewDelivery(log, store, users, a.registry, deliveryOpts...)
	// Registered after amqp so queued events flush before the broker connection closes.
	a.addCloser("events", a.delivery.Close)

	gatewayOpts := []realtime.GatewayOption{realtime.WithGatewayMetrics(metrics)}
	if a.verifier != nil {
		gatewayOpts = append(gatewayOpts, realtime.WithIdentityVerifier(a.verifier))
	}
	a.ws = realtime.NewWSGateway(log, a.registry, a.delivery, realtime.NewTypingRelay(a.registry, metrics), gatewayOpts...)

	apiOpts := []chatapi.Option{chatapi.WithTimeout(cfg.StoreTimeout)}
	if lister, ok := users.(realtime.UserLister); ok {
		apiOpts = append(apiOpts, chatapi.WithUsers(lister))
	}
	if cfg.AttachmentsDir != "" {
		files, err := attachments.Open(cfg.AttachmentsDir, attachments.Options{MaxBytes: int64(cfg.AttachmentsMaxBytes)})
		if err != nil {
			return nil, err
		}
		a.addCloser("attachments", func(context.Context) error { return files.Close() })
		apiOpts = append(apiOpts, chatapi.WithAttachments(files))
		log.Info("attachments.enabled", "dir", cfg.AttachmentsDir, "max_bytes", files.MaxBytes())
	}
	a.api = chatapi.NewHandler(log, a.delivery, apiOpts...)

	ok = true
	return a, nil
}

// openStores selects the message store and user directory for cfg.StoreKind().
func (a *App) openStores(ctx context.Context) (realtime.MessageStore, realtime.UserDirectory, error) {
	cfg := a.cfg

	switch cfg.StoreKind() {
	case StorePostgres:
		if cfg.DBMigrate {
			if err := migrateDB(cfg.DatabaseURL); err != nil {
				return nil, nil, err
			}
			a.log.Info("db.migrated")
		}

		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		a.addCloser("postgres", func(context.Context) error { pool.Close(); return nil })

		msgStore, err := realtime.NewPostgresStore(pool, realtime.WithSchema(cfg.DBSchema))
		if err != nil {
			return nil, nil, err
		}
		users, err := realtime.NewPostgresUserDirectory(pool, cfg.DBSchema)
		if err != nil {
			return nil, nil, err
		}
		a.log.Info("store.enabled.postgres", "schema", cfg.DBSchema)
		return msgStore, users, nil

	case StoreMongo:
		client, err := NewMongoClient(ctx, cfg, 10*time.Second)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo: %w", err)
		}
		a.addCloser("mongo", client.Disconnect)

		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		msgStore, err := realtime.NewMongoStore(initCtx, client.Database(cfg.MongoDB))
		if err != nil {
			return nil, nil, err
		}
		a.log.Info("store.enabled.mongo", "db", cfg.MongoDB)
		return msgStore, msgStore, nil

	default:
		a.log.Info("store.enabled.inmemory", "dev_users", len(cfg.DevUsers))
		return realtime.NewInMemoryStore(), realtime.NewInMemoryUsers(cfg.DevUsers...), nil
	}
}

func (a *App) addCloser(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Close releases resources in reverse acquisition order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.log.Error("resource.close.fail", "resource", c.name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.cfg.StoreKind(),
		"auth", a.verifier != nil,
		"http_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if runErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			runErr = err
		}
	}

	if err := a.Close(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}

	a.log.Info("server.stopped")
	return runErr
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return "ws://" + httpURL
	}
}
