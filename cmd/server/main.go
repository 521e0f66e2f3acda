package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"chat-notify/internal/auth"
	"chat-notify/internal/config"
	"chat-notify/internal/hub"
	"chat-notify/internal/logger"
	"chat-notify/internal/metrics"
	"chat-notify/internal/notify"
	"chat-notify/internal/postgres"
	"chat-notify/internal/redis"
	"chat-notify/internal/server"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigFile, "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)
	log.Info("config loaded",
		"port", cfg.Server.Port,
		"channel_capacity", cfg.Hub.ChannelCapacity,
		"evict_after", cfg.Hub.EvictAfter,
		"postgres", cfg.Postgres.DSN != "",
		"redis", cfg.Redis.URL != "",
		"auth_insecure", cfg.Auth.Insecure,
	)

	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	verifier, err := newVerifier(cfg.Auth, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := verifier.Refresh(ctx); err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}

	h := hub.New(hub.Options{
		Capacity:   cfg.Hub.ChannelCapacity,
		MaxUsers:   cfg.Hub.MaxUsers,
		EvictAfter: cfg.Hub.EvictAfter,
		Logger:     log,
		Metrics:    m,
	})
	dispatcher := notify.NewDispatcher(h, log, m)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr: addr,
		Handler: server.NewRouter(server.Options{
			Hub:        h,
			Verifier:   verifier,
			CORSOrigin: cfg.Server.CORSOrigin,
			Heartbeat:  cfg.Hub.Heartbeat,
			Log:        log,
		}),
		// Streams are long-lived, so only the header read is bounded.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return h.Run(gctx) })
	g.Go(func() error { return verifier.Run(gctx) })

	if cfg.Postgres.DSN != "" {
		listener := &postgres.Listener{DSN: cfg.Postgres.DSN, Handler: dispatcher, Log: log}
		g.Go(func() error { return listener.Run(gctx) })
	}

	if cfg.Redis.URL != "" {
		rc, err := redis.NewClient(ctx, cfg.Redis.URL, log)
		if err != nil {
			return err
		}
		defer rc.Close()
		g.Go(func() error { return rc.Subscribe(gctx, cfg.Redis.Pattern, dispatcher) })
	}

	g.Go(func() error {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		// Ends every open stream so Shutdown does not wait on them.
		h.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newVerifier(cfg config.Auth, log *slog.Logger) (*auth.Verifier, error) {
	opts := auth.Options{
		JWKSURL:  cfg.JWKSURL,
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		Insecure: cfg.Insecure,
		Logger:   log,
	}
	if cfg.PublicKeyFile != "" {
		pem, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		opts.PublicKeyPEM = pem
	}
	if cfg.Insecure {
		log.Warn("[AUTH] Insecure mode: X-User-ID headers are trusted")
	}
	return auth.NewVerifier(opts)
}
