// Command server runs one process of the collabcanvas room engine. Any
// number of processes may share a Redis and a Postgres; clients can connect
// to any of them.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"collabcanvas/internal/admission"
	"collabcanvas/internal/config"
	"collabcanvas/internal/discovery"
	"collabcanvas/internal/identity"
	"collabcanvas/internal/rooms"
	"collabcanvas/internal/server"
	"collabcanvas/internal/telemetry"
)

func main() {
	if err := mainInner(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.Log.Logger().With("service", "collabcanvas")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLP {
		shutdown, err := telemetry.Init(ctx, "collabcanvas", cfg.Instance)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("Telemetry shutdown failed", "error", err)
			}
		}()
	}
	metrics := telemetry.NewMetrics()

	// --- Connect to Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("could not connect to Redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info("Connected to Redis", "addr", cfg.Redis.Addr)

	// --- Connect to PostgreSQL ---
	dbpool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}
	defer dbpool.Close()
	directory := rooms.NewPostgres(dbpool)
	if err := directory.EnsureSchema(ctx); err != nil {
		return err
	}
	logger.Info("Connected to PostgreSQL")

	provider, err := newProvider(cfg.Auth, logger)
	if err != nil {
		return err
	}
	defer provider.Close()

	node := server.NewNode(rdb, directory, admission.New(provider), metrics, server.Options{
		Instance:          cfg.Instance,
		Cooldown:          cfg.Rooms.Cooldown,
		SweepInterval:     cfg.Rooms.SweepInterval,
		HeartbeatInterval: cfg.Connections.HeartbeatInterval,
		WriteTimeout:      cfg.Connections.WriteTimeout,
		MaxFrameBytes:     cfg.Connections.MaxFrameBytes,
		SendBuffer:        cfg.Connections.SendBuffer,
		AllowedOrigins:    cfg.Connections.AllowedOrigins,
	}, logger)
	if err := node.Start(ctx); err != nil {
		return err
	}
	defer node.Close()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}

	if cfg.MDNS {
		ad, err := discovery.Advertise(cfg.Instance, ln.Addr().(*net.TCPAddr).Port, "/ws", logger)
		if err != nil {
			logger.Warn("mDNS advertisement failed", "error", err)
		} else {
			defer ad.Shutdown()
		}
	}

	httpServer := &http.Server{
		Handler:           node.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		logger.Info("collabcanvas server starting", "addr", ln.Addr().String(), "instance", cfg.Instance)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		logger.Info("Signal caught, shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(sctx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	// Shutdown does not wait for hijacked WebSocket connections. Close
	// does, and returns only after each has left its room, while Redis is
	// still open.
	return node.Close()
}

func newProvider(auth config.AuthConfig, logger *slog.Logger) (*identity.JWTProvider, error) {
	if auth.JWKSURL != "" {
		return identity.NewJWKSProvider(auth.JWKSURL, auth.Issuer, logger)
	}
	return identity.NewHMACProvider([]byte(auth.Secret), auth.Issuer), nil
}
