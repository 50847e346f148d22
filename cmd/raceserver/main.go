package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/udisondev/raceserver/internal/cert"
	"github.com/udisondev/raceserver/internal/config"
	"github.com/udisondev/raceserver/internal/db"
	"github.com/udisondev/raceserver/internal/events"
	"github.com/udisondev/raceserver/internal/raceserver"
)

const ConfigPath = "config/raceserver.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := ConfigPath
	if p := os.Getenv("RACESERVER_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadRaceServer(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	slog.Info("race server starting", "log_level", cfg.LogLevel, "port", cfg.Port)

	tlsCert, err := cert.LoadOrCreate(cfg.CertificatePath, cert.Options{
		Hostname: cfg.Hostname,
		PublicIP: cfg.PublicIP,
		Password: cfg.CertificatePassword,
	})
	if err != nil {
		return fmt.Errorf("provisioning certificate: %w", err)
	}
	tlsConf := &tls.Config{Certificates: []tls.Certificate{tlsCert}}

	g, ctx := errgroup.WithContext(ctx)

	sink, err := buildSink(ctx, g, cfg)
	if err != nil {
		return err
	}

	srv := raceserver.New(cfg, tlsConf, raceserver.WithSink(sink))
	g.Go(func() error {
		return srv.Run(ctx)
	})

	return g.Wait()
}

// buildSink constructs the configured event sink and schedules any of its
// background workers on g.
func buildSink(ctx context.Context, g *errgroup.Group, cfg config.RaceServer) (events.Sink, error) {
	switch cfg.EventSink {
	case "null":
		return events.NullSink{}, nil
	case "", "slog":
		return events.SlogSink{}, nil
	case "database":
		dsn := cfg.Database.DSN()
		if err := db.RunMigrations(ctx, dsn); err != nil {
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		pool, err := db.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		sink := events.NewDBSink(db.NewEventRepository(pool.Pool()))
		g.Go(func() error {
			sink.Run(ctx)
			pool.Close()
			return nil
		})
		return sink, nil
	default:
		return nil, fmt.Errorf("unknown event_sink %q", cfg.EventSink)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
