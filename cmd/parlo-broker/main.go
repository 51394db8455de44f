package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/trace"

	"github.com/parlo-app/parlo-go/internal/broker"
	"github.com/parlo-app/parlo-go/internal/telemetry"
)

const shutdownGracePeriod = 10 * time.Second

type brokerDeps struct {
	loadConfig   func() (broker.Config, error)
	newServer    func(broker.Config, *slog.Logger, trace.Tracer) *broker.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBrokerDeps() brokerDeps {
	return brokerDeps{
		loadConfig: broker.LoadFromEnv,
		newServer:  broker.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func runBroker(ctx context.Context, logger *slog.Logger, tracer trace.Tracer, deps brokerDeps) error {
	if deps.loadConfig == nil || deps.newServer == nil {
		return errors.New("missing broker dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	srv := deps.newServer(cfg, logger, tracer)
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	logger.Info("starting signed URL broker", "addr", cfg.Addr, "upstream", cfg.UpstreamBaseURL)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("broker stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps brokerDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(stderr, "parlo-broker: load .env: %v\n", err)
		return 1
	}

	logger, err := telemetry.InitLogger("parlo-broker", slog.LevelInfo)
	if err != nil {
		fmt.Fprintf(stderr, "parlo-broker: init logging: %v\n", err)
		return 1
	}

	tracer, _, cleanup, err := telemetry.Init(ctx, "parlo-broker", "1.0.0")
	if err != nil {
		fmt.Fprintf(stderr, "parlo-broker: init telemetry: %v\n", err)
		return 1
	}
	defer cleanup()

	if err := runBroker(ctx, logger, tracer, deps); err != nil {
		fmt.Fprintf(stderr, "parlo-broker: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultBrokerDeps()))
}
