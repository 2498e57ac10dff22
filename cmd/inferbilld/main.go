// Command inferbilld serves the inferbill gateway over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ineyio/inferbill"
	"github.com/ineyio/inferbill/audit"
	"github.com/ineyio/inferbill/meter"
	"github.com/ineyio/inferbill/server"
)

func main() {
	configPath := flag.String("config", envOr("INFERBILL_CONFIG", "inferbill.yaml"), "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "inferbilld: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

	cfg, err := inferbill.LoadConfig(configPath)
	if err != nil {
		return err
	}

	log, err := inferbill.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stores.Close()

	sinks := []inferbill.Sink{audit.NewLogSink(log)}
	sinks = append(sinks, stores.auditSinks...)
	kafkaSink := openKafkaSink(cfg.Audit.Kafka, log)
	if kafkaSink != nil {
		defer func() { _ = kafkaSink.Close() }()
		sinks = append(sinks, kafkaSink)
	}
	auditor := inferbill.NewAuditor(log, sinks...)

	m := meter.Multi{meter.NewPromMeter(prometheus.DefaultRegisterer), meter.NewLogMeter(log)}

	orch, err := buildOrchestrator(cfg, auditor, m, log)
	if err != nil {
		return err
	}
	gateway := buildGateway(cfg, stores, orch, auditor, m, log)

	srv := server.New(gateway, orch, cfg.Server.JWTSecret, server.WithLogger(log))
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	sweeps, err := newSweeper(cfg.Sweep, stores, log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("inferbill: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sweeps.Start()
		<-gctx.Done()
		<-sweeps.Stop().Done()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
