// Command tracerd is the process-observation agent daemon. It loads a YAML
// configuration file, starts the Trigger Source / Process-Group Manager /
// Metric Collector pipeline, serves the daemon's control surface over gRPC
// (internal/rpc), exposes a /healthz liveness endpoint, and shuts down
// gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/tracer-cloud/tracer-agent/internal/agent"
	"github.com/tracer-cloud/tracer-agent/internal/audit"
	"github.com/tracer-cloud/tracer-agent/internal/config"
	"github.com/tracer-cloud/tracer-agent/internal/events"
	"github.com/tracer-cloud/tracer-agent/internal/rpc"
	"github.com/tracer-cloud/tracer-agent/internal/sink/fanout"
	"github.com/tracer-cloud/tracer-agent/internal/sink/localqueue"
	"github.com/tracer-cloud/tracer-agent/internal/sink/remote"
)

func main() {
	configPath := flag.String("config", "/etc/tracer/config.yaml", "path to the tracer-agent YAML configuration file")
	healthAddr := flag.String("health-addr", "127.0.0.1:9100", "address for the /healthz liveness endpoint")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tracerd: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("pipeline_spec_path", cfg.PipelineSpecPath),
		slog.Int("num_targets", len(cfg.Targets)),
		slog.String("rpc_listen_addr", cfg.RPCListenAddr),
	)

	// Local queue sink: durable, at-least-once delivery across restarts.
	q, err := localqueue.New(cfg.LocalQueuePath)
	if err != nil {
		logger.Error("failed to open local event queue", slog.String("path", cfg.LocalQueuePath), slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("local event queue opened", slog.String("path", cfg.LocalQueuePath), slog.Int("pending", q.Depth()))

	sinks := []events.Sink{q}

	// ag is assigned below, once constructed; the closure is only invoked
	// after Start, by which point it is non-nil.
	var ag *agent.Agent

	// Remote collector sink, when configured.
	if cfg.CollectorEndpoint != "" {
		remoteSink := remote.New(remote.Config{
			Endpoint: cfg.CollectorEndpoint,
			RunID:    func() string { return ag.CurrentRunID() },
			Logger:   logger,
		})
		sinks = append(sinks, remoteSink)
		logger.Info("remote collector sink configured", slog.String("endpoint", cfg.CollectorEndpoint))
	} else {
		logger.Warn("no collector_endpoint configured; running with only the local queue sink")
	}

	sink := fanout.New(logger, sinks...)

	// Audit log: hash-chained record of run lifecycle and control actions.
	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		logger.Error("failed to open audit log", slog.String("path", cfg.AuditLogPath), slog.Any("error", err))
		os.Exit(1)
	}

	ag = agent.New(cfg, logger,
		agent.WithSink(sink),
		agent.WithAuditLogger(auditLog),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ag.Start(ctx); err != nil {
		logger.Error("failed to start agent", slog.Any("error", err))
		os.Exit(1)
	}

	// gRPC control-surface server (internal/rpc.Core).
	lis, err := net.Listen("tcp", cfg.RPCListenAddr)
	if err != nil {
		logger.Error("failed to listen for RPC", slog.String("addr", cfg.RPCListenAddr), slog.Any("error", err))
		os.Exit(1)
	}
	grpcServer := grpc.NewServer()
	rpc.Register(grpcServer, ag)

	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("RPC server listening", slog.String("addr", cfg.RPCListenAddr))
		if err := grpcServer.Serve(lis); err != nil {
			grpcErrCh <- fmt.Errorf("rpc server: %w", err)
		}
		close(grpcErrCh)
	}()

	// /healthz HTTP server.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", ag.HealthzHandler)

	healthServer := &http.Server{
		Addr:         *healthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("healthz server listening", slog.String("addr", *healthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-grpcErrCh:
		if err != nil {
			logger.Error("RPC server error", slog.Any("error", err))
		}
	}

	logger.Info("shutting down tracerd")

	ag.Stop()
	grpcServer.GracefulStop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healthz server shutdown error", slog.Any("error", err))
	}
	if err := q.Close(); err != nil {
		logger.Warn("error closing local event queue", slog.Any("error", err))
	}

	logger.Info("tracerd exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
