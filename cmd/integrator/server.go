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
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/integrator/internal/api"
	"github.com/kalambet/integrator/internal/bridge"
	"github.com/kalambet/integrator/internal/config"
	"github.com/kalambet/integrator/internal/creator"
	"github.com/kalambet/integrator/internal/gateway"
	"github.com/kalambet/integrator/internal/metrics"
	"github.com/kalambet/integrator/internal/modules"
	"github.com/kalambet/integrator/internal/outbox"
	"github.com/kalambet/integrator/internal/storage"
	"github.com/kalambet/integrator/internal/storage/mongostore"
	"github.com/kalambet/integrator/internal/system"
	"github.com/kalambet/integrator/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the integrator server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show integrator health and readiness",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showStatus(cmd.Context(), client)
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

// requiredModules must all load for the service to report integration-ready.
var requiredModules = []string{modules.Creator, modules.Education, modules.Finance}

// backend is a store that also carries the outbox job queue.
type backend interface {
	storage.Backend
	storage.JobQueue
}

func openBackend(ctx context.Context, cfg config.StorageConfig) (backend, error) {
	switch cfg.Backend {
	case config.StorageMongoDB:
		s, err := mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("opening mongodb: %w", err)
		}
		return s, nil
	default:
		s, err := storage.Open(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		return s, nil
	}
}

// app is the wired service.
type app struct {
	store     backend
	gateway   *gateway.Gateway
	handler   http.Handler
	mcp       *server.MCPServer
	worker    *outbox.Worker
	heartbeat *telemetry.Heartbeat
}

func newApp(cfg config.Config, store backend, logger *slog.Logger) (*app, error) {
	m := metrics.New(true)

	// creator.Bridge stays a nil interface when the backend is disabled.
	var br creator.Bridge
	var client *bridge.Client
	if cfg.Bridge.Enabled {
		client = bridge.New(cfg.Bridge.BaseURL,
			bridge.WithTimeout(cfg.Bridge.Timeout),
			bridge.WithRetries(cfg.Bridge.Retries),
			bridge.WithBackoff(cfg.Bridge.Backoff),
			bridge.WithAPIKey(cfg.Bridge.APIKey),
			bridge.WithObserver(m),
			bridge.WithLogger(logger),
		)
		br = client
	}

	router := creator.NewRouter(br, store, creator.WithLogger(logger), creator.WithCounter(m))
	mods := []gateway.Module{modules.NewFinance(), modules.NewEducation(), modules.NewCreator(router)}

	gwOpts := []gateway.Option{
		gateway.WithRouter(router),
		gateway.WithRecorder(m),
		gateway.WithLogger(logger),
	}
	monOpts := []system.Option{system.WithLogger(logger)}
	emOpts := []telemetry.EmitterOption{telemetry.WithCounter(m), telemetry.WithLogger(logger)}
	if client != nil {
		gwOpts = append(gwOpts, gateway.WithOutbox(store))
		monOpts = append(monOpts, system.WithBridge(client))
		emOpts = append(emOpts, telemetry.WithQueue(store, gateway.JobCoreLog))
	}
	gw := gateway.New(store, mods, gwOpts...)
	monitor := system.NewMonitor(store, gw, requiredModules, monOpts...)

	a := &app{
		store:   store,
		gateway: gw,
		handler: api.NewHandler(api.Deps{
			Gateway: gw,
			Store:   store,
			Monitor: monitor,
			Metrics: m,
			Logger:  logger,
		}),
		mcp: api.NewMCPServer(api.MCPDeps{Gateway: gw, Store: store, Version: version}),
	}

	if client != nil {
		a.worker = outbox.NewWorker(store, client, cfg.Worker.PollInterval,
			outbox.WithFeedback(router, store),
			outbox.WithCounter(m),
			outbox.WithLogger(logger),
		)
	}

	if cfg.Telemetry.Heartbeat != "" {
		hb, err := telemetry.NewHeartbeat(cfg.Telemetry.Heartbeat, monitor, telemetry.NewEmitter(emOpts...), logger)
		if err != nil {
			return nil, err
		}
		a.heartbeat = hb
	}
	return a, nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "integrator version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	a, err := newApp(cfg, store, logger)
	if err != nil {
		return err
	}
	logger.Info("gateway ready",
		"modules", a.gateway.Modules(),
		"storage", cfg.Storage.Backend,
		"bridge_enabled", cfg.Bridge.Enabled,
	)

	if a.worker != nil {
		go a.worker.Run(ctx)
		logger.Info("outbox worker started", "poll_interval", cfg.Worker.PollInterval)
	}
	if a.heartbeat != nil {
		a.heartbeat.Start()
		defer a.heartbeat.Stop()
		logger.Info("telemetry heartbeat scheduled", "schedule", cfg.Telemetry.Heartbeat)
	}

	if withMCP {
		stdioSrv := server.NewStdioServer(a.mcp)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "integrator listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func showStatus(ctx context.Context, client *apiClient) error {
	resp, err := client.get(ctx, "/system/health")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	var health system.Health
	if err := decodeJSON(resp, &health); err != nil {
		printStatus("Server", "error (%v)", err)
		return nil
	}
	printStatus("Server", "%s", colorize(statusColor(health.Status), health.Status))
	for _, name := range []string{"database", "gateway", "external_service"} {
		if v, ok := health.Components[name]; ok {
			printStatus("  "+name, "%v", v)
		}
	}

	resp, err = client.get(ctx, "/system/diagnostics")
	if err != nil {
		return err
	}
	var diag system.Diagnostics
	if err := decodeJSON(resp, &diag); err != nil {
		return err
	}
	ready := "ready"
	if !diag.IntegrationReady {
		ready = "not ready"
	}
	printStatus("Integration", "%s (score %.3f, %s)", ready, diag.IntegrationScore, diag.ReadinessReason)
	printStatus("Interactions", "%d", diag.Memory.TotalInteractions)
	printStatus("Users", "%d", diag.Memory.UniqueUsers)
	return nil
}
