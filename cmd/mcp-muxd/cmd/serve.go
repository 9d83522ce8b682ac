package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/xiaozhi-mcp/mcp-mux/internal/adapter/inbound/localmcp"
	"github.com/xiaozhi-mcp/mcp-mux/internal/adapter/outbound/catalogstore"
	customtooladapter "github.com/xiaozhi-mcp/mcp-mux/internal/adapter/outbound/customtool"
	"github.com/xiaozhi-mcp/mcp-mux/internal/adapter/outbound/toolcalllog"
	"github.com/xiaozhi-mcp/mcp-mux/internal/config"
	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/catalog"
	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/customtool"
	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/proxy"
	"github.com/xiaozhi-mcp/mcp-mux/internal/eventbus"
	"github.com/xiaozhi-mcp/mcp-mux/internal/observability"
	"github.com/xiaozhi-mcp/mcp-mux/internal/service"
)

const catalogCacheFileName = "xiaozhi.cache.json"

var (
	serveSocketPath  string
	serveStdio       bool
	serveMetricsAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy: connect upstreams, aggregate tools, serve downstream endpoints",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveSocketPath, "local-socket", "", "unix socket path to serve the local MCP endpoint on (disabled when empty)")
	serveCmd.Flags().BoolVar(&serveStdio, "stdio", false, "serve the local MCP endpoint over stdin/stdout")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "address to serve /metrics on (disabled when empty)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logLevel := slog.LevelInfo
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	if used := config.ConfigFileUsed(); used != "" {
		logger.Info("loaded config", "file", used)
	}

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("mcp-muxd stopped")
	return nil
}

// run wires every component together and blocks until ctx is cancelled.
// It implements the boot sequence BOOT-01 through BOOT-09.
func run(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) error {
	// ===== BOOT-01: observability =====
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:    "mcp-muxd",
		ServiceVersion: Version,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	var metricsServer *http.Server
	if serveMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: serveMetricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
		logger.Info("serving prometheus metrics", "addr", serveMetricsAddr)
	}

	// ===== BOOT-02: event bus =====
	bus := eventbus.New(busLogger{logger})

	// ===== BOOT-03: tool catalog, restored from the on-disk cache =====
	registry := catalog.NewIndex()
	cachePath := filepath.Join(cacheDir(cfg), catalogCacheFileName)
	store := catalogstore.NewFileStore(cachePath, logger)

	cached, err := store.Load()
	if err != nil {
		return fmt.Errorf("load catalog cache: %w", err)
	}
	registry.LoadSnapshot(cached)
	for serviceName, entry := range cached.Services {
		for _, t := range entry.Tools {
			registry.SetEnabled(t.Name, false)
		}
		logger.Debug("restored cached tools, disabled pending reconnect", "service", serviceName, "count", len(entry.Tools))
	}

	// ===== BOOT-04: tool-gating policy and per-tool overlay =====
	policyOverrides := make(map[string]map[string]string, len(cfg.ToolOverrides))
	serviceOverrides := make(map[string]map[string]service.ToolOverride, len(cfg.ToolOverrides))
	for svcName, tools := range cfg.ToolOverrides {
		whenByTool := make(map[string]string, len(tools))
		overlay := make(map[string]service.ToolOverride, len(tools))
		for toolName, o := range tools {
			if o.When != "" {
				whenByTool[toolName] = o.When
			}
			overlay[toolName] = service.ToolOverride{
				Enable:      o.Enable,
				Description: o.Description,
				UsageCount:  o.UsageCount,
				LastUsedAt:  o.LastUsedAt,
			}
		}
		if len(whenByTool) > 0 {
			policyOverrides[svcName] = whenByTool
		}
		serviceOverrides[svcName] = overlay
	}

	toolPolicy, err := service.NewToolPolicy(policyOverrides, logger)
	if err != nil {
		return fmt.Errorf("compile tool policies: %w", err)
	}

	// ===== BOOT-05: upstream supervisor =====
	supervisor := service.NewSupervisor(registry, service.DefaultClientFactory, bus, logger)
	supervisor.SetMetrics(metrics)
	supervisor.SetToolOverrides(serviceOverrides)

	for name, svcCfg := range cfg.Services {
		svcCfg.Name = name
		if err := supervisor.AddServiceConfig(svcCfg); err != nil {
			return fmt.Errorf("configure service %q: %w", name, err)
		}
	}
	if err := supervisor.StartAll(ctx); err != nil {
		return fmt.Errorf("start upstream services: %w", err)
	}
	defer func() {
		if err := supervisor.StopAll(); err != nil {
			logger.Error("stop upstream services", "error", err)
		}
	}()

	// ===== BOOT-06: custom tools and result cache =====
	resultCache := service.NewResultCache(1024)
	cozeHandler := customtooladapter.NewCozeProxyHandler(nil)
	scriptHandler := customtooladapter.NewScriptHandler("")
	for name, toolCfg := range cfg.CustomTools {
		if toolCfg.Kind == customtool.KindCozeProxy && toolCfg.BearerToken == "" {
			toolCfg.BearerToken = cfg.CozeToken
			cfg.CustomTools[name] = toolCfg
		}
	}
	customTools := service.NewCustomToolService(cfg.CustomTools, cozeHandler, scriptHandler, resultCache, logger)

	// ===== BOOT-07: tool-call log and message handler =====
	callLogPath := filepath.Join(cacheDir(cfg), "tool-calls.log")
	callLog, err := toolcalllog.NewWriter(callLogPath, logger)
	if err != nil {
		return fmt.Errorf("open tool-call log: %w", err)
	}
	defer func() {
		if err := callLog.Close(); err != nil {
			logger.Warn("closing tool-call log", "error", err)
		}
	}()

	handler := service.NewMessageHandler(registry, supervisor, customTools, resultCache, logger)
	handler.SetToolGate(toolPolicy)
	handler.SetToolCallLog(callLog)
	handler.SetMetrics(metrics)

	chain := proxy.NewValidationInterceptor(handler, logger)

	// ===== BOOT-08: downstream surfaces =====
	endpoints := service.NewEndpointManager(cfg.Endpoints, chain, logger)
	endpoints.SetMetrics(metrics)
	endpoints.Start(ctx)
	defer endpoints.Shutdown()

	local := localmcp.NewServer(chain, logger)
	localDone := make(chan error, 1)
	switch {
	case serveSocketPath != "":
		go func() { localDone <- local.ListenAndServeUnix(ctx, serveSocketPath) }()
	case serveStdio:
		go func() { localDone <- local.ServeStdio(ctx) }()
	default:
		localDone = nil
	}

	// ===== BOOT-09: periodic catalog persistence and graceful shutdown =====
	persistTicker := time.NewTicker(time.Minute)
	defer persistTicker.Stop()

	meta := cached.Metadata
	persist := func() {
		metrics.ToolCatalogSize.Set(float64(registry.Count()))
		snap := registry.Snapshot(meta)
		meta = snap.Metadata
		if err := store.Save(snap); err != nil {
			logger.Error("save catalog cache", "error", err)
		}
	}

	logger.Info("mcp-muxd serving", "services", len(cfg.Services), "endpoints", len(cfg.Endpoints))

loop:
	for {
		select {
		case <-persistTicker.C:
			persist()
		case err := <-localDone:
			if err != nil && ctx.Err() == nil {
				logger.Error("local mcp server stopped unexpectedly", "error", err)
			}
			localDone = nil
		case <-ctx.Done():
			break loop
		}
	}

	persist()
	return nil
}

func cacheDir(cfg *config.AppConfig) string {
	if cfg.ConfigDir != "" {
		return cfg.ConfigDir
	}
	return "."
}

// busLogger adapts *slog.Logger to eventbus.Logger.
type busLogger struct{ l *slog.Logger }

func (b busLogger) Warn(msg string, args ...any) { b.l.Warn(msg, args...) }
