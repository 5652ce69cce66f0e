package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/mcprouter/internal/app"
	"github.com/MrWong99/mcprouter/internal/config"
	"github.com/MrWong99/mcprouter/internal/observe"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane daemon",
	Long: `Connects the configured MCP servers, serves /healthz, /readyz, /statusz and
/metrics, reloads the configuration on change or SIGHUP and shuts down
gracefully on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	lv := newLogger(cfg.Server.LogLevel)

	slog.Info("mcprouter starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:             cfg.Telemetry.ServiceName,
		ServiceVersion:          version,
		InstanceID:              cfg.Telemetry.InstanceID,
		DefaultStrategy:         cfg.Router.DefaultStrategy,
		CachingEnabled:          cfg.Router.EnableCaching,
		BreakerFailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		BreakerRecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout,
		TraceSampleRatio:        cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, app.WithLevel(lv))
	if err != nil {
		return err
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(configPath, func(_, next *config.Config) {
		application.ApplyConfig(ctx, next)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
		go reloadOnHangup(ctx, watcher)
	}

	printStartupSummary(cfg)
	slog.Info("server ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), application.ShutdownTimeout())
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

// reloadOnHangup forces a config reload on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			changed, err := w.Reload()
			switch {
			case err != nil:
				slog.Error("config reload failed; keeping current config", "err", err)
			case !changed:
				slog.Info("config reload: no changes")
			}
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       mcprouter: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Strategy", orDefault(cfg.Router.DefaultStrategy, "performance_weighted"))
	printRow("Caching", fmt.Sprint(cfg.Router.EnableCaching))
	printRow("Store", orDefault(string(cfg.Store.Driver), "(disabled)"))
	printRow("Persistence", fmt.Sprint(cfg.Registry.EnablePersistence && cfg.Store.Driver != config.StoreNone))
	printRow("MCP servers", fmt.Sprint(len(cfg.Servers)))
	printRow("Listen addr", orDefault(cfg.Server.ListenAddr, "(disabled)"))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
