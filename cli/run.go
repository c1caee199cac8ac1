package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/petal-labs/petalhive"
	"github.com/petal-labs/petalhive/agent"
	"github.com/petal-labs/petalhive/core"
	"github.com/petal-labs/petalhive/loader"
	petalotel "github.com/petal-labs/petalhive/otel"
	"github.com/petal-labs/petalhive/state"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the agent runtime",
		RunE:  runRun,
	}

	cmd.Flags().StringP("config", "c", "petalhive.yaml", "Path to runtime config file")
	cmd.Flags().String("otlp-endpoint", "", "OTLP HTTP endpoint for trace export (empty = disabled)")
	cmd.Flags().String("log-level", "info", "Log level: debug | info | warn | error")
	cmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")

	return cmd
}

func runRun(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	otlpEndpoint, _ := cmd.Flags().GetString("otlp-endpoint")
	logLevel, _ := cmd.Flags().GetString("log-level")
	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
	out := cmd.OutOrStdout()

	logger, err := newLogger(logLevel)
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}

	cfg, err := loadRunConfig(cmd, configPath)
	if err != nil {
		return err
	}

	states, err := newStateStore(cfg.State)
	if err != nil {
		return exitError(exitRuntime, "opening state store: %v", err)
	}

	// Trace export is opt-in; without an endpoint the global no-op
	// provider stays in place.
	if otlpEndpoint != "" {
		shutdown, err := setupTracing(cmd.Context(), otlpEndpoint)
		if err != nil {
			return exitError(exitRuntime, "initializing trace export: %v", err)
		}
		defer shutdown()
	}

	metrics, err := petalotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter("petalhive/kernel"))
	if err != nil {
		return exitError(exitRuntime, "initializing metrics: %v", err)
	}

	rt := petalhive.New(petalhive.Config{
		Bus: petalhive.MemBusConfig{
			HistoryCapacity:    cfg.Bus.HistoryCapacity,
			DeadLetterCapacity: cfg.Bus.DeadLetterCapacity,
			HandlerTimeout:     cfg.Bus.HandlerTimeout.Std(),
			Logger:             logger,
		},
		States:  states,
		Metrics: metrics,
		Logger:  logger,
	})

	rt.Bus.Subscribe(core.Wildcard, metrics.HandleEvent)
	tracing := petalotel.NewTracingHandler(otelapi.GetTracerProvider().Tracer("petalhive/kernel"))
	rt.Bus.Subscribe("agent:*", tracing.HandleEvent)

	sorted, err := cfg.SortedAgents()
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}
	for _, a := range sorted {
		if _, err := rt.AddAgent(agent.Config{
			ID:           a.ID,
			Name:         a.Name,
			Tier:         a.Tier,
			Description:  a.Description,
			Dependencies: a.Dependencies,
			Enabled:      a.Enabled,
			TickInterval: a.TickInterval.Std(),
			CronSchedule: a.CronSchedule,
		}, agent.NopHooks{}); err != nil {
			return exitError(exitValidation, "registering agent %s: %v", a.ID, err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		_ = rt.Stop(context.Background())
		return exitError(exitRuntime, "starting agents: %v", err)
	}
	stats := rt.Registry.GetStats()
	fmt.Fprintf(out, "PetalHive runtime started (%d agents)\n", stats.Total)

	<-ctx.Done()
	fmt.Fprintln(out, "Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.Stop(shutdownCtx); err != nil {
		return exitError(exitRuntime, "shutdown error: %v", err)
	}
	return nil
}

// loadRunConfig loads the config file, mapping failures to exit codes.
// A missing file at the default path runs with an empty config.
func loadRunConfig(cmd *cobra.Command, path string) (*loader.Config, error) {
	cfg, err := loader.Load(path)
	if err == nil {
		return cfg, nil
	}

	if errors.Is(err, os.ErrNotExist) {
		if !cmd.Flags().Changed("config") {
			return &loader.Config{}, nil
		}
		return nil, exitError(exitFileNotFound, "file not found: %s", path)
	}
	var diagErr *loader.DiagnosticError
	if errors.As(err, &diagErr) {
		printDiagnosticsText(cmd.ErrOrStderr(), diagErr.Diagnostics)
		return nil, exitError(exitValidation, "validation failed")
	}
	return nil, exitError(exitValidation, "%v", err)
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func newStateStore(cfg loader.StateConfig) (state.Store, error) {
	switch cfg.Driver {
	case "", loader.DriverMemory:
		return state.NewMemStore(), nil
	case loader.DriverSQLite:
		return state.NewSQLiteStore(state.SQLiteStoreConfig{
			DSN:          cfg.DSN,
			RetentionAge: cfg.RetentionAge.Std(),
		})
	default:
		return nil, fmt.Errorf("unknown state driver %q", cfg.Driver)
	}
}

// setupTracing installs an OTLP HTTP trace exporter as the global
// tracer provider and returns a shutdown func.
func setupTracing(ctx context.Context, endpoint string) (func(), error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otelapi.SetTracerProvider(tp)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}, nil
}
