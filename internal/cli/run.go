package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/meshforge/runtime/internal/bus"
	"github.com/meshforge/runtime/internal/config"
	"github.com/meshforge/runtime/internal/consumer"
	"github.com/meshforge/runtime/internal/engine"
	"github.com/meshforge/runtime/internal/store"
	"github.com/meshforge/runtime/internal/telemetry"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an engine for one (tenant, workspace, agent) scope",
		Long: `Run a scoped runtime engine against a NATS JetStream broker.

The engine recovers its state from the event store, starts a durable pull
consumer on its command subject, and processes until interrupted.

Example:
  meshforge run --config ./runtime.yaml
  meshforge run --config ./runtime.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "path to runtime config YAML (required)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	logger := setupLogging(opts.Verbose)

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger.Info("config loaded",
		"tenant", cfg.Tenant,
		"workspace", cfg.Workspace,
		"agent", cfg.AgentID,
	)

	adp, target, err := buildAdapter(cfg.AgentID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build adapter", err)
	}

	tel, err := telemetry.New()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to init telemetry", err)
	}

	logger.Info("opening event store", "dsn", cfg.StoreDSN)
	st, err := store.Open(cfg.StoreDSN)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open event store", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing event store", "error", closeErr)
		}
	}()

	logger.Info("connecting to broker", "url", cfg.NATSURL)
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("meshforge-"+cfg.AgentID),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect to NATS", err)
	}
	defer nc.Drain()

	jsBus, err := bus.NewJetStream(nc, bus.StreamConfig{
		Events:   cfg.EventsStream,
		Commands: cfg.CommandsStream,
	}, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to init jetstream", err)
	}
	if err := jsBus.EnsureStreams(); err != nil {
		return WrapExitError(ExitCommandError, "failed to ensure streams", err)
	}

	eng, err := engine.New(engine.Options{
		Tenant:        cfg.Tenant,
		Workspace:     cfg.Workspace,
		AgentID:       cfg.AgentID,
		Adapter:       adp,
		Store:         st,
		Bus:           jsBus,
		Router:        jsBus,
		Deterministic: cfg.Deterministic,
		Telemetry:     tel,
		Logger:        logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build engine", err)
	}

	// Recovery before consumption: redelivered messages must dedupe
	// against history.
	ctx, cancel := signalContext(cmd)
	defer cancel()

	if _, err := eng.Replay(ctx); err != nil {
		return WrapExitError(ExitFailure, "state recovery failed", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to get jetstream context", err)
	}
	cons, err := consumer.New(js, eng, consumer.Options{
		Stream:         cfg.CommandsStream,
		Subject:        cfg.CommandFilter(target),
		Durable:        consumer.DurableName(cfg.AgentID),
		MaxDeliver:     cfg.MaxDeliver,
		Backoff:        cfg.Backoff(),
		AckWait:        cfg.AckWait(),
		MessageTimeout: cfg.MessageTimeout(),
	}, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build consumer", err)
	}
	if err := cons.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to start consumer", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Engine %s running on %s/%s. Press Ctrl-C to stop.\n",
		cfg.AgentID, cfg.Tenant, cfg.Workspace)

	runTickLoop(ctx, eng, cfg.TickInterval(), logger)

	// Signal-driven drain: stop pulling, finish the in-flight message,
	// then let the deferred closes run.
	cons.Stop()
	logger.Info("engine stopped gracefully", "agent", cfg.AgentID)
	return nil
}

// runTickLoop drives the adapter's time-based logic until the context ends.
// A zero interval disables ticking.
func runTickLoop(ctx context.Context, eng *engine.Engine, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := eng.Tick(ctx, eng.Now()); err != nil {
				logger.Error("tick failed", "agent", eng.AgentID(), "error", err)
			}
		}
	}
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
