package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meshforge/runtime/internal/bus"
	"github.com/meshforge/runtime/internal/config"
	"github.com/meshforge/runtime/internal/engine"
	"github.com/meshforge/runtime/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Config string
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild agent state from the event log and print its hash",
		Long: `Replay the stored output stream for the configured scope against a
fresh adapter, offline, and print the resulting state hash.

Two replays of the same log must print the same hash; comparing it against a
live engine's hash verifies determinism.

Example:
  meshforge replay --config ./runtime.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "path to runtime config YAML (required)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	logger := setupLogging(opts.Verbose)

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	adp, _, err := buildAdapter(cfg.AgentID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build adapter", err)
	}

	st, err := store.Open(cfg.StoreDSN)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open event store", err)
	}
	defer st.Close()

	// Offline: effects stay in memory, nothing reaches a broker.
	eng, err := engine.New(engine.Options{
		Tenant:        cfg.Tenant,
		Workspace:     cfg.Workspace,
		AgentID:       cfg.AgentID,
		Adapter:       adp,
		Store:         st,
		Bus:           bus.NewMemory(),
		Deterministic: true,
		Logger:        logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build engine", err)
	}

	applied, err := eng.Replay(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "replay failed", err)
	}
	hash, err := eng.StateHash()
	if err != nil {
		return WrapExitError(ExitFailure, "state hash failed", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "events: %d\nstate_hash: %s\n", applied, hash)
	return nil
}
