package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the build version, overridden at link time with
// -ldflags "-X github.com/meshforge/runtime/internal/cli.Version=...".
var Version = "dev"

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the meshforge version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "meshforge %s\n", Version)
		},
	}
}
