package commands

import (
	"github.com/spf13/cobra"

	"github.com/CLIAIRMONITOR/memcore/internal/runtime"
)

// NewLocksCmd creates the locks command with subcommands.
func NewLocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect lock-manager state",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Dump per-resource lock statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime.Runtime) error {
				return printJSON(rt.Locks.AllStats())
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "long-waits",
		Short: "Report waiters queued past the deadlock threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime.Runtime) error {
				return printJSON(rt.Locks.DetectLongWaits())
			})
		},
	})
	return cmd
}
