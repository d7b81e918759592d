package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/CLIAIRMONITOR/memcore/internal/model"
	"github.com/CLIAIRMONITOR/memcore/internal/runtime"
)

// NewPatternCmd creates the pattern command with subcommands.
func NewPatternCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pattern",
		Short: "Manage semantic memory patterns",
	}
	cmd.AddCommand(newPatternAddCmd())
	cmd.AddCommand(newPatternSearchCmd())
	cmd.AddCommand(newPatternReinforceCmd())
	cmd.AddCommand(newConsolidateCmd())
	return cmd
}

func newPatternAddCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "add <content>",
		Short: "Store a semantic pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime.Runtime) error {
				saved, err := rt.Memory.SavePattern(context.Background(), &model.SemanticPattern{
					Kind:    model.PatternKind(kind),
					Content: args[0],
				})
				if err != nil {
					return err
				}
				return printJSON(saved)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(model.PatternFact), "pattern kind: procedure, constraint, fact")
	return cmd
}

func newPatternSearchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Retrieve patterns by similarity to text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime.Runtime) error {
				got, err := rt.Memory.SearchPatterns(context.Background(), args[0], limit)
				if err != nil {
					return err
				}
				return printJSON(got)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5, "maximum results")
	return cmd
}

func newPatternReinforceCmd() *cobra.Command {
	var delta int
	cmd := &cobra.Command{
		Use:   "reinforce <memory-id>",
		Short: "Add support to an existing pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime.Runtime) error {
				p, err := rt.Memory.ReinforcePattern(context.Background(), args[0], delta)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().IntVar(&delta, "delta", 1, "support increment")
	return cmd
}

func newConsolidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate",
		Short: "Run one consolidation pass immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime.Runtime) error {
				res, err := rt.Consolidator.RunOnce(context.Background())
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}
