package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/CLIAIRMONITOR/memcore/internal/episodic"
	"github.com/CLIAIRMONITOR/memcore/internal/memory"
	"github.com/CLIAIRMONITOR/memcore/internal/runtime"
)

// NewEpisodeCmd creates the episode command with subcommands.
func NewEpisodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "episode",
		Short: "Manage episodic memory",
	}
	cmd.AddCommand(newEpisodeAddCmd())
	cmd.AddCommand(newEpisodeGetCmd())
	cmd.AddCommand(newEpisodeQueryCmd())
	cmd.AddCommand(newEpisodeSearchCmd())
	return cmd
}

func newEpisodeAddCmd() *cobra.Command {
	var (
		agentID    string
		outcome    string
		success    bool
		duration   float64
		importance float64
		tags       []string
	)
	cmd := &cobra.Command{
		Use:   "add <task-prompt>",
		Short: "Record a finished task as an episode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime.Runtime) error {
				sessionID := rt.Memory.OpenSession(agentID)
				defer rt.Memory.CloseSession(sessionID)

				saved, err := rt.Memory.SaveEpisode(context.Background(), sessionID, memory.EpisodeFields{
					TaskPrompt:      args[0],
					Outcome:         outcome,
					Success:         success,
					DurationSeconds: duration,
					Importance:      importance,
					Tags:            tags,
				})
				if err != nil {
					return err
				}
				return printJSON(saved)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "memcorectl", "agent id to record under")
	cmd.Flags().StringVar(&outcome, "outcome", "", "task outcome text")
	cmd.Flags().BoolVar(&success, "success", true, "whether the task succeeded")
	cmd.Flags().Float64Var(&duration, "duration", 0, "task duration in seconds")
	cmd.Flags().Float64Var(&importance, "importance", 0.5, "importance in [0,1]")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tags (repeatable)")
	return cmd
}

func newEpisodeGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <memory-id>",
		Short: "Fetch one episode by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime.Runtime) error {
				e, err := rt.Memory.GetEpisode(context.Background(), args[0])
				if err != nil {
					return err
				}
				return printJSON(e)
			})
		},
	}
}

func newEpisodeQueryCmd() *cobra.Command {
	var (
		sessionID string
		minScore  float64
		tags      []string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List episodes matching a filter, best first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime.Runtime) error {
				got, err := rt.Memory.QueryEpisodes(context.Background(), episodic.Filter{
					SessionID: sessionID,
					MinScore:  minScore,
					Tags:      tags,
				}, limit)
				if err != nil {
					return err
				}
				return printJSON(got)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "filter by session id")
	cmd.Flags().Float64Var(&minScore, "min-score", 0, "minimum score")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "required tags (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	return cmd
}

func newEpisodeSearchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Retrieve episodes by similarity to text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime.Runtime) error {
				got, err := rt.Memory.SearchEpisodes(context.Background(), args[0], limit)
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
