package commands

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/CLIAIRMONITOR/memcore/internal/model"
	"github.com/CLIAIRMONITOR/memcore/internal/runtime"
	"github.com/CLIAIRMONITOR/memcore/internal/skill"
)

// NewSkillCmd creates the skill command with subcommands.
func NewSkillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skill",
		Short: "Manage the skill library",
	}
	cmd.AddCommand(newSkillAddCmd())
	cmd.AddCommand(newSkillGetCmd())
	cmd.AddCommand(newSkillSearchCmd())
	cmd.AddCommand(newSkillExecCmd())
	cmd.AddCommand(newSkillHistoryCmd())
	cmd.AddCommand(newSkillDeprecateCmd())
	return cmd
}

func newSkillAddCmd() *cobra.Command {
	var (
		file            string
		validate        bool
		expectedVersion int
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update a skill from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var sk model.Skill
			if err := json.Unmarshal(data, &sk); err != nil {
				return err
			}

			var expected *int
			if cmd.Flags().Changed("expected-version") {
				expected = &expectedVersion
			}

			return withRuntime(func(rt *runtime.Runtime) error {
				saved, err := rt.Skills.Add(context.Background(), &sk, validate, expected)
				if err != nil {
					return err
				}
				return printJSON(saved)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to skill JSON")
	cmd.Flags().BoolVar(&validate, "validate", true, "validate and activate the skill")
	cmd.Flags().IntVar(&expectedVersion, "expected-version", 0, "optimistic-lock version check")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newSkillGetCmd() *cobra.Command {
	var byName bool
	cmd := &cobra.Command{
		Use:   "get <id-or-name>",
		Short: "Fetch one skill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime.Runtime) error {
				var (
					sk  *model.Skill
					err error
				)
				if byName {
					sk, err = rt.Skills.GetByName(context.Background(), args[0])
				} else {
					sk, err = rt.Skills.Get(context.Background(), args[0])
				}
				if err != nil {
					return err
				}
				return printJSON(sk)
			})
		},
	}
	cmd.Flags().BoolVar(&byName, "by-name", false, "look up the active skill by name")
	return cmd
}

func newSkillSearchCmd() *cobra.Command {
	var (
		category string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Retrieve active skills by similarity to text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime.Runtime) error {
				got, err := rt.Skills.Search(context.Background(), args[0], skill.Filter{Category: category}, limit)
				if err != nil {
					return err
				}
				return printJSON(got)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "filter by category")
	cmd.Flags().IntVar(&limit, "limit", 5, "maximum results")
	return cmd
}

func newSkillExecCmd() *cobra.Command {
	var (
		paramsJSON string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "exec <skill-id>",
		Short: "Execute a skill with a JSON parameter context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{}
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					return err
				}
			}
			return withRuntime(func(rt *runtime.Runtime) error {
				res, err := rt.Skills.Execute(context.Background(), args[0], params, timeout)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&paramsJSON, "params", "", "JSON object of execution parameters")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-execution deadline")
	return cmd
}

func newSkillHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <skill-id>",
		Short: "List a skill's archived revisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime.Runtime) error {
				versions, err := rt.Skills.GetVersionHistory(context.Background(), args[0])
				if err != nil {
					return err
				}
				return printJSON(versions)
			})
		},
	}
}

func newSkillDeprecateCmd() *cobra.Command {
	var replacement string
	cmd := &cobra.Command{
		Use:   "deprecate <skill-id>",
		Short: "Retire a skill, optionally naming its replacement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime.Runtime) error {
				sk, err := rt.Skills.Deprecate(context.Background(), args[0], replacement)
				if err != nil {
					return err
				}
				return printJSON(sk)
			})
		},
	}
	cmd.Flags().StringVar(&replacement, "replacement", "", "active skill id replacing this one")
	return cmd
}
