// Package commands wires the memcorectl subcommand tree, one cobra
// command constructor per concern.
package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/CLIAIRMONITOR/memcore/internal/config"
	"github.com/CLIAIRMONITOR/memcore/internal/obslog"
	"github.com/CLIAIRMONITOR/memcore/internal/runtime"
)

var (
	configPath string
	verbose    bool
)

// NewRootCmd builds the memcorectl command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "memcorectl",
		Short:         "Inspect and manage the agent memory and skill substrate",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "memcore.yaml", "path to configuration file")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		if verbose {
			fmt.Fprintf(os.Stderr, "memcorectl %s (flags: %v)\n", c.CommandPath(), changedFlags(c.Flags()))
		}
	}

	cmd.AddCommand(NewEpisodeCmd())
	cmd.AddCommand(NewPatternCmd())
	cmd.AddCommand(NewSkillCmd())
	cmd.AddCommand(NewLocksCmd())

	return cmd
}

// withRuntime constructs a Runtime for one command invocation and tears
// it down afterwards.
func withRuntime(fn func(rt *runtime.Runtime) error) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	log := obslog.Nop()
	if verbose {
		log = obslog.New(os.Stderr)
	}

	rt, err := runtime.New(cfg, runtime.Options{Log: log})
	if err != nil {
		return err
	}
	defer rt.Close()

	return fn(rt)
}

// changedFlags lists the flags explicitly set on this invocation.
func changedFlags(fs *pflag.FlagSet) []string {
	var out []string
	fs.Visit(func(f *pflag.Flag) { out = append(out, f.Name) })
	return out
}

// printJSON renders v as indented JSON on stdout.
func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
