// memcorectl is the operator CLI over the memory and skill substrate:
// inspect and add episodes, patterns, and skills against the same data
// directory the daemon uses.
package main

import (
	"fmt"
	"os"

	"github.com/CLIAIRMONITOR/memcore/cmd/memcorectl/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
