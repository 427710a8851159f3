// Command buildxl is the pip execution core's command-line entry point.
// It loads a pre-resolved manifest of pips and mounts, schedules them in
// dependency order, and drives each one through the executor state
// machine of §4.6. Build-graph construction from a higher-level
// specification language remains external (§Non-goals); buildxl
// consumes an already-resolved graph the way the core itself does (§6).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	topcmd "github.com/buildxl-go/buildxl/cmd"
	"github.com/buildxl-go/buildxl/pkg/buildversion"
)

func rootMain(command *cobra.Command, arguments []string) error {
	command.Help()
	return nil
}

var rootCommand = &cobra.Command{
	Use:   "buildxl",
	Short: "buildxl executes a hermetic, content-addressed pip graph",
	Run:   topcmd.Mainify(rootMain),
}

func versionMain(command *cobra.Command, arguments []string) error {
	fmt.Println(buildversion.String)
	return nil
}

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run:   topcmd.Mainify(versionMain),
}

func init() {
	cobra.EnableCommandSorting = false

	var rootConfiguration struct {
		help bool
	}
	flags := rootCommand.Flags()
	flags.BoolVarP(&rootConfiguration.help, "help", "h", false, "Show help information")

	rootCommand.AddCommand(
		runCommand,
		versionCommand,
	)
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}
