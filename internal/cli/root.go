// Package cli implements the geon command line interface.
package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/bygeon/geon/internal/cli.version=1.2.3"
	version = "0.3.0"
	logo    = "\n" +
		"   __ _  ___  ___  _ __\n" +
		"  / _` |/ _ \\/ _ \\| '_ \\\n" +
		" | (_| |  __/ (_) | | | |\n" +
		"  \\__, |\\___|\\___/|_| |_|\n" +
		"  |___/\n"
)

var rootCmd = &cobra.Command{
	Use:   "geon",
	Short: "geon - cross-platform chat relay",
	Long:  color.CyanString(logo) + "\nMirrors conversations between Discord, Slack and WhatsApp.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the geon version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("geon", version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}
