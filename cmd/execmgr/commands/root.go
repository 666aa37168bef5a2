package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "execmgr",
	Short: "execmgr - sandbox execution manager",
	Long: `execmgr manages the pools of function worker processes inside one
workflow sandbox. Workers report in over the sandbox message queue, are handed
out and taken back with their memory swapped in and out, and are stopped
together when the sandbox shuts down.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	// Unknown flags are an error
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command. Called once by main.main().
func Execute() error {
	// Cobra's error and usage output is replaced by the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/opt/mfn/execmgr.yml", "Path to the sandbox configuration file")
}
