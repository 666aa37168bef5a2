package commands

import (
	"github.com/dyluth/execmgr/internal/config"
	"github.com/dyluth/execmgr/internal/printer"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the sandbox configuration",
	Long: `Loads the configuration file, applies defaults and prints the
resulting settings. USERTOKEN must be set, as for 'execmgr run'.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return printer.Error(
			"Invalid configuration",
			err.Error(),
			map[string]string{"file": configPath},
			[]string{"Fix the file and run 'execmgr validate' again"},
		)
	}

	printConfigSummary(cfg)
	printer.Success("Configuration is valid\n")
	return nil
}

func printConfigSummary(cfg *config.Config) {
	printer.Section("Sandbox")
	printer.Field("sandbox", cfg.SandboxID)
	printer.Field("workflow", cfg.WorkflowName+" ("+cfg.WorkflowID+")")
	printer.Field("user", cfg.UserID)
	printer.Field("queue", cfg.Queue)

	printer.Section("Functions")
	if len(cfg.WorkflowFunctions) == 0 {
		printer.Warning("No functions listed in workflowfunctionlist\n")
	} else {
		rows := make([][]string, 0, len(cfg.WorkflowFunctions))
		for _, fn := range cfg.WorkflowFunctions {
			rows = append(rows, []string{fn.Topic, fn.Name})
		}
		_ = printer.Table([]string{"Topic", "Function"}, rows)
	}

	printer.Section("Manager")
	printer.Field("poll timeout", cfg.Manager.PollTimeout)
	printer.Field("poll batch", cfg.Manager.PollMaxMessages)
	printer.Field("grow attempts", cfg.Manager.MaxGrowAttempts)
	printer.Field("grow wait", cfg.Manager.GrowWait)
	printer.Field("stop busy on exit", cfg.Manager.ShutdownBusyWorkers)
	printer.Field("dispatch max attempts", *cfg.Manager.Dispatch.MaxAttempts)
	printer.Field("dispatch max elapsed", *cfg.Manager.Dispatch.MaxElapsed)

	printer.Section("Limits")
	printer.Field("cgroup root", cfg.Limits.CgroupRoot)
	printer.Field("pool limit bytes", cfg.Limits.PoolLimitBytes)
	printer.Field("min resident bytes", cfg.Limits.MinResidentBytes)

	if cfg.Health.Disabled {
		printer.Warning("Health server disabled\n")
	} else {
		printer.Field("health addr", cfg.Health.Addr)
	}
	printer.Info("\n")
}
