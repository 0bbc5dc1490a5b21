package main

import (
	"github.com/spf13/cobra"

	"github.com/aatumaykin/seorunner/internal/config"
)

const defaultConfigPath = "./config.toml"

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	envFile    string
	logLevel   string
}

// newRootCmd builds the command tree. Commands are constructed per call so
// flag state never leaks between invocations.
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "seorunner",
		Short: "seorunner - SEO tool execution service",
		Long: `seorunner runs SEO analysis tools in isolated worker processes.
It serves on-demand tool calls under a concurrency cap and executes
recurring scheduled jobs against long-lived per-owner workers.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadEnvOptional(opts.envFile)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to the TOML config file")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "./.env", "optional .env file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(opts))
	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newInvokeCmd(opts))
	rootCmd.AddCommand(newJobsCmd(opts))
	rootCmd.AddCommand(newOwnersCmd(opts))

	return rootCmd
}
