package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/fmtd/fmtd/pkg/logger"
)

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fmtd",
		Short: "fmtd is a code formatting service",
		Long: "fmtd normalizes source code through external formatter binaries.\n" +
			"It serves an HTTP API with synchronous and queued formatting, " +
			"deduplicates identical work, and caches results on disk.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logLevel, logJSON, logSource, err := getLoggerConfig(cmd.Flags())
			if err != nil {
				return err
			}
			logger.SetupLogger(logLevel, logJSON, logSource)
			return nil
		},
	}

	root.PersistentFlags().String("config", "", "Path to the YAML configuration file")
	root.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")
	root.PersistentFlags().Bool("log-source", false, "Include source positions in logs")

	root.AddCommand(
		ServeCmd(),
		FormatCmd(),
		CheckCmd(),
		VersionCmd(),
	)

	return root
}

func getLoggerConfig(flags *pflag.FlagSet) (string, bool, bool, error) {
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return "", false, false, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	logJSON, err := flags.GetBool("log-json")
	if err != nil {
		return "", false, false, fmt.Errorf("failed to get log-json flag: %w", err)
	}
	logSource, err := flags.GetBool("log-source")
	if err != nil {
		return "", false, false, fmt.Errorf("failed to get log-source flag: %w", err)
	}
	return logLevel, logJSON, logSource, nil
}

func configFile(cmd *cobra.Command) (string, error) {
	file, err := cmd.Flags().GetString("config")
	if err != nil {
		return "", fmt.Errorf("failed to get config flag: %w", err)
	}
	return file, nil
}
