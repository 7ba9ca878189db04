package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fmtd/fmtd/engine/profile"
	"github.com/fmtd/fmtd/pkg/config"
)

func CheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and formatter binaries",
		Long: "Loads the configuration, validates the formatter capability table and\n" +
			"probes every declared binary, reporting the resolved versions.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			file, err := configFile(cmd)
			if err != nil {
				return err
			}
			return runCheck(ctx, cmd.OutOrStdout(), file)
		},
	}
	return cmd
}

func runCheck(ctx context.Context, out io.Writer, file string) error {
	cfg, err := config.NewService().Load(ctx, file)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}
	registry, err := profile.NewRegistry(cfg.Formatters)
	if err != nil {
		return fmt.Errorf("formatter table is invalid: %w", err)
	}
	if err := registry.Validate(ctx); err != nil {
		return err
	}
	for _, p := range registry.Profiles() {
		version := p.Version
		if version == "" {
			version = "unknown"
		}
		fmt.Fprintf(out, "%-12s %-12s %-8s %s (%s)\n", p.ID, p.Language, p.Mode, p.Path(), version)
	}
	fmt.Fprintf(out, "configuration ok: %d profiles validated\n", len(registry.Profiles()))
	return nil
}
