package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fmtd/fmtd/engine/adapter"
	"github.com/fmtd/fmtd/engine/core"
	"github.com/fmtd/fmtd/engine/executor"
	"github.com/fmtd/fmtd/engine/profile"
	"github.com/fmtd/fmtd/pkg/config"
)

func FormatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "format [file]",
		Short: "Format a single file locally without the server",
		Long: "Reads the given file (or stdin when the argument is \"-\"), resolves a\n" +
			"formatter profile and prints the normalized output to stdout.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			file, err := configFile(cmd)
			if err != nil {
				return err
			}
			write, err := cmd.Flags().GetBool("write")
			if err != nil {
				return fmt.Errorf("failed to get write flag: %w", err)
			}
			profileID, err := cmd.Flags().GetString("profile")
			if err != nil {
				return fmt.Errorf("failed to get profile flag: %w", err)
			}
			return runFormat(ctx, cmd.OutOrStdout(), file, args[0], profileID, write)
		},
	}
	cmd.Flags().Bool("write", false, "Rewrite the file in place instead of printing to stdout")
	cmd.Flags().String("profile", "", "Formatter profile ID, bypassing detection")
	return cmd
}

func runFormat(ctx context.Context, out io.Writer, configPath, target, profileID string, write bool) error {
	cfg, err := config.NewService().Load(ctx, configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	registry, err := profile.NewRegistry(cfg.Formatters)
	if err != nil {
		return fmt.Errorf("failed to build formatter registry: %w", err)
	}

	content, filename, err := readTarget(target)
	if err != nil {
		return err
	}
	p, err := resolveLocalProfile(registry, content, filename, profileID)
	if err != nil {
		return err
	}
	if err := registry.ValidateProfile(ctx, p.ID); err != nil {
		return err
	}

	workRoot, err := os.MkdirTemp("", "fmtd-")
	if err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(workRoot)

	exec, err := executor.New(adapter.New(cfg.Exec), registry, workRoot)
	if err != nil {
		return err
	}
	result, err := exec.Execute(ctx, &executor.Request{
		Key:      core.ComputeKey(content, p.ID, p.Version),
		Profile:  p,
		Inline:   content,
		Filename: filename,
	})
	if err != nil {
		return err
	}

	if write && target != "-" {
		info, statErr := os.Stat(target)
		mode := os.FileMode(0o644)
		if statErr == nil {
			mode = info.Mode()
		}
		return os.WriteFile(target, result.Output, mode)
	}
	_, err = out.Write(result.Output)
	return err
}

func readTarget(target string) ([]byte, string, error) {
	if target == "-" {
		content, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return content, "", nil
	}
	content, err := os.ReadFile(target)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", target, err)
	}
	return content, filepath.Base(target), nil
}

func resolveLocalProfile(
	registry *profile.Registry,
	content []byte,
	filename string,
	profileID string,
) (*profile.Profile, error) {
	if profileID != "" {
		p, ok := registry.Get(profileID)
		if !ok {
			return nil, fmt.Errorf("unknown formatter profile %q", profileID)
		}
		return p, nil
	}
	return registry.Detect(content, filename)
}
