package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fmtd/fmtd/pkg/version"
)

func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			info := version.Get()
			fmt.Fprintf(cmd.OutOrStdout(), "fmtd %s (commit %s, built %s)\n",
				info.Version, info.CommitHash, info.BuildDate)
		},
	}
}
