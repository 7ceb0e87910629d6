package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func NewVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  `Print detailed version information about LynxScan.`,
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "LynxScan Version: %s\n", version)
			fmt.Fprintf(w, "Git Commit: %s\n", commit)
			fmt.Fprintf(w, "Build Date: %s\n", buildDate)
			fmt.Fprintf(w, "Go Version: %s\n", runtime.Version())
			fmt.Fprintf(w, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
