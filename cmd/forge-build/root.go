package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// logLevel is adjusted by the --verbose flag before commands run.
var logLevel = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:   "forge-build",
	Short: "Daemonless Dockerfile builder producing OCI image layouts",
	Long: `forge-build executes Dockerfile instructions in user space, snapshots
the filesystem after each step, and assembles the result into a
content-addressed OCI image. No privileged daemon or container runtime
is involved: RUN commands execute inside an unprivileged user
namespace rooted at a private build directory.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			logLevel.Set(slog.LevelDebug)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logging")
}

// Execute runs the command tree.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}
