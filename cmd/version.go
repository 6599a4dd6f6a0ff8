package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// BuildInfo contains information about the build, injected via ldflags
var BuildInfo struct {
	Version   string
	GitCommit string
	BuildTime string
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display the version, build information, and runtime environment of the telemetry service.`,
	Run: func(cmd *cobra.Command, args []string) {
		displayVersion()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	if BuildInfo.Version == "" {
		BuildInfo.Version = "dev"
	}
}

func displayVersion() {
	fmt.Printf("Telemetry Service %s\n", BuildInfo.Version)
	if BuildInfo.GitCommit != "" {
		fmt.Printf("  commit:     %s\n", BuildInfo.GitCommit)
	}
	if BuildInfo.BuildTime != "" {
		fmt.Printf("  built at:   %s\n", BuildInfo.BuildTime)
	}
	fmt.Printf("  go version: %s\n", runtime.Version())
	fmt.Printf("  platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
