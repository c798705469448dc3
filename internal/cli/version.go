package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmkit/internal/version"
	"github.com/javanstorm/vmkit/pkg/hypervisor"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print the version, commit hash, build date and hypervisor engine of vmkit.",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "vmkit %s\n", version.Version)
		fmt.Fprintf(out, "  Commit:     %s\n", version.Commit)
		fmt.Fprintf(out, "  Build Date: %s\n", version.BuildDate)
		fmt.Fprintf(out, "  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)

		engine, err := hypervisor.NewEngine()
		if err != nil {
			fmt.Fprintf(out, "  Engine:     unavailable (%v)\n", err)
			return
		}
		info := engine.Info()
		fmt.Fprintf(out, "  Engine:     %s %s (%s)\n", info.Name, info.Version, info.Arch)
	},
}
