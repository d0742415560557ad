package version

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X fastrelay/cmd/version.Version=...".
var (
	Version   = "dev"
	GitTag    = ""
	GitCommit = ""
	BuildTime = ""
)

func String() string {
	return fmt.Sprintf("fastrelay %s (tag=%s commit=%s built=%s %s/%s)", Version, GitTag, GitCommit, BuildTime, runtime.GOOS, runtime.GOARCH)
}

var Cmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the build version.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), String())
	},
}
