package main

import (
	"fmt"
	"os"

	"fastrelay/cmd/run"
	"fastrelay/cmd/status"
	"fastrelay/cmd/version"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fastrelay",
	Short: "fastrelay is a low-allocation TCP relay.",
	Long:  `fastrelay relays TCP clients to upstream endpoints, directly or through a KCP tunnel or SOCKS5 proxy, with per-direction throttling and fault injection.`,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(run.Cmd)
	rootCmd.AddCommand(status.Cmd)
	rootCmd.AddCommand(version.Cmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
