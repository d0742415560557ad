package status

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"fastrelay/internal/conf"

	"github.com/spf13/cobra"
)

const defaultDebugAddr = "127.0.0.1:6060"

var (
	confPath  string
	debugAddr string
	jsonOut   bool
	timeout   time.Duration
)

func init() {
	Cmd.Flags().StringVarP(&confPath, "config", "c", "/etc/fastrelay/config.yaml", "Path to the configuration file (used to find the debug endpoint).")
	Cmd.Flags().StringVar(&debugAddr, "addr", "", "Debug HTTP address (host:port). If empty, uses the config or "+defaultDebugAddr+".")
	Cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON from /debug/fastrelay/status instead of text.")
	Cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "HTTP timeout (e.g. 500ms, 2s).")
}

var Cmd = &cobra.Command{
	Use:   "status",
	Short: "Prints live status from the local debug endpoint",
	Run: func(cmd *cobra.Command, args []string) {
		if err := run(cmd.OutOrStdout()); err != nil {
			log.Fatalf("%v", err)
		}
	},
}

func run(out io.Writer) error {
	addr, configured, err := resolveDebugAddr()
	if err != nil {
		return err
	}

	path := "/debug/fastrelay/text"
	if jsonOut {
		path = "/debug/fastrelay/status"
	}
	url := fmt.Sprintf("http://%s%s", addr, path)

	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		if !configured {
			return fmt.Errorf("failed to reach %s: %w\n\nHint: set debug.listen in the config and restart", url, err)
		}
		return fmt.Errorf("failed to reach %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("debug endpoint returned %s: %s", resp.Status, string(body))
	}
	_, err = out.Write(body)
	return err
}

// resolveDebugAddr prefers --addr, then debug.listen from the config.
func resolveDebugAddr() (addr string, configured bool, err error) {
	if debugAddr != "" {
		return debugAddr, true, nil
	}
	if confPath != "" {
		if _, statErr := os.Stat(confPath); statErr == nil {
			cfg, loadErr := conf.LoadFromFile(confPath)
			if loadErr != nil {
				return "", false, loadErr
			}
			if cfg.Debug.Listen != "" {
				return cfg.Debug.Listen, true, nil
			}
		} else if !errors.Is(statErr, os.ErrNotExist) {
			return "", false, statErr
		}
	}
	return defaultDebugAddr, false, nil
}
