package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/xiaozhi-mcp/mcp-mux/internal/adapter/outbound/catalogstore"
	"github.com/xiaozhi-mcp/mcp-mux/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether mcp-muxd is running and summarize its cached catalog",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	pidPath := pidFilePath()
	pid := readPIDFile(pidPath)
	if pid == 0 {
		fmt.Println("mcp-muxd: not running (no PID file)")
	} else {
		proc, err := os.FindProcess(pid)
		if err == nil && processIsAlive(proc) {
			fmt.Printf("mcp-muxd: running (pid %d)\n", pid)
		} else {
			fmt.Printf("mcp-muxd: not running (stale PID file for pid %d)\n", pid)
		}
	}

	cfg, err := config.LoadConfig(cfgDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	discard := slog.New(slog.NewTextHandler(discardWriter{}, nil))
	store := catalogstore.NewFileStore(filepath.Join(cacheDir(cfg), catalogCacheFileName), discard)
	cached, err := store.Load()
	if err != nil {
		return fmt.Errorf("load catalog cache: %w", err)
	}

	totalTools := 0
	for name, entry := range cached.Services {
		fmt.Printf("  service %-20s %d tools (captured %s)\n", name, len(entry.Tools), entry.CapturedAt.Format("2006-01-02 15:04:05"))
		totalTools += len(entry.Tools)
	}
	fmt.Printf("catalog: %d services, %d tools, last updated %s\n",
		len(cached.Services), totalTools, cached.Metadata.LastGlobalUpdate.Format("2006-01-02 15:04:05"))

	return nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
