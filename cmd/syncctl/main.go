// Command syncctl inspects and repairs a device's offline store.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	appconfig "github.com/wolfman30/clinic-offline-sync/internal/config"
	"github.com/wolfman30/clinic-offline-sync/internal/store"
	"github.com/wolfman30/clinic-offline-sync/pkg/logging"
)

var (
	dataDir  string
	logLevel string
	cfg      *appconfig.Config
)

var rootCmd = &cobra.Command{
	Use:           "syncctl",
	Short:         "Inspect and repair the offline sync store",
	Long:          `syncctl reads the sync agent's local store: queue stats, stranded records, manual requeue and cache maintenance.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	_ = godotenv.Load()
	cfg = appconfig.Load()
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", cfg.DataDir, "Directory holding offline.db")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level for store diagnostics")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger(cmd *cobra.Command) *logging.Logger {
	return logging.NewWithWriter(logLevel, cmd.ErrOrStderr())
}

// openStore opens the store under --data-dir. Callers close it.
func openStore(cmd *cobra.Command) (*store.Store, error) {
	path := filepath.Join(dataDir, "offline.db")
	st := store.New(path, store.WithLogger(newLogger(cmd)))
	if err := st.Open(cmd.Context()); err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return st, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
