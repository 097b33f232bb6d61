package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/wolfman30/clinic-offline-sync/internal/syncer"
)

var (
	backendURL    string
	syncItemDelay time.Duration
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass against the backend",
	Long:  `Replays every due queue item once, in priority order, using the same retry policy as the agent.`,
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().StringVar(&backendURL, "backend-url", cfg.BackendBaseURL, "Backend base URL")
	syncCmd.Flags().DurationVar(&syncItemDelay, "item-delay", cfg.SyncItemDelay, "Pause between items")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, _ []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	logger := newLogger(cmd)
	replayer, err := syncer.NewHTTPReplayer(syncer.ReplayerConfig{
		BaseURL: backendURL,
		Timeout: cfg.ReplayTimeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	mgr := syncer.NewManager(st, replayer, nil, logger).
		WithMaxRetries(cfg.SyncMaxRetries).
		WithBackoff(cfg.SyncBaseBackoff, cfg.SyncMaxBackoff).
		WithItemDelay(syncItemDelay)

	return printJSON(cmd, mgr.RunAutoSync(cmd.Context()))
}
