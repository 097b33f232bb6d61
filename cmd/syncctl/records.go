package main

import (
	"github.com/spf13/cobra"

	"github.com/wolfman30/clinic-offline-sync/internal/offline"
)

var strandedCmd = &cobra.Command{
	Use:   "stranded",
	Short: "List unsynced records that are no longer queued",
	Args:  cobra.NoArgs,
	RunE:  runStranded,
}

var requeueCmd = &cobra.Command{
	Use:   "requeue [kind] [id]",
	Short: "Queue a stranded record for another round of attempts",
	Long:  `Creates a fresh queue item with a zero retry count from the record's stored payload. Kind is appointment, contact or consent.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runRequeue,
}

func init() {
	rootCmd.AddCommand(strandedCmd)
	rootCmd.AddCommand(requeueCmd)
}

func runStranded(cmd *cobra.Command, _ []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	records, err := st.StrandedRecords(cmd.Context())
	if err != nil {
		return err
	}
	if len(records) == 0 {
		cmd.Println("No stranded records.")
		return nil
	}
	return printJSON(cmd, records)
}

func runRequeue(cmd *cobra.Command, args []string) error {
	kind, err := offline.ParseKind(args[0])
	if err != nil {
		return err
	}
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Requeue(cmd.Context(), kind, args[1]); err != nil {
		return err
	}
	cmd.Printf("Requeued %s %s\n", kind, args[1])
	return nil
}
