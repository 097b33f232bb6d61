package main

import (
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Maintain the local API cache",
}

var cacheCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete expired cache entries",
	Args:  cobra.NoArgs,
	RunE:  runCacheClean,
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate [tag]",
	Short: "Delete every cache entry carrying a tag",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheInvalidate,
}

func init() {
	cacheCmd.AddCommand(cacheCleanCmd)
	cacheCmd.AddCommand(cacheInvalidateCmd)
	rootCmd.AddCommand(cacheCmd)
}

func runCacheClean(cmd *cobra.Command, _ []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.CleanExpiredData(cmd.Context())
	if err != nil {
		return err
	}
	cmd.Printf("Removed %d expired entries\n", n)
	return nil
}

func runCacheInvalidate(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.InvalidateTag(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	cmd.Printf("Removed %d entries tagged %s\n", n, args[0])
	return nil
}
