package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newRecrawlCmd creates the 'recrawl' subcommand: one scheduled pass over
// every stored channel. The per-channel outcomes are printed as JSON and the
// command fails when any channel failed, so schedulers notice.
func newRecrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recrawl",
		Short: "Re-run the channel pipeline for every stored channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer appInstance.Close(cmd.Context())

			logger := appInstance.Logger()
			logger.Info("starting channel update job")
			result, err := appInstance.Graph().UpdateAllStoredChannels(cmd.Context())
			if err != nil {
				return fmt.Errorf("recrawl: %w", err)
			}
			logger.Info("channel update job complete",
				zap.Int("succeeded", result.Succeeded),
				zap.Int("failed", result.Failed),
			)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			if result.Failed > 0 {
				return fmt.Errorf("recrawl: %d of %d channels failed", result.Failed, len(result.Outcomes))
			}
			return nil
		},
	}
}
