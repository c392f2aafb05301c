package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
	"github.com/JakeFAU/botnet-tracker/internal/orchestrator"
)

// newPopularCmd creates the 'popular' subcommand, which stores the videos of
// most-popular charts so their comment sections can be scanned later. With no
// --category and no --trending, the trending chart and the default category
// charts are read.
func newPopularCmd() *cobra.Command {
	var (
		region     string
		categories []string
		trending   bool
		maxResults int
	)
	cmd := &cobra.Command{
		Use:   "popular",
		Short: "Seed videos from most-popular charts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if maxResults < 0 {
				return errors.New("--max must not be negative")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer appInstance.Close(cmd.Context())

			var queries []botnet.PopularQuery
			if trending {
				queries = append(queries, botnet.PopularQuery{RegionCode: region, MaxResults: maxResults})
			}
			for _, cat := range categories {
				queries = append(queries, botnet.PopularQuery{RegionCode: region, CategoryID: cat, MaxResults: maxResults})
			}
			if len(queries) == 0 {
				queries = orchestrator.DefaultPopularQueries(region, maxResults)
			}

			logger := appInstance.Logger()
			result, err := appInstance.Charts().SeedPopularVideos(cmd.Context(), queries)
			if err != nil {
				return fmt.Errorf("popular: %w", err)
			}
			logger.Info("popular chart seeding complete",
				zap.Int("succeeded", result.Succeeded),
				zap.Int("failed", result.Failed),
			)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			if result.Failed > 0 {
				return fmt.Errorf("popular: %d of %d charts failed", result.Failed, len(result.Outcomes))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "ISO 3166-1 region code (defaults to the configured region)")
	cmd.Flags().StringSliceVar(&categories, "category", nil, "video category ID to read, repeatable")
	cmd.Flags().BoolVar(&trending, "trending", false, "read the uncategorized trending chart")
	cmd.Flags().IntVar(&maxResults, "max", 0, "videos per chart (defaults to the configured size)")
	return cmd
}
