package cmd

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/botnet-tracker/internal/comments"
)

// authorCSVHeader is the column layout of the labeling sheet. is_bot is left
// blank for the reviewer to fill in.
var authorCSVHeader = []string{
	"author_channel_url", "author_display_name", "like_count", "reply_count", "text_display", "is_bot",
}

// newHarvestAuthorsCmd creates the 'harvest-authors' subcommand. It lists the
// top-level comment authors of one video as JSON, or as a CSV labeling sheet
// when --out is set. The graph is not modified.
func newHarvestAuthorsCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "harvest-authors <video>",
		Short: "List the comment authors of a video for manual labeling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer appInstance.Close(cmd.Context())

			harvest, err := appInstance.Authors().HarvestAuthors(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("harvest-authors: %w", err)
			}
			appInstance.Logger().Info("author harvest complete",
				zap.String("video_id", harvest.VideoID),
				zap.Int("authors", len(harvest.Authors)),
				zap.Bool("partial", harvest.Partial),
			)

			if outPath == "" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(harvest); err != nil {
					return fmt.Errorf("write result: %w", err)
				}
				return nil
			}

			f, err := os.Create(outPath)
			if err != nil {
				return fmt.Errorf("create %s: %w", outPath, err)
			}
			if err := writeAuthorCSV(f, harvest.Authors); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close %s: %w", outPath, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d authors to %s\n", len(harvest.Authors), outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "write a CSV labeling sheet to this path instead of JSON to stdout")
	return cmd
}

func writeAuthorCSV(w io.Writer, authors []comments.CommentAuthor) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(authorCSVHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, a := range authors {
		row := []string{
			a.ChannelURL,
			a.DisplayName,
			strconv.FormatInt(a.LikeCount, 10),
			strconv.FormatInt(a.ReplyCount, 10),
			a.Text,
			"",
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}
