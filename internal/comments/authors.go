package comments

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
	"github.com/JakeFAU/botnet-tracker/internal/identity"
	"github.com/JakeFAU/botnet-tracker/internal/metrics"
)

// CommentAuthor is one top-level comment reduced to what a reviewer needs
// to label its author by hand.
type CommentAuthor struct {
	ChannelID   string `json:"channel_id"`
	ChannelURL  string `json:"channel_url,omitempty"`
	DisplayName string `json:"author_display_name"`
	LikeCount   int64  `json:"like_count"`
	ReplyCount  int64  `json:"reply_count"`
	Text        string `json:"text"`
}

// AuthorHarvest lists a video's top-level comment authors in page order.
type AuthorHarvest struct {
	VideoID      string          `json:"video_id"`
	Authors      []CommentAuthor `json:"authors"`
	PagesScanned int             `json:"pages_scanned"`
	Partial      bool            `json:"partial"`
	PageError    string          `json:"page_error,omitempty"`
}

// HarvestAuthors reads up to the page limit of comments and returns one row
// per top-level comment. Nothing is written to the graph.
func (s *Scanner) HarvestAuthors(ctx context.Context, videoRef string) (AuthorHarvest, error) {
	video, err := identity.ResolveVideo(videoRef)
	if err != nil {
		return AuthorHarvest{}, err
	}
	logger := s.logger.With(zap.String("video_id", video.ID))
	out := AuthorHarvest{VideoID: video.ID, Authors: []CommentAuthor{}}
	pageErr := s.paginate(ctx, video.ID, s.cfg.PageLimit, func(page botnet.CommentPage) {
		kept := 0
		for _, c := range page.Comments {
			if c.IsReply {
				continue
			}
			author := CommentAuthor{
				ChannelID:   c.ChannelID,
				DisplayName: c.AuthorDisplayName,
				LikeCount:   c.LikeCount,
				ReplyCount:  c.ReplyCount,
				Text:        c.Text,
			}
			if c.ChannelID != "" {
				author.ChannelURL = identity.ChannelURL(botnet.ChannelID(c.ChannelID))
			}
			out.Authors = append(out.Authors, author)
			kept++
		}
		out.PagesScanned++
		metrics.ObserveCommentPage(len(page.Comments), kept)
	})
	if pageErr != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		logger.Warn("author harvest paging stopped", zap.Int("pages", out.PagesScanned), zap.Error(pageErr))
		out.Partial = true
		out.PageError = pageErr.Error()
	}
	logger.Info("comment authors harvested",
		zap.Int("pages", out.PagesScanned),
		zap.Int("authors", len(out.Authors)),
		zap.Bool("partial", out.Partial),
	)
	return out, nil
}
