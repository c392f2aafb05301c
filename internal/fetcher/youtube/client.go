// Package youtube implements botnet.MetadataFetcher on the YouTube Data API v3.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	ytapi "google.golang.org/api/youtube/v3"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
	"github.com/JakeFAU/botnet-tracker/internal/metrics"
)

const (
	upstreamKey        = "youtube"
	commentsPerPage    = 100
	chartPerPage       = 50
	defaultChartSize   = 50
	maxChartSize       = 200
	defaultCallTimeout = 30 * time.Second
)

var (
	channelParts = []string{"snippet", "statistics"}
	videoParts   = []string{"snippet", "statistics", "topicDetails"}
	threadParts  = []string{"snippet", "replies"}
)

// Waiter throttles calls against a shared quota.
type Waiter interface {
	Wait(ctx context.Context, upstream string) error
}

// Config holds the API credentials and transport settings.
type Config struct {
	APIKey string
	// Endpoint overrides the API base URL; used against local fakes.
	Endpoint    string
	CallTimeout time.Duration
	HTTPClient  *http.Client
}

// Client is a MetadataFetcher backed by the YouTube Data API.
type Client struct {
	service *ytapi.Service
	limiter Waiter
	timeout time.Duration
	logger  *zap.Logger
}

var (
	_ botnet.MetadataFetcher    = (*Client)(nil)
	_ botnet.PopularVideoLister = (*Client)(nil)
)

// New builds a Client. limiter may be nil.
func New(ctx context.Context, cfg Config, limiter Waiter, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var opts []option.ClientOption
	switch {
	case cfg.APIKey != "":
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	case cfg.Endpoint != "":
		opts = append(opts, option.WithoutAuthentication())
	default:
		return nil, errors.New("youtube api key is required")
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	service, err := ytapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Client{
		service: service,
		limiter: limiter,
		timeout: timeout,
		logger:  logger.Named("youtube"),
	}, nil
}

// FetchChannelByID looks up a channel by canonical ID.
func (c *Client) FetchChannelByID(ctx context.Context, id string) (botnet.ChannelMetadata, error) {
	return c.fetchChannel(ctx, "channels.list id", id, func(call *ytapi.ChannelsListCall) *ytapi.ChannelsListCall {
		return call.Id(id)
	})
}

// FetchChannelByHandle looks up a channel by "@handle", falling back to the
// legacy username lookup for anything else.
func (c *Client) FetchChannelByHandle(ctx context.Context, handle string) (botnet.ChannelMetadata, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return botnet.ChannelMetadata{}, botnet.ValidationError("fetch channel by handle", errors.New("empty handle"))
	}
	if strings.HasPrefix(handle, "@") {
		return c.fetchChannel(ctx, "channels.list forHandle", handle, func(call *ytapi.ChannelsListCall) *ytapi.ChannelsListCall {
			return call.ForHandle(handle)
		})
	}
	return c.fetchChannel(ctx, "channels.list forUsername", handle, func(call *ytapi.ChannelsListCall) *ytapi.ChannelsListCall {
		return call.ForUsername(handle)
	})
}

func (c *Client) fetchChannel(
	ctx context.Context,
	op, key string,
	scope func(*ytapi.ChannelsListCall) *ytapi.ChannelsListCall,
) (botnet.ChannelMetadata, error) {
	var resp *ytapi.ChannelListResponse
	err := c.do(ctx, op, func(ctx context.Context) error {
		var err error
		resp, err = scope(c.service.Channels.List(channelParts)).MaxResults(1).Context(ctx).Do()
		return err
	})
	if err != nil {
		return botnet.ChannelMetadata{}, c.classify(op, key, err)
	}
	if len(resp.Items) == 0 || resp.Items[0] == nil {
		return botnet.ChannelMetadata{}, botnet.NotFoundError(op, fmt.Errorf("channel %q not found", key))
	}
	return channelMetadata(resp.Items[0]), nil
}

// FetchVideo looks up a video by ID.
func (c *Client) FetchVideo(ctx context.Context, id string) (botnet.Video, error) {
	const op = "videos.list"
	var resp *ytapi.VideoListResponse
	err := c.do(ctx, op, func(ctx context.Context) error {
		var err error
		resp, err = c.service.Videos.List(videoParts).Id(id).Context(ctx).Do()
		return err
	})
	if err != nil {
		return botnet.Video{}, c.classify(op, id, err)
	}
	if len(resp.Items) == 0 || resp.Items[0] == nil {
		return botnet.Video{}, botnet.NotFoundError(op, fmt.Errorf("video %q not found", id))
	}
	return videoFromAPI(resp.Items[0]), nil
}

// FetchPopularVideos pages through a mostPopular chart until the query's
// MaxResults videos are read or the chart ends.
func (c *Client) FetchPopularVideos(ctx context.Context, q botnet.PopularQuery) ([]botnet.Video, error) {
	const op = "videos.list mostPopular"
	limit := q.MaxResults
	if limit <= 0 {
		limit = defaultChartSize
	}
	limit = min(limit, maxChartSize)
	key := q.Label()

	var (
		out   []botnet.Video
		token string
	)
	for len(out) < limit {
		var resp *ytapi.VideoListResponse
		err := c.do(ctx, op, func(ctx context.Context) error {
			call := c.service.Videos.List(videoParts).
				Chart("mostPopular").
				MaxResults(int64(min(chartPerPage, limit-len(out))))
			if q.RegionCode != "" {
				call = call.RegionCode(q.RegionCode)
			}
			if q.CategoryID != "" {
				call = call.VideoCategoryId(q.CategoryID)
			}
			if token != "" {
				call = call.PageToken(token)
			}
			var err error
			resp, err = call.Context(ctx).Do()
			return err
		})
		if err != nil {
			return out, c.classify(op, key, err)
		}
		for _, item := range resp.Items {
			if item != nil && item.Id != "" {
				out = append(out, videoFromAPI(item))
			}
		}
		if resp.NextPageToken == "" || len(resp.Items) == 0 {
			break
		}
		token = resp.NextPageToken
	}
	if len(out) > limit {
		out = out[:limit]
	}
	c.logger.Debug("popular chart read", zap.String("chart", key), zap.Int("videos", len(out)))
	return out, nil
}

// FetchCommentsPage returns one page of comment threads, top-level comments
// followed by the replies the API inlined.
func (c *Client) FetchCommentsPage(ctx context.Context, req botnet.CommentPageRequest) (botnet.CommentPage, error) {
	const op = "commentThreads.list"
	order := req.Order
	if order == "" {
		order = botnet.CommentOrderRelevance
	}
	var resp *ytapi.CommentThreadListResponse
	err := c.do(ctx, op, func(ctx context.Context) error {
		call := c.service.CommentThreads.List(threadParts).
			VideoId(req.VideoID).
			MaxResults(commentsPerPage).
			Order(string(order)).
			TextFormat("plainText")
		if req.PageToken != "" {
			call = call.PageToken(req.PageToken)
		}
		var err error
		resp, err = call.Context(ctx).Do()
		return err
	})
	if err != nil {
		return botnet.CommentPage{}, c.classify(op, req.VideoID, err)
	}
	page := botnet.CommentPage{NextPageToken: resp.NextPageToken}
	for _, thread := range resp.Items {
		page.Comments = append(page.Comments, threadComments(req.VideoID, thread)...)
	}
	return page, nil
}

// do waits for quota, bounds the call with the configured timeout and
// records its latency.
func (c *Client) do(ctx context.Context, op string, fn func(context.Context) error) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, upstreamKey); err != nil {
			return err
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	err := fn(callCtx)
	metrics.ObserveUpstreamCall(op, err, time.Since(start))
	return err
}

func (c *Client) classify(op, key string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return botnet.NotFoundError(op, fmt.Errorf("%s: %w", key, err))
	}
	c.logger.Warn("youtube call failed", zap.String("op", op), zap.String("key", key), zap.Error(err))
	return botnet.FetchError(op, fmt.Errorf("%s: %w", key, err))
}

func channelMetadata(item *ytapi.Channel) botnet.ChannelMetadata {
	md := botnet.ChannelMetadata{ID: item.Id}
	if s := item.Snippet; s != nil {
		md.Title = s.Title
		md.Description = s.Description
		md.Handle = s.CustomUrl
		md.PublishedAt = parseTime(s.PublishedAt)
		md.ThumbnailURL = bestThumbnail(s.Thumbnails)
	}
	if st := item.Statistics; st != nil {
		md.SubscriberCount = int64(st.SubscriberCount)
		md.ViewCount = int64(st.ViewCount)
		md.VideoCount = int64(st.VideoCount)
	}
	return md
}

func videoFromAPI(item *ytapi.Video) botnet.Video {
	v := botnet.Video{ID: item.Id}
	if s := item.Snippet; s != nil {
		v.ChannelID = s.ChannelId
		v.Title = s.Title
		v.Description = s.Description
		v.CategoryID = s.CategoryId
		v.Tags = append([]string(nil), s.Tags...)
		v.PublishedAt = parseTime(s.PublishedAt)
		v.ThumbnailURL = bestThumbnail(s.Thumbnails)
	}
	if st := item.Statistics; st != nil {
		v.ViewCount = int64(st.ViewCount)
		v.LikeCount = int64(st.LikeCount)
		v.CommentCount = int64(st.CommentCount)
	}
	if td := item.TopicDetails; td != nil {
		v.TopicCategories = append([]string(nil), td.TopicCategories...)
	}
	return v
}

func threadComments(videoID string, thread *ytapi.CommentThread) []botnet.Comment {
	if thread == nil || thread.Snippet == nil || thread.Snippet.TopLevelComment == nil {
		return nil
	}
	top := commentFromAPI(videoID, thread.Snippet.TopLevelComment)
	top.ReplyCount = thread.Snippet.TotalReplyCount
	out := []botnet.Comment{top}
	if thread.Replies != nil {
		for _, r := range thread.Replies.Comments {
			if r == nil {
				continue
			}
			reply := commentFromAPI(videoID, r)
			reply.IsReply = true
			if reply.ParentID == "" {
				reply.ParentID = top.ID
			}
			out = append(out, reply)
		}
	}
	return out
}

func commentFromAPI(videoID string, c *ytapi.Comment) botnet.Comment {
	out := botnet.Comment{ID: c.Id, VideoID: videoID}
	s := c.Snippet
	if s == nil {
		return out
	}
	if s.VideoId != "" {
		out.VideoID = s.VideoId
	}
	if s.AuthorChannelId != nil {
		out.ChannelID = s.AuthorChannelId.Value
	}
	out.AuthorDisplayName = s.AuthorDisplayName
	out.AuthorProfileImageURL = s.AuthorProfileImageUrl
	out.Text = s.TextOriginal
	if out.Text == "" {
		out.Text = s.TextDisplay
	}
	out.LikeCount = s.LikeCount
	out.ParentID = s.ParentId
	out.PostedAt = parseTime(s.PublishedAt)
	return out
}

func bestThumbnail(t *ytapi.ThumbnailDetails) string {
	if t == nil {
		return ""
	}
	for _, th := range []*ytapi.Thumbnail{t.High, t.Medium, t.Default} {
		if th != nil && th.Url != "" {
			return th.Url
		}
	}
	return ""
}

func parseTime(raw string) time.Time {
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}
