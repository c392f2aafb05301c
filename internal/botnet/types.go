package botnet

import (
	"fmt"
	"strings"
	"time"
)

// Channel-to-channel relationships. A featured edge points from a channel to
// one it lists on its page; a referrer edge points from a channel whose page
// mentions the target's URL to that target.
const (
	RelationshipFeatured = "featured"
	RelationshipReferrer = "referrer"
)

// Provenance sources written by the core pipelines.
const (
	SourceAutomatedFlag = "automated_flag"
	SourceCSEDiscovery  = "cse_discovery"
)

// Provenance records how and why an entity entered the graph.
type Provenance struct {
	Source string `json:"source,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

// Channel is a video-platform channel node.
type Channel struct {
	ID                 string    `json:"channel_id"`
	Handle             string    `json:"handle,omitempty"`
	Title              string    `json:"title,omitempty"`
	Description        string    `json:"description,omitempty"`
	ThumbnailURL       string    `json:"thumbnail_url,omitempty"`
	PublishedAt        time.Time `json:"published_at,omitempty"`
	SubscriberCount    int64     `json:"subscriber_count"`
	ViewCount          int64     `json:"view_count"`
	VideoCount         int64     `json:"video_count"`
	ExternalURL        string    `json:"external_url,omitempty"`
	LinkedDomains      []string  `json:"linked_domains,omitempty"`
	FeaturedChannelIDs []string  `json:"featured_channel_ids,omitempty"`
	IsSink             bool      `json:"is_sink"`
	IsFeeder           bool      `json:"is_feeder"`
	IsBot              bool      `json:"is_bot"`
	Inactive           bool      `json:"inactive"`
	ScreenshotURI      string    `json:"screenshot_uri,omitempty"`
	Source             string    `json:"source,omitempty"`
	Notes              string    `json:"notes,omitempty"`
	DiscoveredAt       time.Time `json:"discovered_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Domain is an external site that channels link out to.
type Domain struct {
	Name         string    `json:"domain"`
	Registrable  string    `json:"registrable_domain,omitempty"`
	Active       bool      `json:"active"`
	Source       string    `json:"source,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ChannelLink is a directed channel-to-channel edge.
type ChannelLink struct {
	SourceChannelID  string    `json:"source_channel_id"`
	TargetChannelID  string    `json:"target_channel_id"`
	RelationshipType string    `json:"relationship_type"`
	Source           string    `json:"source,omitempty"`
	Notes            string    `json:"notes,omitempty"`
	DiscoveredAt     time.Time `json:"discovered_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Key returns the composite edge key "<source>::<target>". Referrer edges
// get a "::referrer" suffix so they never overwrite a featured edge between
// the same pair.
func (l ChannelLink) Key() string {
	key := ChannelLinkKey(l.SourceChannelID, l.TargetChannelID)
	if l.RelationshipType == RelationshipReferrer {
		key += "::" + RelationshipReferrer
	}
	return key
}

// ChannelLinkKey builds the key of a channel-to-channel edge.
func ChannelLinkKey(source, target string) string {
	return source + "::" + target
}

// ChannelDomainLink records that a channel links out to a domain.
type ChannelDomainLink struct {
	ChannelID    string    `json:"channel_id"`
	Domain       string    `json:"domain"`
	FullURL      string    `json:"full_url,omitempty"`
	Source       string    `json:"source,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Key returns the composite edge key "<domain>::<channel>".
func (l ChannelDomainLink) Key() string {
	return ChannelDomainLinkKey(l.Domain, l.ChannelID)
}

// ChannelDomainLinkKey builds the key of a channel-to-domain edge.
func ChannelDomainLinkKey(domain, channelID string) string {
	return domain + "::" + channelID
}

// Comment is a video comment as returned by the metadata fetcher and as
// persisted for watched authors.
type Comment struct {
	ID                    string    `json:"comment_id"`
	VideoID               string    `json:"video_id"`
	ChannelID             string    `json:"channel_id"`
	AuthorDisplayName     string    `json:"author_display_name,omitempty"`
	AuthorProfileImageURL string    `json:"author_profile_image_url,omitempty"`
	Text                  string    `json:"text"`
	LikeCount             int64     `json:"like_count"`
	ReplyCount            int64     `json:"reply_count"`
	ParentID              string    `json:"parent_id,omitempty"`
	IsReply               bool      `json:"is_reply"`
	PostedAt              time.Time `json:"posted_at"`
	StoredAt              time.Time `json:"stored_at,omitempty"`
}

// Key returns the platform comment ID, or the derived
// video_id + channel_id + posted_at fallback when the platform omitted one.
func (c Comment) Key() string {
	if strings.TrimSpace(c.ID) != "" {
		return c.ID
	}
	return fmt.Sprintf("%s_%s_%s", c.VideoID, c.ChannelID, c.PostedAt.UTC().Format(time.RFC3339))
}

// Video is a video node, created by addVideo or by a comment scan that
// retained at least one comment.
type Video struct {
	ID              string    `json:"video_id"`
	ChannelID       string    `json:"channel_id"`
	Title           string    `json:"title,omitempty"`
	Description     string    `json:"description,omitempty"`
	ThumbnailURL    string    `json:"thumbnail_url,omitempty"`
	CategoryID      string    `json:"category_id,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	TopicCategories []string  `json:"topic_categories,omitempty"`
	ViewCount       int64     `json:"view_count"`
	LikeCount       int64     `json:"like_count"`
	CommentCount    int64     `json:"comment_count"`
	PublishedAt     time.Time `json:"published_at,omitempty"`
	ScannedAt       time.Time `json:"scanned_at,omitempty"`
	DiscoveredAt    time.Time `json:"discovered_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ChannelMetadata is the descriptive record the metadata fetcher returns.
type ChannelMetadata struct {
	ID              string
	Handle          string
	Title           string
	Description     string
	ThumbnailURL    string
	PublishedAt     time.Time
	SubscriberCount int64
	ViewCount       int64
	VideoCount      int64
}

// CommentOrder selects the ordering of comment pages.
type CommentOrder string

// Supported comment orderings.
const (
	CommentOrderTime      CommentOrder = "time"
	CommentOrderRelevance CommentOrder = "relevance"
)

// CommentPageRequest addresses one page of a video's comment threads.
type CommentPageRequest struct {
	VideoID   string
	PageToken string
	Order     CommentOrder
}

// CommentPage is one page of comments plus the continuation token.
type CommentPage struct {
	Comments      []Comment
	NextPageToken string
}

// SearchResult is one hit from the web-search discovery client.
type SearchResult struct {
	Link    string `json:"link"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// OutcomeStatus labels the result of one batch item.
type OutcomeStatus string

// Outcome values.
const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSkipped   OutcomeStatus = "skipped"
)

// ItemOutcome reports what happened to one item of a batch operation.
type ItemOutcome struct {
	Item   string        `json:"item"`
	Status OutcomeStatus `json:"status"`
	Kind   string        `json:"error_kind,omitempty"`
	Error  string        `json:"error,omitempty"`
	IDs    []string      `json:"ids,omitempty"`
}

// Succeeded builds a successful outcome.
func Succeeded(item string, ids ...string) ItemOutcome {
	return ItemOutcome{Item: item, Status: OutcomeSucceeded, IDs: ids}
}

// Failed builds a failed outcome from err.
func Failed(item string, err error) ItemOutcome {
	out := ItemOutcome{Item: item, Status: OutcomeFailed}
	if err != nil {
		out.Error = err.Error()
		out.Kind = string(KindOf(err))
	}
	return out
}

// BatchResult summarizes a batch operation without dropping partial progress.
type BatchResult struct {
	RunID     string        `json:"run_id,omitempty"`
	Outcomes  []ItemOutcome `json:"outcomes"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
}

// Add appends an outcome and updates the counters.
func (r *BatchResult) Add(out ItemOutcome) {
	r.Outcomes = append(r.Outcomes, out)
	r.tally(out)
}

// Tally recomputes the counters from Outcomes.
func (r *BatchResult) Tally() {
	r.Succeeded, r.Failed = 0, 0
	for _, out := range r.Outcomes {
		r.tally(out)
	}
}

func (r *BatchResult) tally(out ItemOutcome) {
	switch out.Status {
	case OutcomeSucceeded:
		r.Succeeded++
	case OutcomeFailed:
		r.Failed++
	}
}

// GraphEvent is published when the graph gains or flags a node.
type GraphEvent struct {
	Type      string    `json:"type"`
	ChannelID string    `json:"channel_id,omitempty"`
	Domain    string    `json:"domain,omitempty"`
	VideoID   string    `json:"video_id,omitempty"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Graph event types.
const (
	EventChannelUpserted = "channel_upserted"
	EventBotFlagged      = "bot_flagged"
	EventSinkDiscovered  = "sink_discovered"
	EventReferrerFound   = "referrer_found"
	EventVideoSeeded     = "video_seeded"
)

// PopularQuery selects one most-popular video chart. An empty CategoryID
// is the overall trending chart for the region.
type PopularQuery struct {
	RegionCode string `json:"region_code,omitempty"`
	CategoryID string `json:"category_id,omitempty"`
	MaxResults int    `json:"max_results,omitempty"`
}

// Label names the chart in batch outcomes.
func (q PopularQuery) Label() string {
	region := q.RegionCode
	if region == "" {
		region = "any"
	}
	if q.CategoryID == "" {
		return "trending/" + region
	}
	return "category/" + q.CategoryID + "/" + region
}
