package botnet

import (
	"context"
	"io"
	"time"
)

// MetadataFetcher resolves channels and videos to descriptive metadata and
// pages through video comments. Missing entities are reported with an error
// matching ErrNotFound.
type MetadataFetcher interface {
	FetchChannelByID(ctx context.Context, id string) (ChannelMetadata, error)
	FetchChannelByHandle(ctx context.Context, handle string) (ChannelMetadata, error)
	FetchVideo(ctx context.Context, id string) (Video, error)
	FetchCommentsPage(ctx context.Context, req CommentPageRequest) (CommentPage, error)
}

// RelationshipCrawler scrapes a channel page for its declared external link
// and its featured-channel references.
type RelationshipCrawler interface {
	ExternalLink(ctx context.Context, channelID string) (string, error)
	FeaturedChannelRefs(ctx context.Context, channelID string) ([]ChannelRef, error)
}

// PageCapturer renders a channel page to PNG for evidence.
type PageCapturer interface {
	CaptureChannelPage(ctx context.Context, channelID string) ([]byte, error)
}

// ImageSafetyChecker classifies a profile image.
type ImageSafetyChecker interface {
	IsFlagged(ctx context.Context, imageURL string) (bool, error)
}

// NameSuspicionChecker decides whether a display name matches the curated
// suspicious-name set.
type NameSuspicionChecker interface {
	IsSuspicious(displayName string) bool
}

// SinkSearcher finds pages that mention a domain, or a channel URL.
type SinkSearcher interface {
	SearchDomain(ctx context.Context, domain string) ([]SearchResult, error)
	SearchChannelURL(ctx context.Context, channelURL string) ([]SearchResult, error)
}

// PopularVideoLister reads a most-popular video chart.
type PopularVideoLister interface {
	FetchPopularVideos(ctx context.Context, query PopularQuery) ([]Video, error)
}

// DomainChecker reports whether a domain still serves content.
type DomainChecker interface {
	Alive(ctx context.Context, domain string) (bool, error)
}

// GraphStore is durable keyed storage for the channel/domain graph. Every
// write is an idempotent upsert keyed by the entity's natural identity.
type GraphStore interface {
	UpsertChannel(ctx context.Context, channel Channel) (Channel, error)
	UpsertDomain(ctx context.Context, domain Domain) (Domain, error)
	UpsertVideo(ctx context.Context, video Video) (Video, error)
	UpsertChannelChannelLink(ctx context.Context, link ChannelLink) error
	UpsertChannelDomainLink(ctx context.Context, link ChannelDomainLink) error
	UpsertComment(ctx context.Context, comment Comment) error
	GetChannel(ctx context.Context, id string) (Channel, error)
	GetChannelByHandle(ctx context.Context, handle string) (Channel, error)
	ListAllChannelIDs(ctx context.Context) ([]string, error)
	ListAllDomains(ctx context.Context) ([]string, error)
	ListBotChannelIDs(ctx context.Context) ([]string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes graph events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
