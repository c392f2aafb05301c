// Package postgres provides the Postgres-backed graph store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// GraphStore persists the channel/domain graph. Every write is a single
// INSERT ... ON CONFLICT statement whose update clause applies the same merge
// rules as botnet.MergeChannel and friends, so concurrent writers need no
// explicit locking.
type GraphStore struct {
	pool pool
}

var _ botnet.GraphStore = (*GraphStore)(nil)

// NewGraphStore connects a pool using cfg.
func NewGraphStore(ctx context.Context, cfg Config) (*GraphStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &GraphStore{pool: p}, nil
}

// NewGraphStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewGraphStoreWithPool(p pool) (*GraphStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &GraphStore{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *GraphStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *GraphStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate creates the graph tables if they do not exist.
func (s *GraphStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate graph schema: %w", err)
	}
	return nil
}

const channelColumns = `id, handle, title, description, thumbnail_url, published_at,
	subscriber_count, view_count, video_count, external_url, linked_domains,
	featured_channel_ids, is_sink, is_feeder, is_bot, inactive, screenshot_uri,
	source, notes, discovered_at, updated_at`

const upsertChannelSQL = `
INSERT INTO channels (` + channelColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,
	COALESCE($20::timestamptz, now()), COALESCE($21::timestamptz, now()))
ON CONFLICT (id) DO UPDATE SET
	handle = COALESCE(NULLIF(EXCLUDED.handle, ''), channels.handle),
	title = COALESCE(NULLIF(EXCLUDED.title, ''), channels.title),
	description = COALESCE(NULLIF(EXCLUDED.description, ''), channels.description),
	thumbnail_url = COALESCE(NULLIF(EXCLUDED.thumbnail_url, ''), channels.thumbnail_url),
	published_at = COALESCE(EXCLUDED.published_at, channels.published_at),
	subscriber_count = CASE WHEN EXCLUDED.title <> '' OR EXCLUDED.handle <> ''
		THEN EXCLUDED.subscriber_count ELSE channels.subscriber_count END,
	view_count = CASE WHEN EXCLUDED.title <> '' OR EXCLUDED.handle <> ''
		THEN EXCLUDED.view_count ELSE channels.view_count END,
	video_count = CASE WHEN EXCLUDED.title <> '' OR EXCLUDED.handle <> ''
		THEN EXCLUDED.video_count ELSE channels.video_count END,
	inactive = CASE WHEN EXCLUDED.title <> '' OR EXCLUDED.handle <> ''
		THEN EXCLUDED.inactive ELSE channels.inactive END,
	external_url = COALESCE(NULLIF(EXCLUDED.external_url, ''), channels.external_url),
	linked_domains = ARRAY(
		SELECT v FROM unnest(channels.linked_domains || EXCLUDED.linked_domains) WITH ORDINALITY AS u(v, n)
		WHERE v <> '' GROUP BY v ORDER BY min(n)),
	featured_channel_ids = ARRAY(
		SELECT v FROM unnest(channels.featured_channel_ids || EXCLUDED.featured_channel_ids) WITH ORDINALITY AS u(v, n)
		WHERE v <> '' GROUP BY v ORDER BY min(n)),
	is_sink = channels.is_sink OR EXCLUDED.is_sink,
	is_feeder = channels.is_feeder OR EXCLUDED.is_feeder,
	is_bot = channels.is_bot OR EXCLUDED.is_bot,
	screenshot_uri = COALESCE(NULLIF(EXCLUDED.screenshot_uri, ''), channels.screenshot_uri),
	source = CASE WHEN channels.source <> '' OR channels.notes <> '' THEN channels.source ELSE EXCLUDED.source END,
	notes = CASE WHEN channels.source <> '' OR channels.notes <> '' THEN channels.notes ELSE EXCLUDED.notes END,
	discovered_at = LEAST(channels.discovered_at, $20::timestamptz),
	updated_at = GREATEST(channels.updated_at, $21::timestamptz)
RETURNING ` + channelColumns

// UpsertChannel merges channel into its row and returns the stored result.
func (s *GraphStore) UpsertChannel(ctx context.Context, ch botnet.Channel) (botnet.Channel, error) {
	if ch.ID == "" {
		return botnet.Channel{}, botnet.StorageError("upsert channel", errors.New("channel id is required"))
	}
	row := s.pool.QueryRow(ctx, upsertChannelSQL,
		ch.ID, ch.Handle, ch.Title, ch.Description, ch.ThumbnailURL, nullTime(ch.PublishedAt),
		ch.SubscriberCount, ch.ViewCount, ch.VideoCount, ch.ExternalURL,
		nonNil(ch.LinkedDomains), nonNil(ch.FeaturedChannelIDs),
		ch.IsSink, ch.IsFeeder, ch.IsBot, ch.Inactive, ch.ScreenshotURI,
		ch.Source, ch.Notes, nullTime(ch.DiscoveredAt), nullTime(ch.UpdatedAt),
	)
	out, err := scanChannel(row)
	if err != nil {
		return botnet.Channel{}, botnet.StorageError("upsert channel "+ch.ID, err)
	}
	return out, nil
}

const upsertDomainSQL = `
INSERT INTO domains (name, registrable, active, source, notes, discovered_at, updated_at)
VALUES ($1,$2,$3,$4,$5,COALESCE($6::timestamptz, now()),COALESCE($7::timestamptz, now()))
ON CONFLICT (name) DO UPDATE SET
	registrable = COALESCE(NULLIF(EXCLUDED.registrable, ''), domains.registrable),
	active = EXCLUDED.active,
	source = CASE WHEN domains.source <> '' OR domains.notes <> '' THEN domains.source ELSE EXCLUDED.source END,
	notes = CASE WHEN domains.source <> '' OR domains.notes <> '' THEN domains.notes ELSE EXCLUDED.notes END,
	discovered_at = LEAST(domains.discovered_at, $6::timestamptz),
	updated_at = GREATEST(domains.updated_at, $7::timestamptz)
RETURNING name, registrable, active, source, notes, discovered_at, updated_at`

// UpsertDomain merges domain into its row.
func (s *GraphStore) UpsertDomain(ctx context.Context, d botnet.Domain) (botnet.Domain, error) {
	if d.Name == "" {
		return botnet.Domain{}, botnet.StorageError("upsert domain", errors.New("domain is required"))
	}
	var out botnet.Domain
	err := s.pool.QueryRow(ctx, upsertDomainSQL,
		d.Name, d.Registrable, d.Active, d.Source, d.Notes, nullTime(d.DiscoveredAt), nullTime(d.UpdatedAt)).
		Scan(&out.Name, &out.Registrable, &out.Active, &out.Source, &out.Notes, &out.DiscoveredAt, &out.UpdatedAt)
	if err != nil {
		return botnet.Domain{}, botnet.StorageError("upsert domain "+d.Name, err)
	}
	return out, nil
}

const videoColumns = `id, channel_id, title, description, thumbnail_url, category_id, tags,
	topic_categories, view_count, like_count, comment_count, published_at, scanned_at,
	discovered_at, updated_at`

const upsertVideoSQL = `
INSERT INTO videos (` + videoColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,
	COALESCE($14::timestamptz, now()), COALESCE($15::timestamptz, now()))
ON CONFLICT (id) DO UPDATE SET
	channel_id = COALESCE(NULLIF(EXCLUDED.channel_id, ''), videos.channel_id),
	title = COALESCE(NULLIF(EXCLUDED.title, ''), videos.title),
	description = COALESCE(NULLIF(EXCLUDED.description, ''), videos.description),
	thumbnail_url = COALESCE(NULLIF(EXCLUDED.thumbnail_url, ''), videos.thumbnail_url),
	category_id = COALESCE(NULLIF(EXCLUDED.category_id, ''), videos.category_id),
	tags = CASE WHEN cardinality(EXCLUDED.tags) > 0 THEN EXCLUDED.tags ELSE videos.tags END,
	topic_categories = CASE WHEN cardinality(EXCLUDED.topic_categories) > 0
		THEN EXCLUDED.topic_categories ELSE videos.topic_categories END,
	view_count = CASE WHEN EXCLUDED.title <> '' THEN EXCLUDED.view_count ELSE videos.view_count END,
	like_count = CASE WHEN EXCLUDED.title <> '' THEN EXCLUDED.like_count ELSE videos.like_count END,
	comment_count = CASE WHEN EXCLUDED.title <> '' THEN EXCLUDED.comment_count ELSE videos.comment_count END,
	published_at = COALESCE(EXCLUDED.published_at, videos.published_at),
	scanned_at = GREATEST(videos.scanned_at, EXCLUDED.scanned_at),
	discovered_at = LEAST(videos.discovered_at, $14::timestamptz),
	updated_at = GREATEST(videos.updated_at, $15::timestamptz)
RETURNING ` + videoColumns

// UpsertVideo merges video into its row.
func (s *GraphStore) UpsertVideo(ctx context.Context, v botnet.Video) (botnet.Video, error) {
	if v.ID == "" {
		return botnet.Video{}, botnet.StorageError("upsert video", errors.New("video id is required"))
	}
	var (
		out                  botnet.Video
		published, scannedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, upsertVideoSQL,
		v.ID, v.ChannelID, v.Title, v.Description, v.ThumbnailURL, v.CategoryID,
		nonNil(v.Tags), nonNil(v.TopicCategories), v.ViewCount, v.LikeCount, v.CommentCount,
		nullTime(v.PublishedAt), nullTime(v.ScannedAt), nullTime(v.DiscoveredAt), nullTime(v.UpdatedAt),
	).Scan(
		&out.ID, &out.ChannelID, &out.Title, &out.Description, &out.ThumbnailURL, &out.CategoryID,
		&out.Tags, &out.TopicCategories, &out.ViewCount, &out.LikeCount, &out.CommentCount,
		&published, &scannedAt, &out.DiscoveredAt, &out.UpdatedAt,
	)
	if err != nil {
		return botnet.Video{}, botnet.StorageError("upsert video "+v.ID, err)
	}
	out.PublishedAt = derefTime(published)
	out.ScannedAt = derefTime(scannedAt)
	return out, nil
}

const upsertChannelLinkSQL = `
INSERT INTO channel_links (key, source_channel_id, target_channel_id, relationship_type, source, notes, discovered_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,COALESCE($7::timestamptz, now()),COALESCE($8::timestamptz, now()))
ON CONFLICT (key) DO UPDATE SET
	relationship_type = COALESCE(NULLIF(EXCLUDED.relationship_type, ''), channel_links.relationship_type),
	source = CASE WHEN channel_links.source <> '' OR channel_links.notes <> ''
		THEN channel_links.source ELSE EXCLUDED.source END,
	notes = CASE WHEN channel_links.source <> '' OR channel_links.notes <> ''
		THEN channel_links.notes ELSE EXCLUDED.notes END,
	discovered_at = LEAST(channel_links.discovered_at, $7::timestamptz),
	updated_at = GREATEST(channel_links.updated_at, $8::timestamptz)`

// UpsertChannelChannelLink stores the edge under "<source>::<target>".
func (s *GraphStore) UpsertChannelChannelLink(ctx context.Context, l botnet.ChannelLink) error {
	if l.SourceChannelID == "" || l.TargetChannelID == "" {
		return botnet.StorageError("upsert channel link", errors.New("source and target are required"))
	}
	_, err := s.pool.Exec(ctx, upsertChannelLinkSQL,
		l.Key(), l.SourceChannelID, l.TargetChannelID, l.RelationshipType, l.Source, l.Notes,
		nullTime(l.DiscoveredAt), nullTime(l.UpdatedAt))
	if err != nil {
		return botnet.StorageError("upsert channel link "+l.Key(), err)
	}
	return nil
}

const upsertDomainLinkSQL = `
INSERT INTO channel_domain_links (key, channel_id, domain, full_url, source, notes, discovered_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,COALESCE($7::timestamptz, now()),COALESCE($8::timestamptz, now()))
ON CONFLICT (key) DO UPDATE SET
	full_url = COALESCE(NULLIF(EXCLUDED.full_url, ''), channel_domain_links.full_url),
	source = CASE WHEN channel_domain_links.source <> '' OR channel_domain_links.notes <> ''
		THEN channel_domain_links.source ELSE EXCLUDED.source END,
	notes = CASE WHEN channel_domain_links.source <> '' OR channel_domain_links.notes <> ''
		THEN channel_domain_links.notes ELSE EXCLUDED.notes END,
	discovered_at = LEAST(channel_domain_links.discovered_at, $7::timestamptz),
	updated_at = GREATEST(channel_domain_links.updated_at, $8::timestamptz)`

// UpsertChannelDomainLink stores the edge under "<domain>::<channel>".
func (s *GraphStore) UpsertChannelDomainLink(ctx context.Context, l botnet.ChannelDomainLink) error {
	if l.ChannelID == "" || l.Domain == "" {
		return botnet.StorageError("upsert domain link", errors.New("channel and domain are required"))
	}
	_, err := s.pool.Exec(ctx, upsertDomainLinkSQL,
		l.Key(), l.ChannelID, l.Domain, l.FullURL, l.Source, l.Notes,
		nullTime(l.DiscoveredAt), nullTime(l.UpdatedAt))
	if err != nil {
		return botnet.StorageError("upsert domain link "+l.Key(), err)
	}
	return nil
}

const upsertCommentSQL = `
INSERT INTO comments (key, comment_id, video_id, channel_id, author_display_name, author_profile_image_url,
	text, like_count, reply_count, parent_id, is_reply, posted_at, stored_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,COALESCE($13::timestamptz, now()))
ON CONFLICT (key) DO UPDATE SET
	author_display_name = EXCLUDED.author_display_name,
	author_profile_image_url = EXCLUDED.author_profile_image_url,
	text = EXCLUDED.text,
	like_count = EXCLUDED.like_count,
	reply_count = EXCLUDED.reply_count,
	parent_id = EXCLUDED.parent_id,
	is_reply = EXCLUDED.is_reply,
	posted_at = EXCLUDED.posted_at,
	stored_at = LEAST(comments.stored_at, $13::timestamptz)`

// UpsertComment stores comment under its key.
func (s *GraphStore) UpsertComment(ctx context.Context, c botnet.Comment) error {
	if c.VideoID == "" || c.ChannelID == "" {
		return botnet.StorageError("upsert comment", errors.New("video and channel are required"))
	}
	_, err := s.pool.Exec(ctx, upsertCommentSQL,
		c.Key(), c.ID, c.VideoID, c.ChannelID, c.AuthorDisplayName, c.AuthorProfileImageURL,
		c.Text, c.LikeCount, c.ReplyCount, c.ParentID, c.IsReply, nullTime(c.PostedAt), nullTime(c.StoredAt))
	if err != nil {
		return botnet.StorageError("upsert comment "+c.Key(), err)
	}
	return nil
}

// GetChannel returns a stored channel or an ErrNotFound error.
func (s *GraphStore) GetChannel(ctx context.Context, id string) (botnet.Channel, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id)
	ch, err := scanChannel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return botnet.Channel{}, botnet.NotFoundError("get channel", fmt.Errorf("channel %q", id))
	}
	if err != nil {
		return botnet.Channel{}, botnet.StorageError("get channel "+id, err)
	}
	return ch, nil
}

// GetChannelByHandle looks a channel up by handle, ignoring case and the leading "@".
func (s *GraphStore) GetChannelByHandle(ctx context.Context, handle string) (botnet.Channel, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE lower(ltrim(handle, '@')) = lower(ltrim($1, '@')) LIMIT 1`, handle)
	ch, err := scanChannel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return botnet.Channel{}, botnet.NotFoundError("get channel by handle", fmt.Errorf("handle %q", handle))
	}
	if err != nil {
		return botnet.Channel{}, botnet.StorageError("get channel by handle "+handle, err)
	}
	return ch, nil
}

// ListAllChannelIDs returns every stored channel ID in sorted order.
func (s *GraphStore) ListAllChannelIDs(ctx context.Context) ([]string, error) {
	return s.listStrings(ctx, "list channel ids", `SELECT id FROM channels ORDER BY id`)
}

// ListAllDomains returns every stored domain in sorted order.
func (s *GraphStore) ListAllDomains(ctx context.Context) ([]string, error) {
	return s.listStrings(ctx, "list domains", `SELECT name FROM domains ORDER BY name`)
}

// ListBotChannelIDs returns the IDs of channels flagged as bots.
func (s *GraphStore) ListBotChannelIDs(ctx context.Context) ([]string, error) {
	return s.listStrings(ctx, "list bot channel ids", `SELECT id FROM channels WHERE is_bot ORDER BY id`)
}

func (s *GraphStore) listStrings(ctx context.Context, op, query string) ([]string, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, botnet.StorageError(op, err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, botnet.StorageError(op, err)
	}
	return out, nil
}

func scanChannel(row pgx.Row) (botnet.Channel, error) {
	var (
		ch        botnet.Channel
		published *time.Time
	)
	err := row.Scan(
		&ch.ID, &ch.Handle, &ch.Title, &ch.Description, &ch.ThumbnailURL, &published,
		&ch.SubscriberCount, &ch.ViewCount, &ch.VideoCount, &ch.ExternalURL, &ch.LinkedDomains,
		&ch.FeaturedChannelIDs, &ch.IsSink, &ch.IsFeeder, &ch.IsBot, &ch.Inactive, &ch.ScreenshotURI,
		&ch.Source, &ch.Notes, &ch.DiscoveredAt, &ch.UpdatedAt,
	)
	if err != nil {
		return botnet.Channel{}, err
	}
	ch.PublishedAt = derefTime(published)
	if len(ch.LinkedDomains) == 0 {
		ch.LinkedDomains = nil
	}
	if len(ch.FeaturedChannelIDs) == 0 {
		ch.FeaturedChannelIDs = nil
	}
	return ch, nil
}

// nullTime sends a zero time as NULL so LEAST and GREATEST keep the stored
// value and inserts fall back to now().
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
