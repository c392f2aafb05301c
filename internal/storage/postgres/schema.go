package postgres

// schema creates the graph tables. Edge tables are keyed by the same
// composite string keys the in-memory store uses.
const schema = `
CREATE TABLE IF NOT EXISTS channels (
	id                   TEXT PRIMARY KEY,
	handle               TEXT NOT NULL DEFAULT '',
	title                TEXT NOT NULL DEFAULT '',
	description          TEXT NOT NULL DEFAULT '',
	thumbnail_url        TEXT NOT NULL DEFAULT '',
	published_at         TIMESTAMPTZ,
	subscriber_count     BIGINT NOT NULL DEFAULT 0,
	view_count           BIGINT NOT NULL DEFAULT 0,
	video_count          BIGINT NOT NULL DEFAULT 0,
	external_url         TEXT NOT NULL DEFAULT '',
	linked_domains       TEXT[] NOT NULL DEFAULT '{}',
	featured_channel_ids TEXT[] NOT NULL DEFAULT '{}',
	is_sink              BOOLEAN NOT NULL DEFAULT FALSE,
	is_feeder            BOOLEAN NOT NULL DEFAULT FALSE,
	is_bot               BOOLEAN NOT NULL DEFAULT FALSE,
	inactive             BOOLEAN NOT NULL DEFAULT FALSE,
	screenshot_uri       TEXT NOT NULL DEFAULT '',
	source               TEXT NOT NULL DEFAULT '',
	notes                TEXT NOT NULL DEFAULT '',
	discovered_at        TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS channels_handle_idx ON channels (lower(ltrim(handle, '@')));
CREATE INDEX IF NOT EXISTS channels_bot_idx ON channels (id) WHERE is_bot;

CREATE TABLE IF NOT EXISTS domains (
	name          TEXT PRIMARY KEY,
	registrable   TEXT NOT NULL DEFAULT '',
	active        BOOLEAN NOT NULL DEFAULT TRUE,
	source        TEXT NOT NULL DEFAULT '',
	notes         TEXT NOT NULL DEFAULT '',
	discovered_at TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
ALTER TABLE domains ADD COLUMN IF NOT EXISTS registrable TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS domains_registrable_idx ON domains (registrable);

CREATE TABLE IF NOT EXISTS videos (
	id               TEXT PRIMARY KEY,
	channel_id       TEXT NOT NULL DEFAULT '',
	title            TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	thumbnail_url    TEXT NOT NULL DEFAULT '',
	category_id      TEXT NOT NULL DEFAULT '',
	tags             TEXT[] NOT NULL DEFAULT '{}',
	topic_categories TEXT[] NOT NULL DEFAULT '{}',
	view_count       BIGINT NOT NULL DEFAULT 0,
	like_count       BIGINT NOT NULL DEFAULT 0,
	comment_count    BIGINT NOT NULL DEFAULT 0,
	published_at     TIMESTAMPTZ,
	scanned_at       TIMESTAMPTZ,
	discovered_at    TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS comments (
	key                      TEXT PRIMARY KEY,
	comment_id               TEXT NOT NULL DEFAULT '',
	video_id                 TEXT NOT NULL,
	channel_id               TEXT NOT NULL,
	author_display_name      TEXT NOT NULL DEFAULT '',
	author_profile_image_url TEXT NOT NULL DEFAULT '',
	text                     TEXT NOT NULL DEFAULT '',
	like_count               BIGINT NOT NULL DEFAULT 0,
	reply_count              BIGINT NOT NULL DEFAULT 0,
	parent_id                TEXT NOT NULL DEFAULT '',
	is_reply                 BOOLEAN NOT NULL DEFAULT FALSE,
	posted_at                TIMESTAMPTZ,
	stored_at                TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS channel_links (
	key               TEXT PRIMARY KEY,
	source_channel_id TEXT NOT NULL,
	target_channel_id TEXT NOT NULL,
	relationship_type TEXT NOT NULL,
	source            TEXT NOT NULL DEFAULT '',
	notes             TEXT NOT NULL DEFAULT '',
	discovered_at     TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS channel_domain_links (
	key           TEXT PRIMARY KEY,
	channel_id    TEXT NOT NULL,
	domain        TEXT NOT NULL,
	full_url      TEXT NOT NULL DEFAULT '',
	source        TEXT NOT NULL DEFAULT '',
	notes         TEXT NOT NULL DEFAULT '',
	discovered_at TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
`
