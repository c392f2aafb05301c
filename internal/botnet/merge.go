package botnet

import "time"

// MergeChannel folds a freshly observed channel into the stored one.
// Descriptive fields take the newest non-empty value, set-valued fields
// union, classification flags are sticky, and first-discovery provenance is
// preserved. Stores call this so that repeating a write is a no-op apart from
// UpdatedAt.
func MergeChannel(existing, incoming Channel) Channel {
	out := existing
	out.ID = firstNonEmpty(existing.ID, incoming.ID)
	out.Handle = firstNonEmpty(incoming.Handle, existing.Handle)
	out.Title = firstNonEmpty(incoming.Title, existing.Title)
	out.Description = firstNonEmpty(incoming.Description, existing.Description)
	out.ThumbnailURL = firstNonEmpty(incoming.ThumbnailURL, existing.ThumbnailURL)
	out.ExternalURL = firstNonEmpty(incoming.ExternalURL, existing.ExternalURL)
	out.ScreenshotURI = firstNonEmpty(incoming.ScreenshotURI, existing.ScreenshotURI)
	if !incoming.PublishedAt.IsZero() {
		out.PublishedAt = incoming.PublishedAt
	}
	if incoming.hasMetadata() {
		out.SubscriberCount = incoming.SubscriberCount
		out.ViewCount = incoming.ViewCount
		out.VideoCount = incoming.VideoCount
		out.Inactive = incoming.Inactive
	}
	out.LinkedDomains = UnionStrings(existing.LinkedDomains, incoming.LinkedDomains)
	out.FeaturedChannelIDs = UnionStrings(existing.FeaturedChannelIDs, incoming.FeaturedChannelIDs)
	out.IsSink = existing.IsSink || incoming.IsSink
	out.IsFeeder = existing.IsFeeder || incoming.IsFeeder
	out.IsBot = existing.IsBot || incoming.IsBot
	out.Source, out.Notes = mergeProvenance(existing.Source, existing.Notes, incoming.Source, incoming.Notes)
	out.DiscoveredAt = earliest(existing.DiscoveredAt, incoming.DiscoveredAt)
	out.UpdatedAt = latest(existing.UpdatedAt, incoming.UpdatedAt)
	return out
}

func (c Channel) hasMetadata() bool {
	return c.Title != "" || c.Handle != ""
}

// MergeDomain folds a domain observation into the stored one. Active always
// reflects the newest observation.
func MergeDomain(existing, incoming Domain) Domain {
	out := existing
	out.Name = firstNonEmpty(existing.Name, incoming.Name)
	out.Registrable = firstNonEmpty(incoming.Registrable, existing.Registrable)
	out.Active = incoming.Active
	out.Source, out.Notes = mergeProvenance(existing.Source, existing.Notes, incoming.Source, incoming.Notes)
	out.DiscoveredAt = earliest(existing.DiscoveredAt, incoming.DiscoveredAt)
	out.UpdatedAt = latest(existing.UpdatedAt, incoming.UpdatedAt)
	return out
}

// MergeChannelLink refreshes a channel-to-channel edge.
func MergeChannelLink(existing, incoming ChannelLink) ChannelLink {
	out := existing
	out.RelationshipType = firstNonEmpty(incoming.RelationshipType, existing.RelationshipType)
	out.Source, out.Notes = mergeProvenance(existing.Source, existing.Notes, incoming.Source, incoming.Notes)
	out.DiscoveredAt = earliest(existing.DiscoveredAt, incoming.DiscoveredAt)
	out.UpdatedAt = latest(existing.UpdatedAt, incoming.UpdatedAt)
	return out
}

// MergeChannelDomainLink refreshes a channel-to-domain edge.
func MergeChannelDomainLink(existing, incoming ChannelDomainLink) ChannelDomainLink {
	out := existing
	out.FullURL = firstNonEmpty(incoming.FullURL, existing.FullURL)
	out.Source, out.Notes = mergeProvenance(existing.Source, existing.Notes, incoming.Source, incoming.Notes)
	out.DiscoveredAt = earliest(existing.DiscoveredAt, incoming.DiscoveredAt)
	out.UpdatedAt = latest(existing.UpdatedAt, incoming.UpdatedAt)
	return out
}

// MergeVideo folds fetched video metadata into the stored record.
func MergeVideo(existing, incoming Video) Video {
	out := existing
	out.ID = firstNonEmpty(existing.ID, incoming.ID)
	out.ChannelID = firstNonEmpty(incoming.ChannelID, existing.ChannelID)
	out.Title = firstNonEmpty(incoming.Title, existing.Title)
	out.Description = firstNonEmpty(incoming.Description, existing.Description)
	out.ThumbnailURL = firstNonEmpty(incoming.ThumbnailURL, existing.ThumbnailURL)
	out.CategoryID = firstNonEmpty(incoming.CategoryID, existing.CategoryID)
	if len(incoming.Tags) > 0 {
		out.Tags = incoming.Tags
	}
	if len(incoming.TopicCategories) > 0 {
		out.TopicCategories = incoming.TopicCategories
	}
	if incoming.Title != "" {
		out.ViewCount = incoming.ViewCount
		out.LikeCount = incoming.LikeCount
		out.CommentCount = incoming.CommentCount
	}
	if !incoming.PublishedAt.IsZero() {
		out.PublishedAt = incoming.PublishedAt
	}
	out.ScannedAt = latest(existing.ScannedAt, incoming.ScannedAt)
	out.DiscoveredAt = earliest(existing.DiscoveredAt, incoming.DiscoveredAt)
	out.UpdatedAt = latest(existing.UpdatedAt, incoming.UpdatedAt)
	return out
}

// MergeComment replaces a stored comment with a fresh observation while
// keeping the first StoredAt.
func MergeComment(existing, incoming Comment) Comment {
	out := incoming
	out.StoredAt = earliest(existing.StoredAt, incoming.StoredAt)
	return out
}

// UnionStrings appends the values of b missing from a, preserving order and
// dropping empties.
func UnionStrings(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func mergeProvenance(oldSource, oldNotes, newSource, newNotes string) (string, string) {
	if oldSource != "" || oldNotes != "" {
		return oldSource, oldNotes
	}
	return newSource, newNotes
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	default:
		return a
	}
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
