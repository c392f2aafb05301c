package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
)

// GraphStore keeps the channel/domain graph in process memory. It is the
// default store for development and the backing store for tests.
type GraphStore struct {
	mu           sync.RWMutex
	channels     map[string]botnet.Channel
	domains      map[string]botnet.Domain
	videos       map[string]botnet.Video
	comments     map[string]botnet.Comment
	channelLinks map[string]botnet.ChannelLink
	domainLinks  map[string]botnet.ChannelDomainLink
}

var _ botnet.GraphStore = (*GraphStore)(nil)

// NewGraphStore constructs an empty GraphStore.
func NewGraphStore() *GraphStore {
	return &GraphStore{
		channels:     make(map[string]botnet.Channel),
		domains:      make(map[string]botnet.Domain),
		videos:       make(map[string]botnet.Video),
		comments:     make(map[string]botnet.Comment),
		channelLinks: make(map[string]botnet.ChannelLink),
		domainLinks:  make(map[string]botnet.ChannelDomainLink),
	}
}

// UpsertChannel merges channel into the stored node and returns the result.
func (s *GraphStore) UpsertChannel(_ context.Context, channel botnet.Channel) (botnet.Channel, error) {
	if strings.TrimSpace(channel.ID) == "" {
		return botnet.Channel{}, botnet.StorageError("upsert channel", errors.New("channel id is required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := botnet.MergeChannel(s.channels[channel.ID], channel)
	s.channels[channel.ID] = cloneChannel(merged)
	return cloneChannel(merged), nil
}

// UpsertDomain merges domain into the stored node.
func (s *GraphStore) UpsertDomain(_ context.Context, domain botnet.Domain) (botnet.Domain, error) {
	if strings.TrimSpace(domain.Name) == "" {
		return botnet.Domain{}, botnet.StorageError("upsert domain", errors.New("domain is required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := botnet.MergeDomain(s.domains[domain.Name], domain)
	s.domains[domain.Name] = merged
	return merged, nil
}

// UpsertVideo merges video into the stored node.
func (s *GraphStore) UpsertVideo(_ context.Context, video botnet.Video) (botnet.Video, error) {
	if strings.TrimSpace(video.ID) == "" {
		return botnet.Video{}, botnet.StorageError("upsert video", errors.New("video id is required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := botnet.MergeVideo(s.videos[video.ID], video)
	s.videos[video.ID] = merged
	return merged, nil
}

// UpsertChannelChannelLink stores the edge under "<source>::<target>".
func (s *GraphStore) UpsertChannelChannelLink(_ context.Context, link botnet.ChannelLink) error {
	if link.SourceChannelID == "" || link.TargetChannelID == "" {
		return botnet.StorageError("upsert channel link", errors.New("source and target are required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := link.Key()
	existing, ok := s.channelLinks[key]
	if !ok {
		existing = botnet.ChannelLink{SourceChannelID: link.SourceChannelID, TargetChannelID: link.TargetChannelID}
	}
	s.channelLinks[key] = botnet.MergeChannelLink(existing, link)
	return nil
}

// UpsertChannelDomainLink stores the edge under "<domain>::<channel>".
func (s *GraphStore) UpsertChannelDomainLink(_ context.Context, link botnet.ChannelDomainLink) error {
	if link.ChannelID == "" || link.Domain == "" {
		return botnet.StorageError("upsert domain link", errors.New("channel and domain are required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := link.Key()
	existing, ok := s.domainLinks[key]
	if !ok {
		existing = botnet.ChannelDomainLink{ChannelID: link.ChannelID, Domain: link.Domain}
	}
	s.domainLinks[key] = botnet.MergeChannelDomainLink(existing, link)
	return nil
}

// UpsertComment stores comment under its key.
func (s *GraphStore) UpsertComment(_ context.Context, comment botnet.Comment) error {
	if comment.VideoID == "" || comment.ChannelID == "" {
		return botnet.StorageError("upsert comment", errors.New("video and channel are required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := comment.Key()
	s.comments[key] = botnet.MergeComment(s.comments[key], comment)
	return nil
}

// GetChannel returns a stored channel or an ErrNotFound error.
func (s *GraphStore) GetChannel(_ context.Context, id string) (botnet.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[id]
	if !ok {
		return botnet.Channel{}, botnet.NotFoundError("get channel", fmt.Errorf("channel %q", id))
	}
	return cloneChannel(ch), nil
}

// GetChannelByHandle looks a channel up by handle, ignoring case and the
// leading "@".
func (s *GraphStore) GetChannelByHandle(_ context.Context, handle string) (botnet.Channel, error) {
	want := normalizeHandle(handle)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.channels {
		if want != "" && normalizeHandle(ch.Handle) == want {
			return cloneChannel(ch), nil
		}
	}
	return botnet.Channel{}, botnet.NotFoundError("get channel by handle", fmt.Errorf("handle %q", handle))
}

// ListAllChannelIDs returns every stored channel ID in sorted order.
func (s *GraphStore) ListAllChannelIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.channels, func(botnet.Channel) bool { return true }), nil
}

// ListAllDomains returns every stored domain in sorted order.
func (s *GraphStore) ListAllDomains(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.domains, func(botnet.Domain) bool { return true }), nil
}

// ListBotChannelIDs returns the IDs of channels flagged as bots.
func (s *GraphStore) ListBotChannelIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.channels, func(ch botnet.Channel) bool { return ch.IsBot }), nil
}

// Domain returns a stored domain.
func (s *GraphStore) Domain(name string) (botnet.Domain, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.domains[name]
	return d, ok
}

// Video returns a stored video.
func (s *GraphStore) Video(id string) (botnet.Video, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.videos[id]
	return v, ok
}

// ChannelLinks returns a copy of the channel-to-channel edges keyed by edge key.
func (s *GraphStore) ChannelLinks() map[string]botnet.ChannelLink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]botnet.ChannelLink, len(s.channelLinks))
	for k, v := range s.channelLinks {
		out[k] = v
	}
	return out
}

// ChannelDomainLinks returns a copy of the channel-to-domain edges keyed by edge key.
func (s *GraphStore) ChannelDomainLinks() map[string]botnet.ChannelDomainLink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]botnet.ChannelDomainLink, len(s.domainLinks))
	for k, v := range s.domainLinks {
		out[k] = v
	}
	return out
}

// Comments returns a copy of the stored comments keyed by comment key.
func (s *GraphStore) Comments() map[string]botnet.Comment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]botnet.Comment, len(s.comments))
	for k, v := range s.comments {
		out[k] = v
	}
	return out
}

func sortedKeys[V any](m map[string]V, keep func(V) bool) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if keep(v) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func normalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}

func cloneChannel(ch botnet.Channel) botnet.Channel {
	ch.LinkedDomains = append([]string(nil), ch.LinkedDomains...)
	ch.FeaturedChannelIDs = append([]string(nil), ch.FeaturedChannelIDs...)
	return ch
}
