package identity

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
)

var (
	channelIDPattern = regexp.MustCompile(`^UC[A-Za-z0-9_-]{22}$`)
	videoIDPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)
	handlePattern    = regexp.MustCompile(`^@[\p{L}\p{N}._-]+$`)
)

// hosts serving channel and video pages, with common subdomains stripped.
var (
	longHosts  = map[string]struct{}{"youtube.com": {}, "youtube-nocookie.com": {}}
	shortHosts = map[string]struct{}{"youtu.be": {}}
)

var errUnrecognized = errors.New("unrecognized reference")

// Resolve normalizes a channel or video reference. Accepted shapes are
// /channel/<ID>, /user/<name>, /@handle, a bare @handle, ?v=<ID>,
// youtu.be/<ID>, /embed/<ID> and /shorts/<ID>, as absolute URLs, scheme-less
// hosts or relative paths. Bare tokens resolve to a channel when they look
// like a channel ID and to a video when they look like a video ID.
func Resolve(reference string) (botnet.Ref, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return nil, resolutionError(reference, errors.New("empty reference"))
	}
	if strings.HasPrefix(ref, "@") && !strings.Contains(ref, "/") {
		return parseHandle(reference, ref)
	}
	if !looksLikeLocator(ref) {
		switch {
		case channelIDPattern.MatchString(ref):
			return botnet.ChannelID(ref), nil
		case videoIDPattern.MatchString(ref):
			return botnet.VideoRef{ID: ref}, nil
		default:
			return nil, resolutionError(reference, errUnrecognized)
		}
	}

	u, err := parseLocator(ref)
	if err != nil {
		return nil, resolutionError(reference, err)
	}
	host := canonicalHost(u.Hostname())
	if _, ok := shortHosts[host]; ok {
		id := firstSegment(u.Path)
		if id == "" {
			return nil, resolutionError(reference, errors.New("missing video id"))
		}
		return botnet.VideoRef{ID: id}, nil
	}
	if _, ok := longHosts[host]; !ok {
		return nil, resolutionError(reference, fmt.Errorf("unsupported host %q", u.Hostname()))
	}
	if v := strings.TrimSpace(u.Query().Get("v")); v != "" {
		return botnet.VideoRef{ID: v}, nil
	}
	return resolvePath(reference, u.Path)
}

// ResolveChannel resolves reference and requires a channel. Any bare token
// that is not a handle is taken as a canonical channel ID.
func ResolveChannel(reference string) (botnet.ChannelRef, error) {
	ref := strings.TrimSpace(reference)
	if ref != "" && !looksLikeLocator(ref) && !strings.HasPrefix(ref, "@") {
		if strings.ContainsAny(ref, " \t?#") {
			return botnet.ChannelRef{}, resolutionError(reference, errUnrecognized)
		}
		return botnet.ChannelID(ref), nil
	}
	resolved, err := Resolve(reference)
	if err != nil {
		return botnet.ChannelRef{}, err
	}
	ch, ok := resolved.(botnet.ChannelRef)
	if !ok {
		return botnet.ChannelRef{}, resolutionError(reference, errors.New("reference is a video, not a channel"))
	}
	return ch, nil
}

// ResolveVideo resolves reference and requires a video. Any bare token is
// taken as a video ID.
func ResolveVideo(reference string) (botnet.VideoRef, error) {
	ref := strings.TrimSpace(reference)
	if ref != "" && !looksLikeLocator(ref) && !strings.HasPrefix(ref, "@") {
		if strings.ContainsAny(ref, " \t?#") {
			return botnet.VideoRef{}, resolutionError(reference, errUnrecognized)
		}
		return botnet.VideoRef{ID: ref}, nil
	}
	resolved, err := Resolve(reference)
	if err != nil {
		return botnet.VideoRef{}, err
	}
	v, ok := resolved.(botnet.VideoRef)
	if !ok {
		return botnet.VideoRef{}, resolutionError(reference, errors.New("reference is a channel, not a video"))
	}
	return v, nil
}

// ChannelURL builds the channel page URL for a reference, the inverse of
// resolving a channel path.
func ChannelURL(ref botnet.ChannelRef) string {
	const base = "https://www.youtube.com"
	switch {
	case ref.Kind == botnet.RefUsername:
		return base + "/user/" + url.PathEscape(ref.Value)
	case strings.HasPrefix(ref.Value, "@"):
		return base + "/" + ref.Value
	case ref.Kind == botnet.RefHandle:
		return base + "/@" + ref.Value
	default:
		return base + "/channel/" + url.PathEscape(ref.Value)
	}
}

func resolvePath(reference, path string) (botnet.Ref, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, resolutionError(reference, errors.New("empty path"))
	}
	head := parts[0]
	if strings.HasPrefix(head, "@") {
		return parseHandle(reference, head)
	}
	if len(parts) < 2 {
		return nil, resolutionError(reference, fmt.Errorf("missing segment after %q", head))
	}
	switch head {
	case "channel":
		return botnet.ChannelID(parts[1]), nil
	case "user":
		return botnet.ChannelRef{Kind: botnet.RefUsername, Value: parts[1]}, nil
	case "embed", "shorts", "live":
		return botnet.VideoRef{ID: parts[1]}, nil
	default:
		return nil, resolutionError(reference, errUnrecognized)
	}
}

func parseHandle(reference, handle string) (botnet.Ref, error) {
	if !handlePattern.MatchString(handle) {
		return nil, resolutionError(reference, fmt.Errorf("invalid handle %q", handle))
	}
	return botnet.ChannelRef{Kind: botnet.RefHandle, Value: handle}, nil
}

// looksLikeLocator reports whether ref is a URL or path rather than a bare token.
func looksLikeLocator(ref string) bool {
	return strings.Contains(ref, "/") || strings.Contains(ref, "?") || strings.Contains(ref, "://")
}

func parseLocator(ref string) (*url.URL, error) {
	switch {
	case strings.Contains(ref, "://"):
	case strings.HasPrefix(ref, "//"):
		ref = "https:" + ref
	case strings.HasPrefix(ref, "/") || strings.HasPrefix(ref, "?"):
		ref = "https://www.youtube.com" + ref
	case isKnownHost(strings.SplitN(ref, "/", 2)[0]):
		ref = "https://" + ref
	default:
		ref = "https://www.youtube.com/" + ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u, nil
}

func isKnownHost(host string) bool {
	h := canonicalHost(strings.SplitN(host, "?", 2)[0])
	_, long := longHosts[h]
	_, short := shortHosts[h]
	return long || short
}

func canonicalHost(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, prefix := range []string{"www.", "m.", "music."} {
		host = strings.TrimPrefix(host, prefix)
	}
	return host
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func firstSegment(path string) string {
	parts := splitPath(path)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

func resolutionError(reference string, err error) error {
	return botnet.ResolutionError(fmt.Sprintf("resolve %q", reference), err)
}
