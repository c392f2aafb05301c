package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
)

// Noop stands in for the crawler when no browser is available. Channel pages
// report no external link and no featured channels.
type Noop struct{}

// NewNoop creates a new Noop crawler.
func NewNoop() *Noop {
	return &Noop{}
}

// ExternalLink reports no link.
func (Noop) ExternalLink(context.Context, string) (string, error) {
	return "", nil
}

// FeaturedChannelRefs reports no featured channels.
func (Noop) FeaturedChannelRefs(context.Context, string) ([]botnet.ChannelRef, error) {
	return nil, nil
}

// CaptureChannelPage always fails since there is nothing to render with.
func (Noop) CaptureChannelPage(context.Context, string) ([]byte, error) {
	return nil, botnet.FetchError("capture channel page", errors.New("headless browser not configured"))
}
