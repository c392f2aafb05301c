// Package headless scrapes rendered channel pages with headless Chrome: the
// declared external link, featured-channel anchors, and full-page captures.
package headless

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
	"github.com/JakeFAU/botnet-tracker/internal/identity"
)

// Default selectors for the channel page layout.
const (
	DefaultLinkSelector     = "yt-attribution-view-model a.yt-core-attributed-string__link"
	DefaultFeaturedSelector = "div#channel > a#channel-info"
)

const defaultNavTimeout = 30 * time.Second

// Config controls the behavior of the headless crawler.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	LinkSelector      string
	FeaturedSelector  string
	SettleDelay       time.Duration
}

// Crawler implements botnet.RelationshipCrawler and botnet.PageCapturer
// using chromedp. Every call opens its own tab on a shared browser and
// closes it on return.
type Crawler struct {
	cfg         Config
	limiter     *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

var (
	_ botnet.RelationshipCrawler = (*Crawler)(nil)
	_ botnet.PageCapturer        = (*Crawler)(nil)
)

// NewChromedp creates a crawler backed by chromedp. MaxParallel bounds the
// number of open tabs; zero means unbounded.
func NewChromedp(cfg Config, logger *zap.Logger) (*Crawler, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if strings.TrimSpace(cfg.LinkSelector) == "" {
		cfg.LinkSelector = DefaultLinkSelector
	}
	if strings.TrimSpace(cfg.FeaturedSelector) == "" {
		cfg.FeaturedSelector = DefaultFeaturedSelector
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	var limiter *semaphore.Weighted
	if cfg.MaxParallel > 0 {
		limiter = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(1366, 900),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Crawler{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger.Named("headless"),
	}, nil
}

// Close shuts the browser down.
func (c *Crawler) Close() {
	c.allocCancel()
}

// ExternalLink returns the text of the first external link on the channel
// page, or "" when the page declares none.
func (c *Crawler) ExternalLink(ctx context.Context, channelID string) (string, error) {
	var text string
	err := c.withPage(ctx, "external link", channelID, chromedp.Evaluate(firstTextJS(c.cfg.LinkSelector), &text))
	if err != nil {
		return "", err
	}
	return cleanLinkText(text), nil
}

// FeaturedChannelRefs returns the channels advertised on the channel page.
func (c *Crawler) FeaturedChannelRefs(ctx context.Context, channelID string) ([]botnet.ChannelRef, error) {
	var hrefs []string
	err := c.withPage(ctx, "featured channels", channelID, chromedp.Evaluate(allHrefsJS(c.cfg.FeaturedSelector), &hrefs))
	if err != nil {
		return nil, err
	}
	refs := parseFeaturedHrefs(hrefs)
	c.logger.Debug("featured channels scraped",
		zap.String("channel_id", channelID),
		zap.Int("anchors", len(hrefs)),
		zap.Int("refs", len(refs)),
	)
	return refs, nil
}

// CaptureChannelPage renders the channel page to a full-length PNG.
func (c *Crawler) CaptureChannelPage(ctx context.Context, channelID string) ([]byte, error) {
	var png []byte
	if err := c.withPage(ctx, "capture", channelID, chromedp.FullScreenshot(&png, 100)); err != nil {
		return nil, err
	}
	return png, nil
}

// withPage opens a tab, loads the channel page, runs action and closes the
// tab on every path.
func (c *Crawler) withPage(ctx context.Context, op, channelID string, action chromedp.Action) error {
	if err := c.acquire(ctx); err != nil {
		return botnet.FetchError("headless "+op, err)
	}
	defer c.release()

	taskCtx, taskCancel := chromedp.NewContext(c.allocator)
	defer taskCancel()
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, c.navTimeout())
	defer cancel()

	pageURL := identity.ChannelURL(channelRef(channelID))
	start := time.Now()
	err := chromedp.Run(taskCtx,
		c.networkSetupAction(),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(c.cfg.SettleDelay),
		action,
	)
	if err != nil {
		c.logger.Warn("headless page failed",
			zap.String("op", op),
			zap.String("url", pageURL),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return botnet.FetchError(fmt.Sprintf("headless %s %s", op, channelID), err)
	}
	return nil
}

func (c *Crawler) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if c.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(c.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (c *Crawler) acquire(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("headless slot wait canceled: %w", err)
	}
	return nil
}

func (c *Crawler) release() {
	if c.limiter == nil {
		return
	}
	c.limiter.Release(1)
}

func (c *Crawler) navTimeout() time.Duration {
	if c.cfg.NavigationTimeout > 0 {
		return c.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

// channelRef builds a reference for page URLs; stored IDs are canonical, but
// handles are accepted too.
func channelRef(channelID string) botnet.ChannelRef {
	if strings.HasPrefix(channelID, "@") {
		return botnet.ChannelRef{Kind: botnet.RefHandle, Value: channelID}
	}
	return botnet.ChannelID(channelID)
}

// firstTextJS returns a script yielding the inner text of the first match.
func firstTextJS(selector string) string {
	return fmt.Sprintf(`(() => { const el = document.querySelector(%s); return el ? el.innerText : ""; })()`, jsString(selector))
}

// allHrefsJS returns a script yielding every match's href attribute.
func allHrefsJS(selector string) string {
	return fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map(a => a.getAttribute("href")).filter(Boolean)`, jsString(selector))
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// parseFeaturedHrefs resolves anchor hrefs such as "/@handle" or
// "/channel/UC..." to channel references, dropping anything else.
func parseFeaturedHrefs(hrefs []string) []botnet.ChannelRef {
	refs := make([]botnet.ChannelRef, 0, len(hrefs))
	for _, href := range hrefs {
		href = strings.TrimSpace(href)
		if href == "" {
			continue
		}
		if !strings.HasPrefix(href, "/") && !strings.Contains(href, "://") {
			href = "/" + href
		}
		ref, err := identity.ResolveChannel(href)
		if err != nil {
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

// cleanLinkText trims the displayed link text.
func cleanLinkText(text string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(text), "\u200b"))
}
