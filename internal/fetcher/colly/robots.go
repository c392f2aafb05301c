package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
	"github.com/JakeFAU/botnet-tracker/internal/retry"
)

const allowAllRobots = "User-agent: *\nAllow: /"

// defaultRobotsRetry covers a few slow TLS handshakes before giving up.
func defaultRobotsRetry() *retry.Policy {
	return retry.NewPolicy(4, 250*time.Millisecond, time.Second)
}

// robotsTransport retries robots.txt fetches through handshake timeouts. When
// they persist it serves an allow-all file, so an unreachable robots.txt
// never decides liveness on its own.
type robotsTransport struct {
	base     http.RoundTripper
	policy   *retry.Policy
	fellBack atomic.Bool
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return t.base.RoundTrip(req)
	}
	op := "robots.txt " + req.URL.Host
	resp, err := retry.Do(req.Context(), t.policy, func(ctx context.Context) (*http.Response, error) {
		resp, err := t.base.RoundTrip(req.Clone(ctx))
		if err != nil && slowHandshake(err) {
			return nil, botnet.FetchError(op, err)
		}
		return resp, err
	})
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, botnet.ErrFetch) && req.Context().Err() == nil {
		t.fellBack.Store(true)
		return allowAllResponse(req), nil
	}
	return nil, fmt.Errorf("%s: %w", op, err)
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        make(http.Header),
		Request:       req,
	}
}

func slowHandshake(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
