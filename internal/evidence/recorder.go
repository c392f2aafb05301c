// Package evidence stores full-page captures of channel pages as
// content-addressed PNG blobs.
package evidence

import (
	"bytes"
	"context"
	"errors"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
)

const contentType = "image/png"

// Recorder captures a channel page and writes it to
// <prefix>/<channel_id>/<sha256>.png.
type Recorder struct {
	capturer botnet.PageCapturer
	blobs    botnet.BlobStore
	hasher   botnet.Hasher
	prefix   string
	logger   *zap.Logger
}

// New builds a Recorder. An empty prefix writes under "screenshots".
func New(capturer botnet.PageCapturer, blobs botnet.BlobStore, hasher botnet.Hasher, prefix string, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "screenshots"
	}
	return &Recorder{
		capturer: capturer,
		blobs:    blobs,
		hasher:   hasher,
		prefix:   prefix,
		logger:   logger.Named("evidence"),
	}
}

// Record captures channelID's page and returns the blob URI.
func (r *Recorder) Record(ctx context.Context, channelID string) (string, error) {
	if strings.TrimSpace(channelID) == "" {
		return "", botnet.ValidationError("record evidence", errors.New("channel id is required"))
	}
	png, err := r.capturer.CaptureChannelPage(ctx, channelID)
	if err != nil {
		return "", botnet.FetchError("capture channel page "+channelID, err)
	}
	sum, err := r.hasher.Hash(png)
	if err != nil {
		return "", botnet.FetchError("hash capture "+channelID, err)
	}
	key := path.Join(r.prefix, channelID, sum+".png")
	uri, err := r.blobs.PutObject(ctx, key, contentType, bytes.NewReader(png))
	if err != nil {
		return "", botnet.StorageError("store capture "+key, err)
	}
	r.logger.Debug("page captured",
		zap.String("channel_id", channelID),
		zap.String("uri", uri),
		zap.Int("bytes", len(png)),
	)
	return uri, nil
}
