// Package publisher fans graph events out to the configured message
// transport without letting publish failures reach the crawl pipeline.
package publisher

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
)

// Emitter publishes graph events to one topic. Failures are logged and
// swallowed.
type Emitter struct {
	pub    botnet.Publisher
	topic  string
	logger *zap.Logger
}

// NewEmitter builds an Emitter. A nil publisher makes Emit a no-op.
func NewEmitter(pub botnet.Publisher, topic string, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{pub: pub, topic: topic, logger: logger.Named("events")}
}

// Emit publishes ev.
func (e *Emitter) Emit(ctx context.Context, ev botnet.GraphEvent) {
	if e == nil || e.pub == nil {
		return
	}
	id, err := e.pub.Publish(ctx, e.topic, ev)
	if err != nil {
		e.logger.Warn("publish graph event failed",
			zap.String("type", ev.Type),
			zap.String("channel_id", ev.ChannelID),
			zap.Error(err),
		)
		return
	}
	e.logger.Debug("graph event published",
		zap.String("type", ev.Type),
		zap.String("channel_id", ev.ChannelID),
		zap.String("message_id", id),
	)
}
