package publisher

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
	"github.com/JakeFAU/botnet-tracker/internal/metrics"
)

// Consume publishes every event in batch. It lets the Emitter serve as a Hub
// sink; failures are logged per event.
func (e *Emitter) Consume(ctx context.Context, batch []botnet.GraphEvent) error {
	for _, ev := range batch {
		e.Emit(ctx, ev)
	}
	return nil
}

// Close implements Sink. The underlying publisher is owned by the caller.
func (e *Emitter) Close(context.Context) error {
	return nil
}

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the Sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []botnet.GraphEvent) error {
	for _, ev := range batch {
		s.logger.Info("graph event",
			zap.String("type", ev.Type),
			zap.String("channel_id", ev.ChannelID),
			zap.String("domain", ev.Domain),
			zap.String("video_id", ev.VideoID),
			zap.String("source", ev.Source),
			zap.Time("timestamp", ev.Timestamp),
		)
	}
	return nil
}

// Close implements Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}

// MetricsSink counts events by type.
type MetricsSink struct{}

// Consume implements Sink.
func (MetricsSink) Consume(_ context.Context, batch []botnet.GraphEvent) error {
	for _, ev := range batch {
		metrics.ObserveGraphEvent(ev.Type)
	}
	return nil
}

// Close implements Sink.
func (MetricsSink) Close(context.Context) error {
	return nil
}
