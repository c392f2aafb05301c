package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/botnet-tracker/internal/botnet"
	"github.com/JakeFAU/botnet-tracker/internal/publisher/memory"
)

type stubSink struct {
	mu      sync.Mutex
	batches [][]botnet.GraphEvent
	closed  bool
}

func (s *stubSink) Consume(_ context.Context, batch []botnet.GraphEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]botnet.GraphEvent(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]botnet.GraphEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]botnet.GraphEvent(nil), s.batches...)
}

func flagged(id string) botnet.GraphEvent {
	return botnet.GraphEvent{Type: botnet.EventBotFlagged, ChannelID: id, Timestamp: time.Now()}
}

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(HubConfig{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(context.Background(), flagged("UCa"))
	hub.Emit(context.Background(), flagged("UCb"))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(HubConfig{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 25 * time.Millisecond}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(context.Background(), flagged("UCa"))
	require.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHubFlushesAndClosesSinksOnClose(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(HubConfig{MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
	hub.Emit(context.Background(), flagged("UCa"))

	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.True(t, sink.closed)

	hub.Emit(context.Background(), flagged("UCb"))
	require.Len(t, sink.Batches(), 1)
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	hub := &Hub{
		events:      make(chan botnet.GraphEvent),
		logger:      zap.New(core),
		dropLimiter: dropLimiter{interval: time.Hour},
	}
	start := time.Now()
	hub.Emit(context.Background(), flagged("UCa"))
	hub.Emit(context.Background(), flagged("UCb"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, 1, logs.FilterMessage("graph events dropped due to backpressure").Len())
}

func TestHubSkipsUntypedEvents(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(HubConfig{MaxBatchWait: time.Minute}, sink)
	hub.Emit(context.Background(), botnet.GraphEvent{ChannelID: "UCa"})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())

	var nilHub *Hub
	require.NotPanics(t, func() { nilHub.Emit(context.Background(), flagged("UCa")) })
	require.NoError(t, nilHub.Close(context.Background()))
}

func TestHubDeliversThroughEmitterAndLogSink(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	core, logs := observer.New(zap.InfoLevel)
	hub := NewHub(HubConfig{MaxBatchWait: time.Minute},
		NewEmitter(pub, "graph-events", nil),
		NewLogSink(zap.New(core)),
		MetricsSink{},
	)
	hub.Emit(context.Background(), flagged("UCa"))
	hub.Emit(context.Background(), botnet.GraphEvent{Type: botnet.EventSinkDiscovered, Domain: "spam-site.co"})
	require.NoError(t, hub.Close(context.Background()))

	require.Len(t, pub.Messages(), 2)
	entries := logs.FilterMessage("graph event").All()
	require.Len(t, entries, 2)
	require.Equal(t, "spam-site.co", entries[1].ContextMap()["domain"])
}

func TestDropLimiter(t *testing.T) {
	t.Parallel()

	l := dropLimiter{interval: time.Second}
	now := time.Now()
	require.True(t, l.Allow(now))
	require.False(t, l.Allow(now.Add(100*time.Millisecond)))
	require.True(t, l.Allow(now.Add(2*time.Second)))
}
