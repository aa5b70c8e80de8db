package monitoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/drone-runners/drone-autoscaler/app/eventbus"
	"github.com/drone-runners/drone-autoscaler/types"
)

var _ MetricStreamer = (*MemoryStreamer)(nil)

// DefaultMemoryRetention covers the seasonal lookback of the ema
// predictor with a week to spare.
const DefaultMemoryRetention = 5 * 7 * 24 * time.Hour

// MemoryStreamer keeps pushed metric values in memory. Every push
// is announced on the bus as a metric batch. Values older than the
// stream lookback, measured from the newest value, are dropped.
type MemoryStreamer struct {
	id      string
	bus     *eventbus.Bus
	streams map[string]*memoryStream
	order   []string
}

type memoryStream struct {
	id        string
	metric    string
	retention time.Duration

	mu     sync.RWMutex
	values []types.MetricValue
}

// NewMemoryStreamer creates a streamer from its configuration.
func NewMemoryStreamer(bus *eventbus.Bus, cfg *types.MetricStreamerConfig) *MemoryStreamer {
	s := &MemoryStreamer{
		id:      cfg.ID,
		bus:     bus,
		streams: make(map[string]*memoryStream),
	}
	for _, sc := range cfg.Streams {
		s.streams[sc.ID] = &memoryStream{
			id:        sc.ID,
			metric:    sc.Metric,
			retention: types.DurationOr(sc.Lookback, DefaultMemoryRetention),
		}
		s.order = append(s.order, sc.ID)
	}
	return s
}

func (s *MemoryStreamer) ID() string { return s.id }

func (s *MemoryStreamer) MetricStream(id string) (MetricStream, error) {
	stream, ok := s.streams[id]
	if !ok {
		return nil, ErrStreamNotFound
	}
	return stream, nil
}

func (s *MemoryStreamer) Streams() []MetricStream {
	streams := make([]MetricStream, 0, len(s.order))
	for _, id := range s.order {
		streams = append(streams, s.streams[id])
	}
	return streams
}

// Push appends values to a stream and announces the batch.
func (s *MemoryStreamer) Push(streamID string, values ...types.MetricValue) error {
	stream, ok := s.streams[streamID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}

	stream.mu.Lock()
	for _, v := range values {
		v.Metric = stream.metric
		stream.values = append(stream.values, v)
	}
	sort.SliceStable(stream.values, func(i, j int) bool {
		return stream.values[i].Timestamp.Before(stream.values[j].Timestamp)
	})
	stream.expire()
	stream.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(types.MetricBatch{
			Streamer:  s.id,
			Stream:    streamID,
			Count:     len(values),
			Timestamp: time.Now().UTC(),
		})
	}
	return nil
}

func (s *MemoryStreamer) start(context.Context) {}
func (s *MemoryStreamer) stop()                 {}

// expire drops the values outside the retention window. The caller
// holds the write lock and values are sorted.
func (m *memoryStream) expire() {
	if len(m.values) == 0 || m.retention <= 0 {
		return
	}
	cutoff := m.values[len(m.values)-1].Timestamp.Add(-m.retention)
	i := sort.Search(len(m.values), func(i int) bool {
		return !m.values[i].Timestamp.Before(cutoff)
	})
	if i > 0 {
		m.values = append([]types.MetricValue(nil), m.values[i:]...)
	}
}

func (m *memoryStream) ID() string     { return m.id }
func (m *memoryStream) Metric() string { return m.metric }

func (m *memoryStream) Query(_ context.Context, start, end time.Time) ([]types.MetricValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []types.MetricValue
	for _, v := range m.values {
		if v.Timestamp.Before(start) || v.Timestamp.After(end) {
			continue
		}
		result = append(result, v)
	}
	return result, nil
}
