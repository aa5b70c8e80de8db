package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drone-runners/drone-autoscaler/types"
)

// ErrStreamNotFound is returned when a metric stream id does not
// resolve to a published stream.
var ErrStreamNotFound = errors.New("metric stream not found")

// MetricStream is a queryable stream of values of a single metric.
type MetricStream interface {
	// ID returns the stream id referenced by predictor configurations.
	ID() string
	// Metric returns the name of the underlying metric.
	Metric() string
	// Query returns the values observed in [start, end].
	Query(ctx context.Context, start, end time.Time) ([]types.MetricValue, error)
}

// MetricStreamer publishes one or more metric streams.
type MetricStreamer interface {
	ID() string
	MetricStream(id string) (MetricStream, error)
	Streams() []MetricStream
}

// StreamResolver resolves metric stream references.
type StreamResolver interface {
	MetricStreamers() []MetricStreamer
}

// FindStream looks up a metric stream among the given streamers.
func FindStream(streamers []MetricStreamer, id string) (MetricStream, error) {
	for _, s := range streamers {
		stream, err := s.MetricStream(id)
		if err == nil {
			return stream, nil
		}
		if !errors.Is(err, ErrStreamNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
}

// Follow returns a stream that resolves id through resolver on every
// call, so holders keep working after the publishing streamer is
// reconfigured.
func Follow(resolver StreamResolver, id string) MetricStream {
	return &followed{resolver: resolver, id: id}
}

type followed struct {
	resolver StreamResolver
	id       string
}

func (f *followed) ID() string {
	return f.id
}

// Metric returns the metric of the current stream, or an empty
// string if the stream is no longer published.
func (f *followed) Metric() string {
	stream, err := FindStream(f.resolver.MetricStreamers(), f.id)
	if err != nil {
		return ""
	}
	return stream.Metric()
}

func (f *followed) Query(ctx context.Context, start, end time.Time) ([]types.MetricValue, error) {
	stream, err := FindStream(f.resolver.MetricStreamers(), f.id)
	if err != nil {
		return nil, err
	}
	return stream.Query(ctx, start, end)
}
