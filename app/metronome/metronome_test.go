package metronome

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"github.com/drone-runners/drone-autoscaler/app/eventbus"
	"github.com/drone-runners/drone-autoscaler/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockPool struct {
	PoolSizeFunc       func(ctx context.Context) (*types.PoolSizeSummary, error)
	SetDesiredSizeFunc func(ctx context.Context, n int) error
	MachinePoolFunc    func(ctx context.Context) (*types.MachinePool, error)
}

func (m *mockPool) PoolSize(ctx context.Context) (*types.PoolSizeSummary, error) {
	if m.PoolSizeFunc != nil {
		return m.PoolSizeFunc(ctx)
	}
	return nil, errors.New("not implemented")
}

func (m *mockPool) SetDesiredSize(ctx context.Context, n int) error {
	if m.SetDesiredSizeFunc != nil {
		return m.SetDesiredSizeFunc(ctx, n)
	}
	return nil
}

func (m *mockPool) MachinePool(ctx context.Context) (*types.MachinePool, error) {
	if m.MachinePoolFunc != nil {
		return m.MachinePoolFunc(ctx)
	}
	return &types.MachinePool{}, nil
}

type mockPredictor struct {
	PredictFunc func(ctx context.Context, poolSize *types.PoolSizeSummary, at time.Time) (int, bool, error)
}

func (m *mockPredictor) Predict(ctx context.Context, poolSize *types.PoolSizeSummary, at time.Time) (int, bool, error) {
	return m.PredictFunc(ctx, poolSize, at)
}

// recorder collects the events published on a bus.
type recorder struct {
	mu      sync.Mutex
	metrics []types.SystemMetric
	alerts  []types.Alert
}

func record(bus *eventbus.Bus) *recorder {
	r := new(recorder)
	bus.Subscribe(func(event interface{}) {
		r.mu.Lock()
		defer r.mu.Unlock()
		switch e := event.(type) {
		case types.SystemMetric:
			r.metrics = append(r.metrics, e)
		case types.Alert:
			r.alerts = append(r.alerts, e)
		}
	})
	return r
}

func (r *recorder) named(name string) []types.SystemMetric {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.SystemMetric
	for _, m := range r.metrics {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) alertList() []types.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Alert(nil), r.alerts...)
}

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestMetronome(pool *mockPool, predictor *mockPredictor, cfg *types.MetronomeConfig) (*Metronome, *recorder) {
	bus := eventbus.New()
	rec := record(bus)
	m := New(bus, pool, predictor)
	m.now = func() time.Time { return epoch }
	if cfg != nil {
		_ = m.Configure(cfg)
	}
	return m, rec
}

func TestMetronome_StartRequiresConfigure(t *testing.T) {
	m, _ := newTestMetronome(&mockPool{}, &mockPredictor{}, nil)
	assert.ErrorIs(t, m.Start(context.Background()), ErrNotConfigured)
	assert.False(t, m.Started())
	assert.ErrorIs(t, m.Resize(context.Background()), ErrNotConfigured)
}

func TestMetronome_Validate(t *testing.T) {
	assert.NoError(t, Validate(nil))
	assert.NoError(t, Validate(&types.MetronomeConfig{Horizon: &types.Duration{}}))
	assert.Error(t, Validate(&types.MetronomeConfig{Interval: &types.Duration{}}))
	assert.Error(t, Validate(&types.MetronomeConfig{Horizon: &types.Duration{Duration: -time.Second}}))
	assert.Error(t, Validate(&types.MetronomeConfig{ReportInterval: &types.Duration{Duration: -time.Second}}))

	m, _ := newTestMetronome(&mockPool{}, &mockPredictor{}, nil)
	assert.Error(t, m.Configure(&types.MetronomeConfig{Interval: &types.Duration{}}))
	assert.Nil(t, m.Configuration())
}

func TestMetronome_Resize(t *testing.T) {
	var gotAt time.Time
	var gotSize *types.PoolSizeSummary
	var desired []int
	pool := &mockPool{
		PoolSizeFunc: func(context.Context) (*types.PoolSizeSummary, error) {
			return &types.PoolSizeSummary{Desired: 2, Allocated: 2, Active: 2}, nil
		},
		SetDesiredSizeFunc: func(_ context.Context, n int) error {
			desired = append(desired, n)
			return nil
		},
	}
	predictor := &mockPredictor{
		PredictFunc: func(_ context.Context, poolSize *types.PoolSizeSummary, at time.Time) (int, bool, error) {
			gotAt, gotSize = at, poolSize
			return 4, true, nil
		},
	}
	m, rec := newTestMetronome(pool, predictor, &types.MetronomeConfig{
		Horizon: &types.Duration{Duration: 5 * time.Minute},
	})

	assert.NoError(t, m.Resize(context.Background()))
	assert.Equal(t, epoch.Add(5*time.Minute), gotAt)
	assert.Equal(t, 2, gotSize.Desired)
	assert.Equal(t, []int{4}, desired)

	decisions := rec.named(types.MetricComputeUnitDecision)
	if assert.Len(t, decisions, 1) {
		assert.Equal(t, 4.0, decisions[0].Value)
		assert.Equal(t, gotAt, decisions[0].Timestamp)
	}
	assert.NoError(t, m.LastError())
	assert.Equal(t, types.HealthOK, m.Status().Status)
}

func TestMetronome_ResizeDefaultHorizon(t *testing.T) {
	var gotAt time.Time
	predictor := &mockPredictor{
		PredictFunc: func(_ context.Context, _ *types.PoolSizeSummary, at time.Time) (int, bool, error) {
			gotAt = at
			return 0, false, nil
		},
	}
	m, _ := newTestMetronome(&mockPool{}, predictor, &types.MetronomeConfig{})
	assert.NoError(t, m.Resize(context.Background()))
	assert.Equal(t, epoch.Add(types.DefaultMetronomeHorizon), gotAt)
}

func TestMetronome_ResizeLogOnly(t *testing.T) {
	pool := &mockPool{
		PoolSizeFunc: func(context.Context) (*types.PoolSizeSummary, error) {
			return &types.PoolSizeSummary{}, nil
		},
		SetDesiredSizeFunc: func(context.Context, int) error {
			t.Error("log only mode must not actuate")
			return nil
		},
	}
	predictor := &mockPredictor{
		PredictFunc: func(context.Context, *types.PoolSizeSummary, time.Time) (int, bool, error) {
			return 3, true, nil
		},
	}
	m, rec := newTestMetronome(pool, predictor, &types.MetronomeConfig{LogOnly: true})

	assert.NoError(t, m.Resize(context.Background()))
	assert.Len(t, rec.named(types.MetricComputeUnitDecision), 1)
}

func TestMetronome_ResizeAbsentPrediction(t *testing.T) {
	pool := &mockPool{
		SetDesiredSizeFunc: func(context.Context, int) error {
			t.Error("absent prediction must not actuate")
			return nil
		},
	}
	var gotSize *types.PoolSizeSummary
	predictor := &mockPredictor{
		PredictFunc: func(_ context.Context, poolSize *types.PoolSizeSummary, _ time.Time) (int, bool, error) {
			gotSize = poolSize
			return 0, false, nil
		},
	}
	m, rec := newTestMetronome(pool, predictor, &types.MetronomeConfig{})

	assert.NoError(t, m.Resize(context.Background()))
	assert.Nil(t, gotSize)
	assert.NoError(t, m.LastError())
	assert.Empty(t, rec.named(types.MetricComputeUnitDecision))

	// the pool size fetch failure is a warning only
	alerts := rec.alertList()
	if assert.Len(t, alerts, 1) {
		assert.Equal(t, types.SeverityWarning, alerts[0].Severity)
		assert.Equal(t, types.TopicMetronome, alerts[0].Topic)
	}
}

func TestMetronome_ResizeFailures(t *testing.T) {
	pool := &mockPool{
		PoolSizeFunc: func(context.Context) (*types.PoolSizeSummary, error) {
			return &types.PoolSizeSummary{Desired: 1}, nil
		},
	}
	predictor := &mockPredictor{
		PredictFunc: func(context.Context, *types.PoolSizeSummary, time.Time) (int, bool, error) {
			return 0, false, errors.New("aggregator failed")
		},
	}
	m, rec := newTestMetronome(pool, predictor, &types.MetronomeConfig{})

	err := m.Resize(context.Background())
	assert.Error(t, err)
	assert.Equal(t, err, m.LastError())
	assert.Equal(t, types.HealthNotOK, m.Status().Status)
	alerts := rec.alertList()
	if assert.Len(t, alerts, 1) {
		assert.Equal(t, types.SeverityError, alerts[0].Severity)
		assert.Equal(t, "predict", alerts[0].Tags["step"])
	}

	predictor.PredictFunc = func(context.Context, *types.PoolSizeSummary, time.Time) (int, bool, error) {
		return 2, true, nil
	}
	pool.SetDesiredSizeFunc = func(context.Context, int) error {
		return errors.New("quota exceeded")
	}
	assert.Error(t, m.Resize(context.Background()))
	alerts = rec.alertList()
	if assert.Len(t, alerts, 2) {
		assert.Equal(t, "actuate", alerts[1].Tags["step"])
	}

	// the next successful iteration clears the failure
	pool.SetDesiredSizeFunc = nil
	assert.NoError(t, m.Resize(context.Background()))
	assert.NoError(t, m.LastError())
}

func TestMetronome_ResizeDoesNotOverlap(t *testing.T) {
	type span struct{ start, end time.Time }
	var mu sync.Mutex
	var spans []span
	predictor := &mockPredictor{
		PredictFunc: func(context.Context, *types.PoolSizeSummary, time.Time) (int, bool, error) {
			s := span{start: time.Now()}
			time.Sleep(20 * time.Millisecond)
			s.end = time.Now()
			mu.Lock()
			spans = append(spans, s)
			mu.Unlock()
			return 1, true, nil
		},
	}
	m, _ := newTestMetronome(&mockPool{}, predictor, &types.MetronomeConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Resize(context.Background())
		}()
	}
	wg.Wait()

	if assert.Len(t, spans, 2) {
		first, second := spans[0], spans[1]
		assert.True(t, first.end.Before(second.start) || first.end.Equal(second.start))
	}
}

func TestMetronome_StartStop(t *testing.T) {
	calls := make(chan struct{}, 10)
	predictor := &mockPredictor{
		PredictFunc: func(context.Context, *types.PoolSizeSummary, time.Time) (int, bool, error) {
			calls <- struct{}{}
			return 0, false, nil
		},
	}
	m, rec := newTestMetronome(&mockPool{}, predictor, &types.MetronomeConfig{
		Interval:       &types.Duration{Duration: time.Hour},
		ReportInterval: &types.Duration{Duration: time.Hour},
	})

	assert.NoError(t, m.Start(context.Background()))
	assert.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Started())

	// the resize job runs on start
	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("resize did not run on start")
	}

	// a metric batch triggers an extra iteration
	m.bus.Publish(types.MetricBatch{Streamer: "prom", Stream: "queue", Count: 1, Timestamp: epoch})
	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("metric batch did not trigger a resize")
	}

	m.Stop()
	m.Stop()
	assert.False(t, m.Started())

	// the reporter ran on start too
	assert.NotEmpty(t, rec.named(types.MetricPoolMachines))

	// batches are ignored once stopped
	m.bus.Publish(types.MetricBatch{Stream: "queue"})
	select {
	case <-calls:
		t.Fatal("stopped metronome resized")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMetronome_ConfigureWhileStarted(t *testing.T) {
	predictor := &mockPredictor{
		PredictFunc: func(context.Context, *types.PoolSizeSummary, time.Time) (int, bool, error) {
			return 0, false, nil
		},
	}
	m, _ := newTestMetronome(&mockPool{}, predictor, &types.MetronomeConfig{
		Interval: &types.Duration{Duration: time.Hour},
	})
	assert.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.NoError(t, m.Configure(&types.MetronomeConfig{
		Interval: &types.Duration{Duration: 2 * time.Hour},
		LogOnly:  true,
	}))
	job, ok := m.sched.GetJob(ResizeJobName)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Hour, job.Interval())
	assert.True(t, m.Configuration().LogOnly)
}
