package cloudpool

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	apptypes "github.com/drone-runners/drone-autoscaler/app/types"
	"github.com/drone-runners/drone-autoscaler/types"
)

const (
	defaultRetryInitialInterval = time.Second
	defaultRetryMaxElapsed      = 30 * time.Second
)

var _ CloudPool = (*Retrying)(nil)

// Retrying decorates a cloud pool with bounded exponential backoff.
// Failures are reported as actuation errors once the retry budget is
// spent. Bad request errors are not retried.
type Retrying struct {
	pool            CloudPool
	initialInterval time.Duration
	maxElapsed      time.Duration
}

// NewRetrying wraps pool. A zero maxElapsed uses the default budget.
func NewRetrying(pool CloudPool, maxElapsed time.Duration) *Retrying {
	if maxElapsed <= 0 {
		maxElapsed = defaultRetryMaxElapsed
	}
	return &Retrying{
		pool:            pool,
		initialInterval: defaultRetryInitialInterval,
		maxElapsed:      maxElapsed,
	}
}

func (r *Retrying) PoolSize(ctx context.Context) (*types.PoolSizeSummary, error) {
	var summary *types.PoolSizeSummary
	err := r.retry(ctx, "pool size", func() (err error) {
		summary, err = r.pool.PoolSize(ctx)
		return err
	})
	return summary, err
}

func (r *Retrying) SetDesiredSize(ctx context.Context, n int) error {
	return r.retry(ctx, "set desired size", func() error {
		return r.pool.SetDesiredSize(ctx, n)
	})
}

func (r *Retrying) MachinePool(ctx context.Context) (*types.MachinePool, error) {
	var pool *types.MachinePool
	err := r.retry(ctx, "machine pool", func() (err error) {
		pool, err = r.pool.MachinePool(ctx)
		return err
	})
	return pool, err
}

func (r *Retrying) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialInterval
	b.MaxElapsedTime = r.maxElapsed

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		var badRequest *apptypes.BadRequestError
		if errors.As(err, &badRequest) {
			return backoff.Permanent(err)
		}
		logrus.WithError(err).
			WithField("op", op).
			WithField("attempt", attempt).
			Debugln("cloudpool: call failed, retrying")
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return &apptypes.ActuationError{Op: op, Err: err}
	}
	return nil
}
