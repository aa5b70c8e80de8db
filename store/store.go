package store

import (
	"context"

	"github.com/drone-runners/drone-autoscaler/types"
)

// EventStore keeps the system metrics and alerts of an instance.
type EventStore interface {
	Create(context.Context, *types.Event) error
	List(context.Context, *types.EventQuery) ([]*types.Event, error)
	DeleteOlderThan(context.Context, int64) (int64, error)
}
