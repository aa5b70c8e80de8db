package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/drone-runners/drone-autoscaler/store"
)

const HistoryPruneJobName = "history-prune"

// HistoryPruneJob drops historian events that fell out of the
// retention window. A zero retention keeps the full history.
type HistoryPruneJob struct {
	events    store.EventStore
	every     time.Duration
	retention time.Duration
	now       func() time.Time

	mu sync.Mutex
	// horizon is the unix second everything before was pruned.
	horizon int64
	pruned  int64
	runs    int
}

// PruneStats summarizes the work of the prune job since the daemon
// started.
type PruneStats struct {
	Horizon time.Time
	Pruned  int64
	Runs    int
}

func NewHistoryPruneJob(events store.EventStore, every, retention time.Duration) *HistoryPruneJob {
	return &HistoryPruneJob{
		events:    events,
		every:     every,
		retention: retention,
		now:       time.Now,
	}
}

func (j *HistoryPruneJob) Name() string { return HistoryPruneJobName }

func (j *HistoryPruneJob) Interval() time.Duration { return j.every }

// RunOnStart prunes the backlog left by a stopped daemon right away.
func (j *HistoryPruneJob) RunOnStart() bool { return true }

func (j *HistoryPruneJob) Execute(ctx context.Context) error {
	if j.retention <= 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	horizon := j.now().Add(-j.retention).Unix()
	if horizon <= j.horizon {
		// nothing can have aged out since the previous run.
		return nil
	}
	n, err := j.events.DeleteOlderThan(ctx, horizon)
	if err != nil {
		return err
	}
	j.horizon = horizon
	j.pruned += n
	j.runs++

	logr := logrus.WithField("horizon", time.Unix(horizon, 0).UTC()).
		WithField("pruned", n).
		WithField("pruned_total", j.pruned)
	if n > 0 {
		logr.Infoln("history: pruned expired events")
	} else {
		logr.Traceln("history: no expired events")
	}
	return nil
}

// Stats returns the prune totals.
func (j *HistoryPruneJob) Stats() PruneStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	stats := PruneStats{Pruned: j.pruned, Runs: j.runs}
	if j.horizon > 0 {
		stats.Horizon = time.Unix(j.horizon, 0).UTC()
	}
	return stats
}
