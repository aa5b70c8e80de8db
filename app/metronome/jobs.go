package metronome

import (
	"context"
	"time"
)

// resizeJob runs resize iterations on the scheduler. Iterations run
// to completion once started, even if the scheduler is stopped.
type resizeJob struct {
	metronome *Metronome
	interval  time.Duration
}

func (j *resizeJob) Name() string {
	return ResizeJobName
}

func (j *resizeJob) Interval() time.Duration {
	return j.interval
}

func (j *resizeJob) RunOnStart() bool {
	return true
}

func (j *resizeJob) Execute(ctx context.Context) error {
	return j.metronome.Resize(context.WithoutCancel(ctx))
}

// reportJob samples the pool composition.
type reportJob struct {
	reporter *Reporter
	interval time.Duration
}

func (j *reportJob) Name() string {
	return ReportJobName
}

func (j *reportJob) Interval() time.Duration {
	return j.interval
}

func (j *reportJob) RunOnStart() bool {
	return true
}

func (j *reportJob) Execute(ctx context.Context) error {
	j.reporter.Report(ctx)
	return nil
}
