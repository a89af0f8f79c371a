// Package scheduler runs a task on a fixed interval with cooperative
// shutdown. Used for the periodic auto-resume pass.
package scheduler

import (
	"context"
	"time"

	"optcollect/internal/logger"
)

type IntervalScheduler struct {
	Interval       time.Duration
	RunImmediately bool

	nowFn func() time.Time
}

func NewIntervalScheduler(interval time.Duration) *IntervalScheduler {
	return &IntervalScheduler{Interval: interval, nowFn: time.Now}
}

// Start blocks and invokes task every interval until ctx is cancelled.
// The task itself is never preempted mid-run.
func (s *IntervalScheduler) Start(ctx context.Context, task func(context.Context)) {
	if s == nil || task == nil {
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("IntervalScheduler: invalid interval=%s, exit", s.Interval)
		return
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}
	logger.Infof("IntervalScheduler: started interval=%s run_immediately=%v",
		s.Interval, s.RunImmediately)

	if s.RunImmediately {
		task(ctx)
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Infof("IntervalScheduler: ctx done, exit")
			return
		case <-ticker.C:
			task(ctx)
		}
	}
}
