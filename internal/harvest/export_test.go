package harvest

import (
	"context"
	"time"
)

var ErrServiceClosed = errServiceClosed

func WithMaxDegradedDuration(d time.Duration) Option {
	return func(o *options) {
		o.maxDegradedDuration = d
	}
}

func WithNow(now func() time.Time) SchedulerOption {
	return func(o *schedulerOptions) {
		o.now = now
	}
}

func (s *Scheduler) WarnRecentFailures(ctx context.Context) int {
	return s.warnRecentFailures(ctx)
}
