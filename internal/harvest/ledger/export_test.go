package ledger

import (
	"context"
	"time"
)

// DBPool is the pool interface the Manager relies on.
type DBPool = dbPool

// WithNewPool overrides the pool constructor.
func WithNewPool(newPool func(ctx context.Context, dsn string) (DBPool, error)) Options {
	return func(o *options) {
		o.newPool = newPool
	}
}

// WithNow overrides the clock used for entries without a timestamp.
func WithNow(now func() time.Time) Options {
	return func(o *options) {
		o.now = now
	}
}
