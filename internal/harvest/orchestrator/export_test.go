package orchestrator

import (
	"time"

	"github.com/google/uuid"
)

// WithNow overrides the clock stamping history entries.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithRunID overrides the run identifier generator.
func WithRunID(newRunID func() uuid.UUID) Option {
	return func(o *options) {
		o.newRunID = newRunID
	}
}
