package store

import (
	"log/slog"

	"github.com/roach88/lofi/internal/schema"
)

// Option configures a Backend.
type Option func(*options)

type options struct {
	indexes []schema.Index
	logger  *slog.Logger
}

// WithIndexes declares secondary indexes to maintain. ScanWhere uses them
// for equality filters on the indexed field.
func WithIndexes(indexes []schema.Index) Option {
	return func(o *options) {
		o.indexes = append(o.indexes, indexes...)
	}
}

// WithLogger sets the logger used for backend diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func applyOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
