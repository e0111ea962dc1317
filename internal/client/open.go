package client

import (
	"context"
	"fmt"

	"github.com/roach88/lofi/internal/config"
	"github.com/roach88/lofi/internal/schema"
	"github.com/roach88/lofi/internal/store"
	"github.com/roach88/lofi/internal/syncer"
	"github.com/roach88/lofi/internal/transport/wsconn"
)

// Open builds a Client from settings. A schema path in cfg replaces any
// WithSchema option; an empty sync URL leaves the client offline-only.
// Explicit options win over cfg.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var base []Option
	var sch *schema.Schema
	if cfg.Schema.Path != "" {
		s, err := schema.Load(cfg.Schema.Path)
		if err != nil {
			return nil, err
		}
		sch = s
		base = append(base, WithSchema(s))
	}
	if cfg.Sync.URL != "" {
		base = append(base,
			WithDialer(&wsconn.Dialer{URL: cfg.Sync.URL}),
			WithSyncOptions(
				syncer.WithSendTimeout(cfg.Sync.SendTimeout),
				syncer.WithBackoff(cfg.Sync.Backoff.Initial, cfg.Sync.Backoff.Max),
				syncer.WithRetryBudget(cfg.Sync.RetryBudget),
				syncer.WithShutdownGrace(cfg.Sync.ShutdownGrace),
				syncer.WithMaxInFlight(cfg.Sync.MaxInFlight),
			),
		)
	}
	if cfg.Sync.ClientID != "" {
		base = append(base, WithClientID(cfg.Sync.ClientID))
	}
	all := append(base, opts...)
	if sch != nil {
		all = append(all, WithSchema(sch))
	}

	resolved := options{}
	for _, opt := range all {
		opt(&resolved)
	}
	storeOpts := []store.Option{}
	if resolved.schema != nil {
		storeOpts = append(storeOpts, store.WithIndexes(resolved.schema.Indexes()))
	}
	if resolved.logger != nil {
		storeOpts = append(storeOpts, store.WithLogger(resolved.logger))
	}

	backend, err := OpenBackend(cfg.Storage, storeOpts...)
	if err != nil {
		return nil, err
	}
	c, err := New(ctx, backend, all...)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return c, nil
}

// OpenBackend opens the StorageEngine backend named by cfg.
func OpenBackend(cfg config.StorageConfig, opts ...store.Option) (store.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return store.NewMemory(opts...), nil
	case config.BackendSQLite:
		db, err := store.Open(cfg.Path, opts...)
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.BackendBolt:
		db, err := store.OpenBolt(cfg.Path, opts...)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
