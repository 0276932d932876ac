package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/cognitrack/offsync/internal/offline/connectivity"
	"github.com/cognitrack/offsync/internal/offline/daemon"
	"github.com/cognitrack/offsync/internal/offline/db"
	"github.com/cognitrack/offsync/internal/offline/engine"
	"github.com/cognitrack/offsync/internal/offline/remote"
	"github.com/cognitrack/offsync/internal/offline/sync"
)

const exitSchemaDowngrade = 3

func storeOptions() db.Options {
	return db.Options{
		Path:              cfg.DBPath(),
		Driver:            cfg.Store.Driver,
		QuotaBytes:        cfg.Store.QuotaBytes,
		NearlyFullPercent: cfg.Store.NearlyFullPercent,
		SchemaVersion:     cfg.Store.SchemaVersion,
		Logger:            newLogger("[db] "),
	}
}

// openStore opens the durable store without the rest of the engine, for
// commands that work offline and need no remote configuration.
func openStore(ctx context.Context) (*db.Store, error) {
	store, err := db.Open(ctx, storeOptions())
	if err != nil {
		return nil, storeError(err)
	}
	return store, nil
}

func storeError(err error) error {
	if errors.Is(err, db.ErrSchemaDowngrade) {
		return &exitError{
			code: exitSchemaDowngrade,
			err:  fmt.Errorf("%w\nThe local database was written by a newer version. Run 'offsync reset --hard' to discard it.", err),
		}
	}
	return err
}

// engineOptions maps configuration onto the engine. One-shot commands use no
// debounce so CheckConnectivity settles before they act.
func engineOptions(oneShot bool) engine.Options {
	opts := engine.Options{
		Store: storeOptions(),
		Remote: remote.Config{
			BaseURL: cfg.Remote.BaseURL,
			Token:   cfg.Remote.Token,
			Timeout: cfg.Remote.Timeout,
		},
		Sync: sync.Config{
			MaxRetries: cfg.Sync.MaxRetries,
			Backoff:    sync.Backoff{Base: cfg.Sync.BackoffBase, Max: cfg.Sync.BackoffMax},
			Logger:     newLogger("[sync] "),
		},
		Connectivity: connectivity.Config{
			ProbeInterval: cfg.Connectivity.ProbeInterval,
			Debounce:      cfg.Connectivity.Debounce,
			Logger:        newLogger("[connectivity] "),
		},
		Daemon: &daemon.Config{
			Interval: cfg.Sync.Interval,
			Logger:   newLogger("[daemon] "),
		},
		ProbeURL: cfg.ProbeURL(),
		Logger:   newLogger("[engine] "),
	}
	if oneShot {
		opts.Connectivity.Debounce = 0
	}
	return opts
}

func openEngine(ctx context.Context, oneShot bool) (*engine.Engine, error) {
	if cfg.Remote.BaseURL == "" {
		return nil, fmt.Errorf("remote.base_url is not configured (set it in offsync.toml or OFFSYNC_REMOTE_BASE_URL)")
	}
	eng, err := engine.Open(ctx, engineOptions(oneShot))
	if err != nil {
		return nil, storeError(err)
	}
	return eng, nil
}
