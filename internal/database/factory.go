package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"quotekeeper/internal/config"
	"quotekeeper/internal/database/migrations"
	"quotekeeper/internal/qk"
)

// NewLocalStoreFromConfig opens the local store described by cfg.
func NewLocalStoreFromConfig(cfg config.LocalConfig, hostID string) (*SQLiteStore, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite store")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		return NewSQLiteStore(filepath.Join(cfg.DataDir, hostID+".db"))
	case "memory":
		return NewSQLiteStore(":memory:")
	default:
		return nil, fmt.Errorf("unknown local type: %s", cfg.Type)
	}
}

// Remote is an opened remote store plus whatever must be shut down with it.
type Remote struct {
	Store    qk.RemoteStore
	embedded *EmbeddedPostgres
	close    func() error
}

// Close releases the connection and stops an embedded server.
func (r *Remote) Close() error {
	var err error
	if r.close != nil {
		err = r.close()
	}
	if r.embedded != nil {
		if stopErr := r.embedded.Stop(); err == nil {
			err = stopErr
		}
	}
	return err
}

// NewRemoteFromConfig opens the remote store described by cfg and migrates
// its schema. It returns nil, nil for type "none".
//
// Opening does not require the server to be reachable: the pgx pool connects
// lazily and migration failures are returned so the caller can start OFFLINE.
func NewRemoteFromConfig(ctx context.Context, cfg config.RemoteConfig) (*Remote, error) {
	var embedded *EmbeddedPostgres
	dsn := cfg.DSN

	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("dsn required for postgres remote")
		}
	case "embedded":
		var err error
		embedded, err = StartEmbeddedPostgres(cfg.EmbeddedDataDir, cfg.Port())
		if err != nil {
			return nil, err
		}
		dsn = embedded.DSN()
	default:
		return nil, fmt.Errorf("unknown remote type: %s", cfg.Type)
	}

	db, err := OpenPostgres(dsn)
	if err != nil {
		if embedded != nil {
			_ = embedded.Stop()
		}
		return nil, err
	}

	remote := &Remote{Store: NewPostgresStore(db), embedded: embedded, close: db.Close}

	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		remote.Close()
		return nil, err
	}
	mctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := migrations.MigratePostgres(mctx, db); err != nil {
		return remote, fmt.Errorf("migrating remote store: %w", err)
	}
	return remote, nil
}
