// Package app assembles an engine for a workspace from its config.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"cyclecount/internal/catalog"
	"cyclecount/internal/config"
	"cyclecount/internal/db"
	"cyclecount/internal/engine"
	"cyclecount/internal/migrate"
	"cyclecount/internal/store"
)

// Workspace is an opened workspace: database, config and a session over the engine.
type Workspace struct {
	Path    string
	DB      *sql.DB
	Config  *config.Config
	Log     *logrus.Logger
	Session *engine.Session

	redis *store.RedisBackend
}

// Open migrates the workspace database, selects the task store and catalog from config and
// starts the persistence mirror. Close must be called to flush it.
func Open(ctx context.Context, path string, cfg *config.Config, log *logrus.Logger) (*Workspace, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(path); err != nil {
			return nil, err
		}
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: path})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	ws := &Workspace{Path: path, DB: conn, Config: cfg, Log: log}
	eng := engine.New(conn, cfg, log)

	if cfg.Store.Backend == config.BackendRedis {
		rb, err := store.NewRedisBackend(ctx, store.RedisOptions{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			Prefix:   cfg.Store.Redis.Prefix,
		})
		if err != nil {
			conn.Close()
			return nil, err
		}
		ws.redis = rb
		eng.Store = store.Store{Backend: rb, Log: log}
	}
	if cfg.Catalog.Source == config.SourceFile {
		st, err := catalog.LoadFile(cfg.CatalogPath(path))
		if err != nil {
			ws.closeBackends()
			return nil, fmt.Errorf("load catalog: %w", err)
		}
		eng.Catalog = st
	}
	eng.Mirror = store.NewMirror(eng.Store, cfg.Store.Key, eng.Events, log)
	ws.Session = engine.NewSession(eng)
	return ws, nil
}

func (w *Workspace) Engine() engine.Engine {
	return w.Session.Engine
}

// Close flushes pending writes and releases the database and redis connections.
func (w *Workspace) Close(ctx context.Context) error {
	err := w.Session.Close(ctx)
	w.closeBackends()
	return err
}

func (w *Workspace) closeBackends() {
	if w.redis != nil {
		_ = w.redis.Close()
	}
	_ = w.DB.Close()
}
