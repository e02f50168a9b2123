package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"trustvault/internal/config"
	"trustvault/internal/db"
	"trustvault/internal/engine"
	"trustvault/internal/engine/auth"
	"trustvault/internal/migrate"
	"trustvault/internal/repo"
	"trustvault/internal/repo/pgstore"
	"trustvault/internal/repo/redisstore"
)

// Options controls how Open builds the engine.
type Options struct {
	Workspace string
	Config    *config.Config
	Log       *slog.Logger
	// SigningSecret enables the wallet signer. Without it every
	// authorization request is declined.
	SigningSecret string
}

// App is an engine bound to an open backend.
type App struct {
	Config  *config.Config
	Backend repo.Backend
	Engine  engine.Engine
}

// Open resolves the configuration, opens the configured store and wires
// the engine over it.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOrDefault(opts.Workspace); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b, err := OpenBackend(ctx, opts.Workspace, cfg)
	if err != nil {
		return nil, err
	}
	e := engine.New(b, cfg)
	if opts.Log != nil {
		e.Log = opts.Log
	}
	if opts.SigningSecret != "" {
		ttl, err := cfg.TokenTTL()
		if err != nil {
			b.Close()
			return nil, err
		}
		e.Authorizer = auth.WalletSigner{
			Secret: []byte(opts.SigningSecret),
			Issuer: cfg.Authorization.Issuer,
			TTL:    ttl,
			Now:    time.Now,
		}
	}
	return &App{Config: cfg, Backend: b, Engine: e}, nil
}

func (a *App) Close() error {
	return a.Backend.Close()
}

// OpenBackend opens the store named by cfg.Store.Driver. SQLite lives in
// the workspace unless a DSN is given; the other drivers need a DSN.
func OpenBackend(ctx context.Context, workspace string, cfg *config.Config) (repo.Backend, error) {
	switch cfg.Store.Driver {
	case "", "sqlite":
		conn, err := db.Open(db.Config{Workspace: workspace, DSN: cfg.Store.DSN})
		if err != nil {
			return nil, err
		}
		if _, err := migrate.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, err
		}
		return repo.New(conn), nil
	case "postgres":
		s, err := pgstore.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		s, err := redisstore.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}
