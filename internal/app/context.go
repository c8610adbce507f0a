// Package app assembles a broker from a workspace: config, SQLite store,
// migrations, policies, executor, retry queue and downstream model.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"localagent/internal/broker"
	"localagent/internal/cache"
	"localagent/internal/config"
	"localagent/internal/db"
	"localagent/internal/domain"
	"localagent/internal/events"
	"localagent/internal/llm"
	"localagent/internal/migrate"
	"localagent/internal/policy"
	"localagent/internal/retryqueue"
	"localagent/internal/sandbox"
)

type Context struct {
	Workspace  string
	Config     *config.Config
	DB         *sql.DB
	Cache      *cache.Cache
	Broker     *broker.Broker
	Downstream llm.Generator
}

// Open loads the workspace config when cfg is nil, opens and migrates the
// store and wires the broker. A downstream that cannot be constructed is
// logged and left nil: summarize work is then queued instead of failing.
func Open(ctx context.Context, workspace string, cfg *config.Config, log *slog.Logger) (*Context, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg == nil {
		var err error
		cfg, err = config.Load(workspace)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	policies, err := policy.New(cfg.Policies)
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(db.Config{Workspace: workspace, Path: cfg.Cache.Path})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	store := cache.New(conn, cache.Options{MaxEntries: cfg.Cache.MaxEntries, Logger: log})
	gen, err := llm.New(cfg.LLM(), log)
	if err != nil {
		log.Warn("downstream model disabled", "provider", cfg.Downstream.Provider, "err", err)
		gen = nil
	}
	b, err := broker.New(broker.Options{
		Cache:    store,
		Events:   events.Writer{DB: conn},
		Policies: policies,
		Executor: sandbox.New(sandbox.Options{
			MaxOutputBytes: cfg.Executor.MaxOutputBytes,
			Logger:         log,
		}),
		Queue:        retryqueue.New[domain.DelegationRequest](retryqueue.Options{Capacity: cfg.Queue.Capacity}),
		Downstream:   gen,
		Logger:       log,
		Workspace:    workspace,
		ExecTimeout:  cfg.ExecutorTimeout(),
		UseSandbox:   cfg.Executor.UseSandbox,
		MaxRetries:   cfg.Queue.MaxRetries,
		RetryTimeout: cfg.RetryTimeout(),
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Context{
		Workspace:  workspace,
		Config:     cfg,
		DB:         conn,
		Cache:      store,
		Broker:     b,
		Downstream: gen,
	}, nil
}

func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
