package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"

	"assessline/internal/ai"
	"assessline/internal/config"
	"assessline/internal/db"
	"assessline/internal/domain"
	"assessline/internal/engine"
	"assessline/internal/events"
	"assessline/internal/indexer"
	"assessline/internal/migrate"
	"assessline/internal/retry"
)

// Options select the workspace and override collaborators built from
// config.
type Options struct {
	Workspace  string
	ConfigPath string
	DBPath     string
	APIKey     string
	Provider   ai.Provider
	Indexer    indexer.Service
	Logger     *log.Logger
}

// Runtime is a migrated database plus the engine and outbox dispatcher
// built on it.
type Runtime struct {
	DB         *sql.DB
	Config     *config.Config
	Engine     engine.Engine
	Dispatcher *events.Dispatcher
	Pool       *engine.SessionPool
	Logger     *log.Logger

	wg sync.WaitGroup
}

// Open loads config, opens and migrates the database and wires the engine.
// Nothing runs in the background until Start.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	provider := opts.Provider
	if provider == nil {
		provider, err = NewProvider(ctx, cfg, opts.APIKey)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}
	idx := opts.Indexer
	if idx == nil && cfg.Indexer.BaseURL != "" {
		idx = indexer.New(cfg.Indexer.BaseURL, cfg.Indexer.Token, cfg.Indexer.Timeout, retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		})
	}

	client := ai.NewClient(provider, *cfg, logger)
	eng := engine.New(conn, cfg, client, idx, logger)
	dispatcher := events.NewDispatcher(eng.Repo, cfg.Outbox, logger)
	eng.Notify = dispatcher.Notify
	return &Runtime{
		DB:         conn,
		Config:     cfg,
		Engine:     eng,
		Dispatcher: dispatcher,
		Logger:     logger,
	}, nil
}

// NewProvider builds the AI provider named by config.
func NewProvider(ctx context.Context, cfg *config.Config, apiKey string) (ai.Provider, error) {
	switch cfg.AI.Provider {
	case "none":
		return ai.Disabled{}, nil
	case "anthropic":
		return ai.NewAnthropic(ctx, ai.AnthropicConfig{
			Model:         cfg.AI.Model,
			APIKey:        apiKey,
			UseAWSBedrock: cfg.AI.UseBedrock,
			AWSRegion:     cfg.AI.BedrockRegion,
			AWSProfile:    cfg.AI.BedrockProfile,
		})
	}
	return nil, fmt.Errorf("unknown ai provider %q", cfg.AI.Provider)
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOptional(opts.Workspace)
}

// Start runs the outbox dispatcher and the session pool until ctx ends. A
// session.ready event queues the session's validation run. Sessions left
// validating without a live run lease are resumed now and then every
// workers.resume_interval.
func (r *Runtime) Start(ctx context.Context) error {
	r.Pool = engine.NewSessionPool(ctx, r.Config.Workers.Sessions, func(ctx context.Context, sessionID string) error {
		_, err := r.Engine.RunValidation(ctx, sessionID)
		return err
	}, r.Logger)
	r.Dispatcher.Handle(events.TypeSessionReady, func(ctx context.Context, evt domain.Event) error {
		if evt.SessionID == "" {
			return fmt.Errorf("event %d has no session", evt.ID)
		}
		r.Pool.Submit(evt.SessionID)
		return nil
	})
	n, err := r.Engine.ResumeStalled(ctx, r.Pool)
	if err != nil {
		return fmt.Errorf("resume stalled sessions: %w", err)
	}
	if n > 0 {
		r.Logger.Printf("[orchestrator] resumed %d session(s)", n)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			r.Logger.Printf("[outbox] dispatcher stopped: %v", err)
		}
	}()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Engine.RunResumer(ctx, r.Pool, r.Config.Workers.ResumeInterval); err != nil && ctx.Err() == nil {
			r.Logger.Printf("[orchestrator] resumer stopped: %v", err)
		}
	}()
	return nil
}

// Wait blocks until the dispatcher and every queued run returned.
func (r *Runtime) Wait() {
	r.wg.Wait()
	if r.Pool != nil {
		r.Pool.Wait()
	}
}

func (r *Runtime) Close() error {
	return r.DB.Close()
}
