// Package app wires a workspace database, config, and pipeline
// components together for the CLI and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"leadline/internal/assets"
	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/engine"
	"leadline/internal/llm"
	"leadline/internal/media"
	"leadline/internal/migrate"
	"leadline/internal/orchestrator"
)

type App struct {
	DB        *sql.DB
	Engine    engine.Engine
	Committer *assets.Committer
	Config    *config.Config
	Logger    *zap.Logger
}

// Open loads the workspace config, opens its database, and runs
// pending migrations. Missing config falls back to defaults.
func Open(workspace string, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg)
	return &App{
		DB:        conn,
		Engine:    eng,
		Committer: assets.NewCommitter(eng.Repo, time.Now),
		Config:    cfg,
		Logger:    logger,
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// Orchestrator builds the pipeline orchestrator from the workspace
// config: the Gemini client for text steps and, when enabled, the
// media renderer for visual steps.
func (a *App) Orchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	apiKey := a.Config.GenerationAPIKey()
	if apiKey == "" {
		return nil, errors.New("generation api key not set; export " + a.Config.Generation.APIKeyEnv)
	}
	chat, err := llm.NewGemini(ctx, llm.Config{
		APIKey:            apiKey,
		Model:             a.Config.Generation.Model,
		BaseURL:           a.Config.Generation.BaseURL,
		RequestsPerMinute: a.Config.Generation.RequestsPerMinute,
	})
	if err != nil {
		return nil, fmt.Errorf("generation client: %w", err)
	}

	var render media.Client = media.Disabled{}
	if a.Config.Media.Enabled {
		render, err = media.NewHTTPClient(media.Config{
			BaseURL:       a.Config.Media.BaseURL,
			APIKey:        a.Config.MediaAPIKey(),
			PollInterval:  time.Duration(a.Config.Media.PollSeconds) * time.Second,
			SubmitTimeout: time.Duration(a.Config.Media.SubmitTimeout) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("media client: %w", err)
		}
	}

	reg := orchestrator.NewRegistry()
	orchestrator.RegisterDefaults(reg, chat, render)

	retry := orchestrator.RetryPolicy{
		MaxRetries: a.Config.Pipeline.MaxRetries,
		BaseDelay:  a.Config.RetryBaseDelay(),
		Multiplier: a.Config.Pipeline.Multiplier,
	}
	ex := orchestrator.NewExecutor(reg, retry, a.Logger)
	return orchestrator.New(ex, a.Engine, a.Engine, a.Engine, a.Committer, a.Logger), nil
}
