package application

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/shesha-run/shesha/internal/domain/repository"
	"github.com/shesha-run/shesha/internal/domain/service"
	"github.com/shesha-run/shesha/internal/infrastructure/config"
	"github.com/shesha-run/shesha/internal/infrastructure/llm"
	_ "github.com/shesha-run/shesha/internal/infrastructure/llm/anthropic" // register anthropic provider factory
	_ "github.com/shesha-run/shesha/internal/infrastructure/llm/gemini"    // register gemini provider factory
	_ "github.com/shesha-run/shesha/internal/infrastructure/llm/openai"    // register openai provider factory
	"github.com/shesha-run/shesha/internal/infrastructure/persistence"
	"github.com/shesha-run/shesha/internal/infrastructure/prompt"
	"github.com/shesha-run/shesha/internal/infrastructure/sandbox"
	"github.com/shesha-run/shesha/pkg/safego"
)

// Shesha is the public factory: built once from the runtime configuration,
// it mints a Project per document-corpus ID, all sharing one LLM router,
// warm executor pool, and prompt loader.
type Shesha struct {
	cfg    *config.Config
	db     *gorm.DB
	store  repository.DocumentStore
	router *llm.Router
	pool   *sandbox.ContainerPool
	loader *prompt.Loader
	logger *zap.Logger

	stopWatch context.CancelFunc
}

// New wires a Shesha instance from the loaded configuration: a document
// store over the configured database, a multi-provider LLM router with
// circuit breaking, a warm sandbox pool, and a validated prompt loader.
// Mirrors the shape of NGOClaw's own NewApp dependency-injection
// constructor, trimmed to the components the engine actually needs.
func New(cfg *config.Config, logger *zap.Logger) (*Shesha, error) {
	db, err := persistence.NewDBConnection(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("shesha: connect database: %w", err)
	}
	store := persistence.NewGormDocumentStore(db)

	router := llm.NewRouter(logger)
	providers := append([]config.LLMProviderConfig(nil), cfg.Providers...)
	sort.SliceStable(providers, func(i, j int) bool { return providers[i].Priority < providers[j].Priority })
	for _, p := range providers {
		provider, err := llm.CreateProvider(llm.ProviderConfig{
			Name:     p.Name,
			Type:     p.Type,
			BaseURL:  p.BaseURL,
			APIKey:   p.APIKey,
			Models:   p.Models,
			Priority: p.Priority,
		}, logger)
		if err != nil {
			logger.Error("failed to create LLM provider",
				zap.String("name", p.Name), zap.String("type", p.Type), zap.Error(err))
			continue
		}
		router.AddProvider(provider)
	}
	logger.Info("LLM router initialized", zap.Int("providers", len(cfg.Providers)))

	sbxCfg := sandbox.DefaultConfig()
	if cfg.Runtime.PythonBin != "" {
		sbxCfg.PythonBin = cfg.Runtime.PythonBin
	}
	if cfg.Runtime.ExecutionTimeout > 0 {
		sbxCfg.Timeout = cfg.Runtime.ExecutionTimeout
	}
	if cfg.Runtime.MaxOutputChars > 0 {
		sbxCfg.MaxOutputChars = cfg.Runtime.MaxOutputChars
	}

	poolSize := cfg.Runtime.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	pool := sandbox.NewContainerPool(poolSize, sbxCfg, logger)

	loader, err := prompt.NewLoader(cfg.Prompts.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("shesha: load prompt templates: %w", err)
	}

	watchCtx, stopWatch := context.WithCancel(context.Background())
	if cfg.Prompts.HotReload {
		safego.Go(logger, "prompt-watch", func() {
			if err := loader.Watch(watchCtx); err != nil {
				logger.Error("prompt template watcher exited", zap.Error(err))
			}
		})
	}

	return &Shesha{
		cfg:       cfg,
		db:        db,
		store:     store,
		router:    router,
		pool:      pool,
		loader:    loader,
		logger:    logger,
		stopWatch: stopWatch,
	}, nil
}

// Project returns a Project facade bound to the given document-corpus ID,
// using the configured default model and sharing this Shesha instance's
// router, pool, and prompt loader. Every call builds a fresh Engine, so
// per-query EngineConfig overrides (e.g. a caller-selected model) never
// leak across Project instances.
func (s *Shesha) Project(id string) *Project {
	return s.projectWithConfig(id, s.cfg.Model.Default)
}

// ProjectWithModel returns a Project facade like Project, but pins the
// engine to model instead of the configured default — e.g. the CLI's
// --model flag or a per-request override on the serve API.
func (s *Shesha) ProjectWithModel(id, model string) *Project {
	if model == "" {
		model = s.cfg.Model.Default
	}
	return s.projectWithConfig(id, model)
}

func (s *Shesha) projectWithConfig(id, model string) *Project {
	engineCfg := service.DefaultEngineConfig()
	engineCfg.Model = model
	if s.cfg.Runtime.MaxIterations > 0 {
		engineCfg.MaxIterations = s.cfg.Runtime.MaxIterations
	}
	if s.cfg.Runtime.MaxSubcallContentChars > 0 {
		engineCfg.MaxSubcallContentChars = s.cfg.Runtime.MaxSubcallContentChars
	}
	if s.cfg.Runtime.MaxSubcallParallelism > 0 {
		engineCfg.MaxSubcallParallelism = s.cfg.Runtime.MaxSubcallParallelism
	}
	if s.cfg.Runtime.ExecutionTimeout > 0 {
		engineCfg.ExecutionTimeout = s.cfg.Runtime.ExecutionTimeout
	}

	engine := service.NewEngine(engineCfg, s.router, s.pool, s.loader, s.logger)

	tracesDir := ""
	if s.cfg.Runtime.StoragePath != "" {
		tracesDir = filepath.Join(s.cfg.Runtime.StoragePath, "traces", id)
	}

	return NewProject(id, engine, s.store, tracesDir, s.logger)
}

// Close releases the sandbox pool's warm executors and the database
// connection. Safe to call once at process shutdown.
func (s *Shesha) Close() error {
	s.stopWatch()
	s.pool.Shutdown()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

