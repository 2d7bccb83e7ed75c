package application

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shesha-run/shesha/internal/domain/entity"
	"github.com/shesha-run/shesha/internal/domain/repository"
	"github.com/shesha-run/shesha/internal/domain/service"
)

// Project is the facade layered over the engine: it holds an engine and a
// storage-facing document loader, and exposes Query, ListDocuments and
// Ingest to callers (TUI/CLI/Web/examples).
type Project struct {
	id          string
	engine      *service.Engine
	store       repository.DocumentStore
	tracesDir   string
	logger      *zap.Logger
}

// NewProject builds a Project bound to one project ID's document corpus.
// tracesDir is where each query's JSONL trace sink is written; empty
// disables on-disk tracing (in-memory trace accumulation only).
func NewProject(id string, engine *service.Engine, store repository.DocumentStore, tracesDir string, logger *zap.Logger) *Project {
	return &Project{
		id:        id,
		engine:    engine,
		store:     store,
		tracesDir: tracesDir,
		logger:    logger.With(zap.String("project_id", id)),
	}
}

// Query loads the project's document set (or a caller-filtered subset when
// paperIDs is non-empty), delegates to the engine, and returns its
// QueryResult. paperIDs are document names, not engine-facing content —
// filtering happens here so the engine only ever sees an already-selected
// ordered sequence of document bodies; it never sees document names.
func (p *Project) Query(ctx context.Context, question string, onProgress service.ProgressFunc, cancel <-chan struct{}, paperIDs []string) (entity.QueryResult, error) {
	docs, err := p.loadDocuments(ctx, paperIDs)
	if err != nil {
		return entity.QueryResult{}, fmt.Errorf("project: load documents: %w", err)
	}

	contents := make([]string, len(docs))
	for i, d := range docs {
		contents[i] = d.Content
	}

	traceSinkPath, err := p.traceSinkPath()
	if err != nil {
		p.logger.Warn("failed to prepare trace sink path, tracing in-memory only", zap.Error(err))
		traceSinkPath = ""
	}

	return p.engine.Query(ctx, contents, question, cancel, onProgress, traceSinkPath)
}

// loadDocuments returns either the full corpus (paperIDs empty) or exactly
// the named subset, in the order requested.
func (p *Project) loadDocuments(ctx context.Context, paperIDs []string) ([]*entity.Document, error) {
	if len(paperIDs) == 0 {
		return p.store.LoadAllDocuments(ctx, p.id)
	}

	docs := make([]*entity.Document, 0, len(paperIDs))
	for _, name := range paperIDs {
		doc, err := p.store.GetDocument(ctx, p.id, name)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// traceSinkPath allocates a fresh per-query JSONL path under tracesDir,
// creating the directory on first use. Returns "" with no error if tracing
// to disk is disabled.
func (p *Project) traceSinkPath() (string, error) {
	if p.tracesDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(p.tracesDir, 0755); err != nil {
		return "", err
	}
	return filepath.Join(p.tracesDir, fmt.Sprintf("%s.jsonl", uuid.NewString())), nil
}

// ListDocuments exposes the storage contract's list_documents operation for
// callers that want to show a corpus's document names before querying.
func (p *Project) ListDocuments(ctx context.Context) ([]string, error) {
	return p.store.ListDocuments(ctx, p.id)
}

// Ingest stores one document's already-extracted text content under this
// project, for local/CLI use where there is no separate ingestion pipeline.
func (p *Project) Ingest(ctx context.Context, name, content string) error {
	doc, err := entity.NewDocument(name, content)
	if err != nil {
		return err
	}
	return p.store.PutDocument(ctx, p.id, doc)
}
