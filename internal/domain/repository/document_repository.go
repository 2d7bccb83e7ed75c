package repository

import (
	"context"

	"github.com/shesha-run/shesha/internal/domain/entity"
)

// DocumentStore is the storage contract, implemented by GormDocumentStore
// in infrastructure/persistence. The engine never interprets storage paths
// and never sees document names: the Project facade loads documents through
// this interface and passes only their contents to the engine.
type DocumentStore interface {
	// LoadAllDocuments returns every document in a project's corpus.
	LoadAllDocuments(ctx context.Context, projectID string) ([]*entity.Document, error)

	// GetDocument returns one document by name, or an error if absent.
	GetDocument(ctx context.Context, projectID, name string) (*entity.Document, error)

	// ListDocuments returns the names of every document in a project's
	// corpus, without loading their content.
	ListDocuments(ctx context.Context, projectID string) ([]string, error)

	// PutDocument upserts one document's already-extracted content. Parsing
	// a source file into that content is the external collaborator's job;
	// this is only the storage write path that same collaborator would
	// call.
	PutDocument(ctx context.Context, projectID string, doc *entity.Document) error
}
