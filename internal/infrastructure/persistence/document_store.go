package persistence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/shesha-run/shesha/internal/domain/entity"
	"github.com/shesha-run/shesha/internal/domain/repository"
	"github.com/shesha-run/shesha/internal/infrastructure/persistence/models"
	apperrors "github.com/shesha-run/shesha/pkg/errors"
)

// GormDocumentStore is the gorm-backed implementation of
// repository.DocumentStore, the document-persistence counterpart to
// NGOClaw's GormMessageRepository: a thin layer translating between
// entity.Document and its gorm row.
type GormDocumentStore struct {
	db *gorm.DB
}

// NewGormDocumentStore creates a gorm document store over an already
// migrated *gorm.DB.
func NewGormDocumentStore(db *gorm.DB) repository.DocumentStore {
	return &GormDocumentStore{db: db}
}

func (s *GormDocumentStore) LoadAllDocuments(ctx context.Context, projectID string) ([]*entity.Document, error) {
	var rows []models.DocumentModel
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("name asc").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}

	docs := make([]*entity.Document, 0, len(rows))
	for _, row := range rows {
		doc, err := entity.NewDocument(row.Name, row.Content)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *GormDocumentStore) GetDocument(ctx context.Context, projectID, name string) (*entity.Document, error) {
	var row models.DocumentModel
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND name = ?", projectID, name).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("document %q not found in project %q", name, projectID))
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return entity.NewDocument(row.Name, row.Content)
}

func (s *GormDocumentStore) ListDocuments(ctx context.Context, projectID string) ([]string, error) {
	var names []string
	if err := s.db.WithContext(ctx).
		Model(&models.DocumentModel{}).
		Where("project_id = ?", projectID).
		Order("name asc").
		Pluck("name", &names).Error; err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return names, nil
}

// PutDocument upserts one document's content, keyed by (projectID, name).
// Not part of the storage contract's read surface — document ingestion is
// an external collaborator's job — but the document store needs a write
// path for something to have put the rows it reads back.
func (s *GormDocumentStore) PutDocument(ctx context.Context, projectID string, doc *entity.Document) error {
	id := documentID(projectID, doc.Name)
	row := models.DocumentModel{
		ID:        id,
		ProjectID: projectID,
		Name:      doc.Name,
		Content:   doc.Content,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func documentID(projectID, name string) string {
	sum := sha256.Sum256([]byte(projectID + "\x00" + name))
	return hex.EncodeToString(sum[:16])
}
