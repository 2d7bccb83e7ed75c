package models

import (
	"time"

	"gorm.io/gorm"
)

// DocumentModel is the gorm row backing one corpus document.
type DocumentModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	ProjectID string `gorm:"index;size:64;not null"`
	Name      string `gorm:"size:512;not null"`
	Content   string `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// TableName pins the table name rather than relying on gorm's pluralization.
func (DocumentModel) TableName() string {
	return "documents"
}
