package session

import (
	"context"
	"fmt"

	"github.com/lgulliver/conduit/internal/common"
	"github.com/lgulliver/conduit/pkg/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormBackend persists sessions in the upload_sessions table
type GormBackend struct {
	db *common.Database
}

// NewGormBackend creates a database-backed session backend
func NewGormBackend(db *common.Database) *GormBackend {
	return &GormBackend{db: db}
}

func (g *GormBackend) List(ctx context.Context, ownerID string) ([]*types.UploadSession, error) {
	var sessions []*types.UploadSession
	if err := g.db.WithContext(ctx).Where("owner_id = ?", ownerID).Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

func (g *GormBackend) Put(ctx context.Context, ownerID string, sessions ...*types.UploadSession) error {
	if len(sessions) == 0 {
		return nil
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, s := range sessions {
			record := s.Clone()
			record.OwnerID = ownerID
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(record).Error; err != nil {
				return fmt.Errorf("failed to save session %s: %w", s.SessionID, err)
			}
		}
		return nil
	})
}

func (g *GormBackend) Delete(ctx context.Context, ownerID string, sessionIDs ...string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	err := g.db.WithContext(ctx).
		Where("owner_id = ? AND session_id IN ?", ownerID, sessionIDs).
		Delete(&types.UploadSession{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}
	return nil
}
