package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/specwright/specwright/api/pkg/system"
	"github.com/specwright/specwright/api/pkg/types"
)

func (s *SQLiteStore) CreateSpec(ctx context.Context, spec *types.Spec) (*types.Spec, error) {
	if spec.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}
	if spec.Title == "" {
		return nil, fmt.Errorf("spec title is required")
	}
	if spec.ID == "" {
		spec.ID = system.GenerateSpecID()
	}
	if spec.Status == "" {
		spec.Status = types.SpecStatusDraft
	}
	if spec.Version == 0 {
		spec.Version = 1
	}
	spec.CreatedAt = time.Now()
	spec.UpdatedAt = spec.CreatedAt

	err := s.gdb.WithContext(ctx).Create(spec).Error
	if err != nil {
		return nil, fmt.Errorf("error creating spec: %w", err)
	}
	return spec, nil
}

func (s *SQLiteStore) GetSpec(ctx context.Context, id string) (*types.Spec, error) {
	if id == "" {
		return nil, fmt.Errorf("spec ID is required")
	}

	var spec types.Spec
	err := s.gdb.WithContext(ctx).Where("id = ?", id).First(&spec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error getting spec: %w", err)
	}
	return &spec, nil
}

func (s *SQLiteStore) ListSpecs(ctx context.Context, q *ListSpecsQuery) ([]*types.Spec, error) {
	db := s.gdb.WithContext(ctx)
	if q != nil {
		if q.ProjectID != "" {
			db = db.Where("project_id = ?", q.ProjectID)
		}
		if q.Status != "" {
			db = db.Where("status = ?", q.Status)
		}
	}

	var specs []*types.Spec
	err := db.Order("created_at DESC").Find(&specs).Error
	if err != nil {
		return nil, fmt.Errorf("error listing specs: %w", err)
	}
	return specs, nil
}

func (s *SQLiteStore) UpdateSpec(ctx context.Context, spec *types.Spec) error {
	if spec.ID == "" {
		return fmt.Errorf("spec ID is required")
	}
	unlock := s.lockSpec(spec.ID)
	defer unlock()

	spec.UpdatedAt = time.Now()
	result := s.gdb.WithContext(ctx).Save(spec)
	if result.Error != nil {
		return fmt.Errorf("error updating spec: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteSpec(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("spec ID is required")
	}
	unlock := s.lockSpec(id)
	defer unlock()

	return s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var chunkIDs []string
		if err := tx.Model(&types.Chunk{}).Where("spec_id = ?", id).Pluck("id", &chunkIDs).Error; err != nil {
			return err
		}
		if len(chunkIDs) > 0 {
			if err := tx.Where("chunk_id IN ?", chunkIDs).Delete(&types.ChunkToolCall{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("spec_id = ?", id).Delete(&types.Chunk{}).Error; err != nil {
			return err
		}
		if err := tx.Where("spec_id = ?", id).Delete(&types.Worker{}).Error; err != nil {
			return err
		}
		if err := tx.Where("spec_id = ?", id).Delete(&types.QueueItem{}).Error; err != nil {
			return err
		}
		if err := tx.Where("spec_id = ?", id).Delete(&types.WizardState{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&types.Spec{}).Error
	})
}

func (s *SQLiteStore) ListSpecsWithWorktrees(ctx context.Context) ([]*types.Spec, error) {
	var specs []*types.Spec
	err := s.gdb.WithContext(ctx).
		Where("worktree_path != '' AND worktree_path IS NOT NULL").
		Find(&specs).Error
	if err != nil {
		return nil, fmt.Errorf("error listing specs with worktrees: %w", err)
	}
	return specs, nil
}
