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

func (s *SQLiteStore) CreateProject(ctx context.Context, project *types.Project) (*types.Project, error) {
	if project.Name == "" {
		return nil, fmt.Errorf("project name is required")
	}
	if project.Directory == "" {
		return nil, fmt.Errorf("project directory is required")
	}
	if project.ID == "" {
		project.ID = system.GenerateProjectID()
	}
	project.CreatedAt = time.Now()
	project.UpdatedAt = project.CreatedAt

	err := s.gdb.WithContext(ctx).Create(project).Error
	if err != nil {
		return nil, fmt.Errorf("error creating project: %w", err)
	}
	return project, nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*types.Project, error) {
	if id == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	var project types.Project
	err := s.gdb.WithContext(ctx).Where("id = ?", id).First(&project).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error getting project: %w", err)
	}
	return &project, nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*types.Project, error) {
	var projects []*types.Project
	err := s.gdb.WithContext(ctx).Order("created_at DESC").Find(&projects).Error
	if err != nil {
		return nil, fmt.Errorf("error listing projects: %w", err)
	}
	return projects, nil
}

func (s *SQLiteStore) UpdateProject(ctx context.Context, project *types.Project) error {
	if project.ID == "" {
		return fmt.Errorf("project ID is required")
	}
	project.UpdatedAt = time.Now()

	err := s.gdb.WithContext(ctx).Save(project).Error
	if err != nil {
		return fmt.Errorf("error updating project: %w", err)
	}
	return nil
}

// DeleteProject removes the project and every dependent row in one
// transaction, giving ON DELETE CASCADE semantics.
func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("project ID is required")
	}

	return s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var specIDs []string
		if err := tx.Model(&types.Spec{}).Where("project_id = ?", id).Pluck("id", &specIDs).Error; err != nil {
			return err
		}

		if len(specIDs) > 0 {
			var chunkIDs []string
			if err := tx.Model(&types.Chunk{}).Where("spec_id IN ?", specIDs).Pluck("id", &chunkIDs).Error; err != nil {
				return err
			}
			if len(chunkIDs) > 0 {
				if err := tx.Where("chunk_id IN ?", chunkIDs).Delete(&types.ChunkToolCall{}).Error; err != nil {
					return err
				}
			}
			if err := tx.Where("spec_id IN ?", specIDs).Delete(&types.Chunk{}).Error; err != nil {
				return err
			}
			if err := tx.Where("spec_id IN ?", specIDs).Delete(&types.WizardState{}).Error; err != nil {
				return err
			}
		}

		if err := tx.Where("project_id = ?", id).Delete(&types.Worker{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", id).Delete(&types.QueueItem{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", id).Delete(&types.Spec{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&types.Project{}).Error
	})
}
