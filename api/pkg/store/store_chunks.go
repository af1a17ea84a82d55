package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/specwright/specwright/api/pkg/scheduler"
	"github.com/specwright/specwright/api/pkg/system"
	"github.com/specwright/specwright/api/pkg/types"
)

func (s *SQLiteStore) CreateChunk(ctx context.Context, chunk *types.Chunk) (*types.Chunk, error) {
	if chunk.SpecID == "" {
		return nil, fmt.Errorf("spec ID is required")
	}
	if chunk.Title == "" {
		return nil, fmt.Errorf("chunk title is required")
	}
	if chunk.ID == "" {
		chunk.ID = system.GenerateChunkID()
	}
	if chunk.Status == "" {
		chunk.Status = types.ChunkStatusPending
	}
	chunk.CreatedAt = time.Now()
	chunk.UpdatedAt = chunk.CreatedAt

	unlock := s.lockSpec(chunk.SpecID)
	defer unlock()

	if len(chunk.Dependencies) > 0 {
		if err := s.validateDependencies(ctx, chunk.SpecID, chunk.ID, chunk.Dependencies); err != nil {
			return nil, err
		}
	}

	err := s.gdb.WithContext(ctx).Create(chunk).Error
	if err != nil {
		return nil, fmt.Errorf("error creating chunk: %w", err)
	}
	return chunk, nil
}

func (s *SQLiteStore) GetChunk(ctx context.Context, id string) (*types.Chunk, error) {
	if id == "" {
		return nil, fmt.Errorf("chunk ID is required")
	}

	var chunk types.Chunk
	err := s.gdb.WithContext(ctx).Where("id = ?", id).First(&chunk).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error getting chunk: %w", err)
	}
	return &chunk, nil
}

func (s *SQLiteStore) ChunksBySpec(ctx context.Context, specID string) ([]*types.Chunk, error) {
	if specID == "" {
		return nil, fmt.Errorf("spec ID is required")
	}

	var chunks []*types.Chunk
	err := s.gdb.WithContext(ctx).
		Where("spec_id = ?", specID).
		Order("chunk_order ASC").
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("error listing chunks: %w", err)
	}
	return chunks, nil
}

func (s *SQLiteStore) UpdateChunk(ctx context.Context, chunk *types.Chunk) error {
	if chunk.ID == "" {
		return fmt.Errorf("chunk ID is required")
	}
	unlock := s.lockSpec(chunk.SpecID)
	defer unlock()

	chunk.UpdatedAt = time.Now()
	result := s.gdb.WithContext(ctx).Save(chunk)
	if result.Error != nil {
		return fmt.Errorf("error updating chunk: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteChunk(ctx context.Context, id string) error {
	chunk, err := s.GetChunk(ctx, id)
	if err != nil {
		return err
	}
	unlock := s.lockSpec(chunk.SpecID)
	defer unlock()

	return s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chunk_id = ?", id).Delete(&types.ChunkToolCall{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&types.Chunk{}).Error
	})
}

// UpdateChunkDependencies persists a new dependency set after checking
// it stays within the spec and closes no cycle. The store never holds a
// cyclic graph.
func (s *SQLiteStore) UpdateChunkDependencies(ctx context.Context, chunkID string, dependencies []string) error {
	chunk, err := s.GetChunk(ctx, chunkID)
	if err != nil {
		return err
	}

	unlock := s.lockSpec(chunk.SpecID)
	defer unlock()

	if err := s.validateDependencies(ctx, chunk.SpecID, chunkID, dependencies); err != nil {
		return err
	}

	chunk.Dependencies = datatypes.NewJSONSlice(dependencies)
	chunk.UpdatedAt = time.Now()
	if err := s.gdb.WithContext(ctx).Save(chunk).Error; err != nil {
		return fmt.Errorf("error updating chunk dependencies: %w", err)
	}
	return nil
}

// validateDependencies checks the proposed set against the rest of the
// spec's chunks. Callers hold the spec lock.
func (s *SQLiteStore) validateDependencies(ctx context.Context, specID, chunkID string, dependencies []string) error {
	var chunks []*types.Chunk
	err := s.gdb.WithContext(ctx).Where("spec_id = ?", specID).Find(&chunks).Error
	if err != nil {
		return fmt.Errorf("error loading chunks for validation: %w", err)
	}

	found := false
	for _, c := range chunks {
		if c.ID == chunkID {
			c.Dependencies = datatypes.NewJSONSlice(dependencies)
			found = true
		}
	}
	if !found {
		chunks = append(chunks, &types.Chunk{
			ID:           chunkID,
			SpecID:       specID,
			Dependencies: datatypes.NewJSONSlice(dependencies),
		})
	}

	if err := scheduler.ValidateAcyclic(chunks); err != nil {
		return fmt.Errorf("invalid dependencies: %w", err)
	}
	return nil
}

// ReorderChunks reassigns chunk_order to match ids; chunks not listed
// keep their relative order after the listed ones.
func (s *SQLiteStore) ReorderChunks(ctx context.Context, specID string, ids []string) error {
	unlock := s.lockSpec(specID)
	defer unlock()

	chunks, err := s.ChunksBySpec(ctx, specID)
	if err != nil {
		return err
	}

	listed := make(map[string]int, len(ids))
	for i, id := range ids {
		listed[id] = i
	}

	order := 0
	return s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			if err := tx.Model(&types.Chunk{}).Where("id = ? AND spec_id = ?", id, specID).
				Update("chunk_order", order).Error; err != nil {
				return err
			}
			order++
		}
		for _, chunk := range chunks {
			if _, ok := listed[chunk.ID]; ok {
				continue
			}
			if err := tx.Model(&types.Chunk{}).Where("id = ?", chunk.ID).
				Update("chunk_order", order).Error; err != nil {
				return err
			}
			order++
		}
		return nil
	})
}

// InsertFixChunk allocates a chunk whose sole dependency is its parent,
// ordered just after it. Later chunks shift to keep ordering total.
func (s *SQLiteStore) InsertFixChunk(ctx context.Context, parentID, title, description string) (*types.Chunk, error) {
	parent, err := s.GetChunk(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("error getting parent chunk: %w", err)
	}

	unlock := s.lockSpec(parent.SpecID)
	defer unlock()

	fix := &types.Chunk{
		ID:            system.GenerateChunkID(),
		SpecID:        parent.SpecID,
		Title:         title,
		Description:   description,
		Order:         parent.Order + 1,
		ParentChunkID: parent.ID,
		Status:        types.ChunkStatusPending,
		Dependencies:  datatypes.NewJSONSlice([]string{parent.ID}),
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	err = s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&types.Chunk{}).
			Where("spec_id = ? AND chunk_order > ?", parent.SpecID, parent.Order).
			Update("chunk_order", gorm.Expr("chunk_order + 1")).Error; err != nil {
			return err
		}
		return tx.Create(fix).Error
	})
	if err != nil {
		return nil, fmt.Errorf("error inserting fix chunk: %w", err)
	}
	return fix, nil
}
