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

// UpsertToolCall inserts a tool call, or updates the existing row when
// the executor re-streams a known call id. The log is append-only per
// execution otherwise.
func (s *SQLiteStore) UpsertToolCall(ctx context.Context, call *types.ChunkToolCall) (*types.ChunkToolCall, error) {
	if call.ChunkID == "" {
		return nil, fmt.Errorf("chunk ID is required")
	}
	if call.CallID == "" {
		return nil, fmt.Errorf("call ID is required")
	}

	var existing types.ChunkToolCall
	err := s.gdb.WithContext(ctx).
		Where("chunk_id = ? AND call_id = ?", call.ChunkID, call.CallID).
		First(&existing).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("error looking up tool call: %w", err)
		}
		call.ID = system.GenerateToolCallID()
		if call.StartedAt.IsZero() {
			call.StartedAt = time.Now()
		}
		if err := s.gdb.WithContext(ctx).Create(call).Error; err != nil {
			return nil, fmt.Errorf("error creating tool call: %w", err)
		}
		return call, nil
	}

	existing.Tool = call.Tool
	existing.Status = call.Status
	if len(call.Input) > 0 {
		existing.Input = call.Input
	}
	if len(call.Output) > 0 {
		existing.Output = call.Output
	}
	if call.Status != types.ToolCallStatusRunning && existing.CompletedAt == nil {
		now := time.Now()
		existing.CompletedAt = &now
	}
	if err := s.gdb.WithContext(ctx).Save(&existing).Error; err != nil {
		return nil, fmt.Errorf("error updating tool call: %w", err)
	}
	return &existing, nil
}

func (s *SQLiteStore) ListToolCalls(ctx context.Context, chunkID string) ([]*types.ChunkToolCall, error) {
	if chunkID == "" {
		return nil, fmt.Errorf("chunk ID is required")
	}

	var calls []*types.ChunkToolCall
	err := s.gdb.WithContext(ctx).
		Where("chunk_id = ?", chunkID).
		Order("started_at ASC").
		Find(&calls).Error
	if err != nil {
		return nil, fmt.Errorf("error listing tool calls: %w", err)
	}
	return calls, nil
}
