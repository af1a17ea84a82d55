package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/specwright/specwright/api/pkg/system"
	"github.com/specwright/specwright/api/pkg/types"
)

func (s *SQLiteStore) AddQueueItem(ctx context.Context, item *types.QueueItem) (*types.QueueItem, error) {
	if item.SpecID == "" {
		return nil, fmt.Errorf("spec ID is required")
	}
	if item.ID == "" {
		item.ID = system.GenerateQueueItemID()
	}
	if item.AddedAt.IsZero() {
		item.AddedAt = time.Now()
	}

	err := s.gdb.WithContext(ctx).Create(item).Error
	if err != nil {
		return nil, fmt.Errorf("error adding queue item: %w", err)
	}
	return item, nil
}

// ListQueue returns the queue in admission order: priority descending,
// then added time ascending.
func (s *SQLiteStore) ListQueue(ctx context.Context) ([]*types.QueueItem, error) {
	var items []*types.QueueItem
	err := s.gdb.WithContext(ctx).
		Order("priority DESC, added_at ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("error listing queue: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) RemoveQueueItem(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("queue item ID is required")
	}
	return s.gdb.WithContext(ctx).Where("id = ?", id).Delete(&types.QueueItem{}).Error
}

func (s *SQLiteStore) RemoveQueueItemBySpec(ctx context.Context, specID string) error {
	if specID == "" {
		return fmt.Errorf("spec ID is required")
	}
	return s.gdb.WithContext(ctx).Where("spec_id = ?", specID).Delete(&types.QueueItem{}).Error
}

// ReorderQueue reassigns priorities so the listed order is preserved;
// unlisted items keep their relative order after the listed ones.
// Priorities are dense and descending so admission order follows the
// list directly.
func (s *SQLiteStore) ReorderQueue(ctx context.Context, ids []string) error {
	items, err := s.ListQueue(ctx)
	if err != nil {
		return err
	}

	listed := make(map[string]bool, len(ids))
	for _, id := range ids {
		listed[id] = true
	}

	priority := len(items)
	return s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			if err := tx.Model(&types.QueueItem{}).Where("id = ?", id).
				Update("priority", priority).Error; err != nil {
				return err
			}
			priority--
		}
		for _, item := range items {
			if listed[item.ID] {
				continue
			}
			if err := tx.Model(&types.QueueItem{}).Where("id = ?", item.ID).
				Update("priority", priority).Error; err != nil {
				return err
			}
			priority--
		}
		return nil
	})
}
