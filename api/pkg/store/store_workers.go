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

var activeWorkerStatuses = []types.WorkerStatus{
	types.WorkerStatusIdle,
	types.WorkerStatusRunning,
	types.WorkerStatusPaused,
}

func (s *SQLiteStore) CreateWorker(ctx context.Context, worker *types.Worker) (*types.Worker, error) {
	if worker.SpecID == "" {
		return nil, fmt.Errorf("spec ID is required")
	}
	if worker.ID == "" {
		worker.ID = system.GenerateWorkerID()
	}
	if worker.Status == "" {
		worker.Status = types.WorkerStatusIdle
	}
	worker.CreatedAt = time.Now()
	worker.UpdatedAt = worker.CreatedAt

	err := s.gdb.WithContext(ctx).Create(worker).Error
	if err != nil {
		return nil, fmt.Errorf("error creating worker: %w", err)
	}
	return worker, nil
}

func (s *SQLiteStore) GetWorker(ctx context.Context, id string) (*types.Worker, error) {
	if id == "" {
		return nil, fmt.Errorf("worker ID is required")
	}

	var worker types.Worker
	err := s.gdb.WithContext(ctx).Where("id = ?", id).First(&worker).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error getting worker: %w", err)
	}
	return &worker, nil
}

func (s *SQLiteStore) ListWorkers(ctx context.Context, q *ListWorkersQuery) ([]*types.Worker, error) {
	db := s.gdb.WithContext(ctx)
	if q != nil {
		if q.SpecID != "" {
			db = db.Where("spec_id = ?", q.SpecID)
		}
		if q.ActiveOnly {
			db = db.Where("status IN ?", activeWorkerStatuses)
		}
	}

	var workers []*types.Worker
	err := db.Order("created_at ASC").Find(&workers).Error
	if err != nil {
		return nil, fmt.Errorf("error listing workers: %w", err)
	}
	return workers, nil
}

func (s *SQLiteStore) UpdateWorker(ctx context.Context, worker *types.Worker) error {
	if worker.ID == "" {
		return fmt.Errorf("worker ID is required")
	}

	worker.UpdatedAt = time.Now()
	result := s.gdb.WithContext(ctx).Save(worker)
	if result.Error != nil {
		return fmt.Errorf("error updating worker: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CountActiveWorkers(ctx context.Context) (int, error) {
	var count int64
	err := s.gdb.WithContext(ctx).Model(&types.Worker{}).
		Where("status IN ?", activeWorkerStatuses).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("error counting active workers: %w", err)
	}
	return int(count), nil
}

// FailActiveWorkers marks workers left active by a previous process as
// failed. Called once on startup; worker goroutines do not survive a
// restart but their rows do.
func (s *SQLiteStore) FailActiveWorkers(ctx context.Context, reason string) (int, error) {
	now := time.Now()
	result := s.gdb.WithContext(ctx).Model(&types.Worker{}).
		Where("status IN ?", activeWorkerStatuses).
		Updates(map[string]interface{}{
			"status":       types.WorkerStatusFailed,
			"error":        reason,
			"completed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("error failing active workers: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}
