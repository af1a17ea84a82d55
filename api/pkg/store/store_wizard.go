package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/specwright/specwright/api/pkg/types"
)

func (s *SQLiteStore) GetWizardState(ctx context.Context, specID string) (*types.WizardState, error) {
	if specID == "" {
		return nil, fmt.Errorf("spec ID is required")
	}

	var state types.WizardState
	err := s.gdb.WithContext(ctx).Where("spec_id = ?", specID).First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error getting wizard state: %w", err)
	}
	return &state, nil
}

func (s *SQLiteStore) SetWizardState(ctx context.Context, state *types.WizardState) error {
	if state.SpecID == "" {
		return fmt.Errorf("spec ID is required")
	}
	state.UpdatedAt = time.Now()

	err := s.gdb.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "spec_id"}},
		UpdateAll: true,
	}).Create(state).Error
	if err != nil {
		return fmt.Errorf("error setting wizard state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteWizardState(ctx context.Context, specID string) error {
	if specID == "" {
		return fmt.Errorf("spec ID is required")
	}
	return s.gdb.WithContext(ctx).Where("spec_id = ?", specID).Delete(&types.WizardState{}).Error
}
