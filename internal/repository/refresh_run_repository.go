package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vipul43/socialpulse-worker/internal/models"
)

var ErrRunNotFound = errors.New("refresh run not found")

// RunSummary holds the counters written when a run finishes
type RunSummary struct {
	Candidates int
	Refreshed  int
	Failed     int
	Skipped    int
}

type RefreshRunRepository struct {
	db *gorm.DB
}

func NewRefreshRunRepository(db *gorm.DB) *RefreshRunRepository {
	return &RefreshRunRepository{db: db}
}

// Start records a new run in processing state
func (r *RefreshRunRepository) Start(ctx context.Context, trigger models.RefreshRunTrigger) (*models.RefreshRun, error) {
	run := &models.RefreshRun{
		ID:        uuid.New().String(),
		Trigger:   trigger,
		Status:    models.RunStatusProcessing,
		StartedAt: NowFunc(),
	}
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("failed to create refresh run: %w", err)
	}
	return run, nil
}

// Finish updates the run status and counters
func (r *RefreshRunRepository) Finish(ctx context.Context, id string, status models.RefreshRunStatus, summary RunSummary, lastError *string) error {
	result := r.db.WithContext(ctx).Model(&models.RefreshRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      status,
			"candidates":  summary.Candidates,
			"refreshed":   summary.Refreshed,
			"failed":      summary.Failed,
			"skipped":     summary.Skipped,
			"last_error":  lastError,
			"finished_at": NowFunc(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to finish refresh run: %w", result.Error)
	}
	return nil
}

// LatestFinished returns the most recently finished completed or failed run among triggers
func (r *RefreshRunRepository) LatestFinished(ctx context.Context, triggers ...models.RefreshRunTrigger) (*models.RefreshRun, error) {
	var run models.RefreshRun
	result := r.db.WithContext(ctx).
		Where("trigger IN ? AND status IN ? AND finished_at IS NOT NULL", triggers, models.FinishedRunStatuses).
		Order("finished_at DESC").
		First(&run)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get latest refresh run: %w", result.Error)
	}
	return &run, nil
}
