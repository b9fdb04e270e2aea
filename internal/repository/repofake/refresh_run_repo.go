package repofake

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/vipul43/socialpulse-worker/internal/models"
	"github.com/vipul43/socialpulse-worker/internal/repository"
)

type RefreshRunRepo struct {
	runs []*models.RefreshRun
	lock sync.RWMutex
}

func NewRefreshRunRepo() *RefreshRunRepo {
	return &RefreshRunRepo{}
}

func (r *RefreshRunRepo) Start(_ context.Context, trigger models.RefreshRunTrigger) (*models.RefreshRun, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	run := &models.RefreshRun{
		ID:        uuid.New().String(),
		Trigger:   trigger,
		Status:    models.RunStatusProcessing,
		StartedAt: repository.NowFunc(),
	}
	r.runs = append(r.runs, run)
	out := *run
	return &out, nil
}

func (r *RefreshRunRepo) Finish(_ context.Context, id string, status models.RefreshRunStatus, summary repository.RunSummary, lastError *string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	for _, run := range r.runs {
		if run.ID != id {
			continue
		}
		now := repository.NowFunc()
		run.Status = status
		run.Candidates = summary.Candidates
		run.Refreshed = summary.Refreshed
		run.Failed = summary.Failed
		run.Skipped = summary.Skipped
		run.LastError = lastError
		run.FinishedAt = &now
		return nil
	}
	return repository.ErrRunNotFound
}

func (r *RefreshRunRepo) LatestFinished(_ context.Context, triggers ...models.RefreshRunTrigger) (*models.RefreshRun, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	var latest *models.RefreshRun
	for _, run := range r.runs {
		if !slices.Contains(triggers, run.Trigger) || !slices.Contains(models.FinishedRunStatuses, run.Status) || run.FinishedAt == nil {
			continue
		}
		if latest == nil || run.FinishedAt.After(*latest.FinishedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, repository.ErrRunNotFound
	}
	out := *latest
	return &out, nil
}

// Runs returns a copy of every recorded run, oldest first
func (r *RefreshRunRepo) Runs() []models.RefreshRun {
	r.lock.RLock()
	defer r.lock.RUnlock()

	out := make([]models.RefreshRun, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, *run)
	}
	return out
}
