package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vipul43/socialpulse-worker/internal/config"
	"github.com/vipul43/socialpulse-worker/internal/models"
	"github.com/vipul43/socialpulse-worker/internal/repository"
	"github.com/vipul43/socialpulse-worker/internal/service"
)

var (
	// ErrCycleRunning is returned by TriggerNow while a refresh cycle is in progress
	ErrCycleRunning = errors.New("refresh cycle already running")
	// ErrSchedulerStopped is returned by TriggerNow once Start has returned
	ErrSchedulerStopped = errors.New("scheduler stopped")
)

// BatchRefresher is the orchestrator surface the scheduler drives
type BatchRefresher interface {
	RefreshAllExpiring(ctx context.Context) (service.BatchResult, error)
	CountExpiring(ctx context.Context) (int64, error)
}

// CredentialCleaner scrubs long-expired credentials
type CredentialCleaner interface {
	ScrubExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RunRepository persists scheduler runs
type RunRepository interface {
	Start(ctx context.Context, trigger models.RefreshRunTrigger) (*models.RefreshRun, error)
	Finish(ctx context.Context, id string, status models.RefreshRunStatus, summary repository.RunSummary, lastError *string) error
	LatestFinished(ctx context.Context, triggers ...models.RefreshRunTrigger) (*models.RefreshRun, error)
}

type Watcher struct {
	cfg         *config.Config
	state       *RunState
	refresher   BatchRefresher
	credentials CredentialCleaner
	runs        RunRepository
	now         func() time.Time

	mu          sync.Mutex
	baseCtx     context.Context
	stopped     bool
	nextRun     *time.Time
	nextCleanup *time.Time
	wg          sync.WaitGroup
}

func New(
	cfg *config.Config,
	state *RunState,
	refresher BatchRefresher,
	credentials CredentialCleaner,
	runs RunRepository,
) *Watcher {
	return &Watcher{
		cfg:         cfg,
		state:       state,
		refresher:   refresher,
		credentials: credentials,
		runs:        runs,
		now:         time.Now,
		baseCtx:     context.Background(),
	}
}

// Start runs the refresh cycle every RefreshInterval and the cleanup once a day at
// CleanupAt until ctx is cancelled. In-flight cycles are waited for before returning.
func (w *Watcher) Start(ctx context.Context) error {
	log.Info().
		Dur("interval", w.cfg.RefreshInterval).
		Str("cleanup_at", w.cfg.CleanupAt.String()).
		Msg("Starting token refresh scheduler")

	w.mu.Lock()
	w.baseCtx = ctx
	w.stopped = false
	w.mu.Unlock()
	// Refuse new triggers before draining
	defer w.wg.Wait()
	defer w.markStopped()

	w.restoreHistory(ctx)

	// Catch up on anything that expired while the worker was down
	w.launch(ctx, models.TriggerScheduled)

	ticker := time.NewTicker(w.cfg.RefreshInterval)
	defer ticker.Stop()

	cleanupTimer := time.NewTimer(w.scheduleCleanup())
	defer cleanupTimer.Stop()

	w.setNextRun(w.now().Add(w.cfg.RefreshInterval))

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Scheduler shutting down...")
			return ctx.Err()
		case <-ticker.C:
			w.setNextRun(w.now().Add(w.cfg.RefreshInterval))
			w.launch(ctx, models.TriggerScheduled)
		case <-cleanupTimer.C:
			if _, err := w.RunCleanup(ctx); err != nil {
				log.Error().Err(err).Msg("Daily cleanup failed")
			}
			cleanupTimer.Reset(w.scheduleCleanup())
		}
	}
}

// launch starts a cycle in the background unless one is already running
func (w *Watcher) launch(ctx context.Context, trigger models.RefreshRunTrigger) {
	if !w.state.TryBegin() {
		w.recordSkip(ctx, trigger)
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.execute(ctx, trigger)
	}()
}

// RunCycle runs one refresh cycle synchronously, skipping it if another is running
func (w *Watcher) RunCycle(ctx context.Context, trigger models.RefreshRunTrigger) {
	if !w.state.TryBegin() {
		w.recordSkip(ctx, trigger)
		return
	}
	w.execute(ctx, trigger)
}

// TriggerNow starts a manual cycle in the background. The cycle runs on the scheduler's
// context, not the caller's, so it outlives the admin request that started it.
func (w *Watcher) TriggerNow() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return ErrSchedulerStopped
	}
	if !w.state.TryBegin() {
		return ErrCycleRunning
	}
	ctx := w.baseCtx

	log.Info().Msg("Manual refresh cycle triggered")

	// Added under mu so it cannot race the final Wait in Start
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.execute(ctx, models.TriggerManual)
	}()
	return nil
}

func (w *Watcher) markStopped() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
}

// restoreHistory loads the last finished refresh and cleanup runs so status reports
// them after a restart
func (w *Watcher) restoreHistory(ctx context.Context) {
	lastRun, err := w.runs.LatestFinished(ctx, models.TriggerScheduled, models.TriggerManual)
	if err != nil && !errors.Is(err, repository.ErrRunNotFound) {
		log.Warn().Err(err).Msg("Failed to load last refresh run")
	}
	lastCleanup, err := w.runs.LatestFinished(ctx, models.TriggerCleanup)
	if err != nil && !errors.Is(err, repository.ErrRunNotFound) {
		log.Warn().Err(err).Msg("Failed to load last cleanup run")
	}
	w.state.Restore(lastRun, lastCleanup)
}

// Wait blocks until every background cycle has finished
func (w *Watcher) Wait() {
	w.wg.Wait()
}

// execute runs a cycle. The caller must hold the cycle claim from TryBegin.
func (w *Watcher) execute(ctx context.Context, trigger models.RefreshRunTrigger) {
	var (
		result service.BatchResult
		err    error
	)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Refresh cycle panicked")
			err = fmt.Errorf("refresh cycle panicked: %v", r)
		}
		w.state.End(w.now(), result, err)
	}()

	run, startErr := w.runs.Start(ctx, trigger)
	if startErr != nil {
		log.Warn().Err(startErr).Msg("Failed to record refresh run start")
	}

	log.Info().Str("trigger", string(trigger)).Msg("Refresh cycle started")
	result, err = w.refresher.RefreshAllExpiring(ctx)

	status := models.RunStatusCompleted
	var lastError *string
	if err != nil {
		status = models.RunStatusFailed
		msg := err.Error()
		lastError = &msg
		log.Error().Err(err).Str("trigger", string(trigger)).Msg("Refresh cycle failed")
	} else {
		log.Info().
			Str("trigger", string(trigger)).
			Int("candidates", result.Candidates).
			Int("refreshed", result.Refreshed).
			Int("failed", result.Failed).
			Msg("Refresh cycle completed")
	}

	if run != nil {
		// Record the outcome even when the cycle was cut short by shutdown
		finishCtx := context.WithoutCancel(ctx)
		if err := w.runs.Finish(finishCtx, run.ID, status, summaryOf(result), lastError); err != nil {
			log.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to record refresh run result")
		}
	}
}

func (w *Watcher) recordSkip(ctx context.Context, trigger models.RefreshRunTrigger) {
	log.Warn().Str("trigger", string(trigger)).Msg("Previous refresh cycle still running, skipping this one")
	w.state.recordSkip()

	run, err := w.runs.Start(ctx, trigger)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to record skipped refresh run")
		return
	}
	if err := w.runs.Finish(ctx, run.ID, models.RunStatusSkipped, repository.RunSummary{}, nil); err != nil {
		log.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to record skipped refresh run")
	}
}

// RunCleanup scrubs tokens from credentials that expired more than CleanupAfter ago.
// The scrubbed count is stored as the run's candidates.
func (w *Watcher) RunCleanup(ctx context.Context) (int64, error) {
	now := w.now()
	cutoff := now.Add(-w.cfg.CleanupAfter)

	run, startErr := w.runs.Start(ctx, models.TriggerCleanup)
	if startErr != nil {
		log.Warn().Err(startErr).Msg("Failed to record cleanup run start")
	}

	scrubbed, err := w.credentials.ScrubExpiredBefore(ctx, cutoff)

	status := models.RunStatusCompleted
	var lastError *string
	if err != nil {
		status = models.RunStatusFailed
		msg := err.Error()
		lastError = &msg
	}
	if run != nil {
		summary := repository.RunSummary{Candidates: int(scrubbed)}
		if finishErr := w.runs.Finish(ctx, run.ID, status, summary, lastError); finishErr != nil {
			log.Warn().Err(finishErr).Str("run_id", run.ID).Msg("Failed to record cleanup run result")
		}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to clean up expired credentials: %w", err)
	}

	w.state.recordCleanup(now, scrubbed)
	log.Info().Int64("scrubbed", scrubbed).Time("cutoff", cutoff).Msg("Expired credential cleanup completed")
	return scrubbed, nil
}

// Status returns the scheduler state plus the current expiring count
func (w *Watcher) Status(ctx context.Context) Status {
	status := w.state.Snapshot()

	count, err := w.refresher.CountExpiring(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count expiring credentials")
	}
	status.ExpiringCount = count

	w.mu.Lock()
	status.NextRunTime = copyTime(w.nextRun)
	status.NextCleanupTime = copyTime(w.nextCleanup)
	w.mu.Unlock()

	return status
}

func (w *Watcher) setNextRun(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextRun = &t
}

// scheduleCleanup records the next cleanup time and returns the delay until it
func (w *Watcher) scheduleCleanup() time.Duration {
	now := w.now()
	next := nextCleanup(now, w.cfg.CleanupAt)

	w.mu.Lock()
	w.nextCleanup = &next
	w.mu.Unlock()

	return next.Sub(now)
}

// nextCleanup returns the first occurrence of at strictly after now, in now's location
func nextCleanup(now time.Time, at config.TimeOfDay) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour, at.Minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func summaryOf(result service.BatchResult) repository.RunSummary {
	return repository.RunSummary{
		Candidates: result.Candidates,
		Refreshed:  result.Refreshed,
		Failed:     result.Failed,
		Skipped:    result.Skipped,
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
