package watcher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vipul43/socialpulse-worker/internal/models"
	"github.com/vipul43/socialpulse-worker/internal/service"
)

// RunState is the scheduler's mutable state. It is owned by whoever constructs the
// watcher and read through Snapshot.
type RunState struct {
	processing atomic.Bool

	mu              sync.RWMutex
	lastRunTime     *time.Time
	lastRunResults  *service.BatchResult
	lastRunError    string
	lastCleanupTime *time.Time
	lastScrubbed    int64
	skippedCycles   int
}

func NewRunState() *RunState {
	return &RunState{}
}

// TryBegin claims the refresh cycle. It returns false if a cycle is already running.
func (s *RunState) TryBegin() bool {
	return s.processing.CompareAndSwap(false, true)
}

// End releases the cycle and records its result
func (s *RunState) End(finishedAt time.Time, result service.BatchResult, err error) {
	s.mu.Lock()
	s.lastRunTime = &finishedAt
	s.lastRunResults = &result
	s.lastRunError = ""
	if err != nil {
		s.lastRunError = err.Error()
	}
	s.mu.Unlock()

	s.processing.Store(false)
}

// Restore seeds the state from persisted runs. Either run may be nil, and fields already
// set by a cycle in this process are kept.
func (s *RunState) Restore(lastRun, lastCleanup *models.RefreshRun) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lastRun != nil && lastRun.FinishedAt != nil && s.lastRunTime == nil {
		finishedAt := *lastRun.FinishedAt
		s.lastRunTime = &finishedAt
		s.lastRunResults = &service.BatchResult{
			Candidates: lastRun.Candidates,
			Refreshed:  lastRun.Refreshed,
			Failed:     lastRun.Failed,
			Skipped:    lastRun.Skipped,
		}
		s.lastRunError = ""
		if lastRun.LastError != nil {
			s.lastRunError = *lastRun.LastError
		}
	}
	if lastCleanup != nil && lastCleanup.FinishedAt != nil && s.lastCleanupTime == nil {
		finishedAt := *lastCleanup.FinishedAt
		s.lastCleanupTime = &finishedAt
		s.lastScrubbed = int64(lastCleanup.Candidates)
	}
}

func (s *RunState) recordSkip() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skippedCycles++
}

func (s *RunState) recordCleanup(at time.Time, scrubbed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCleanupTime = &at
	s.lastScrubbed = scrubbed
}

// IsProcessing reports whether a refresh cycle is running
func (s *RunState) IsProcessing() bool {
	return s.processing.Load()
}

// Status is a point-in-time copy of the scheduler state
type Status struct {
	IsProcessing    bool                 `json:"is_processing"`
	LastRunTime     *time.Time           `json:"last_run_time"`
	LastRunResults  *service.BatchResult `json:"last_run_results"`
	LastRunError    string               `json:"last_run_error,omitempty"`
	SkippedCycles   int                  `json:"skipped_cycles"`
	LastCleanupTime *time.Time           `json:"last_cleanup_time"`
	LastScrubbed    int64                `json:"last_cleanup_scrubbed"`
	ExpiringCount   int64                `json:"expiring_count"`
	NextRunTime     *time.Time           `json:"next_run_time,omitempty"`
	NextCleanupTime *time.Time           `json:"next_cleanup_time,omitempty"`
}

// Snapshot copies the state
func (s *RunState) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		IsProcessing:  s.processing.Load(),
		LastRunError:  s.lastRunError,
		SkippedCycles: s.skippedCycles,
		LastScrubbed:  s.lastScrubbed,
	}
	if s.lastRunTime != nil {
		t := *s.lastRunTime
		status.LastRunTime = &t
	}
	if s.lastRunResults != nil {
		r := *s.lastRunResults
		status.LastRunResults = &r
	}
	if s.lastCleanupTime != nil {
		t := *s.lastCleanupTime
		status.LastCleanupTime = &t
	}
	return status
}
