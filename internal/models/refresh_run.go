package models

import "time"

type RefreshRunTrigger string

const (
	TriggerScheduled RefreshRunTrigger = "scheduled"
	TriggerManual    RefreshRunTrigger = "manual"
	TriggerCleanup   RefreshRunTrigger = "cleanup"
)

type RefreshRunStatus string

const (
	RunStatusProcessing RefreshRunStatus = "processing"
	RunStatusCompleted  RefreshRunStatus = "completed"
	RunStatusFailed     RefreshRunStatus = "failed"
	RunStatusSkipped    RefreshRunStatus = "skipped" // Previous cycle still running
)

// FinishedRunStatuses are the statuses of runs that actually did work
var FinishedRunStatuses = []RefreshRunStatus{RunStatusCompleted, RunStatusFailed}

// RefreshRun records one scheduler cycle. The watcher reloads the latest ones on startup.
type RefreshRun struct {
	ID         string            `gorm:"column:id;primaryKey"`
	Trigger    RefreshRunTrigger `gorm:"column:trigger"`
	Status     RefreshRunStatus  `gorm:"column:status;index"`
	Candidates int               `gorm:"column:candidates"`
	Refreshed  int               `gorm:"column:refreshed"`
	Failed     int               `gorm:"column:failed"`
	Skipped    int               `gorm:"column:skipped"`
	LastError  *string           `gorm:"column:last_error"`
	StartedAt  time.Time         `gorm:"column:started_at"`
	FinishedAt *time.Time        `gorm:"column:finished_at"`
}

// TableName specifies the table name for GORM
func (RefreshRun) TableName() string {
	return "refresh_run"
}
