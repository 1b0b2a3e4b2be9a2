package registry

import "time"

type Kind string

const (
	KindPull   Kind = "pull"
	KindFreeze Kind = "freeze"
)

type Status string

const (
	StatusNew      Status = "new"
	StatusWaiting  Status = "waiting"
	StatusStarted  Status = "started"
	StatusPulling  Status = "pulling"
	StatusFreezing Status = "freezing"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Terminal reports whether the status will never change again.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// ActiveStatuses are the states in which a task owns its path. The set is the
// whole coordination scheme: an active row on a path is the lock on that path.
var ActiveStatuses = []Status{StatusNew, StatusWaiting, StatusStarted, StatusPulling, StatusFreezing}

// Task is one requested pull or freeze operation. The row doubles as the lock
// registry entry for its path while the status is non-terminal.
type Task struct {
	ID         string     `gorm:"column:id;primaryKey;size:64" json:"id"`
	Path       string     `gorm:"column:path;size:4096;index:idx_tasks_path" json:"path"`
	Kind       Kind       `gorm:"column:kind;size:16" json:"kind"`
	Status     Status     `gorm:"column:status;size:16;index:idx_tasks_status" json:"status"`
	Email      string     `gorm:"column:email;size:255" json:"email,omitempty"`
	DryRun     bool       `gorm:"column:dry_run" json:"dry_run,omitempty"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	StartedAt  *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time `gorm:"column:finished_at" json:"finished_at,omitempty"`
	Error      string     `gorm:"column:error;size:4096" json:"error,omitempty"`
}

func (Task) TableName() string {
	return "tasks"
}
