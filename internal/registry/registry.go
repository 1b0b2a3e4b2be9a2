// Package registry persists the task table that doubles as the path lock
// registry. All coordination between the request layer, the workers and the
// reaper goes through these rows, so every mutation commits immediately.
package registry

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("task not found")

type Registry struct {
	db *gorm.DB
}

// Open opens (and migrates) the sqlite task table at path.
func Open(path string) (*Registry, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open task db at %s", path)
	}
	if err := db.AutoMigrate(&Task{}); err != nil {
		return nil, errors.Wrap(err, "failed to migrate task table")
	}
	return &Registry{db: db}, nil
}

// NewWithDB wraps an already open gorm handle. Used by tests.
func NewWithDB(db *gorm.DB) (*Registry, error) {
	if err := db.AutoMigrate(&Task{}); err != nil {
		return nil, errors.Wrap(err, "failed to migrate task table")
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Create(t *Task) error {
	return errors.WithStack(r.db.Create(t).Error)
}

func (r *Registry) Get(id string) (*Task, error) {
	var t Task
	if err := r.db.Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.WithStack(err)
	}
	return &t, nil
}

func (r *Registry) Delete(id string) error {
	res := r.db.Where("id = ?", id).Delete(&Task{})
	if res.Error != nil {
		return errors.WithStack(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Active returns every row whose status is non-terminal, ordered by creation.
// This is the lock table scan the conflict resolver works from.
func (r *Registry) Active() ([]Task, error) {
	var tasks []Task
	err := r.db.Where("status IN ?", ActiveStatuses).Order("created_at").Find(&tasks).Error
	return tasks, errors.WithStack(err)
}

// SetStatus updates the status column only.
func (r *Registry) SetStatus(id string, status Status) error {
	return r.update(id, map[string]any{"status": status})
}

// MarkStarted records the execution start time together with the status.
func (r *Registry) MarkStarted(id string, status Status) error {
	now := time.Now()
	return r.update(id, map[string]any{"status": status, "started_at": &now})
}

// MarkFinished transitions the row to its successful terminal state.
func (r *Registry) MarkFinished(id string) error {
	now := time.Now()
	return r.update(id, map[string]any{"status": StatusFinished, "finished_at": &now})
}

// MarkFailed transitions the row to failed and records the error text.
func (r *Registry) MarkFailed(id string, errText string) error {
	now := time.Now()
	return r.update(id, map[string]any{"status": StatusFailed, "finished_at": &now, "error": errText})
}

// StartedBefore returns active rows whose execution began before the cutoff.
// Used by the reaper's timeout sweep.
func (r *Registry) StartedBefore(cutoff time.Time) ([]Task, error) {
	var tasks []Task
	err := r.db.Where("status IN ?", ActiveStatuses).
		Where("started_at IS NOT NULL AND started_at < ?", cutoff).
		Find(&tasks).Error
	return tasks, errors.WithStack(err)
}

// TerminalBefore returns finished/failed rows older than the cutoff.
// Used by the retention sweep.
func (r *Registry) TerminalBefore(cutoff time.Time) ([]Task, error) {
	var tasks []Task
	err := r.db.Where("status IN ?", []Status{StatusFinished, StatusFailed}).
		Where("finished_at IS NOT NULL AND finished_at < ?", cutoff).
		Find(&tasks).Error
	return tasks, errors.WithStack(err)
}

func (r *Registry) update(id string, fields map[string]any) error {
	res := r.db.Model(&Task{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return errors.WithStack(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
