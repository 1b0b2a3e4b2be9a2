// Package scheduler coordinates pull and freeze tasks: conflict detection
// over the path hierarchy, the per-job state machine, and the reconciliation
// sweeps that clean up after crashed jobs. There are no in-process path
// locks; the task registry plus polling is the entire mutual-exclusion
// mechanism.
package scheduler

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"coldstore/internal/notify"
	"coldstore/internal/pathutil"
	"coldstore/internal/queue"
	"coldstore/internal/registry"
	"coldstore/internal/repo"
)

var ErrNoWorkers = errors.New("no live workers to accept the task")

// Options tune the coordination timings. Zero values fall back to defaults.
type Options struct {
	DataDir           string
	MaxWaitFor        time.Duration // give up waiting on blocking descendants after this
	MaxTaskDuration   time.Duration // reaper kills tasks running longer than this
	ZombieInterval    time.Duration
	RetentionAge      time.Duration
	RetentionInterval time.Duration
	SettleDelay       time.Duration // tolerate the enqueue/row-commit race
	PollInterval      time.Duration
}

const (
	defaultSettleDelay  = 2 * time.Second
	defaultPollInterval = 2 * time.Second
	defaultMaxWaitFor   = 6 * time.Hour
	autoFreezeCheck     = time.Hour
)

type Scheduler struct {
	reg        *registry.Registry
	q          *queue.Queue
	repos      *repo.Repos
	notifier   notify.Notifier
	opts       Options
	autoFreeze autoFreezeState
}

// jobArgs is the payload carried by a queued pull/freeze job. The blocking
// descendant ids are captured at submit time.
type jobArgs struct {
	Force   bool
	WaitFor []string
}

func New(reg *registry.Registry, q *queue.Queue, repos *repo.Repos, notifier notify.Notifier, opts Options) *Scheduler {
	if opts.SettleDelay == 0 {
		opts.SettleDelay = defaultSettleDelay
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxWaitFor == 0 {
		opts.MaxWaitFor = defaultMaxWaitFor
	}
	if opts.MaxTaskDuration == 0 {
		opts.MaxTaskDuration = 24 * time.Hour
	}
	if opts.ZombieInterval == 0 {
		opts.ZombieInterval = 5 * time.Minute
	}
	if opts.RetentionAge == 0 {
		opts.RetentionAge = 30 * 24 * time.Hour
	}
	if opts.RetentionInterval == 0 {
		opts.RetentionInterval = 24 * time.Hour
	}
	s := &Scheduler{reg: reg, q: q, repos: repos, notifier: notifier, opts: opts}
	q.Register(string(registry.KindPull), s.runTask)
	q.Register(string(registry.KindFreeze), s.runTask)
	return s
}

// SubmitRequest is a validated request for a new task.
type SubmitRequest struct {
	Path   string
	Kind   registry.Kind
	Email  string
	DryRun bool
	Force  bool
}

// Submit creates a task for the request, or returns the id of an active task
// already covering the path. The covering check and the row insert are not
// atomic; two identical requests in the same instant can both create a task.
// That gap is accepted, not papered over.
func (s *Scheduler) Submit(req SubmitRequest) (taskID string, deduped bool, err error) {
	canonical, err := pathutil.Canonical(req.Path)
	if err != nil {
		return "", false, err
	}
	if _, err := s.repos.ForPath(canonical); err != nil {
		return "", false, err
	}
	if !s.q.Ping() {
		return "", false, ErrNoWorkers
	}

	if id := s.ActiveTaskCovering(canonical); id != "" {
		return id, true, nil
	}
	waitFor := s.BlockingDescendants(canonical)

	jobID, err := s.q.Submit(string(req.Kind), jobArgs{Force: req.Force, WaitFor: waitFor})
	if err != nil {
		return "", false, fmt.Errorf("enqueue %s: %w", req.Kind, err)
	}
	task := &registry.Task{
		ID:     jobID,
		Path:   canonical,
		Kind:   req.Kind,
		Status: registry.StatusNew,
		Email:  req.Email,
		DryRun: req.DryRun,
	}
	if err := s.reg.Create(task); err != nil {
		return "", false, fmt.Errorf("record task: %w", err)
	}
	return jobID, false, nil
}

// Status returns the registry row for a task.
func (s *Scheduler) Status(id string) (*registry.Task, error) {
	return s.reg.Get(id)
}

// Remove revokes the underlying job if still live and deletes the task row.
func (s *Scheduler) Remove(id string) error {
	if _, err := s.reg.Get(id); err != nil {
		return err
	}
	if err := s.q.Revoke(id); err != nil && !errors.Is(err, queue.ErrJobNotFound) {
		return err
	}
	return s.reg.Delete(id)
}

// LogPath is the location of a task's worker log artifact.
func (s *Scheduler) LogPath(id string) string {
	return filepath.Join(s.opts.DataDir, "logs", id+".log")
}
