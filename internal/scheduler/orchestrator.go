package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"coldstore/internal/pathutil"
	"coldstore/internal/queue"
	"coldstore/internal/registry"
	"coldstore/internal/repo"
)

// runTask is the per-job state machine:
// new -> waiting (if blocking descendants) -> started -> pulling|freezing
// -> finished, or -> failed at any point after started. Failures are never
// retried here; a fresh request must resubmit.
func (s *Scheduler) runTask(ctx context.Context, jobID string, payload any) error {
	args, ok := payload.(jobArgs)
	if !ok {
		return fmt.Errorf("internal error: unexpected payload %T for job %s", payload, jobID)
	}

	// The job can be dequeued before the request layer committed the row.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.opts.SettleDelay):
	}

	task, err := s.reg.Get(jobID)
	if err != nil {
		// No row after the settle delay means the coordination contract broke.
		return fmt.Errorf("internal error: no task row for job %s: %w", jobID, err)
	}

	tlog, closeLog := s.taskLogger(jobID, task)
	defer closeLog()
	tlog.Info().Str("path", task.Path).Strs("wait_for", args.WaitFor).Msg("task dequeued")

	if len(args.WaitFor) > 0 {
		if err := s.reg.MarkStarted(jobID, registry.StatusWaiting); err != nil {
			return err
		}
		if err := s.awaitBlockers(ctx, args.WaitFor, tlog); err != nil {
			return s.fail(ctx, task, tlog, err)
		}
		if err := s.reg.SetStatus(jobID, registry.StatusStarted); err != nil {
			return err
		}
	} else if err := s.reg.MarkStarted(jobID, registry.StatusStarted); err != nil {
		return err
	}

	r, err := s.repos.ForPath(task.Path)
	if err != nil {
		return s.fail(ctx, task, tlog, err)
	}

	var res repo.Result
	switch task.Kind {
	case registry.KindPull:
		if err := s.reg.SetStatus(jobID, registry.StatusPulling); err != nil {
			return err
		}
		res, err = r.Pull(ctx, task.Path, task.DryRun)
	case registry.KindFreeze:
		if err := s.reg.SetStatus(jobID, registry.StatusFreezing); err != nil {
			return err
		}
		res, err = r.Freeze(ctx, task.Path, args.Force, task.DryRun)
	default:
		err = fmt.Errorf("internal error: unknown task kind %q", task.Kind)
	}
	if err != nil {
		return s.fail(ctx, task, tlog, err)
	}

	if err := s.reg.MarkFinished(jobID); err != nil {
		return err
	}
	tlog.Info().Int("files", len(res.Files)).Int64("bytes", res.Bytes).Msg("task finished")
	s.notify(ctx, task, &res, nil)
	return nil
}

// fail records the error on the row, notifies, and surfaces the error to the
// queue. Revocation shows up here as a cancelled context.
func (s *Scheduler) fail(ctx context.Context, task *registry.Task, tlog zerolog.Logger, taskErr error) error {
	tlog.Error().Err(taskErr).Msg("task failed")
	if err := s.reg.MarkFailed(task.ID, taskErr.Error()); err != nil {
		log.Error().Str("task_id", task.ID).Err(err).Msg("could not record task failure")
	}
	s.notify(ctx, task, nil, taskErr)
	return taskErr
}

// awaitBlockers polls the captured descendant task ids until each completes.
// A wait that exceeds the maximum duration proceeds anyway with a warning:
// availability wins over strict ordering. Cancellation aborts the wait.
func (s *Scheduler) awaitBlockers(ctx context.Context, ids []string, tlog zerolog.Logger) error {
	deadline := time.Now().Add(s.opts.MaxWaitFor)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for _, id := range ids {
		for {
			ready, _, err := s.q.Get(id)
			if ready || errors.Is(err, queue.ErrJobNotFound) {
				break
			}
			if time.Now().After(deadline) {
				tlog.Warn().Str("blocking_task", id).Msg("waited too long for blocking task, proceeding anyway")
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
	return nil
}

// notify sends the completion summary when the requester asked for one.
// Delivery problems are logged and swallowed; a task never fails because its
// notification did. A revoked task still gets its notification attempted,
// detached from the cancelled job context.
func (s *Scheduler) notify(ctx context.Context, task *registry.Task, res *repo.Result, taskErr error) {
	if s.notifier == nil || task.Email == "" {
		return
	}
	var subject, body string
	if taskErr != nil {
		subject = fmt.Sprintf("Failed to %s %s", task.Kind, task.Path)
		body = fmt.Sprintf("The %s of %s failed:\n\n%s\n", task.Kind, task.Path, taskErr)
	} else {
		subject = fmt.Sprintf("Finished to %s %s", task.Kind, task.Path)
		body = fmt.Sprintf("The %s of %s completed: %d file(s), %d bytes.\n", task.Kind, task.Path, len(res.Files), res.Bytes)
	}

	sendCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
	}
	if err := s.notifier.Notify(sendCtx, task.Email, subject, body); err != nil {
		log.Warn().Str("task_id", task.ID).Err(err).Msg("notification delivery failed")
	}
}

// taskLogger writes the worker log artifact for one task, mirrored to the
// process log. The returned func closes the artifact.
func (s *Scheduler) taskLogger(jobID string, task *registry.Task) (zerolog.Logger, func()) {
	var sink io.Writer = io.Discard
	closeLog := func() {}
	if err := pathutil.EnsureDir(filepath.Join(s.opts.DataDir, "logs")); err == nil {
		f, err := os.OpenFile(s.LogPath(jobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err == nil {
			sink = f
			closeLog = func() { _ = f.Close() }
		} else {
			log.Warn().Str("task_id", jobID).Err(err).Msg("cannot open task log file")
		}
	}
	multi := zerolog.MultiLevelWriter(sink, log.Logger)
	logger := zerolog.New(multi).With().Timestamp().
		Str("task_id", jobID).Str("kind", string(task.Kind)).Logger()
	return logger, closeLog
}
