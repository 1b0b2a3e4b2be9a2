package scheduler

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"coldstore/internal/registry"
)

// ReapZombies reconciles the registry against the queue. Two kinds of rows are
// swept: orphans, whose job is gone from the queue (a crash or restart lost
// it), and runaways, whose execution started longer ago than the configured
// maximum. Both are marked failed so their paths unlock for new requests.
func (s *Scheduler) ReapZombies(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	g.Go(s.reapOrphans)
	g.Go(s.reapRunaways)
	return g.Wait()
}

func (s *Scheduler) reapOrphans() error {
	active, err := s.reg.Active()
	if err != nil {
		return err
	}
	snap := s.q.Inspect()
	for _, t := range active {
		if snap.Has(t.ID) {
			continue
		}
		log.Warn().Str("task_id", t.ID).Str("path", t.Path).
			Msg("active row has no live job, marking failed")
		if err := s.reg.MarkFailed(t.ID, "job lost by the queue"); err != nil {
			log.Error().Str("task_id", t.ID).Err(err).Msg("orphan sweep update failed")
		}
	}
	return nil
}

func (s *Scheduler) reapRunaways() error {
	cutoff := time.Now().Add(-s.opts.MaxTaskDuration)
	stale, err := s.reg.StartedBefore(cutoff)
	if err != nil {
		return err
	}
	for _, t := range stale {
		log.Warn().Str("task_id", t.ID).Str("path", t.Path).
			Time("started_at", *t.StartedAt).Msg("task exceeded maximum duration, revoking")
		if err := s.q.Revoke(t.ID); err != nil {
			log.Error().Str("task_id", t.ID).Err(err).Msg("runaway revoke failed")
		}
		if err := s.reg.MarkFailed(t.ID, "exceeded maximum task duration"); err != nil {
			log.Error().Str("task_id", t.ID).Err(err).Msg("runaway sweep update failed")
		}
	}
	return nil
}

// SweepRetention deletes terminal rows older than the retention age together
// with their log artifacts and queue bookkeeping.
func (s *Scheduler) SweepRetention() error {
	cutoff := time.Now().Add(-s.opts.RetentionAge)
	old, err := s.reg.TerminalBefore(cutoff)
	if err != nil {
		return err
	}
	for _, t := range old {
		if err := s.reg.Delete(t.ID); err != nil {
			log.Error().Str("task_id", t.ID).Err(err).Msg("retention delete failed")
			continue
		}
		if err := os.Remove(s.LogPath(t.ID)); err != nil && !os.IsNotExist(err) {
			log.Warn().Str("task_id", t.ID).Err(err).Msg("could not remove task log")
		}
		s.q.Forget(t.ID)
	}
	if len(old) > 0 {
		log.Info().Int("removed", len(old)).Msg("retention sweep done")
	}
	return nil
}

// autoFreezeState remembers when each repository root was last swept. Kept in
// memory only; a restart just means the next check resubmits, and the covering
// check keeps that idempotent.
type autoFreezeState struct {
	mu      sync.Mutex
	lastRun map[string]time.Time
}

// CheckAutoFreeze submits a freeze for every auto-freeze repository whose
// interval has elapsed, unless an active task already covers its root.
func (s *Scheduler) CheckAutoFreeze() {
	now := time.Now()
	s.autoFreeze.mu.Lock()
	defer s.autoFreeze.mu.Unlock()
	if s.autoFreeze.lastRun == nil {
		s.autoFreeze.lastRun = make(map[string]time.Time)
	}
	for _, r := range s.repos.All() {
		if !r.AutoFreeze {
			continue
		}
		interval := time.Duration(r.AutoFreezeInterval) * 24 * time.Hour
		last, seen := s.autoFreeze.lastRun[r.LocalPath]
		if seen && now.Sub(last) < interval {
			continue
		}
		if id := s.ActiveTaskCovering(r.LocalPath); id != "" {
			log.Debug().Str("path", r.LocalPath).Str("task_id", id).
				Msg("auto freeze skipped, task already covers the root")
			continue
		}
		id, deduped, err := s.Submit(SubmitRequest{Path: r.LocalPath, Kind: registry.KindFreeze})
		if err != nil {
			log.Error().Str("path", r.LocalPath).Err(err).Msg("auto freeze submit failed")
			continue
		}
		s.autoFreeze.lastRun[r.LocalPath] = now
		log.Info().Str("path", r.LocalPath).Str("task_id", id).Bool("deduped", deduped).
			Msg("auto freeze submitted")
	}
}

// Run drives the periodic sweeps until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	zombies := time.NewTicker(s.opts.ZombieInterval)
	retention := time.NewTicker(s.opts.RetentionInterval)
	freeze := time.NewTicker(autoFreezeCheck)
	defer zombies.Stop()
	defer retention.Stop()
	defer freeze.Stop()

	s.CheckAutoFreeze()
	for {
		select {
		case <-ctx.Done():
			return
		case <-zombies.C:
			if err := s.ReapZombies(ctx); err != nil {
				log.Error().Err(err).Msg("zombie sweep failed")
			}
		case <-retention.C:
			if err := s.SweepRetention(); err != nil {
				log.Error().Err(err).Msg("retention sweep failed")
			}
		case <-freeze.C:
			s.CheckAutoFreeze()
		}
	}
}
