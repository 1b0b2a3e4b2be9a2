package scheduler

import (
	"github.com/rs/zerolog/log"

	"coldstore/internal/pathutil"
)

// ActiveTaskCovering returns the id of an active task whose path is the
// requested path or an ancestor of it, provided its job is still live in the
// queue. A second request for a covered path folds into the running task
// instead of starting a new one; a row whose job has died never locks.
func (s *Scheduler) ActiveTaskCovering(path string) string {
	active, err := s.reg.Active()
	if err != nil {
		log.Error().Err(err).Msg("active task scan failed, assuming no cover")
		return ""
	}
	snap := s.q.Inspect()
	for _, t := range active {
		if pathutil.IsAncestorOrEqual(t.Path, path) && snap.Has(t.ID) {
			return t.ID
		}
	}
	return ""
}

// BlockingDescendants returns the ids of live active tasks strictly beneath
// the given path. A new task on the path must wait for these before mutating
// the tree; tasks above the path never block it.
func (s *Scheduler) BlockingDescendants(path string) []string {
	active, err := s.reg.Active()
	if err != nil {
		log.Error().Err(err).Msg("active task scan failed, assuming no blockers")
		return nil
	}
	snap := s.q.Inspect()
	blocking := []string{}
	for _, t := range active {
		if pathutil.IsStrictDescendant(path, t.Path) && snap.Has(t.ID) {
			blocking = append(blocking, t.ID)
		}
	}
	return blocking
}
