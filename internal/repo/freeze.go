package repo

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Local edits newer than the remote copy by more than this are treated as
// pending, not-yet-backed-up changes and never evicted.
const mtimeTolerance = 10 * time.Second

// Freeze deletes locally cached files under localPath that are cold (access
// time older than the freeze age) and safely mirrored remotely. force skips
// the staleness check; dryRun reports candidates without deleting. The byte
// total is summed before any deletion.
func (r *Repo) Freeze(ctx context.Context, localPath string, force, dryRun bool) (Result, error) {
	log.Info().Str("path", localPath).Bool("force", force).Bool("dry_run", dryRun).Msg("freeze requested")

	if !force && !r.Freezable {
		return Result{Files: []string{}}, nil
	}

	remoteList, err := r.RemoteList(ctx, localPath, ListOptions{MaxDepth: 0, FromRoot: true, Full: true})
	if err != nil {
		return Result{}, err
	}
	if len(remoteList) == 0 {
		// Eviction never succeeds silently against a nonexistent remote reference.
		return Result{}, fmt.Errorf("%w: %s", ErrRemoteNotFound, localPath)
	}

	remoteByPath := make(map[string]RemoteFile, len(remoteList))
	for _, f := range remoteList {
		remoteByPath[f.Path] = f
	}

	candidates, err := r.freezable(localPath, remoteByPath, force)
	if err != nil {
		return Result{}, err
	}

	var total int64
	for _, c := range candidates {
		if info, err := os.Lstat(c); err == nil {
			total += info.Size()
		}
	}

	for _, c := range candidates {
		if dryRun {
			log.Info().Str("file", c).Msg("would freeze (dry-run mode)")
			continue
		}
		log.Info().Str("file", c).Msg("freezing")
		if err := os.Remove(c); err != nil {
			return Result{}, fmt.Errorf("freeze %s: %w", c, err)
		}
	}
	return Result{Files: candidates, Bytes: total}, nil
}

// freezable collects the files under localPath that pass exclusion globs and
// the per-file eviction checks.
func (r *Repo) freezable(localPath string, remote map[string]RemoteFile, force bool) ([]string, error) {
	candidates := []string{}
	err := eachFile(localPath, func(p string, info os.FileInfo) error {
		rel := r.RelativePath(p)
		if matchesAny(r.Exclude, rel) {
			log.Debug().Str("file", p).Msg("excluded from freeze by glob")
			return nil
		}
		ok, err := r.canFreeze(p, rel, remote, force)
		if err != nil {
			return err
		}
		if ok {
			candidates = append(candidates, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// canFreeze decides eviction for one file: it must be known remotely, must
// not carry local edits newer than the remote copy, and must be cold unless
// force is set.
func (r *Repo) canFreeze(p, rel string, remote map[string]RemoteFile, force bool) (bool, error) {
	remoteFile, known := remote[rel]
	if !known {
		// Local-only additions are never deleted.
		return false, nil
	}

	var st unix.Stat_t
	if err := unix.Lstat(p, &st); err != nil {
		return false, fmt.Errorf("lstat %s: %w", p, err)
	}
	localMtime := time.Unix(st.Mtim.Sec, st.Mtim.Nsec)
	if localMtime.Sub(remoteFile.ModTime) > mtimeTolerance {
		log.Debug().Str("file", p).Time("local_mtime", localMtime).Time("remote_mtime", remoteFile.ModTime).
			Msg("local copy newer than remote, keeping")
		return false, nil
	}

	if force {
		return true, nil
	}

	atime := time.Unix(st.Atim.Sec, st.Atim.Nsec)
	ageDays := int(time.Since(atime).Hours() / 24)
	cold := ageDays > r.FreezeAge
	log.Debug().Str("file", p).Time("atime", atime).Int("age_days", ageDays).Int("freeze_age", r.FreezeAge).
		Bool("cold", cold).Msg("freeze staleness check")
	return cold, nil
}
