// Package repo owns the repository set: which local roots are mirrored where,
// the pull executor and the eviction planner operating inside those roots.
package repo

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"coldstore/internal/pathutil"
	"coldstore/internal/rclone"
)

// Runner abstracts the transfer tool. Satisfied by *rclone.Runner; tests
// substitute fakes.
type Runner interface {
	Obscure(ctx context.Context, secret string) (string, error)
	List(ctx context.Context, remote rclone.Remote, rel string, maxDepth int) ([]rclone.Entry, error)
	Copy(ctx context.Context, remote rclone.Remote, rel, dest string, opts rclone.CopyOptions) (rclone.CopyResult, error)
}

// Repo is one configured repository: a canonical local root mirrored on a
// remote backend, plus its eviction policy. Immutable after load.
type Repo struct {
	LocalPath          string
	Backend            Backend
	Exclude            []string
	Freezable          bool
	FreezeAge          int // days
	AutoFreeze         bool
	AutoFreezeInterval int // days
	ChownUID           *int
	ChownGID           *int
	DisableAtimeTest   bool

	runner Runner
}

// Result is the outcome of a pull or freeze: the affected paths and the byte
// total moved or reclaimed.
type Result struct {
	Files []string `json:"files"`
	Bytes int64    `json:"bytes"`
}

// Contains reports whether path lies inside this repository.
func (r *Repo) Contains(path string) bool {
	return pathutil.IsAncestorOrEqual(r.LocalPath, path)
}

// RelativePath strips the repository root from path.
func (r *Repo) RelativePath(path string) string {
	return pathutil.Relative(r.LocalPath, path)
}

// Pull copies path from the remote into the local cache. Local files missing
// remotely are never deleted or overwritten. After a real pull every
// transferred file gets its access time reset to now (the staleness baseline
// the eviction planner measures against) and ownership applied if configured.
func (r *Repo) Pull(ctx context.Context, localPath string, dryRun bool) (Result, error) {
	remote, err := r.Backend.Resolve(ctx, r.runner)
	if err != nil {
		return Result{}, err
	}
	rel := r.RelativePath(localPath)

	single, err := r.remoteIsSingle(ctx, remote, rel)
	if err != nil {
		return Result{}, err
	}
	if single && matchesAny(r.Exclude, rel) {
		log.Info().Str("path", localPath).Msg("single file matches an exclusion glob, skipping pull")
		return Result{Files: []string{}}, nil
	}

	copied, err := r.runner.Copy(ctx, remote, rel, localPath, rclone.CopyOptions{
		Single:   single,
		Excludes: r.Exclude,
		DryRun:   dryRun,
	})
	if err != nil {
		return Result{}, err
	}

	if !dryRun {
		if err := r.touchAtime(localPath); err != nil {
			return Result{}, err
		}
		if err := r.setOwner(localPath); err != nil {
			return Result{}, err
		}
	}
	return Result{Files: copied.Copied, Bytes: copied.Bytes}, nil
}

// remoteIsSingle decides between rclone copy and copyto: a lone remote file
// whose name matches the target leaf is a single-file transfer.
func (r *Repo) remoteIsSingle(ctx context.Context, remote rclone.Remote, rel string) (bool, error) {
	entries, err := r.runner.List(ctx, remote, rel, 1)
	if err != nil {
		return false, err
	}
	return len(entries) == 1 && !entries[0].IsDir && stripLinkSuffix(entries[0].Path) == path.Base(rel), nil
}

// touchAtime resets atime to now on every file under path, leaving mtime
// untouched. Symlinks are not followed.
func (r *Repo) touchAtime(root string) error {
	log.Info().Str("path", root).Msg("resetting access times")
	return eachFile(root, func(p string, info os.FileInfo) error {
		ts := []unix.Timespec{
			unix.NsecToTimespec(time.Now().UnixNano()),
			unix.NsecToTimespec(info.ModTime().UnixNano()),
		}
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, p, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return fmt.Errorf("reset atime on %s: %w", p, err)
		}
		return nil
	})
}

// setOwner applies the configured uid/gid to everything under path.
func (r *Repo) setOwner(root string) error {
	if r.ChownUID == nil && r.ChownGID == nil {
		return nil
	}
	uid, gid := -1, -1
	if r.ChownUID != nil {
		uid = *r.ChownUID
	}
	if r.ChownGID != nil {
		gid = *r.ChownGID
	}
	log.Info().Str("path", root).Int("uid", uid).Int("gid", gid).Msg("changing owner")
	return filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := os.Lchown(p, uid, gid); err != nil {
			return fmt.Errorf("chown %s: %w", p, err)
		}
		return nil
	})
}

// eachFile applies fn to path itself when it is a file, or to every regular
// file below it otherwise.
func eachFile(root string, fn func(string, os.FileInfo) error) error {
	info, err := os.Lstat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return fn(root, info)
	}
	return filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() || info.Mode()&os.ModeSymlink != 0 {
			return fn(p, info)
		}
		return nil
	})
}

// matchesAny checks an exclusion glob list against a root-relative path.
// Patterns match either the whole relative path or its leaf name, so "*.xml"
// excludes nested files too.
func matchesAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := path.Match(pattern, path.Base(rel)); ok {
			return true
		}
	}
	return false
}

const linkSuffix = ".rclonelink"

func stripLinkSuffix(p string) string {
	if len(p) > len(linkSuffix) && p[len(p)-len(linkSuffix):] == linkSuffix {
		return p[:len(p)-len(linkSuffix)]
	}
	return p
}
