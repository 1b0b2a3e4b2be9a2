package repo

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// RemoteFile is one normalized remote listing entry.
type RemoteFile struct {
	Path    string    `json:"Path"`
	Size    int64     `json:"Size,omitempty"`
	ModTime time.Time `json:"ModTime,omitzero"`
}

// TreeEntry is a remote entry annotated with local presence.
type TreeEntry struct {
	Path    string `json:"Path"`
	Missing bool   `json:"missing"`
}

// ListOptions control the shape of a remote listing.
type ListOptions struct {
	// MaxDepth restricts recursion; 0 lists everything.
	MaxDepth int
	// Missing keeps only entries absent from the local filesystem.
	Missing bool
	// FromRoot returns paths relative to the repository root instead of the
	// queried path.
	FromRoot bool
	// Full keeps size and modification time on each entry.
	Full bool
}

// RemoteList enumerates the remote entries under localPath, normalized:
// directories dropped, rclone symlink suffixes stripped, paths leaf-relative
// unless FromRoot.
func (r *Repo) RemoteList(ctx context.Context, localPath string, opts ListOptions) ([]RemoteFile, error) {
	remote, err := r.Backend.Resolve(ctx, r.runner)
	if err != nil {
		return nil, err
	}
	rel := r.RelativePath(localPath)

	entries, err := r.runner.List(ctx, remote, rel, opts.MaxDepth)
	if err != nil {
		return nil, err
	}

	// A lone file entry means localPath named the file itself; root-relative
	// paths must then be built from its parent directory.
	prefix := rel
	if len(entries) == 1 && !entries[0].IsDir {
		prefix = path.Dir(rel)
	}

	files := make([]RemoteFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		p := stripLinkSuffix(e.Path)
		if opts.FromRoot {
			p = path.Join(prefix, p)
		}
		f := RemoteFile{Path: p}
		if opts.Full {
			f.Size = e.Size
			f.ModTime = e.ModTime
		}
		files = append(files, f)
	}

	if opts.Missing {
		files, err = r.missingOnly(localPath, files, opts)
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

// RemoteTree lists remote entries under localPath and flags the ones missing
// locally.
func (r *Repo) RemoteTree(ctx context.Context, localPath string, maxDepth int) ([]TreeEntry, error) {
	files, err := r.RemoteList(ctx, localPath, ListOptions{MaxDepth: maxDepth})
	if err != nil {
		return nil, err
	}
	local, err := localFileSet(localPath, maxDepth)
	if err != nil {
		return nil, err
	}
	tree := make([]TreeEntry, 0, len(files))
	for _, f := range files {
		_, present := local[f.Path]
		tree = append(tree, TreeEntry{Path: f.Path, Missing: !present})
	}
	return tree, nil
}

// missingOnly filters the listing down to entries with no local counterpart.
func (r *Repo) missingOnly(localPath string, files []RemoteFile, opts ListOptions) ([]RemoteFile, error) {
	info, err := os.Stat(localPath)
	if err == nil && !info.IsDir() {
		// The queried path is a local file: it exists, so nothing is missing.
		return []RemoteFile{}, nil
	}

	local, err := localFileSet(localPath, opts.MaxDepth)
	if err != nil {
		return nil, err
	}
	if opts.FromRoot {
		rel := r.RelativePath(localPath)
		prefixed := make(map[string]struct{}, len(local))
		for p := range local {
			prefixed[path.Join(rel, p)] = struct{}{}
		}
		local = prefixed
	}

	missing := make([]RemoteFile, 0, len(files))
	for _, f := range files {
		if _, present := local[f.Path]; !present {
			missing = append(missing, f)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Path < missing[j].Path })
	return missing, nil
}

// localFileSet walks localPath up to maxDepth levels (0 = unlimited) and
// returns the set of relative file paths.
func localFileSet(root string, maxDepth int) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	info, err := os.Stat(root)
	if os.IsNotExist(err) {
		return set, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		set[filepath.Base(root)] = struct{}{}
		return set, nil
	}

	err = filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		if info.IsDir() {
			if maxDepth > 0 && rel != "." && strings.Count(rel, string(filepath.Separator))+1 >= maxDepth {
				return filepath.SkipDir
			}
			return nil
		}
		set[rel] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}
