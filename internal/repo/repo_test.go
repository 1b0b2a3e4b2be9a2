package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"coldstore/internal/rclone"
)

type listCall struct {
	rel      string
	maxDepth int
}

type copyCall struct {
	rel  string
	dest string
	opts rclone.CopyOptions
}

// fakeRunner stands in for the rclone binary.
type fakeRunner struct {
	entries []rclone.Entry
	listErr error

	copyRes rclone.CopyResult
	copyErr error
	// copyFn, when set, materializes files like a real transfer would.
	copyFn func(dest string, opts rclone.CopyOptions) (rclone.CopyResult, error)

	lists  []listCall
	copies []copyCall
}

func (f *fakeRunner) Obscure(ctx context.Context, secret string) (string, error) {
	return "obscured-" + secret, nil
}

func (f *fakeRunner) List(ctx context.Context, remote rclone.Remote, rel string, maxDepth int) ([]rclone.Entry, error) {
	f.lists = append(f.lists, listCall{rel: rel, maxDepth: maxDepth})
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.entries, nil
}

func (f *fakeRunner) Copy(ctx context.Context, remote rclone.Remote, rel, dest string, opts rclone.CopyOptions) (rclone.CopyResult, error) {
	f.copies = append(f.copies, copyCall{rel: rel, dest: dest, opts: opts})
	if f.copyFn != nil {
		return f.copyFn(dest, opts)
	}
	return f.copyRes, f.copyErr
}

func testRepos(t *testing.T, runner Runner, extraConf string) (*Repos, string) {
	t.Helper()
	root := t.TempDir()
	conf := fmt.Sprintf(`%s:
  backend: sftp
  url: remote.example.org:/data
  user: alice
  password: secret
%s`, root, extraConf)
	rs, err := Parse([]byte(conf), runner, LoadOptions{})
	if err != nil {
		t.Fatalf("parse repos: %v", err)
	}
	// the temp dir may itself sit behind a symlink
	r, err := rs.ForPath(mustCanonical(t, root))
	if err != nil {
		t.Fatalf("repo for root: %v", err)
	}
	return rs, r.LocalPath
}

func mustCanonical(t *testing.T, p string) string {
	t.Helper()
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		t.Fatalf("eval symlinks: %v", err)
	}
	return resolved
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func ageFile(t *testing.T, path string, atime, mtime time.Time) {
	t.Helper()
	if err := os.Chtimes(path, atime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func TestPullDirectoryPassesExcludesToCopy(t *testing.T) {
	runner := &fakeRunner{
		entries: []rclone.Entry{
			{Path: "a.txt", Size: 13},
			{Path: "sub", IsDir: true},
		},
		copyRes: rclone.CopyResult{Copied: []string{"a.txt", "sub/b.txt"}, Bytes: 21},
	}
	rs, root := testRepos(t, runner, "  exclude: \"*.xml\"\n")

	r, err := rs.ForPath(root)
	if err != nil {
		t.Fatalf("for path: %v", err)
	}
	res, err := r.Pull(context.Background(), root, false)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if res.Bytes != 21 || len(res.Files) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(runner.copies) != 1 {
		t.Fatalf("expected one copy invocation, got %d", len(runner.copies))
	}
	call := runner.copies[0]
	if call.opts.Single {
		t.Fatalf("directory pull must not use single-file mode")
	}
	if len(call.opts.Excludes) != 1 || call.opts.Excludes[0] != "*.xml" {
		t.Fatalf("excludes not forwarded: %+v", call.opts.Excludes)
	}
}

func TestPullSingleExcludedSkipsTransfer(t *testing.T) {
	runner := &fakeRunner{
		entries: []rclone.Entry{{Path: "report.xml", Size: 5}},
	}
	rs, root := testRepos(t, runner, "  exclude: \"*.xml\"\n")
	r, _ := rs.ForPath(root)

	res, err := r.Pull(context.Background(), filepath.Join(root, "report.xml"), false)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(res.Files) != 0 || res.Bytes != 0 {
		t.Fatalf("excluded single file should pull nothing, got %+v", res)
	}
	if len(runner.copies) != 0 {
		t.Fatalf("transfer tool must not be invoked for an excluded single file")
	}
}

func TestPullResetsAccessTime(t *testing.T) {
	runner := &fakeRunner{
		entries: []rclone.Entry{
			{Path: "a.txt"},
			{Path: "sub", IsDir: true},
		},
	}
	runner.copyFn = func(dest string, opts rclone.CopyOptions) (rclone.CopyResult, error) {
		writeFile(t, filepath.Join(dest, "a.txt"), "hello a money")
		return rclone.CopyResult{Copied: []string{"a.txt"}, Bytes: 13}, nil
	}
	rs, root := testRepos(t, runner, "")
	r, _ := rs.ForPath(root)

	if _, err := r.Pull(context.Background(), root, false); err != nil {
		t.Fatalf("pull: %v", err)
	}

	pulled := filepath.Join(root, "a.txt")
	info, err := os.Lstat(pulled)
	if err != nil {
		t.Fatalf("lstat pulled file: %v", err)
	}
	if age := time.Since(atimeOf(info)); age > time.Minute {
		t.Fatalf("atime should be freshly reset, is %v old", age)
	}
}

func TestPullDryRunDoesNotTouchFilesystem(t *testing.T) {
	runner := &fakeRunner{
		entries: []rclone.Entry{{Path: "a.txt"}, {Path: "b", IsDir: true}},
		copyRes: rclone.CopyResult{Copied: []string{"a.txt"}, Bytes: 13},
	}
	rs, root := testRepos(t, runner, "")
	r, _ := rs.ForPath(root)

	res, err := r.Pull(context.Background(), root, true)
	if err != nil {
		t.Fatalf("dry-run pull: %v", err)
	}
	if !runner.copies[0].opts.DryRun {
		t.Fatalf("dry-run flag not forwarded to the transfer tool")
	}
	if len(res.Files) != 1 {
		t.Fatalf("dry-run should still report would-be transfers: %+v", res)
	}
}

func TestPullThenForcedFreezeRoundTrip(t *testing.T) {
	// Pulling a tree and immediately force-freezing it removes exactly the
	// pulled files and reports their summed size.
	now := time.Now()
	runner := &fakeRunner{
		entries: []rclone.Entry{
			{Path: "a.txt", Size: 13, ModTime: now},
			{Path: "sub/b.txt", Size: 8, ModTime: now},
		},
	}
	runner.copyFn = func(dest string, opts rclone.CopyOptions) (rclone.CopyResult, error) {
		writeFile(t, filepath.Join(dest, "a.txt"), "hello a money")
		writeFile(t, filepath.Join(dest, "sub", "b.txt"), "8 bytes!")
		return rclone.CopyResult{Copied: []string{"a.txt", "sub/b.txt"}, Bytes: 21}, nil
	}
	rs, root := testRepos(t, runner, "  freezable: true\n  freeze_age: 3\n")
	r, _ := rs.ForPath(root)

	pulled, err := r.Pull(context.Background(), root, false)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if pulled.Bytes != 21 {
		t.Fatalf("expected 21 pulled bytes, got %d", pulled.Bytes)
	}

	frozen, err := r.Freeze(context.Background(), root, true, false)
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if frozen.Bytes != 21 {
		t.Fatalf("expected 21 reclaimed bytes, got %d", frozen.Bytes)
	}
	if len(frozen.Files) != 2 {
		t.Fatalf("expected both pulled files frozen, got %v", frozen.Files)
	}
	for _, name := range []string{"a.txt", "sub/b.txt"} {
		if _, err := os.Lstat(filepath.Join(root, name)); !os.IsNotExist(err) {
			t.Fatalf("%s should be gone after freeze", name)
		}
	}
}
