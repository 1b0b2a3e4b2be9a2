// Package rclone shells out to the rclone binary for remote listing and
// copying. Credentials are written to an ephemeral config file per invocation
// and never appear in the process argument list unobscured.
package rclone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Entry is one line of `rclone lsjson` output.
type Entry struct {
	Path    string    `json:"Path"`
	Name    string    `json:"Name"`
	Size    int64     `json:"Size"`
	ModTime time.Time `json:"ModTime"`
	IsDir   bool      `json:"IsDir"`
}

// Remote is a fully resolved rclone remote: the config stanza keys, the
// credential flags and the path prefix inside the remote. Built by the
// backend variants in the repo package.
type Remote struct {
	Name   string            // remote and config section name
	Config map[string]string // stanza keys below [Name]
	Flags  []string          // per-invocation credential flags
	Root   string            // path prefix inside the remote
}

func (r Remote) target(rel string) string {
	return r.Name + ":" + path.Join(r.Root, rel)
}

type CopyOptions struct {
	Single   bool // single file target, use copyto
	Excludes []string
	DryRun   bool
}

type CopyResult struct {
	Copied []string
	Bytes  int64
}

type Runner struct {
	Binary string
}

func (r *Runner) binary() string {
	if r.Binary == "" {
		return "rclone"
	}
	return r.Binary
}

// Obscure runs `rclone obscure` over stdin and returns the obscured secret.
func (r *Runner) Obscure(ctx context.Context, secret string) (string, error) {
	cmd := exec.CommandContext(ctx, r.binary(), "obscure", "-")
	cmd.Stdin = strings.NewReader(secret)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("rclone obscure failed: %w (stderr: %s)", err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

// List enumerates remote entries under rel with `rclone lsjson -R`.
// maxDepth 0 means unlimited.
func (r *Runner) List(ctx context.Context, remote Remote, rel string, maxDepth int) ([]Entry, error) {
	cfg, cleanup, err := writeConfig(remote)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	args := []string{"lsjson", "-R", "--config", cfg, remote.target(rel)}
	args = append(args, remote.Flags...)
	if maxDepth > 0 {
		args = append(args, "--max-depth", strconv.Itoa(maxDepth))
	}

	stdout, stderr, err := r.exec(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("rclone lsjson failed for %s: %w (stderr: %s)", remote.target(rel), err, stderr)
	}

	var entries []Entry
	if err := json.Unmarshal(stdout, &entries); err != nil {
		return nil, fmt.Errorf("unparseable lsjson output: %w", err)
	}
	return entries, nil
}

// Copy transfers rel from the remote into dest. Never deletes or overwrites
// local files absent remotely (--ignore-existing), so local-only additions
// survive a pull.
func (r *Runner) Copy(ctx context.Context, remote Remote, rel, dest string, opts CopyOptions) (CopyResult, error) {
	cfg, cleanup, err := writeConfig(remote)
	if err != nil {
		return CopyResult{}, err
	}
	defer cleanup()

	verb := "copy"
	if opts.Single {
		verb = "copyto"
	}
	args := []string{verb, "--links", "--ignore-existing", "-vv", "--config", cfg, remote.target(rel), dest}
	args = append(args, remote.Flags...)
	if !opts.Single {
		// copyto has no --exclude; single-file exclusion is decided by the caller
		for _, ex := range opts.Excludes {
			args = append(args, "--exclude", ex)
		}
	}
	if opts.DryRun {
		args = append(args, "--dry-run")
	}

	_, stderr, err := r.exec(ctx, args)
	if err != nil {
		return CopyResult{}, fmt.Errorf("rclone %s failed for %s: %w (stderr: %s)", verb, remote.target(rel), err, stderr)
	}

	copied, transferred := ParseCopyLog(string(stderr), opts.DryRun)
	return CopyResult{Copied: copied, Bytes: transferred}, nil
}

func (r *Runner) exec(ctx context.Context, args []string) (stdout, stderr []byte, err error) {
	log.Debug().Str("binary", r.binary()).Strs("args", args).Msg("invoking rclone")
	cmd := exec.CommandContext(ctx, r.binary(), args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

func writeConfig(remote Remote) (string, func(), error) {
	f, err := os.CreateTemp("", "rclone-*.conf")
	if err != nil {
		return "", nil, fmt.Errorf("create rclone config: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n", remote.Name)
	keys := make([]string, 0, len(remote.Config))
	for k := range remote.Config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s = %s\n", k, remote.Config[k])
	}
	if _, err := f.WriteString(b.String()); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", nil, fmt.Errorf("write rclone config: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", nil, fmt.Errorf("close rclone config: %w", err)
	}
	return f.Name(), func() { _ = os.Remove(f.Name()) }, nil
}
