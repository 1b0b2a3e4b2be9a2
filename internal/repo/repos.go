package repo

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"coldstore/internal/pathutil"
)

const (
	defaultFreezeAge          = 180 // days
	defaultAutoFreezeInterval = 7   // days
	minPolicyDays             = 2
	maxPolicyDays             = 10000
	maxUnixID                 = 65536
)

type repoConf struct {
	Backend            string `yaml:"backend"`
	URL                string `yaml:"url"`
	Bucket             string `yaml:"bucket"`
	User               string `yaml:"user"`
	Password           string `yaml:"password"`
	Exclude            string `yaml:"exclude"`
	Freezable          bool   `yaml:"freezable"`
	FreezeAge          *int   `yaml:"freeze_age"`
	AutoFreeze         bool   `yaml:"auto_freeze"`
	AutoFreezeInterval *int   `yaml:"auto_freeze_interval"`
	ChownUID           *int   `yaml:"chown_uid"`
	ChownGID           *int   `yaml:"chown_gid"`
	DisableAtimeTest   bool   `yaml:"disable_atime_test"`
}

// Repos is the immutable set of configured repositories.
type Repos struct {
	repos []*Repo
}

// LoadOptions tune repository loading.
type LoadOptions struct {
	// CheckPerms probes each root for writability and atime support. Worker
	// processes need this; API-only and test setups skip it.
	CheckPerms bool
}

// LoadFile reads and validates the repository definitions from a YAML file.
func LoadFile(path string, runner Runner, opts LoadOptions) (*Repos, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read repos file: %w", err)
	}
	return Parse(content, runner, opts)
}

// Parse validates repository definitions: roots are canonicalized (and
// created when absent), duplicates and nested roots rejected, policy knobs
// range-checked. Configuration errors here are fatal, never defaulted away.
func Parse(content []byte, runner Runner, opts LoadOptions) (*Repos, error) {
	var conf map[string]repoConf
	if err := yaml.Unmarshal(content, &conf); err != nil {
		return nil, fmt.Errorf("malformed repository definition: %w", err)
	}
	if len(conf) == 0 {
		return nil, fmt.Errorf("malformed repository definition: no repositories")
	}

	rs := &Repos{}
	for root, c := range conf {
		canonical, err := pathutil.Canonical(root)
		if err != nil {
			return nil, fmt.Errorf("repository root %q: %w", root, err)
		}
		if _, err := os.Stat(canonical); os.IsNotExist(err) {
			log.Warn().Str("path", canonical).Msg("repository directory does not exist, creating it")
			if err := pathutil.EnsureDir(canonical); err != nil {
				return nil, err
			}
		}

		for _, known := range rs.repos {
			if pathutil.IsAncestorOrEqual(known.LocalPath, canonical) || pathutil.IsAncestorOrEqual(canonical, known.LocalPath) {
				return nil, fmt.Errorf("repository %q conflicts with %q", canonical, known.LocalPath)
			}
		}

		r, err := buildRepo(canonical, c, runner)
		if err != nil {
			return nil, err
		}
		if opts.CheckPerms {
			if err := probePerms(r); err != nil {
				return nil, err
			}
		}
		rs.repos = append(rs.repos, r)
	}
	return rs, nil
}

func buildRepo(localPath string, c repoConf, runner Runner) (*Repo, error) {
	if c.Backend == "" {
		return nil, fmt.Errorf("repository %q: missing backend", localPath)
	}
	if c.URL == "" {
		return nil, fmt.Errorf("repository %q: missing url", localPath)
	}
	backend, err := parseBackend(c.Backend, c)
	if err != nil {
		return nil, fmt.Errorf("repository %q: %w", localPath, err)
	}

	r := &Repo{
		LocalPath:          localPath,
		Backend:            backend,
		Freezable:          c.Freezable,
		FreezeAge:          defaultFreezeAge,
		AutoFreeze:         c.Freezable && c.AutoFreeze,
		AutoFreezeInterval: defaultAutoFreezeInterval,
		DisableAtimeTest:   c.DisableAtimeTest,
		runner:             runner,
	}

	if c.Exclude != "" {
		for _, pattern := range strings.Split(c.Exclude, ",") {
			if p := strings.TrimSpace(pattern); p != "" {
				r.Exclude = append(r.Exclude, p)
			}
		}
	}

	if c.FreezeAge != nil {
		if *c.FreezeAge < minPolicyDays || *c.FreezeAge > maxPolicyDays {
			return nil, fmt.Errorf("repository %q: freeze_age must be between %d and %d days", localPath, minPolicyDays, maxPolicyDays)
		}
		r.FreezeAge = *c.FreezeAge
	}
	if c.AutoFreezeInterval != nil {
		if *c.AutoFreezeInterval < minPolicyDays || *c.AutoFreezeInterval > maxPolicyDays {
			return nil, fmt.Errorf("repository %q: auto_freeze_interval must be between %d and %d days", localPath, minPolicyDays, maxPolicyDays)
		}
		r.AutoFreezeInterval = *c.AutoFreezeInterval
	}
	for name, id := range map[string]*int{"chown_uid": c.ChownUID, "chown_gid": c.ChownGID} {
		if id != nil && (*id < 0 || *id > maxUnixID) {
			return nil, fmt.Errorf("repository %q: %s must be a valid id, got %d", localPath, name, *id)
		}
	}
	r.ChownUID = c.ChownUID
	r.ChownGID = c.ChownGID
	return r, nil
}

// probePerms verifies the root is writable and, for freezable repositories,
// that the filesystem actually updates access times.
func probePerms(r *Repo) error {
	f, err := os.CreateTemp(r.LocalPath, ".perm-probe-*")
	if err != nil {
		return fmt.Errorf("repository %q is not writable: %w", r.LocalPath, err)
	}
	name := f.Name()
	defer os.Remove(name)

	if !r.Freezable || r.DisableAtimeTest {
		_ = f.Close()
		return nil
	}

	if _, err := f.WriteString("probe"); err != nil {
		_ = f.Close()
		return fmt.Errorf("repository %q probe write: %w", r.LocalPath, err)
	}
	_ = f.Close()

	before, err := os.Stat(name)
	if err != nil {
		return err
	}
	// atime granularity can be a full second
	time.Sleep(1100 * time.Millisecond)
	if _, err := os.ReadFile(name); err != nil {
		return err
	}
	after, err := os.Stat(name)
	if err != nil {
		return err
	}
	if atimeOf(after).Equal(atimeOf(before)) {
		return fmt.Errorf("repository %q is marked freezable but its filesystem does not track atime", r.LocalPath)
	}
	return nil
}

// All returns every configured repository.
func (rs *Repos) All() []*Repo {
	return rs.repos
}

// ForPath resolves the repository owning path, the one whose root contains it.
// Roots cannot nest, so at most one matches.
func (rs *Repos) ForPath(path string) (*Repo, error) {
	for _, r := range rs.repos {
		if r.Contains(path) {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoRepoForPath, path)
}
