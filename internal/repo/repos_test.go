package repo

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseDefaultsAndKnobs(t *testing.T) {
	root := t.TempDir()
	conf := fmt.Sprintf(`%s:
  backend: sftp
  url: host.example.org:/data/repo
  user: u
  password: p
  exclude: "*.xml, *tmp*"
  freezable: true
  freeze_age: 5
  auto_freeze: true
  auto_freeze_interval: 3
  chown_uid: 1000
  chown_gid: 1000
`, root)
	rs, err := Parse([]byte(conf), &fakeRunner{}, LoadOptions{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	repos := rs.All()
	if len(repos) != 1 {
		t.Fatalf("expected one repo, got %d", len(repos))
	}
	r := repos[0]
	if !r.Freezable || r.FreezeAge != 5 || !r.AutoFreeze || r.AutoFreezeInterval != 3 {
		t.Fatalf("policy knobs not honored: %+v", r)
	}
	if len(r.Exclude) != 2 || r.Exclude[0] != "*.xml" || r.Exclude[1] != "*tmp*" {
		t.Fatalf("exclude list mis-parsed: %v", r.Exclude)
	}
	if r.ChownUID == nil || *r.ChownUID != 1000 {
		t.Fatalf("chown uid mis-parsed")
	}
	sftp, ok := r.Backend.(SftpBackend)
	if !ok {
		t.Fatalf("expected sftp backend, got %T", r.Backend)
	}
	if sftp.Host != "host.example.org" || sftp.Prefix != "/data/repo" {
		t.Fatalf("sftp url mis-parsed: %+v", sftp)
	}
}

func TestParseDefaultsWhenOmitted(t *testing.T) {
	root := t.TempDir()
	conf := fmt.Sprintf(`%s:
  backend: sftp
  url: h:/d
  user: u
  password: p
  freezable: true
`, root)
	rs, err := Parse([]byte(conf), &fakeRunner{}, LoadOptions{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	r := rs.All()[0]
	if r.FreezeAge != defaultFreezeAge || r.AutoFreezeInterval != defaultAutoFreezeInterval {
		t.Fatalf("defaults not applied: %+v", r)
	}
	if r.AutoFreeze {
		t.Fatalf("auto_freeze should default off")
	}
}

func TestParseS3Backend(t *testing.T) {
	root := t.TempDir()
	conf := fmt.Sprintf(`%s:
  backend: s3
  url: https://minio.example.org:9000
  bucket: cache
  user: key
  password: secret
`, root)
	rs, err := Parse([]byte(conf), &fakeRunner{}, LoadOptions{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	s3, ok := rs.All()[0].Backend.(S3Backend)
	if !ok {
		t.Fatalf("expected s3 backend, got %T", rs.All()[0].Backend)
	}
	if s3.Bucket != "cache" || s3.AccessKey != "key" {
		t.Fatalf("s3 backend mis-parsed: %+v", s3)
	}
}

func TestParseRejectsBadDefinitions(t *testing.T) {
	root := t.TempDir()
	cases := map[string]string{
		"unknown backend": fmt.Sprintf("%s:\n  backend: ftp\n  url: h:/d\n  user: u\n  password: p\n", root),
		"missing backend": fmt.Sprintf("%s:\n  url: h:/d\n  user: u\n  password: p\n", root),
		"missing url":     fmt.Sprintf("%s:\n  backend: sftp\n  user: u\n  password: p\n", root),
		"bad sftp url":    fmt.Sprintf("%s:\n  backend: sftp\n  url: nohost\n  user: u\n  password: p\n", root),
		"bad freeze_age":  fmt.Sprintf("%s:\n  backend: sftp\n  url: h:/d\n  user: u\n  password: p\n  freezable: true\n  freeze_age: 1\n", root),
		"bad chown_uid":   fmt.Sprintf("%s:\n  backend: sftp\n  url: h:/d\n  user: u\n  password: p\n  chown_uid: 999999\n", root),
		"s3 no bucket":    fmt.Sprintf("%s:\n  backend: s3\n  url: h\n  user: u\n  password: p\n", root),
		"empty":           "",
	}
	for name, conf := range cases {
		if _, err := Parse([]byte(conf), &fakeRunner{}, LoadOptions{}); err == nil {
			t.Fatalf("%s: expected a load-time error", name)
		}
	}
}

func TestParseRejectsNestedRoots(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "inner")
	conf := fmt.Sprintf(`%s:
  backend: sftp
  url: h:/d
  user: u
  password: p
%s:
  backend: sftp
  url: h:/e
  user: u
  password: p
`, root, nested)
	_, err := Parse([]byte(conf), &fakeRunner{}, LoadOptions{})
	if err == nil || !strings.Contains(err.Error(), "conflicts") {
		t.Fatalf("nested repository roots must be rejected, got %v", err)
	}
}

func TestForPath(t *testing.T) {
	runner := &fakeRunner{}
	rs, root := testRepos(t, runner, "")

	r, err := rs.ForPath(filepath.Join(root, "sub", "deep", "file.txt"))
	if err != nil {
		t.Fatalf("for path: %v", err)
	}
	if r.LocalPath != root {
		t.Fatalf("wrong repo resolved: %s", r.LocalPath)
	}

	if _, err := rs.ForPath("/somewhere/else"); !errors.Is(err, ErrNoRepoForPath) {
		t.Fatalf("expected ErrNoRepoForPath, got %v", err)
	}
}
