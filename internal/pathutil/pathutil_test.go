package pathutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsAncestorOrEqual(t *testing.T) {
	if !IsAncestorOrEqual("/repos/r", "/repos/r") {
		t.Fatalf("a path should be its own ancestor-or-equal")
	}
	if !IsAncestorOrEqual("/repos/r", "/repos/r/sub/file.txt") {
		t.Fatalf("nested file should be inside the root")
	}
	if IsAncestorOrEqual("/repos/a", "/repos/ab") {
		t.Fatalf("/repos/ab must not be treated as inside /repos/a")
	}
	if IsAncestorOrEqual("/repos/r/sub", "/repos/r") {
		t.Fatalf("parent is not inside its child")
	}
	if !IsAncestorOrEqual("/repos/r/", "/repos/r/sub") {
		t.Fatalf("trailing separator on root should not matter")
	}
}

func TestIsStrictDescendant(t *testing.T) {
	if IsStrictDescendant("/repos/r", "/repos/r") {
		t.Fatalf("a path is not its own strict descendant")
	}
	if !IsStrictDescendant("/repos/r", "/repos/r/sub") {
		t.Fatalf("expected strict descendant")
	}
	if IsStrictDescendant("/repos/r/sub", "/repos/r") {
		t.Fatalf("ancestor is not a descendant")
	}
}

func TestRelative(t *testing.T) {
	if got := Relative("/repos/r", "/repos/r/sub/a.txt"); got != "sub/a.txt" {
		t.Fatalf("expected sub/a.txt, got %q", got)
	}
	if got := Relative("/repos/r", "/repos/r"); got != "" {
		t.Fatalf("expected empty remainder for the root itself, got %q", got)
	}
	if got := Relative("/repos/r", "/elsewhere/x"); got != "/elsewhere/x" {
		t.Fatalf("paths outside the root should come back unchanged, got %q", got)
	}
}

func TestCanonicalResolvesSymlinks(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	if err := os.MkdirAll(real, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	gotReal, err := Canonical(real)
	if err != nil {
		t.Fatalf("canonical real: %v", err)
	}
	gotLink, err := Canonical(link)
	if err != nil {
		t.Fatalf("canonical link: %v", err)
	}
	if gotReal != gotLink {
		t.Fatalf("symlinked spellings should canonicalize identically: %q vs %q", gotReal, gotLink)
	}
}

func TestCanonicalMissingLeaf(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "not", "here.txt")
	got, err := Canonical(missing)
	if err != nil {
		t.Fatalf("canonical on missing leaf: %v", err)
	}
	resolvedDir, err := Canonical(dir)
	if err != nil {
		t.Fatalf("canonical dir: %v", err)
	}
	want := filepath.Join(resolvedDir, "not", "here.txt")
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
