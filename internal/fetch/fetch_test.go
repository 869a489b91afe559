// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fetch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bpkg/bpkg/bps"
)

func testTransport(t *testing.T) (*Transport, string) {
	t.Helper()
	repoDir := t.TempDir()
	tr := &Transport{
		CacheDir: filepath.Join(t.TempDir(), "cache"),
		Repos:    map[string]string{"primary": repoDir},
	}
	return tr, repoDir
}

func remotePkg(repoPath string, size int64) *bps.Package {
	return &bps.Package{
		UID:      "tool",
		Name:     "tool",
		Version:  "1.0",
		Digest:   "0123456789abcdef",
		Type:     bps.Remote,
		RepoName: "primary",
		RepoPath: repoPath,
		Size:     size,
	}
}

func TestCachedPath(t *testing.T) {
	tr, _ := testTransport(t)
	p := remotePkg("All/tool-1.0.pkg", 0)

	got := tr.CachedPath(p)
	want := filepath.Join(tr.CacheDir, "tool-1.0~01234567.pkg")
	if got != want {
		t.Errorf("CachedPath = %q, want %q", got, want)
	}
}

func TestFetchPackage(t *testing.T) {
	tr, repoDir := testTransport(t)

	payload := []byte("archive bytes")
	src := filepath.Join(repoDir, "All", "tool-1.0.pkg")
	if err := os.MkdirAll(filepath.Dir(src), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, payload, 0644); err != nil {
		t.Fatal(err)
	}

	p := remotePkg("All/tool-1.0.pkg", int64(len(payload)))
	if err := tr.FetchPackage(context.Background(), p); err != nil {
		t.Fatalf("FetchPackage: %v", err)
	}

	got, err := os.ReadFile(tr.CachedPath(p))
	if err != nil {
		t.Fatalf("reading cached archive: %v", err)
	}
	if string(got) != string(payload) {
		t.Error("cached archive does not match the repository copy")
	}

	// A second fetch is a no-op on a complete cached archive.
	if err := os.Remove(src); err != nil {
		t.Fatal(err)
	}
	if err := tr.FetchPackage(context.Background(), p); err != nil {
		t.Errorf("refetch of cached archive: %v", err)
	}
}

func TestMirrorPackage(t *testing.T) {
	tr, repoDir := testTransport(t)

	src := filepath.Join(repoDir, "All", "tool-1.0.pkg")
	if err := os.MkdirAll(filepath.Dir(src), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	p := remotePkg("All/tool-1.0.pkg", 1)
	if err := tr.MirrorPackage(context.Background(), p, dest); err != nil {
		t.Fatalf("MirrorPackage: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "All", "tool-1.0.pkg")); err != nil {
		t.Errorf("mirrored archive missing: %v", err)
	}
}

func TestPurgeCache(t *testing.T) {
	tr, _ := testTransport(t)
	if err := os.MkdirAll(tr.CacheDir, 0755); err != nil {
		t.Fatal(err)
	}

	keepFile := filepath.Join(tr.CacheDir, "tool-1.0~01234567.pkg")
	dropFile := filepath.Join(tr.CacheDir, "gone-0.9~deadbeef.pkg")
	for _, f := range []string{keepFile, dropFile} {
		if err := os.WriteFile(f, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	err := tr.PurgeCache(func(tag string) bool { return tag == "01234567" })
	if err != nil {
		t.Fatalf("PurgeCache: %v", err)
	}

	if _, err := os.Stat(keepFile); err != nil {
		t.Error("kept archive was purged")
	}
	if _, err := os.Stat(dropFile); !os.IsNotExist(err) {
		t.Error("stale archive survived the purge")
	}
}
