// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fetch implements the cache-directory fetch transport: package
// archives are copied from file-scheme repository roots into the local
// cache, mirrored into arbitrary destination layouts, and purged once no
// catalog references them anymore.
package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
	shutil "github.com/termie/go-shutil"

	"github.com/bpkg/bpkg/bps"
)

// Transport copies archives between repository roots and the cache.
type Transport struct {
	// CacheDir holds fetched archives.
	CacheDir string

	// Repos maps repository names to their root directories.
	Repos map[string]string
}

var _ bps.FetchTransport = (*Transport)(nil)

// digestTag returns the short digest used in cached file names.
func digestTag(digest string) string {
	if len(digest) > 8 {
		return digest[:8]
	}
	return digest
}

// CachedPath returns the cache location for p, whether present or not.
func (t *Transport) CachedPath(p *bps.Package) string {
	name := fmt.Sprintf("%s-%s~%s.pkg", p.Name, p.Version, digestTag(p.Digest))
	return filepath.Join(t.CacheDir, name)
}

// repoPath resolves the source location of p within its repository root.
func (t *Transport) repoPath(p *bps.Package) (string, error) {
	root, ok := t.Repos[p.RepoName]
	if !ok {
		return "", errors.Errorf("unknown repository %q for package %s", p.RepoName, p.Name)
	}
	if p.RepoPath == "" {
		return "", errors.Errorf("package %s has no repository path", p.Name)
	}
	return filepath.Join(root, filepath.FromSlash(p.RepoPath)), nil
}

// FetchPackage copies p into the cache unless an archive of the right size
// is already there.
func (t *Transport) FetchPackage(ctx context.Context, p *bps.Package) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dst := t.CachedPath(p)
	if st, err := os.Stat(dst); err == nil && (p.Size == 0 || st.Size() == p.Size) {
		return nil
	}

	src, err := t.repoPath(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(t.CacheDir, os.ModeDir|os.ModePerm); err != nil {
		return errors.Wrapf(err, "failed to create cache directory %s", t.CacheDir)
	}
	if _, err := shutil.Copy(src, dst, false); err != nil {
		return errors.Wrapf(err, "failed to fetch %s", p.Name)
	}
	return nil
}

// MirrorPackage copies p under dir preserving the repository layout.
func (t *Transport) MirrorPackage(ctx context.Context, p *bps.Package, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := t.repoPath(p)
	if err != nil {
		return err
	}
	dst := filepath.Join(dir, filepath.FromSlash(p.RepoPath))
	if err := os.MkdirAll(filepath.Dir(dst), os.ModeDir|os.ModePerm); err != nil {
		return errors.Wrapf(err, "failed to create mirror directory for %s", p.Name)
	}
	if _, err := shutil.Copy(src, dst, false); err != nil {
		return errors.Wrapf(err, "failed to mirror %s", p.Name)
	}
	return nil
}

// PurgeCache removes cached archives whose digest tag keep does not accept.
func (t *Transport) PurgeCache(keep func(digestTag string) bool) error {
	if _, err := os.Stat(t.CacheDir); os.IsNotExist(err) {
		return nil
	}

	var doomed []string
	err := godirwalk.Walk(t.CacheDir, &godirwalk.Options{
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			name := de.Name()
			tilde := strings.LastIndexByte(name, '~')
			if tilde < 0 || !strings.HasSuffix(name, ".pkg") {
				return nil
			}
			tag := strings.TrimSuffix(name[tilde+1:], ".pkg")
			if !keep(tag) {
				doomed = append(doomed, osPathname)
			}
			return nil
		},
	})
	if err != nil {
		return errors.Wrapf(err, "failed to scan cache directory %s", t.CacheDir)
	}

	for _, path := range doomed {
		if err := os.Remove(path); err != nil {
			return errors.Wrapf(err, "failed to purge %s", path)
		}
	}
	return nil
}
