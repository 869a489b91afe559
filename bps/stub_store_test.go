// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bps

import (
	"path"
	"regexp"
	"sort"

	"github.com/pkg/errors"
)

// fakeRepo is one in-memory repository catalog.
type fakeRepo struct {
	name string
	pkgs []*Package
}

// fakeStore is the in-memory PackageStore used throughout the solver tests.
// Returned packages are shared, matching the way the universe owns and
// annotates packages across re-solves.
type fakeStore struct {
	local map[string]*Package
	order []string
	repos []fakeRepo

	replacements []Replacement
	locks        []LockMode
	solverDepth  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{local: make(map[string]*Package)}
}

func (s *fakeStore) addLocal(p *Package) *Package {
	p.Type = Installed
	if p.Digest == "" {
		p.Digest = "local:" + p.UID + "-" + p.Version
	}
	p.MarkLoaded(LoadBasic | LoadDeps | LoadOptions | LoadConflicts | LoadProvides |
		LoadRequires | LoadShlibsProvided | LoadShlibsRequired | LoadAnnotations |
		LoadFiles | LoadDirs)
	s.local[p.UID] = p
	s.order = append(s.order, p.UID)
	return p
}

func (s *fakeStore) addRemote(repo string, p *Package) *Package {
	p.Type = Remote
	p.RepoName = repo
	if p.Digest == "" {
		p.Digest = repo + ":" + p.UID + "-" + p.Version
	}
	p.MarkLoaded(LoadBasic | LoadDeps | LoadOptions | LoadConflicts | LoadProvides |
		LoadRequires | LoadShlibsProvided | LoadShlibsRequired | LoadAnnotations)
	for i := range s.repos {
		if s.repos[i].name == repo {
			s.repos[i].pkgs = append(s.repos[i].pkgs, p)
			return p
		}
	}
	s.repos = append(s.repos, fakeRepo{name: repo, pkgs: []*Package{p}})
	return p
}

// finalize computes reverse dependencies of the installed set.
func (s *fakeStore) finalize() {
	for _, p := range s.local {
		p.Rdeps = nil
	}
	for _, uid := range s.order {
		p := s.local[uid]
		for _, d := range p.Deps {
			if target, ok := s.local[d.UID]; ok {
				target.Rdeps = append(target.Rdeps, Dep{
					UID:     p.UID,
					Name:    p.Name,
					Origin:  p.Origin,
					Version: p.Version,
				})
			}
		}
	}
	for _, p := range s.local {
		p.MarkLoaded(LoadRdeps)
	}
}

func fakeMatch(pattern string, m MatchKind, p *Package) bool {
	switch m {
	case MatchAll:
		return true
	case MatchExact:
		return p.UID == pattern
	case MatchInternal:
		return p.Name == pattern
	case MatchGlob:
		ok, _ := path.Match(pattern, p.Name)
		return ok
	case MatchRegex:
		re, err := regexp.Compile(pattern)
		return err == nil && re.MatchString(p.Name)
	}
	return false
}

func (s *fakeStore) Query(pattern string, m MatchKind) ([]*Package, error) {
	var out []*Package
	for _, uid := range s.order {
		if fakeMatch(pattern, m, s.local[uid]) {
			out = append(out, s.local[uid])
		}
	}
	return out, nil
}

func (s *fakeStore) QueryCond(cond, pattern string, m MatchKind) ([]*Package, error) {
	pkgs, err := s.Query(pattern, m)
	if err != nil {
		return nil, err
	}
	var out []*Package
	for _, p := range pkgs {
		if p.Automatic && !p.Vital {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) RepoQuery(pattern string, m MatchKind, repos []string) ([]*Package, error) {
	var out []*Package
	for _, repo := range s.repos {
		if len(repos) > 0 && !containsString(repos, repo.name) {
			continue
		}
		for _, p := range repo.pkgs {
			if fakeMatch(pattern, m, p) {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) RepoShlibProvide(soname string, repos []string) ([]*Package, error) {
	var out []*Package
	for _, repo := range s.repos {
		if len(repos) > 0 && !containsString(repos, repo.name) {
			continue
		}
		for _, p := range repo.pkgs {
			if p.providesShlib(soname) {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) EnsureLoaded(p *Package, flags LoadFlags) error {
	if p.Loaded(flags) {
		return nil
	}
	if flags&(LoadFiles|LoadDirs) != 0 && p.Type != Installed {
		return errors.Errorf("package %s has no cached payload", p.Name)
	}
	p.MarkLoaded(flags)
	return nil
}

func (s *fakeStore) FilePathOwner(filePath string) (string, bool, error) {
	uids := make([]string, 0, len(s.local))
	for uid := range s.local {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	for _, uid := range uids {
		p := s.local[uid]
		if p.HasFile(filePath) || p.HasDir(filePath) {
			return uid, true, nil
		}
	}
	return "", false, nil
}

func (s *fakeStore) BeginSolver() error { s.solverDepth++; return nil }
func (s *fakeStore) EndSolver() error   { s.solverDepth--; return nil }

func (s *fakeStore) UpgradeLock(mode LockMode) error {
	s.locks = append(s.locks, mode)
	return nil
}

func (s *fakeStore) ReleaseLock(LockMode) error { return nil }

func (s *fakeStore) ApplyReplacements(pairs []Replacement) error {
	s.replacements = append(s.replacements, pairs...)
	return nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// remotePayloadLoaded marks a remote package's file list as already cached,
// letting conflict discovery run without a fetch.
func remotePayloadLoaded(p *Package, files ...string) *Package {
	p.Files = files
	p.MarkLoaded(LoadFiles | LoadDirs)
	return p
}
