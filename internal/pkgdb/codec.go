// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pkgdb

import (
	toml "github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/bpkg/bpkg/bps"
)

// record is the on-disk shape of one package, TOML-encoded into a bolt
// value. File and directory lists ride along for installed packages;
// catalog records carry them only once the archive has been fetched.
type record struct {
	Name     string `toml:"name"`
	UID      string `toml:"uid"`
	Version  string `toml:"version"`
	Origin   string `toml:"origin"`
	Arch     string `toml:"arch"`
	Digest   string `toml:"digest"`
	RepoPath string `toml:"repopath,omitempty"`

	Locked    bool `toml:"locked,omitempty"`
	Automatic bool `toml:"automatic,omitempty"`
	Vital     bool `toml:"vital,omitempty"`

	Size int64 `toml:"size,omitempty"`

	Deps      []depRecord      `toml:"deps,omitempty"`
	Conflicts []conflictRecord `toml:"conflicts,omitempty"`
	Options   []optionRecord   `toml:"options,omitempty"`

	Provides       []string `toml:"provides,omitempty"`
	Requires       []string `toml:"requires,omitempty"`
	ShlibsProvided []string `toml:"shlibs_provided,omitempty"`
	ShlibsRequired []string `toml:"shlibs_required,omitempty"`

	Files []string `toml:"files,omitempty"`
	Dirs  []string `toml:"dirs,omitempty"`
}

type depRecord struct {
	UID     string `toml:"uid"`
	Name    string `toml:"name"`
	Origin  string `toml:"origin,omitempty"`
	Version string `toml:"version,omitempty"`
}

type conflictRecord struct {
	UID    string `toml:"uid"`
	Remote bool   `toml:"remote,omitempty"`
	Digest string `toml:"digest,omitempty"`
}

type optionRecord struct {
	Key   string `toml:"key"`
	Value string `toml:"value"`
}

func encodeRecord(r *record) ([]byte, error) {
	buf, err := toml.Marshal(*r)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode record for %s", r.UID)
	}
	return buf, nil
}

func decodeRecord(data []byte) (*record, error) {
	var r record
	if err := toml.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "failed to decode package record")
	}
	return &r, nil
}

// recordFromPackage flattens a package for storage.
func recordFromPackage(p *bps.Package) *record {
	r := &record{
		Name:           p.Name,
		UID:            p.UID,
		Version:        p.Version,
		Origin:         p.Origin,
		Arch:           p.Arch,
		Digest:         p.Digest,
		RepoPath:       p.RepoPath,
		Locked:         p.Locked,
		Automatic:      p.Automatic,
		Vital:          p.Vital,
		Size:           p.Size,
		Provides:       p.Provides,
		Requires:       p.Requires,
		ShlibsProvided: p.ShlibsProvided,
		ShlibsRequired: p.ShlibsRequired,
		Files:          p.Files,
		Dirs:           p.Dirs,
	}
	for _, d := range p.Deps {
		r.Deps = append(r.Deps, depRecord(d))
	}
	for _, c := range p.Conflicts {
		r.Conflicts = append(r.Conflicts, conflictRecord{
			UID:    c.UID,
			Remote: c.Type == bps.ConflictRemoteRemote,
			Digest: c.Digest,
		})
	}
	for _, o := range p.Options {
		r.Options = append(r.Options, optionRecord(o))
	}
	return r
}

// packageFromRecord inflates a stored record. The type and repository name
// depend on which bucket the record came from.
func packageFromRecord(r *record, typ bps.PackageType, repoName string) *bps.Package {
	p := &bps.Package{
		Name:           r.Name,
		UID:            r.UID,
		Version:        r.Version,
		Origin:         r.Origin,
		Arch:           r.Arch,
		Digest:         r.Digest,
		RepoPath:       r.RepoPath,
		RepoName:       repoName,
		Type:           typ,
		Locked:         r.Locked,
		Automatic:      r.Automatic,
		Vital:          r.Vital,
		Size:           r.Size,
		Provides:       r.Provides,
		Requires:       r.Requires,
		ShlibsProvided: r.ShlibsProvided,
		ShlibsRequired: r.ShlibsRequired,
	}
	for _, d := range r.Deps {
		p.Deps = append(p.Deps, bps.Dep(d))
	}
	for _, c := range r.Conflicts {
		typ := bps.ConflictRemoteLocal
		if c.Remote {
			typ = bps.ConflictRemoteRemote
		}
		p.Conflicts = append(p.Conflicts, bps.Conflict{UID: c.UID, Type: typ, Digest: c.Digest})
	}
	for _, o := range r.Options {
		p.Options = append(p.Options, bps.Option(o))
	}

	p.MarkLoaded(bps.LoadBasic | bps.LoadDeps | bps.LoadOptions | bps.LoadConflicts |
		bps.LoadProvides | bps.LoadRequires | bps.LoadShlibsProvided |
		bps.LoadShlibsRequired | bps.LoadAnnotations)

	if typ == bps.Installed || len(r.Files) > 0 || len(r.Dirs) > 0 {
		p.Files = r.Files
		p.Dirs = r.Dirs
		p.MarkLoaded(bps.LoadFiles | bps.LoadDirs)
	}
	return p
}
