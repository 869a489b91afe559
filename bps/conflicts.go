// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bps

import (
	"crypto/rand"
	"encoding/binary"
	"sort"
	"strings"
	"sync"

	"github.com/dchest/siphash"
	"github.com/pkg/errors"
)

// maxCuckooBumps caps key re-derivation on path hash collisions. The
// exhaustive file-overlap comparison has already run by the time a bump is
// considered, so giving up simply leaves the previous occupant in place.
const maxCuckooBumps = 8

// sipKey is the per-process random SipHash-2-4 key for the path index.
type sipKey struct {
	k0, k1 uint64
}

var (
	processSipKey     sipKey
	processSipKeyOnce sync.Once
)

func pathIndexKey() sipKey {
	processSipKeyOnce.Do(func() {
		var buf [16]byte
		if _, err := rand.Read(buf[:]); err == nil {
			processSipKey.k0 = binary.LittleEndian.Uint64(buf[:8])
			processSipKey.k1 = binary.LittleEndian.Uint64(buf[8:])
		}
	})
	return processSipKey
}

// conflictIndex is the path-collision index: one entry per observed 64-bit
// path hash, pointing at the universe item that owns the path.
type conflictIndex struct {
	entries map[uint64]*Item
}

func newConflictIndex() *conflictIndex {
	return &conflictIndex{entries: make(map[uint64]*Item)}
}

// registerConflict adds the mutual conflict entries on both packages.
func (j *Jobs) registerConflict(p1, p2 *Package, path string, typ ConflictType) {
	p1.addConflict(p2.UID, typ)
	p2.addConflict(p1.UID, typ)
	j.debugf(2, "registering conflict between %s and %s on path %s", p1.UID, p2.UID, path)
}

// needConflict decides whether p1 and p2 genuinely collide: both file lists
// must be loadable and share at least one path, and the pair must not be
// registered already. Unloadable sides (an uncached remote, say) are
// silently ignored.
func (j *Jobs) needConflict(p1, p2 *Package) bool {
	if err := j.store.EnsureLoaded(p1, LoadFiles|LoadDirs); err != nil {
		j.debugf(1, "cannot load files from %s and %s to check conflicts", p1.Name, p2.Name)
		return false
	}
	if err := j.store.EnsureLoaded(p2, LoadFiles|LoadDirs); err != nil {
		j.debugf(1, "cannot load files from %s and %s to check conflicts", p1.Name, p2.Name)
		return false
	}

	if p1.ConflictWith(p2.UID) != nil {
		return false
	}

	for _, f := range p1.Files {
		if p2.HasFile(f) || p2.HasDir(f) {
			return true
		}
	}
	return false
}

// registerConflictChains walks the two uid chains and registers every
// genuinely colliding cross pair, typed RemoteLocal or RemoteRemote.
// Local/local pairs are impossible: the installed set is self-consistent.
func (j *Jobs) registerConflictChains(u1, u2 *Item, path string) bool {
	registered := false
	for _, c1 := range j.universe.Find(u1.Pkg.UID) {
		for _, c2 := range j.universe.Find(u2.Pkg.UID) {
			p1, p2 := c1.Pkg, c2.Pkg

			if p1.Type == Installed && p2.Type == Installed {
				continue
			}

			typ := ConflictRemoteRemote
			if p1.Type == Installed || p2.Type == Installed {
				typ = ConflictRemoteLocal
			}

			if j.needConflict(p1, p2) {
				j.registerConflict(p1, p2, path, typ)
				j.conflictsRegistered++
				registered = true
			}
		}
	}
	return registered
}

// checkAllPaths probes the path index for one path of it. On a hit against a
// different uid it either materialises the conflict (returning the previous
// occupant) or, when the hit turns out to be a pure hash collision, bumps
// the first key word cuckoo-style and retries under the new key.
func (j *Jobs) checkAllPaths(path string, it *Item, k sipKey, bumps int) *Item {
	hv := siphash.Hash(k.k0, k.k1, []byte(path))

	occupant, ok := j.conflictItems.entries[hv]
	if !ok {
		j.conflictItems.entries[hv] = it
		return nil
	}

	if occupant == it {
		return nil
	}
	if occupant.Pkg.UID == it.Pkg.UID {
		// Same upgrade chain; just refresh the entry.
		j.conflictItems.entries[hv] = it
		return nil
	}

	if it.Pkg.ConflictWith(occupant.Pkg.UID) != nil || !j.registerConflictChains(it, occupant, path) {
		// Collision, not a conflict: re-key following the cuckoo principle.
		if bumps >= maxCuckooBumps {
			return nil
		}
		j.debugf(2, "found a collision on path %s between %s and %s, key: %d",
			path, it.Pkg.UID, occupant.Pkg.UID, k.k0)
		k.k0++
		return j.checkAllPaths(path, it, k, bumps+1)
	}

	return occupant
}

// checkLocalPath looks path up in the local store to find collisions with
// installed packages that have not entered the universe yet. A hit returns
// the owning local package unless the conflict is already registered.
func (j *Jobs) checkLocalPath(path, uid string) (*Package, error) {
	ownerUID, ok, err := j.store.FilePathOwner(path)
	if err != nil {
		return nil, errors.Wrapf(err, "querying owner of %s", path)
	}
	if !ok || ownerUID == uid {
		return nil, nil
	}

	p, err := j.universe.GetLocal(ownerUID, LoadBasic|LoadFiles|LoadDirs)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	if p.ConflictWith(uid) != nil {
		return nil, nil
	}
	return p, nil
}

// checkChainConflict probes every file and directory path of it against the
// path index and the local store, registering discovered conflicts as it
// goes. Paths the local counterpart already owns are its own to keep.
func (j *Jobs) checkChainConflict(it, local *Item) error {
	k := pathIndexKey()

	paths := make([]string, 0, len(it.Pkg.Files)+len(it.Pkg.Dirs))
	paths = append(paths, it.Pkg.Files...)
	paths = append(paths, it.Pkg.Dirs...)

	for _, path := range paths {
		j.checkAllPaths(path, it, k, 0)

		if local != nil && (local.Pkg.HasFile(path) || local.Pkg.HasDir(path)) {
			continue
		}

		j.debugf(4, "integrity: check path %s of package %s", path, it.Pkg.UID)
		p, err := j.checkLocalPath(path, it.Pkg.UID)
		if err != nil {
			return err
		}
		if p != nil {
			cun, err := j.universe.ProcessItem(p)
			if err != nil {
				return err
			}
			if cun != nil {
				j.registerConflictChains(it, cun, path)
			}
		}
	}
	return nil
}

// appendChain runs path-conflict discovery for every member of it's chain
// against the index, the chain's local member and the local store.
func (j *Jobs) appendChain(it *Item) error {
	if j.conflictItems == nil {
		j.conflictItems = newConflictIndex()
	}

	var local *Item
	for _, cur := range j.universe.Find(it.Pkg.UID) {
		if cur.Pkg.Type == Installed {
			local = cur
			if err := j.store.EnsureLoaded(cur.Pkg, LoadFiles|LoadDirs); err != nil {
				return errors.Wrapf(err, "loading files of %s", cur.Pkg.Name)
			}
			break
		}
	}

	for _, cur := range j.universe.Find(it.Pkg.UID) {
		if cur == local {
			continue
		}
		if err := j.store.EnsureLoaded(cur.Pkg, LoadFiles|LoadDirs); err != nil {
			// The package was never downloaded, so it cannot be installed
			// this run; its paths are of no concern.
			j.debugf(3, "cannot load files from %s to check integrity", cur.Pkg.Name)
			continue
		}
		if err := j.checkChainConflict(cur, local); err != nil {
			return err
		}
	}
	return nil
}

// resolveRequestConflicts disables all but one entry among add-request
// packages that conflict with each other: the entry whose origin's last
// segment equals the requested name wins, otherwise the highest version.
// The choice is deterministic.
func (j *Jobs) resolveRequestConflicts() error {
	for _, uid := range sortedRequestUIDs(j.requestAdd) {
		req := j.requestAdd[uid]
		if req.skip || len(req.items) == 0 {
			continue
		}

		var chain []*request
		for i := range req.items[0].pkg.Conflicts {
			c := &req.items[0].pkg.Conflicts[i]
			if j.universe.Find(c.UID) == nil {
				continue
			}
			if found, ok := j.requestAdd[c.UID]; ok && found != req && !found.skip {
				chain = append(chain, found)
			}
		}
		if len(chain) == 0 {
			continue
		}
		chain = append(chain, req)

		selected := j.resolveConflictChain(req.items[0].pkg, chain)
		for _, elt := range chain {
			if elt != selected {
				elt.skip = true
			}
		}
	}
	return nil
}

func (j *Jobs) resolveConflictChain(reqPkg *Package, chain []*request) *request {
	// Prefer pure origins, where the last element of an origin is the
	// package name.
	for _, elt := range chain {
		origin := elt.items[0].pkg.Origin
		if i := strings.LastIndexByte(origin, '/'); i >= 0 {
			if origin[i+1:] == reqPkg.Name {
				j.debugf(2, "select %s in the chain of conflicts for %s",
					elt.items[0].pkg.Name, reqPkg.Name)
				return elt
			}
		}
	}

	sorted := make([]*request, len(chain))
	copy(sorted, chain)
	sort.SliceStable(sorted, func(a, b int) bool {
		return VersionCompare(sorted[a].items[0].pkg.Version, sorted[b].items[0].pkg.Version) == Greater
	})
	j.debugf(2, "select %s in the chain of conflicts for %s",
		sorted[0].items[0].pkg.Name, reqPkg.Name)
	return sorted[0]
}
