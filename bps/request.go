// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bps

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// jobPattern is one user-supplied target: a match pattern, or a package
// archive sitting on disk.
type jobPattern struct {
	pattern string
	path    string
	match   MatchKind
	file    bool
}

// requestItem points one request candidate into the universe.
type requestItem struct {
	pkg  *Package
	unit *Item
	jp   *jobPattern
}

// request is the per-uid entry of the add or delete side of a request. skip
// disables the entry for the encoder and later passes.
type request struct {
	items     []*requestItem
	skip      bool
	processed bool
	automatic bool
}

func sortedRequestUIDs(m map[string]*request) []string {
	uids := make([]string, 0, len(m))
	for uid := range m {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}

// archive suffixes accepted as file targets.
var packageSuffixes = []string{".pkg", ".tzst", ".txz", ".tbz", ".tgz", ".tar"}

// maybeMatchFile recognises a pattern naming a package archive and rewrites
// jp accordingly.
func maybeMatchFile(jp *jobPattern, pattern string) bool {
	ext := filepath.Ext(pattern)
	for _, suffix := range packageSuffixes {
		if ext != suffix {
			continue
		}
		abs, err := filepath.Abs(pattern)
		if err != nil {
			return false
		}
		jp.file = true
		jp.path = abs
		jp.pattern = strings.TrimSuffix(pattern, ext)
		return true
	}
	if pattern == "-" {
		jp.file = true
		jp.path = pattern
		jp.pattern = pattern
		return true
	}
	return false
}

// AddPatterns appends the user's target patterns to the request. An empty
// argv with MatchAll adds the match-everything pattern.
func (j *Jobs) AddPatterns(match MatchKind, argv ...string) error {
	if j.solved > 0 {
		return errors.New("the job has already been solved; impossible to append new elements")
	}

	for _, arg := range argv {
		jp := &jobPattern{}
		if j.isDelete() || !maybeMatchFile(jp, arg) {
			jp.pattern = arg
			jp.match = match
		}
		j.patterns = append(j.patterns, jp)
	}

	if len(argv) == 0 && match == MatchAll {
		j.patterns = append(j.patterns, &jobPattern{match: MatchAll})
	}
	return nil
}

// addReqFromUniverse records a request entry for the chain, keeping only the
// local (for delete requests) or non-local side of each chain member.
func (j *Jobs) addReqFromUniverse(head map[string]*request, chain []*Item, local, automatic bool) *requestItem {
	if len(chain) == 0 {
		return nil
	}
	uid := chain[0].Pkg.UID

	req, ok := head[uid]
	newReq := false
	if !ok {
		req = &request{automatic: automatic}
		newReq = true
		j.debugf(4, "add new uid %s to the request", uid)
	} else if len(req.items) > 0 && req.items[0].unit == chain[0] {
		// Exactly the same request; nothing to do.
		return req.items[0]
	}

	for _, uit := range chain {
		if (uit.Pkg.Type == Installed) != local {
			continue
		}
		req.items = append(req.items, &requestItem{pkg: uit.Pkg, unit: uit})
	}

	if newReq {
		if len(req.items) == 0 {
			return nil
		}
		head[uid] = req
	}
	return req.items[0]
}

// addReq adds a single package to the appropriate request side, entering it
// into the universe first. Locked packages are reported and refused.
func (j *Jobs) addReq(pkg *Package) *requestItem {
	head := j.requestAdd
	local := false
	if j.isDelete() {
		head = j.requestDelete
		local = true
	}

	j.debugf(4, "universe: add package %s-%s to the request", pkg.Name, pkg.Version)
	un, err := j.universe.Add(pkg)
	if err != nil {
		if errors.Cause(err) != errEndOfChain {
			return nil
		}
		// A package with the same digest is already known: the two upgrade
		// candidates are equal. Reuse whatever request chain exists.
		if req, ok := head[pkg.UID]; ok {
			for _, nit := range req.items {
				if nit.unit == un {
					return nit
				}
			}
			return nil
		}
		return j.addReqFromUniverse(head, j.universe.Find(un.Pkg.UID), local, false)
	}

	if pkg.Locked {
		j.sink.Emit(LockedEvent{Pkg: pkg})
		return nil
	}

	req, ok := head[pkg.UID]
	if !ok {
		req = &request{}
		head[pkg.UID] = req
	}
	nit := &requestItem{pkg: pkg, unit: un}
	req.items = append(req.items, nit)
	return nit
}

// processAddRequest walks dependencies of every added item, pulls their
// upgrade candidates into the universe and adds any with a remote candidate
// to the add set with automatic set. Runs to fixpoint over a work queue;
// this is where upgrade-of-dependencies is materialised.
func (j *Jobs) processAddRequest() error {
	upgrade := j.Type == JobsUpgrade
	reverse := j.flags&FlagRecursive != 0
	force := j.flags&FlagForce != 0

	if !upgrade && !reverse {
		return nil
	}

	var toProcess [][]*Item
	for _, uid := range sortedRequestUIDs(j.requestAdd) {
		req := j.requestAdd[uid]
		if len(req.items) == 0 {
			continue
		}

		// Only local packages have fully expanded dependency lists.
		lp, err := j.universe.GetLocal(req.items[0].pkg.UID, 0)
		if err != nil {
			return err
		}
		if lp == nil {
			continue
		}

		deps := lp.Deps
		if reverse {
			deps = lp.Rdeps
		}
		for i := range deps {
			d := &deps[i]
			if _, ok := j.requestAdd[d.UID]; ok {
				continue
			}
			j.debugf(4, "adding dependency %s to request", d.UID)
			dlp, err := j.universe.GetLocal(d.UID, 0)
			if err != nil {
				return err
			}
			chain, err := j.universe.UpgradeCandidates(d.UID, dlp, force, "")
			if err != nil {
				return err
			}
			if chain == nil {
				continue
			}
			for _, cur := range chain {
				if cur.Pkg.Type != Installed {
					toProcess = append(toProcess, chain)
					break
				}
			}
		}
	}

	for _, chain := range toProcess {
		j.addReqFromUniverse(j.requestAdd, chain, false, true)
	}
	if len(toProcess) > 0 {
		return j.processAddRequest()
	}
	return nil
}

// processDeleteRequest transitively adds reverse dependencies of every
// delete target. A locked reverse dependency makes the request unsolvable.
func (j *Jobs) processDeleteRequest() error {
	if j.flags&FlagForce != 0 {
		return nil
	}

	var toProcess []*Package
	var rc error
	for _, uid := range sortedRequestUIDs(j.requestDelete) {
		req := j.requestDelete[uid]
		if len(req.items) == 0 {
			continue
		}
		for i := range req.items[0].pkg.Rdeps {
			d := &req.items[0].pkg.Rdeps[i]
			if _, ok := j.requestDelete[d.UID]; ok {
				continue
			}
			lp, err := j.universe.GetLocal(d.UID, LoadBasic|LoadDeps|LoadRdeps)
			if err != nil {
				return err
			}
			if lp == nil {
				continue
			}
			if lp.Locked {
				j.emitError("%s is locked, cannot delete %s", lp.Name, req.items[0].pkg.Name)
				rc = codedErrorf(CodeFatal, "%s is locked, cannot delete %s",
					lp.Name, req.items[0].pkg.Name)
			}
			toProcess = append(toProcess, lp)
		}
	}
	if rc != nil {
		return rc
	}

	for _, lp := range toProcess {
		if j.addReq(lp) == nil {
			return codedErrorf(CodeFatal, "cannot add %s to the delete request", lp.Name)
		}
	}
	if len(toProcess) > 0 {
		return j.processDeleteRequest()
	}
	return nil
}

// testAutomatic reports whether p and its whole reverse-dependency closure
// carry the automatic flag, making p an autoremove candidate.
func (j *Jobs) testAutomatic(p *Package) bool {
	for i := range p.Rdeps {
		d := &p.Rdeps[i]
		var npkg *Package

		if chain := j.universe.Find(d.UID); chain != nil {
			npkg = chain[0].Pkg
			if !npkg.Automatic {
				return false
			}
		} else {
			lp, err := j.universe.GetLocal(d.UID, LoadBasic|LoadRdeps|LoadAnnotations)
			if err != nil || lp == nil {
				return false
			}
			if !lp.Automatic {
				return false
			}
			if err := j.universe.Process(lp); err != nil {
				return false
			}
			npkg = lp
		}

		if !j.testAutomatic(npkg) {
			return false
		}
	}
	return true
}

// processRemotePkg enters the remote candidate rp into the universe and the
// add request. A locked local counterpart refuses the whole pattern.
func (j *Jobs) processRemotePkg(rp *Package, withVersion bool) (*requestItem, error) {
	if rp.Digest == "" {
		rp.Digest = computeDigest(rp)
	}

	var lp *Package
	var err error
	if j.Type != JobsFetch {
		lp, err = j.universe.GetLocal(rp.UID, 0)
		if err != nil {
			return nil, err
		}
		if lp != nil && lp.Locked {
			j.sink.Emit(LockedEvent{Pkg: lp})
			return nil, codedErrorf(CodeLocked, "%s is locked", lp.Name)
		}
	}

	version := ""
	if withVersion {
		version = rp.Version
	}
	chain, err := j.universe.UpgradeCandidates(rp.UID, lp, j.flags&FlagForce != 0, version)
	if err != nil {
		return nil, err
	}

	var nrit *requestItem
	if chain != nil {
		nrit = j.addReqFromUniverse(j.requestAdd, chain, false, false)
	}

	if nrit == nil && lp != nil {
		return nil, coded(CodeInstalled)
	}
	if nrit == nil {
		return nil, coded(CodeFatal)
	}
	return nrit, nil
}

// installedLocalPkg reports whether a package with pkg's name is installed.
func (j *Jobs) installedLocalPkg(pkg *Package) bool {
	pkgs, err := j.store.Query(pkg.Name, MatchInternal)
	return err == nil && len(pkgs) > 0
}

func (j *Jobs) checkLocalPkg(jp *jobPattern) bool {
	pkgs, err := j.store.Query(jp.pattern, jp.match)
	return err == nil && len(pkgs) > 0
}

// tryRemoteCandidate looks for a remote replacement under a different name
// and, on a hit, records the uid replacement for the store rewrite.
func (j *Jobs) tryRemoteCandidate(oldUID, pattern string, m MatchKind) error {
	pkgs, err := j.store.RepoQuery(pattern, m, j.reponames)
	if err != nil {
		return errors.Wrapf(err, "querying replacement candidate %s", pattern)
	}

	for _, p := range pkgs {
		if j.universe.hasReplacement(p.UID) {
			j.debugf(1, "replacement %s is already used", p.UID)
			continue
		}
		if _, err := j.processRemotePkg(p, false); err != nil {
			continue
		}
		j.universe.noteReplacement(oldUID, p.UID)
		return nil
	}
	return coded(CodeFatal)
}

// guessUpgradeCandidate searches for a renamed upgrade candidate: first the
// origin's trailing segment, then the name stripped of any version-ish
// digit suffix, finally a regexp allowing new trailing digits.
func (j *Jobs) guessUpgradeCandidate(pattern string) error {
	pos := pattern
	if i := strings.IndexByte(pattern, '/'); i >= 0 && i+1 < len(pattern) {
		if j.tryRemoteCandidate(pattern, pattern[i+1:], MatchInternal) == nil {
			return nil
		}
		pos = pattern[i+1:]
	}

	trimmed := strings.TrimRight(pos, "0123456789.")
	if trimmed == pos || trimmed == "" {
		return coded(CodeFatal)
	}
	if j.tryRemoteCandidate(pattern, trimmed, MatchInternal) == nil {
		return nil
	}
	return j.tryRemoteCandidate(pattern, "^"+trimmed+"[0-9.]*$", MatchRegex)
}

// findUpgrade expands one pattern through the repositories into the add
// request. Unmatched local packages that no installed package depends on
// fall back to replacement guessing.
func (j *Jobs) findUpgrade(pattern string, m MatchKind) error {
	remotes, err := j.store.RepoQuery(pattern, m, j.reponames)
	if err != nil {
		return errors.Wrapf(err, "querying repositories for %s", pattern)
	}

	// Pattern matches may pull in packages that are not installed; for
	// upgrades those are silently irrelevant. MatchExact patterns are not
	// filtered; findRemotePattern reports a MatchInternal upgrade pattern
	// whose package is missing locally; MatchAll never reaches here from an
	// upgrade.
	checklocal := j.Type == JobsUpgrade && m != MatchExact && m != MatchAll

	found := false
	var rc error
	for _, rp := range remotes {
		if checklocal && !j.installedLocalPkg(rp) {
			continue
		}
		withVersion := pattern != "" && rp.Name != pattern
		_, rc = j.processRemotePkg(rp, withVersion)
		if IsCode(rc, CodeLocked) {
			return rc
		}
		if rc == nil {
			found = true
		} else if IsCode(rc, CodeFatal) {
			break
		}
	}

	if found || IsCode(rc, CodeInstalled) {
		if found {
			return nil
		}
		return rc
	}

	// Nothing matched remotely. If the local package has installed reverse
	// dependencies we must keep it; otherwise try to guess a renamed
	// replacement.
	p, err := j.universe.GetLocal(pattern, LoadBasic|LoadRdeps)
	if err != nil {
		return err
	}
	if p == nil {
		if rc != nil {
			return rc
		}
		return coded(CodeFatal)
	}

	for i := range p.Rdeps {
		rdep, err := j.universe.GetLocal(p.Rdeps[i].UID, LoadBasic)
		if err != nil {
			return err
		}
		if rdep != nil {
			return coded(CodeEnd)
		}
	}

	j.debugf(2, "non-automatic package with pattern %s has not been found in remote repo", pattern)
	if _, err := j.universe.Add(p); err != nil && errors.Cause(err) != errEndOfChain {
		return err
	}
	return j.guessUpgradeCandidate(pattern)
}

// findRemotePattern resolves one pattern of an install/upgrade request.
func (j *Jobs) findRemotePattern(jp *jobPattern) error {
	if !jp.file {
		if j.Type == JobsUpgrade && jp.match == MatchInternal && !j.checkLocalPkg(jp) {
			j.emitError("%s is not installed, therefore upgrade is impossible", jp.pattern)
			return codedErrorf(CodeNotInstalled,
				"%s is not installed, therefore upgrade is impossible", jp.pattern)
		}
		return j.findUpgrade(jp.pattern, jp.match)
	}

	if j.FileLoader == nil {
		return codedErrorf(CodeFatal, "cannot load %s: no file loader configured", jp.path)
	}
	pkg, err := j.FileLoader(jp.path)
	if err != nil {
		j.emitError("cannot load %s: invalid format", jp.pattern)
		return errors.Wrapf(err, "loading %s", jp.path)
	}
	if j.Type == JobsUpgrade && !j.installedLocalPkg(pkg) {
		j.emitError("%s is not installed, therefore upgrade is impossible", pkg.Name)
		return codedErrorf(CodeNotInstalled,
			"%s is not installed, therefore upgrade is impossible", pkg.Name)
	}
	pkg.Type = File
	nit := j.addReq(pkg)
	if nit != nil {
		nit.jp = jp
	}
	return nil
}

// propagateAutomatic spreads the automatic flag across the universe: lone
// remote chains requested by nobody become automatic, and chains with a
// local member inherit its flag on every remote member.
func (j *Jobs) propagateAutomatic() {
	for _, uid := range j.universe.UIDs() {
		chain := j.universe.Find(uid)
		if len(chain) == 1 {
			unit := chain[0]
			req, requested := j.requestAdd[uid]
			if (!requested || req.automatic) && unit.Pkg.Type != Installed {
				j.debugf(2, "set automatic flag for %s", uid)
				unit.Pkg.Automatic = true
			} else if j.Type == JobsInstall {
				unit.Pkg.Automatic = false
			}
			continue
		}

		var local *Item
		for _, cur := range chain {
			if cur.Pkg.Type == Installed {
				local = cur
				break
			}
		}
		if local != nil {
			for _, cur := range chain {
				if cur.Pkg.Type != Installed {
					cur.Pkg.Automatic = local.Pkg.Automatic
				}
			}
			continue
		}

		req, requested := j.requestAdd[uid]
		if !requested || req.automatic {
			j.debugf(2, "set automatic flag for %s", uid)
			for _, cur := range chain {
				cur.Pkg.Automatic = true
			}
		}
	}
}

// deinstallRequestDepth caps the dependency walk used for deinstall reasons;
// deeper graphs are assumed circular.
const deinstallRequestDepth = 128

// findDeinstallRequest locates the delete-request entry that pulled item
// into the job, walking dependencies when the item itself was not requested.
func (j *Jobs) findDeinstallRequest(item *Item, depth int) *request {
	if depth > deinstallRequestDepth {
		j.debugf(2, "cannot find deinstall request after %d iterations for %s, "+
			"circular dependency maybe", deinstallRequestDepth, item.Pkg.UID)
		return nil
	}

	if found, ok := j.requestDelete[item.Pkg.UID]; ok {
		return found
	}
	for i := range item.Pkg.Deps {
		depChain := j.universe.Find(item.Pkg.Deps[i].UID)
		if depChain == nil {
			continue
		}
		if found := j.findDeinstallRequest(depChain[0], depth+1); found != nil {
			return found
		}
	}
	return nil
}

// setDeinstallReasons annotates every delete victim with the requested
// package that doomed it.
func (j *Jobs) setDeinstallReasons() {
	for _, sit := range j.jobs {
		req := j.findDeinstallRequest(sit.Items[0], 0)
		if req == nil || len(req.items) == 0 || req.items[0].unit == sit.Items[0] {
			continue
		}
		reqPkg := req.items[0].pkg
		sit.Items[0].Pkg.Reason = "depends on " + reqPkg.String()
	}
}
