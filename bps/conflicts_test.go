// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bps

import "testing"

func TestCheckAllPathsRegistersConflicts(t *testing.T) {
	store := newFakeStore()
	local := store.addLocal(&Package{
		UID: "old", Name: "old", Version: "1", Origin: "misc/old", Arch: "a1",
		Files: []string{"/usr/bin/x"},
	})
	remote := store.addRemote("primary", remotePayloadLoaded(&Package{
		UID: "new", Name: "new", Version: "1", Origin: "misc/new", Arch: "a1",
	}, "/usr/bin/x"))

	j := newTestJobs(t, JobsInstall, store, 0)
	j.conflictItems = newConflictIndex()

	localIt, err := j.universe.Add(local)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	remoteIt, err := j.universe.Add(remote)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	k := pathIndexKey()
	if got := j.checkAllPaths("/usr/bin/x", localIt, k, 0); got != nil {
		t.Fatalf("first insertion returned occupant %s", got.Pkg)
	}
	occupant := j.checkAllPaths("/usr/bin/x", remoteIt, k, 0)
	if occupant != localIt {
		t.Fatalf("second insertion returned %v, want the local occupant", occupant)
	}

	if j.conflictsRegistered != 1 {
		t.Errorf("conflictsRegistered = %d, want 1", j.conflictsRegistered)
	}
	c := remote.ConflictWith("old")
	if c == nil {
		t.Fatal("conflict was not registered on the remote side")
	}
	if c.Type != ConflictRemoteLocal {
		t.Errorf("conflict type = %v, want ConflictRemoteLocal", c.Type)
	}
	if local.ConflictWith("new") == nil {
		t.Error("conflict was not registered on the local side")
	}

	// Exactly one side of a RemoteLocal conflict is the installed one.
	if local.Type != Installed || remote.Type == Installed {
		t.Error("RemoteLocal conflict must pair one installed and one remote package")
	}

	// Probing again must not double-count.
	j.checkAllPaths("/usr/bin/x", remoteIt, k, 0)
	if j.conflictsRegistered != 1 {
		t.Errorf("conflictsRegistered = %d after reprobe, want 1", j.conflictsRegistered)
	}
}

func TestCheckAllPathsSameChain(t *testing.T) {
	store := newFakeStore()
	local := store.addLocal(&Package{
		UID: "tool", Name: "tool", Version: "1", Origin: "misc/tool", Arch: "a1",
		Files: []string{"/usr/bin/tool"},
	})
	remote := store.addRemote("primary", remotePayloadLoaded(&Package{
		UID: "tool", Name: "tool", Version: "2", Origin: "misc/tool", Arch: "a1",
	}, "/usr/bin/tool"))

	j := newTestJobs(t, JobsUpgrade, store, 0)
	j.conflictItems = newConflictIndex()

	localIt, _ := j.universe.Add(local)
	remoteIt, _ := j.universe.Add(remote)

	k := pathIndexKey()
	j.checkAllPaths("/usr/bin/tool", localIt, k, 0)
	if got := j.checkAllPaths("/usr/bin/tool", remoteIt, k, 0); got != nil {
		t.Fatalf("same-uid path probe returned %s, want nil", got.Pkg)
	}

	// An upgrade replacing its own files is not a conflict.
	if j.conflictsRegistered != 0 {
		t.Errorf("conflictsRegistered = %d, want 0", j.conflictsRegistered)
	}
	if local.ConflictWith("tool") != nil {
		t.Error("no conflict may be registered within one upgrade chain")
	}
}

func TestNeedConflictDisjointFiles(t *testing.T) {
	store := newFakeStore()
	p1 := store.addLocal(&Package{
		UID: "a", Name: "a", Version: "1", Origin: "misc/a", Arch: "a1",
		Files: []string{"/usr/bin/a"},
	})
	p2 := store.addRemote("primary", remotePayloadLoaded(&Package{
		UID: "b", Name: "b", Version: "1", Origin: "misc/b", Arch: "a1",
	}, "/usr/bin/b"))

	j := newTestJobs(t, JobsInstall, store, 0)
	if j.needConflict(p1, p2) {
		t.Error("packages with disjoint files must not conflict")
	}
}

func TestResolveRequestConflictsPrefersOriginTail(t *testing.T) {
	store := newFakeStore()
	mainPkg := store.addRemote("primary", &Package{
		UID: "mta", Name: "mta", Version: "1.0", Origin: "mail/mta", Arch: "a1",
		Conflicts: []Conflict{{UID: "mta-ng", Type: ConflictRemoteRemote}},
	})
	altPkg := store.addRemote("primary", &Package{
		UID: "mta-ng", Name: "mta-ng", Version: "9.9", Origin: "mail/mta-alt", Arch: "a1",
		Conflicts: []Conflict{{UID: "mta", Type: ConflictRemoteRemote}},
	})

	j := newTestJobs(t, JobsInstall, store, 0)
	mainIt, _ := j.universe.Add(mainPkg)
	altIt, _ := j.universe.Add(altPkg)
	j.requestAdd["mta"] = &request{items: []*requestItem{{pkg: mainPkg, unit: mainIt}}}
	j.requestAdd["mta-ng"] = &request{items: []*requestItem{{pkg: altPkg, unit: altIt}}}

	if err := j.resolveRequestConflicts(); err != nil {
		t.Fatalf("resolveRequestConflicts: %v", err)
	}

	// The origin of "mta" ends in the requested name; despite the lower
	// version it wins and the partner is skipped.
	if j.requestAdd["mta"].skip {
		t.Error("mta should have been selected")
	}
	if !j.requestAdd["mta-ng"].skip {
		t.Error("mta-ng should have been skipped")
	}
}
