// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bps

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func jobItem(uid, version string, typ PackageType, deps ...string) *Item {
	p := &Package{UID: uid, Name: uid, Version: version, Type: typ}
	for _, d := range deps {
		p.Deps = append(p.Deps, Dep{UID: d, Name: d})
	}
	return &Item{Pkg: p}
}

func newScheduleJobs(t *testing.T, jobs ...*Job) *Jobs {
	t.Helper()
	j, err := NewJobs(JobsParams{Type: JobsInstall, Store: newFakeStore()})
	if err != nil {
		t.Fatalf("NewJobs: %v", err)
	}
	j.jobs = jobs
	return j
}

func TestScheduleDeterministicTiebreak(t *testing.T) {
	mk := func() []*Job {
		return []*Job{
			{Type: JobInstall, Items: [2]*Item{jobItem("zsh", "5.9", Remote)}},
			{Type: JobInstall, Items: [2]*Item{jobItem("bash", "5.2", Remote)}},
			{Type: JobInstall, Items: [2]*Item{jobItem("fish", "3.7", Remote)}},
		}
	}

	j := newScheduleJobs(t, mk()...)
	if err := j.schedule(); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	first := planString(j)

	// Independent jobs come out in uid order, and identically every run.
	want := []string{"install bash-5.2", "install fish-3.7", "install zsh-5.9"}
	if diff := cmp.Diff(want, first); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}

	j2 := newScheduleJobs(t, mk()...)
	if err := j2.schedule(); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if diff := cmp.Diff(first, planString(j2)); diff != "" {
		t.Errorf("schedule is not deterministic (-first +second):\n%s", diff)
	}
}

func TestScheduleDependencyOrder(t *testing.T) {
	app := jobItem("app", "1", Remote, "lib")
	lib := jobItem("lib", "1", Remote)

	j := newScheduleJobs(t,
		&Job{Type: JobInstall, Items: [2]*Item{app}},
		&Job{Type: JobInstall, Items: [2]*Item{lib}},
	)
	if err := j.schedule(); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	want := []string{"install lib-1", "install app-1"}
	if diff := cmp.Diff(want, planString(j)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestScheduleDeleteBeforeConflictingInstall(t *testing.T) {
	oldSide := jobItem("old", "1", Installed)
	oldSide.Pkg.Conflicts = []Conflict{{UID: "new", Type: ConflictRemoteLocal}}
	newSide := jobItem("new", "1", Remote)

	j := newScheduleJobs(t,
		&Job{Type: JobInstall, Items: [2]*Item{newSide}},
		&Job{Type: JobDelete, Items: [2]*Item{oldSide}},
	)
	if err := j.schedule(); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	want := []string{"delete old-1", "install new-1"}
	if diff := cmp.Diff(want, planString(j)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestScheduleSplitsConflictingUpgrade(t *testing.T) {
	newA := jobItem("A", "2", Remote)
	oldA := jobItem("A", "1", Installed)
	oldA.Pkg.Conflicts = []Conflict{{UID: "A", Type: ConflictRemoteLocal}}

	j := newScheduleJobs(t, &Job{Type: JobUpgrade, Items: [2]*Item{newA, oldA}})
	if err := j.schedule(); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	want := []string{"split upgrade delete A-1", "split upgrade install A-2"}
	if diff := cmp.Diff(want, planString(j)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	assertSplitUpgradesPaired(t, j)
}

func TestScheduleCycleWithoutUpgradeIsFatal(t *testing.T) {
	// Two fresh installs that directly depend on each other cannot be
	// ordered and there is no upgrade job to split.
	a := jobItem("a", "1", Remote, "b")
	b := jobItem("b", "1", Remote, "a")

	j := newScheduleJobs(t,
		&Job{Type: JobInstall, Items: [2]*Item{a}},
		&Job{Type: JobInstall, Items: [2]*Item{b}},
	)
	err := j.schedule()
	if !IsCode(err, CodeFatal) {
		t.Fatalf("schedule = %v, want fatal cycle error", err)
	}
}
