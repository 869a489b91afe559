// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bps

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestJobs(t *testing.T, typ JobsType, store *fakeStore, flags Flags) *Jobs {
	t.Helper()
	store.finalize()
	j, err := NewJobs(JobsParams{
		Type:  typ,
		Store: store,
		Flags: flags,
		Repositories: []Repository{
			{Name: "primary", Priority: 0},
			{Name: "extra", Priority: 1},
		},
	})
	if err != nil {
		t.Fatalf("NewJobs: %v", err)
	}
	return j
}

// planString renders the scheduled jobs compactly for comparison.
func planString(j *Jobs) []string {
	var out []string
	for _, job := range j.Plan() {
		switch job.Type {
		case JobUpgrade:
			out = append(out, fmt.Sprintf("%s %s %s->%s", job.Type,
				job.New().Name, job.Old().Version, job.New().Version))
		case JobDelete, JobUpgradeRemove:
			out = append(out, fmt.Sprintf("%s %s-%s", job.Type, job.Old().Name, job.Old().Version))
		default:
			out = append(out, fmt.Sprintf("%s %s-%s", job.Type, job.New().Name, job.New().Version))
		}
	}
	return out
}

func TestSolveSimpleInstallWithDep(t *testing.T) {
	store := newFakeStore()
	store.addRemote("primary", &Package{
		UID: "foo", Name: "foo", Version: "1.0", Origin: "misc/foo", Arch: "a1",
		Deps: []Dep{{UID: "bar", Name: "bar", Origin: "misc/bar", Version: ">=2"}},
	})
	store.addRemote("primary", &Package{
		UID: "bar", Name: "bar", Version: "2.0", Origin: "misc/bar", Arch: "a1",
	})

	j := newTestJobs(t, JobsInstall, store, 0)
	if err := j.AddPatterns(MatchInternal, "foo"); err != nil {
		t.Fatal(err)
	}
	if err := j.Solve(context.Background()); err != nil {
		t.Fatalf("Solve: %v", err)
	}

	want := []string{"install bar-2.0", "install foo-1.0"}
	if diff := cmp.Diff(want, planString(j)); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}

	// The dependency was pulled in, not requested: it must be automatic.
	for _, job := range j.Plan() {
		if job.New().Name == "bar" && !job.New().Automatic {
			t.Error("dependency bar should carry the automatic flag")
		}
	}
}

func TestSolveUpgradeWithConflictSplit(t *testing.T) {
	store := newFakeStore()
	libA1 := store.addLocal(&Package{
		UID: "libA", Name: "libA", Version: "1", Origin: "libs/libA", Arch: "a1",
	})
	store.addLocal(&Package{
		UID: "libB", Name: "libB", Version: "1", Origin: "libs/libB", Arch: "a1",
		Deps: []Dep{{UID: "libA", Name: "libA", Origin: "libs/libA", Version: "1"}},
	})
	libA2 := store.addRemote("primary", &Package{
		UID: "libA", Name: "libA", Version: "2", Origin: "libs/libA", Arch: "a1",
	})
	store.addRemote("primary", &Package{
		UID: "libB", Name: "libB", Version: "2", Origin: "libs/libB", Arch: "a1",
		Deps: []Dep{{UID: "libA", Name: "libA", Origin: "libs/libA", Version: "2"}},
	})

	// The shared-file conflict between the two libA instances is already
	// registered.
	libA1.Conflicts = []Conflict{{UID: "libA", Type: ConflictRemoteLocal}}
	libA2.Conflicts = []Conflict{{UID: "libA", Type: ConflictRemoteLocal}}

	j := newTestJobs(t, JobsUpgrade, store, 0)
	if err := j.AddPatterns(MatchAll); err != nil {
		t.Fatal(err)
	}
	if err := j.Solve(context.Background()); err != nil {
		t.Fatalf("Solve: %v", err)
	}

	want := []string{
		"split upgrade delete libB-1",
		"split upgrade delete libA-1",
		"split upgrade install libA-2",
		"split upgrade install libB-2",
	}
	if diff := cmp.Diff(want, planString(j)); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}
	assertSplitUpgradesPaired(t, j)
}

func TestSolveLockedBlocksUpgrade(t *testing.T) {
	store := newFakeStore()
	store.addLocal(&Package{
		UID: "foo", Name: "foo", Version: "1", Origin: "misc/foo", Arch: "a1", Locked: true,
	})
	store.addRemote("primary", &Package{
		UID: "foo", Name: "foo", Version: "2", Origin: "misc/foo", Arch: "a1",
	})

	j := newTestJobs(t, JobsUpgrade, store, 0)
	if err := j.AddPatterns(MatchInternal, "foo"); err != nil {
		t.Fatal(err)
	}

	err := j.Solve(context.Background())
	if !IsCode(err, CodeLocked) {
		t.Fatalf("Solve = %v, want Locked", err)
	}
	if len(j.Plan()) != 0 {
		t.Errorf("locked solve emitted %d jobs, want none", len(j.Plan()))
	}
}

func TestSolveAutoremoveAutomaticLeaf(t *testing.T) {
	store := newFakeStore()
	store.addLocal(&Package{
		UID: "editor", Name: "editor", Version: "3", Origin: "editors/editor", Arch: "a1",
	})
	store.addLocal(&Package{
		UID: "lib", Name: "lib", Version: "1", Origin: "libs/lib", Arch: "a1", Automatic: true,
	})

	j := newTestJobs(t, JobsAutoremove, store, 0)
	if err := j.Solve(context.Background()); err != nil {
		t.Fatalf("Solve: %v", err)
	}

	want := []string{"delete lib-1"}
	if diff := cmp.Diff(want, planString(j)); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}
}

func TestSolveAutoremoveSparesNeededPackages(t *testing.T) {
	store := newFakeStore()
	store.addLocal(&Package{
		UID: "app", Name: "app", Version: "1", Origin: "misc/app", Arch: "a1",
		Deps: []Dep{{UID: "lib", Name: "lib", Origin: "libs/lib"}},
	})
	store.addLocal(&Package{
		UID: "lib", Name: "lib", Version: "1", Origin: "libs/lib", Arch: "a1", Automatic: true,
	})
	store.addLocal(&Package{
		UID: "vitald", Name: "vitald", Version: "1", Origin: "sys/vitald", Arch: "a1",
		Automatic: true, Vital: true,
	})

	j := newTestJobs(t, JobsAutoremove, store, 0)
	if err := j.Solve(context.Background()); err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if len(j.Plan()) != 0 {
		t.Errorf("autoremove doomed %v, want nothing", planString(j))
	}
}

func TestSolveRequestInternalChoice(t *testing.T) {
	store := newFakeStore()
	store.addRemote("primary", &Package{
		UID: "openssl", Name: "openssl", Version: "1.1", Origin: "security/openssl", Arch: "a1",
	})
	store.addRemote("primary", &Package{
		UID: "openssl", Name: "openssl", Version: "3.0", Origin: "security/openssl", Arch: "a1",
	})

	solveOnce := func() []string {
		j := newTestJobs(t, JobsInstall, store, 0)
		if err := j.AddPatterns(MatchInternal, "openssl"); err != nil {
			t.Fatal(err)
		}
		if err := j.Solve(context.Background()); err != nil {
			t.Fatalf("Solve: %v", err)
		}
		return planString(j)
	}

	want := []string{"install openssl-3.0"}
	first := solveOnce()
	if diff := cmp.Diff(want, first); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}
	// Re-running the identical request must produce the identical answer.
	if diff := cmp.Diff(first, solveOnce()); diff != "" {
		t.Errorf("solve is not deterministic (-first +second):\n%s", diff)
	}
}

func TestSolveUpgradeCycleSplits(t *testing.T) {
	store := newFakeStore()
	store.addLocal(&Package{
		UID: "A", Name: "A", Version: "1", Origin: "misc/A", Arch: "a1",
		Deps: []Dep{{UID: "B", Name: "B", Origin: "misc/B", Version: "1"}},
	})
	store.addLocal(&Package{
		UID: "B", Name: "B", Version: "1", Origin: "misc/B", Arch: "a1",
	})
	store.addRemote("primary", &Package{
		UID: "A", Name: "A", Version: "2", Origin: "misc/A", Arch: "a1",
		Deps: []Dep{{UID: "B", Name: "B", Origin: "misc/B", Version: "2"}},
	})
	store.addRemote("primary", &Package{
		UID: "B", Name: "B", Version: "2", Origin: "misc/B", Arch: "a1",
	})

	// Each generation of A depends on the same generation of B: the old A needs the
	// old B gone last, while the new A needs the new B present first, so
	// the two upgrade jobs form a scheduling cycle.
	store.local["A"].Deps[0].Version = "1"
	store.repos[0].pkgs[0].Deps[0].Version = "2"

	solveOnce := func() *Jobs {
		j := newTestJobs(t, JobsUpgrade, store, 0)
		if err := j.AddPatterns(MatchAll); err != nil {
			t.Fatal(err)
		}
		if err := j.Solve(context.Background()); err != nil {
			t.Fatalf("Solve: %v", err)
		}
		return j
	}

	j := solveOnce()
	assertSplitUpgradesPaired(t, j)
	assertTopologicalOrder(t, j)

	splits := 0
	for _, job := range j.Plan() {
		if job.Type == JobUpgradeRemove {
			splits++
		}
	}
	if splits == 0 {
		t.Error("expected at least one split upgrade to break the cycle")
	}

	if diff := cmp.Diff(planString(j), planString(solveOnce())); diff != "" {
		t.Errorf("scheduling is not deterministic (-first +second):\n%s", diff)
	}
}

// assertSplitUpgradesPaired checks that every split-upgrade install half has
// exactly one matching delete half appearing strictly before it.
func assertSplitUpgradesPaired(t *testing.T, j *Jobs) {
	t.Helper()
	pos := make(map[*Job]int)
	for i, job := range j.Plan() {
		pos[job] = i
	}
	for _, job := range j.Plan() {
		switch job.Type {
		case JobUpgradeInstall:
			other := job.xlink
			if other == nil || other.Type != JobUpgradeRemove || other.xlink != job {
				t.Errorf("install half of %s has no paired delete half", job.Items[0].Pkg)
				continue
			}
			if pos[other] >= pos[job] {
				t.Errorf("delete half of %s does not precede its install half", job.Items[0].Pkg)
			}
		case JobUpgradeRemove:
			if job.xlink == nil || job.xlink.Type != JobUpgradeInstall {
				t.Errorf("delete half of %s has no paired install half", job.Items[0].Pkg)
			}
		}
	}
}

// assertTopologicalOrder checks that the emitted order respects every edge
// of the scheduling graph.
func assertTopologicalOrder(t *testing.T, j *Jobs) {
	t.Helper()
	plan := j.Plan()
	for i, a := range plan {
		for _, b := range plan[:i] {
			if scheduleEdge(a, b) {
				t.Errorf("job %d (%s %s) must run before job %d (%s %s)",
					i, a.Type, a.Items[0].Pkg, indexOfJob(plan, b), b.Type, b.Items[0].Pkg)
			}
		}
	}
}

func indexOfJob(plan []*Job, job *Job) int {
	for i, j := range plan {
		if j == job {
			return i
		}
	}
	return -1
}

func TestSolvePathConflictRequiresResolve(t *testing.T) {
	store := newFakeStore()
	store.addLocal(&Package{
		UID: "oldtool", Name: "oldtool", Version: "1", Origin: "misc/oldtool", Arch: "a1",
		Files: []string{"/usr/bin/tool"},
	})
	store.addRemote("primary", remotePayloadLoaded(&Package{
		UID: "newtool", Name: "newtool", Version: "2", Origin: "misc/newtool", Arch: "a1",
	}, "/usr/bin/tool"))

	j := newTestJobs(t, JobsInstall, store, 0)
	if err := j.AddPatterns(MatchInternal, "newtool"); err != nil {
		t.Fatal(err)
	}
	if err := j.Solve(context.Background()); err != nil {
		t.Fatalf("Solve: %v", err)
	}

	want := []string{"delete oldtool-1", "install newtool-2"}
	if diff := cmp.Diff(want, planString(j)); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}

	// The discovered conflict is typed local against remote.
	c := store.local["oldtool"].ConflictWith("newtool")
	if c == nil {
		t.Fatal("conflict between oldtool and newtool was not registered")
	}
	if c.Type != ConflictRemoteLocal {
		t.Errorf("conflict type = %v, want ConflictRemoteLocal", c.Type)
	}
}

func TestSolveFetchEmitsFetchJobs(t *testing.T) {
	store := newFakeStore()
	store.addRemote("primary", &Package{
		UID: "foo", Name: "foo", Version: "1.0", Origin: "misc/foo", Arch: "a1",
		Deps: []Dep{{UID: "bar", Name: "bar", Origin: "misc/bar"}},
	})
	store.addRemote("primary", &Package{
		UID: "bar", Name: "bar", Version: "2.0", Origin: "misc/bar", Arch: "a1",
	})

	j := newTestJobs(t, JobsFetch, store, 0)
	if err := j.AddPatterns(MatchInternal, "foo"); err != nil {
		t.Fatal(err)
	}
	if err := j.Solve(context.Background()); err != nil {
		t.Fatalf("Solve: %v", err)
	}

	want := []string{"fetch bar-2.0", "fetch foo-1.0"}
	if diff := cmp.Diff(want, planString(j)); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}
}

func TestSolveDeleteCarriesReverseDependencies(t *testing.T) {
	store := newFakeStore()
	store.addLocal(&Package{
		UID: "lib", Name: "lib", Version: "1", Origin: "libs/lib", Arch: "a1",
	})
	store.addLocal(&Package{
		UID: "app", Name: "app", Version: "1", Origin: "misc/app", Arch: "a1",
		Deps: []Dep{{UID: "lib", Name: "lib", Origin: "libs/lib"}},
	})

	j := newTestJobs(t, JobsDeinstall, store, 0)
	if err := j.AddPatterns(MatchInternal, "lib"); err != nil {
		t.Fatal(err)
	}
	if err := j.Solve(context.Background()); err != nil {
		t.Fatalf("Solve: %v", err)
	}

	// app depends on lib: deleting lib must doom app first.
	want := []string{"delete app-1", "delete lib-1"}
	if diff := cmp.Diff(want, planString(j)); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}
}

func TestSolveDeleteLockedReverseDependency(t *testing.T) {
	store := newFakeStore()
	store.addLocal(&Package{
		UID: "lib", Name: "lib", Version: "1", Origin: "libs/lib", Arch: "a1",
	})
	store.addLocal(&Package{
		UID: "app", Name: "app", Version: "1", Origin: "misc/app", Arch: "a1", Locked: true,
		Deps: []Dep{{UID: "lib", Name: "lib", Origin: "libs/lib"}},
	})

	j := newTestJobs(t, JobsDeinstall, store, 0)
	if err := j.AddPatterns(MatchInternal, "lib"); err != nil {
		t.Fatal(err)
	}
	if err := j.Solve(context.Background()); !IsCode(err, CodeFatal) {
		t.Fatalf("Solve = %v, want Fatal for locked reverse dependency", err)
	}
}
