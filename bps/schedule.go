// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bps

import "sort"

// JobType is the atomic transaction kind of one scheduled job.
type JobType int

const (
	JobInstall JobType = iota
	JobDelete
	JobUpgrade
	JobUpgradeInstall
	JobUpgradeRemove
	JobFetch
)

func (t JobType) String() string {
	switch t {
	case JobInstall:
		return "install"
	case JobDelete:
		return "delete"
	case JobUpgrade:
		return "upgrade"
	case JobUpgradeInstall:
		return "split upgrade install"
	case JobUpgradeRemove:
		return "split upgrade delete"
	case JobFetch:
		return "fetch"
	}
	return "unknown"
}

// cycleMark is the DFS state of a job node during cycle detection.
type cycleMark int

const (
	markNone cycleMark = iota
	markDone
	markPath
)

// Job is one scheduled transaction. Items[0] is the primary target (the new
// side for install/upgrade/fetch, the victim for delete); Items[1] is the
// old side of an unsplit upgrade. The two halves of a split upgrade point at
// each other through xlink.
type Job struct {
	Type  JobType
	Items [2]*Item

	xlink    *Job
	mark     cycleMark
	pathNext *Job
}

// New returns the new-side package of the job, or nil for deletes.
func (s *Job) New() *Package {
	switch s.Type {
	case JobInstall, JobUpgradeInstall, JobFetch, JobUpgrade:
		return s.Items[0].Pkg
	}
	return nil
}

// Old returns the old-side package of the job, or nil for pure installs.
func (s *Job) Old() *Package {
	switch s.Type {
	case JobDelete, JobUpgradeRemove:
		return s.Items[0].Pkg
	case JobUpgrade:
		return s.Items[1].Pkg
	}
	return nil
}

// scheduleEdge reports whether a must run before b.
//
// There is an edge from a to b iff one of:
//
//  1. b's new package directly depends on a's new package;
//  2. a's old package directly depends on b's old package;
//  3. a's old package conflicts with b's new package;
//  4. a and b are the halves of a split upgrade and a is the delete half.
//
// Checking only direct dependencies suffices as long as every intermediate
// dependency is itself a node of the graph.
func scheduleEdge(a, b *Job) bool {
	if a == b {
		return false
	}

	if a.xlink == b || b.xlink == a {
		return a.Type == JobUpgradeRemove
	}

	aNew, aOld := a.New(), a.Old()
	bNew, bOld := b.New(), b.Old()

	if aNew != nil && bNew != nil && bNew.DependsOn(aNew.UID) {
		return true
	}
	if aOld != nil && bOld != nil && aOld.DependsOn(bOld.UID) {
		return true
	}
	if aOld != nil && bNew != nil && aOld.ConflictWith(bNew.UID) != nil {
		return true
	}
	return false
}

func hasIncomingEdge(nodes []*Job, node *Job) bool {
	for _, n := range nodes {
		if n == nil {
			continue
		}
		if scheduleEdge(n, node) {
			return true
		}
	}
	return false
}

// schedulePriority biases the topological tiebreak: pulling the install half
// of a split upgrade forward and pushing the delete half back keeps the two
// halves close together in the final order.
func schedulePriority(node *Job) int {
	switch node.Type {
	case JobUpgradeInstall:
		return 1
	case JobUpgradeRemove:
		return -1
	}
	return 0
}

// topologicalSort is Kahn's algorithm with a deterministic tiebreaker: the
// available set is kept sorted by (priority ascending, uid descending) and
// consumed from the tail, so the highest priority goes first, ties go to the
// lowest uid, and identical inputs always produce the identical sequence.
func topologicalSort(jobs []*Job) []*Job {
	sorted := make([]*Job, 0, len(jobs))
	var available []*Job

	pending := make([]*Job, len(jobs))
	copy(pending, jobs)

	take := func(i int) {
		available = append(available, pending[i])
		pending[i] = nil
	}

	for i, node := range pending {
		if node == nil {
			continue
		}
		if !hasIncomingEdge(pending, node) && !hasIncomingEdge(available, node) {
			take(i)
		}
	}

	for len(available) > 0 {
		sort.SliceStable(available, func(a, b int) bool {
			pa, pb := schedulePriority(available[a]), schedulePriority(available[b])
			if pa != pb {
				return pa < pb
			}
			return available[a].Items[0].Pkg.UID > available[b].Items[0].Pkg.UID
		})

		node := available[len(available)-1]
		available = available[:len(available)-1]
		sorted = append(sorted, node)

		for i, next := range pending {
			if next == nil || !scheduleEdge(node, next) {
				continue
			}
			if !hasIncomingEdge(pending, next) && !hasIncomingEdge(available, next) {
				take(i)
			}
		}
	}

	return sorted
}

// findCycle is a depth-first search keeping the path to the current node; a
// node met twice on the path closes a cycle.
func findCycle(jobs []*Job, path **Job, node *Job) *Job {
	node.mark = markPath
	node.pathNext = *path
	*path = node

	for _, next := range jobs {
		if !scheduleEdge(node, next) {
			continue
		}
		switch next.mark {
		case markNone:
			if cycle := findCycle(jobs, path, next); cycle != nil {
				return cycle
			}
		case markDone:
		case markPath:
			return next
		}
	}

	node.mark = markDone
	*path = node.pathNext
	node.pathNext = nil
	return nil
}

// schedule orders the solved jobs for execution: upgrade jobs on dependency
// cycles are split into delete and install halves until the graph is
// acyclic, then the whole set is topologically sorted.
func (j *Jobs) schedule() error {
	for _, job := range j.jobs {
		job.Items[0].Priority = 0
		if job.Items[1] != nil {
			job.Items[1].Priority = 0
		}
	}

	// An upgrade whose old side carries a registered conflict is split up
	// front: the delete half must be free to run before the conflicting
	// install.
	for _, job := range append([]*Job(nil), j.jobs...) {
		if job.Type != JobUpgrade || len(job.Items[1].Pkg.Conflicts) == 0 {
			continue
		}
		j.debugf(2, "splitting conflicting upgrade %s job", job.Items[0].Pkg.UID)
		split := &Job{
			Type:  JobUpgradeRemove,
			Items: [2]*Item{job.Items[1]},
			xlink: job,
		}
		job.Type = JobUpgradeInstall
		job.Items[1] = nil
		job.xlink = split
		j.jobs = append(j.jobs, split)
	}

	for {
		j.debugf(3, "checking job scheduling graph for cycles...")

		for _, job := range j.jobs {
			job.mark = markNone
			job.pathNext = nil
		}

		// The graph may not be connected; search from every unvisited node.
		var path, cycle *Job
		for _, job := range j.jobs {
			if job.mark == markNone {
				cycle = findCycle(j.jobs, &path, job)
			}
			if cycle != nil {
				break
			}
		}

		if cycle == nil {
			j.debugf(3, "no job scheduling graph cycles found")
			break
		}
		j.debugf(3, "job scheduling graph cycle found")

		// Split an upgrade job on the cycle to break it: the new delete
		// half keeps only the outgoing old-depends-on-old edges.
		for path != nil && path.Type != JobUpgrade {
			if path == cycle {
				j.emitError("found job scheduling cycle without upgrade job")
				return codedErrorf(CodeFatal, "found job scheduling cycle without upgrade job")
			}
			path = path.pathNext
		}
		if path == nil {
			j.emitError("found job scheduling cycle without upgrade job")
			return codedErrorf(CodeFatal, "found job scheduling cycle without upgrade job")
		}

		j.debugf(2, "splitting upgrade %s job", path.Items[0].Pkg.UID)
		split := &Job{
			Type:  JobUpgradeRemove,
			Items: [2]*Item{path.Items[1]},
			xlink: path,
		}
		path.Type = JobUpgradeInstall
		path.Items[1] = nil
		path.xlink = split
		j.jobs = append(j.jobs, split)
	}

	j.jobs = topologicalSort(j.jobs)

	j.debugf(3, "finished job scheduling")
	return nil
}
