// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bps

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sdboyer/constext"
)

// JobsType selects the operation a Jobs pipeline performs.
type JobsType int

const (
	JobsInstall JobsType = iota
	JobsUpgrade
	JobsDeinstall
	JobsAutoremove
	JobsFetch
)

// Flags tune a solve the way the command line does.
type Flags uint

const (
	// FlagForce reinstalls up-to-date packages and ignores candidate
	// filtering.
	FlagForce Flags = 1 << iota
	// FlagDryRun stops before anything is downloaded or executed.
	FlagDryRun
	// FlagRecursive processes reverse dependencies of the request as well.
	FlagRecursive
	// FlagForceMissing tolerates unresolvable dependencies.
	FlagForceMissing
	// FlagFetchMirror mirrors the repository layout instead of the cache
	// layout.
	FlagFetchMirror
	// FlagSkipInstall solves and fetches but does not execute.
	FlagSkipInstall
	// FlagAutomatic marks everything installed by this job automatic.
	FlagAutomatic
	// FlagVersionTest checks for a newer package manager before anything
	// else.
	FlagVersionTest
	// FlagUpgradesForInstalled restricts a fetch job to upgrades of the
	// installed set.
	FlagUpgradesForInstalled
)

// selfUIDs are the uids under which the package manager knows itself.
var selfUIDs = []string{"bpkg", "bpkg-devel"}

// Repository describes one configured remote repository. Priority breaks
// version ties during candidate selection: lower wins.
type Repository struct {
	Name     string
	Priority int
}

// Executor applies one scheduled job to the system. Execution itself
// (archive extraction, file removal) is outside the core; the orchestrator
// drives the executor in scheduled order under the exclusive database lock.
type Executor interface {
	Install(ctx context.Context, job *Job) error
	Delete(ctx context.Context, job *Job) error
}

// JobsParams hold all arguments for assembling a Jobs pipeline. Type and
// Store are required; everything else has usable zero values.
type JobsParams struct {
	Type  JobsType
	Store PackageStore

	// Sink receives events and interactive queries. Defaults to a discard
	// sink.
	Sink EventSink

	// Repositories configures candidate origins and their priorities. An
	// empty list lets the store decide.
	Repositories []Repository

	// Reponame pins candidate selection to a single repository.
	Reponame string

	// BaseContext, when set, cancels every solve alongside the per-call
	// context.
	BaseContext context.Context

	Flags Flags

	// Conservative prefers keeping the installed version when it still
	// satisfies the request.
	Conservative bool
	// Pinning honours per-repository pinning during candidate selection.
	Pinning bool

	// SATAttempts is the failed-assumption retry budget before the solver
	// starts asking the operator. Zero means the default of 10.
	SATAttempts int

	// CUDFSolver and SATSolver name external solver executables; empty
	// selects the internal SAT path.
	CUDFSolver string
	SATSolver  string

	// FileLoader parses a package archive into a Package for file targets.
	FileLoader func(path string) (*Package, error)

	// Destdir overrides the cache directory for mirror fetches.
	Destdir string
}

const defaultSATAttempts = 10

// Jobs drives the whole pipeline for one request: pattern resolution,
// universe construction, solving, conflict discovery and scheduling. It is
// not safe for concurrent use; the universe is owned exclusively by it.
type Jobs struct {
	Type JobsType

	// FileLoader parses a package archive for file targets; may be set
	// until the first solve.
	FileLoader func(path string) (*Package, error)

	store PackageStore
	sink  EventSink

	universe      *Universe
	requestAdd    map[string]*request
	requestDelete map[string]*request
	jobs          []*Job
	patterns      []*jobPattern

	reponames []string
	repoPrio  map[string]int
	reponame  string
	destdir   string

	flags        Flags
	conservative bool
	pinning      bool
	satAttempts  int
	cudfSolver   string
	satSolver    string

	baseCtx context.Context

	conflictItems       *conflictIndex
	conflictsRegistered int

	cudfOrder map[string][]*Item

	lockedPkgs []*Package

	solved    int
	needFetch bool
}

// NewJobs validates params and assembles a pipeline.
func NewJobs(params JobsParams) (*Jobs, error) {
	if params.Store == nil {
		return nil, errors.New("must provide non-nil PackageStore")
	}

	j := &Jobs{
		Type:          params.Type,
		FileLoader:    params.FileLoader,
		store:         params.Store,
		sink:          params.Sink,
		requestAdd:    make(map[string]*request),
		requestDelete: make(map[string]*request),
		repoPrio:      make(map[string]int),
		reponame:      params.Reponame,
		destdir:       params.Destdir,
		flags:         params.Flags,
		conservative:  params.Conservative,
		pinning:       params.Pinning,
		satAttempts:   params.SATAttempts,
		cudfSolver:    params.CUDFSolver,
		satSolver:     params.SATSolver,
		baseCtx:       params.BaseContext,
	}
	if j.sink == nil {
		j.sink = discardSink{}
	}
	if j.satAttempts <= 0 {
		j.satAttempts = defaultSATAttempts
	}
	for _, r := range params.Repositories {
		j.repoPrio[r.Name] = r.Priority
		j.reponames = append(j.reponames, r.Name)
	}
	if j.reponame != "" {
		if _, ok := j.repoPrio[j.reponame]; !ok && len(params.Repositories) > 0 {
			return nil, codedErrorf(CodeFatal, "unknown repository: %s", j.reponame)
		}
		j.reponames = []string{j.reponame}
	}
	j.universe = newUniverse(j)

	return j, nil
}

func (j *Jobs) isDelete() bool {
	return j.Type == JobsDeinstall || j.Type == JobsAutoremove
}

func (j *Jobs) repoPriority(name string) int {
	if prio, ok := j.repoPrio[name]; ok {
		return prio
	}
	return int(^uint(0) >> 1)
}

func (j *Jobs) debugf(level int, format string, args ...interface{}) {
	j.sink.Emit(MessageEvent{
		Level: LevelNotice + MessageLevel(level),
		Text:  fmt.Sprintf(format, args...),
	})
}

func (j *Jobs) emitNotice(format string, args ...interface{}) {
	j.sink.Emit(MessageEvent{Level: LevelNotice, Text: fmt.Sprintf(format, args...)})
}

func (j *Jobs) emitError(format string, args ...interface{}) {
	j.sink.Emit(MessageEvent{Level: LevelError, Text: fmt.Sprintf(format, args...)})
}

// checkCancel observes cooperative cancellation at the pipeline's defined
// suspension points.
func checkCancel(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return coded(CodeCancel)
	default:
		return nil
	}
}

// Plan returns the solved jobs. After a successful Solve the slice is in
// execution order.
func (j *Jobs) Plan() []*Job { return j.jobs }

// Count returns the number of scheduled jobs.
func (j *Jobs) Count() int { return len(j.jobs) }

// LockedPackages returns the locked packages that were excluded from a
// delete request.
func (j *Jobs) LockedPackages() []*Package { return j.lockedPkgs }

// newPkgVersion reports whether a newer version of the package manager
// itself is available; finding one narrows the request to it.
func (j *Jobs) newPkgVersion() bool {
	// Disable force and recursion for the self-check, restore afterwards.
	oldFlags := j.flags
	j.flags &^= FlagForce | FlagRecursive
	defer func() { j.flags = oldFlags }()

	var p *Package
	var uid string
	for _, uid = range selfUIDs {
		var err error
		p, err = j.universe.GetLocal(uid, 0)
		if err != nil || p != nil {
			break
		}
	}
	// Likely running a development build; skip.
	if p == nil {
		return false
	}

	if j.findUpgrade(uid, MatchInternal) != nil {
		return false
	}
	// We may have a potential upgrade, possibly from another repository.
	for _, cit := range j.universe.Find(uid) {
		if VersionCompare(cit.Pkg.Version, p.Version) == Greater {
			return true
		}
	}
	return false
}

// checkRemoteCandidate reports whether pkg is worth examining for an upgrade:
// it has no digest, the repository query fails, no repository carries its
// uid, or a remote with the same uid has a different digest.
func (j *Jobs) checkRemoteCandidate(pkg *Package) bool {
	if pkg.Digest == "" {
		return true
	}
	remotes, err := j.store.RepoQuery(pkg.UID, MatchInternal, j.reponames)
	if err != nil || len(remotes) == 0 {
		return true
	}
	for _, p := range remotes {
		if p.Digest != pkg.Digest {
			return true
		}
	}
	return false
}

// solveFullUpgrade handles the pattern-less upgrade of the whole installed
// set.
func (j *Jobs) solveFullUpgrade(ctx context.Context) error {
	locals, err := j.store.Query("", MatchAll)
	if err != nil {
		return errors.Wrap(err, "querying installed packages")
	}

	var candidates []*Package
	for _, pkg := range locals {
		if j.flags&FlagForce != 0 || j.checkRemoteCandidate(pkg) {
			candidates = append(candidates, pkg)
		}
	}

	j.emitNotice("Checking for upgrades (%d candidates)", len(candidates))
	for i, pkg := range candidates {
		if err := checkCancel(ctx); err != nil {
			return err
		}
		j.sink.Emit(ProgressEvent{What: "Checking for upgrades",
			Current: int64(i + 1), Total: int64(len(candidates))})

		if err := j.store.EnsureLoaded(pkg, LoadBasic|LoadOptions|LoadDeps|LoadRequires|
			LoadShlibsRequired|LoadAnnotations|LoadConflicts); err != nil {
			return errors.Wrapf(err, "loading %s", pkg.Name)
		}
		// Ignore what does not exist remotely.
		j.findUpgrade(pkg.UID, MatchInternal)
	}

	j.emitNotice("Processing candidates (%d candidates)", len(candidates))
	for i, uid := range sortedRequestUIDs(j.requestAdd) {
		j.sink.Emit(ProgressEvent{What: "Processing candidates",
			Current: int64(i + 1), Total: int64(len(j.requestAdd))})
		req := j.requestAdd[uid]
		if len(req.items) > 0 {
			if err := j.universe.Process(req.items[0].pkg); err != nil {
				return err
			}
		}
	}
	return nil
}

// solvePartialUpgrade resolves the user's explicit install/upgrade patterns.
func (j *Jobs) solvePartialUpgrade(ctx context.Context) error {
	errorFound := false
	for _, jp := range j.patterns {
		if err := checkCancel(ctx); err != nil {
			return err
		}
		err := j.findRemotePattern(jp)
		switch {
		case IsCode(err, CodeLocked), IsCode(err, CodeNotInstalled):
			return err
		case IsCode(err, CodeFatal):
			verb := "install"
			if j.Type == JobsUpgrade {
				verb = "upgrade"
			}
			j.emitError("No packages available to %s matching '%s' have been found in the repositories",
				verb, jp.pattern)
			// Delay the return so every problem pattern gets reported.
			errorFound = true
		}
	}
	if errorFound {
		return coded(CodeFatal)
	}

	// Iterate the request once more to recurse into dependencies of the
	// selected candidates.
	for _, uid := range sortedRequestUIDs(j.requestAdd) {
		req := j.requestAdd[uid]
		if len(req.items) == 0 {
			continue
		}
		if err := j.universe.Process(req.items[0].pkg); err != nil {
			return err
		}
	}
	return nil
}

func (j *Jobs) solveInstallUpgrade(ctx context.Context) error {
	if j.flags&FlagVersionTest != 0 &&
		j.flags&(FlagSkipInstall|FlagDryRun) == 0 {
		if j.newPkgVersion() {
			j.flags &^= FlagVersionTest
			j.conservative = false
			j.pinning = false
			j.sink.Emit(NewVersionEvent{})
			j.solved++
			return nil
		}
	}

	if len(j.patterns) == 0 && j.Type == JobsInstall {
		j.emitError("no patterns are specified for install job")
		return codedErrorf(CodeFatal, "no patterns are specified for install job")
	}

	if j.solved == 0 {
		if len(j.patterns) == 0 || (j.Type == JobsUpgrade && j.patterns[0].match == MatchAll) {
			if err := j.solveFullUpgrade(ctx); err != nil {
				return err
			}
		} else {
			if err := j.solvePartialUpgrade(ctx); err != nil {
				return err
			}
		}
	} else {
		// Re-solve: re-add the request packages to the universe so newly
		// registered conflicts are visible.
		for _, uid := range sortedRequestUIDs(j.requestAdd) {
			req := j.requestAdd[uid]
			if len(req.items) > 0 {
				if err := j.universe.Process(req.items[0].pkg); err != nil {
					return err
				}
			}
		}
	}

	if err := j.processAddRequest(); err != nil {
		return err
	}

	if err := j.resolveRequestConflicts(); err != nil {
		j.emitError("Cannot resolve conflicts in a request")
		return codedErrorf(CodeFatal, "cannot resolve conflicts in a request")
	}

	j.propagateAutomatic()
	j.solved++
	return nil
}

func (j *Jobs) solveDeinstall(ctx context.Context) error {
	for _, jp := range j.patterns {
		if err := checkCancel(ctx); err != nil {
			return err
		}
		pkgs, err := j.store.Query(jp.pattern, jp.match)
		if err != nil {
			return errors.Wrapf(err, "querying pattern %s", jp.pattern)
		}
		if len(pkgs) == 0 {
			j.emitNotice("No packages matched for pattern '%s'", jp.pattern)
		}
		for _, pkg := range pkgs {
			if err := j.store.EnsureLoaded(pkg,
				LoadBasic|LoadRdeps|LoadDeps|LoadAnnotations); err != nil {
				return errors.Wrapf(err, "loading %s", pkg.Name)
			}
			if pkg.Locked {
				j.sink.Emit(LockedEvent{Pkg: pkg})
				j.lockedPkgs = append(j.lockedPkgs, pkg)
			} else {
				j.addReq(pkg)
			}
		}
	}

	j.solved = 1
	return j.processDeleteRequest()
}

func (j *Jobs) solveAutoremove(ctx context.Context) error {
	pkgs, err := j.store.QueryCond(" WHERE automatic=1 AND vital=0 ", "", MatchAll)
	if err != nil {
		return errors.Wrap(err, "querying automatic packages")
	}
	for _, pkg := range pkgs {
		if err := checkCancel(ctx); err != nil {
			return err
		}
		if err := j.store.EnsureLoaded(pkg,
			LoadBasic|LoadRdeps|LoadDeps|LoadAnnotations); err != nil {
			return errors.Wrapf(err, "loading %s", pkg.Name)
		}
		if pkg.Locked {
			j.sink.Emit(LockedEvent{Pkg: pkg})
		} else if j.testAutomatic(pkg) {
			j.addReq(pkg)
		}
	}

	j.solved = 1
	return j.processDeleteRequest()
}

func (j *Jobs) solveFetch(ctx context.Context) error {
	if j.flags&FlagUpgradesForInstalled != 0 {
		pkgs, err := j.store.Query("", MatchAll)
		if err != nil {
			return errors.Wrap(err, "querying installed packages")
		}
		for _, pkg := range pkgs {
			if err := checkCancel(ctx); err != nil {
				return err
			}
			if pkg.Locked {
				j.sink.Emit(LockedEvent{Pkg: pkg})
				continue
			}
			// Ignore what does not exist remotely.
			j.findUpgrade(pkg.UID, MatchInternal)
		}
	} else {
		for _, jp := range j.patterns {
			if err := checkCancel(ctx); err != nil {
				return err
			}
			if IsCode(j.findUpgrade(jp.pattern, jp.match), CodeFatal) {
				j.emitError("No packages matching '%s' have been found in the repositories", jp.pattern)
			}
		}
		for _, uid := range sortedRequestUIDs(j.requestAdd) {
			req := j.requestAdd[uid]
			if len(req.items) == 0 {
				continue
			}
			if err := j.universe.Process(req.items[0].pkg); err != nil &&
				!IsCode(err, CodeEnd) {
				return err
			}
		}
	}

	j.solved++
	return nil
}

// solveFormula runs the encoded problem through the configured solver.
func (j *Jobs) solveFormula(ctx context.Context) error {
	problem, err := j.encodeProblem()
	if err != nil {
		j.emitError("cannot convert job to SAT problem")
		j.solved = 0
		return err
	}

	if j.satSolver != "" {
		return j.solveWithExternalSAT(ctx, problem)
	}

	if err := problem.solveSAT(); err != nil {
		if IsCode(err, CodeAgain) {
			return j.solveFormula(ctx)
		}
		j.emitError("cannot solve job using SAT solver")
		j.solved = 0
		return err
	}
	return problem.toJobs()
}

// Solve resolves the request into an ordered list of jobs. It may be called
// again after a conflict was registered; the request sets survive, the
// universe is rebuilt incrementally.
func (j *Jobs) Solve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if j.baseCtx != nil {
		var cancel context.CancelFunc
		ctx, cancel = constext.Cons(ctx, j.baseCtx)
		defer cancel()
	}

	if err := j.store.BeginSolver(); err != nil {
		return errors.Wrap(err, "beginning solver transaction")
	}

	var err error
	switch j.Type {
	case JobsAutoremove:
		err = j.solveAutoremove(ctx)
	case JobsDeinstall:
		err = j.solveDeinstall(ctx)
	case JobsInstall, JobsUpgrade:
		err = j.solveInstallUpgrade(ctx)
	case JobsFetch:
		err = j.solveFetch(ctx)
	default:
		j.store.EndSolver()
		return codedErrorf(CodeFatal, "bad jobs type")
	}

	if err == nil {
		if j.cudfSolver != "" {
			err = j.solveWithCUDF(ctx)
		} else {
			err = j.solveFormula(ctx)
		}
	}

	if j.Type == JobsDeinstall && j.solved > 0 {
		j.setDeinstallReasons()
	}

	if serr := j.store.EndSolver(); serr != nil && err == nil {
		err = errors.Wrap(serr, "ending solver transaction")
	}
	if err != nil {
		return err
	}

	if reps := j.universe.Replacements(); len(reps) > 0 {
		if err := j.store.ApplyReplacements(reps); err != nil {
			return errors.Wrap(err, "applying uid replacements")
		}
	}

	// A remote target whose file list cannot be loaded has not been
	// fetched yet; conflict discovery must wait for the payload.
	j.needFetch = false
	for _, job := range j.jobs {
		p := job.Items[0].Pkg
		if p.Type != Remote {
			continue
		}
		if j.store.EnsureLoaded(p, LoadFiles|LoadDirs) != nil {
			j.needFetch = true
			break
		}
	}

	if j.solved == 1 && !j.needFetch && j.Type != JobsFetch {
		hasConflicts := false
		for {
			if err := checkCancel(ctx); err != nil {
				return err
			}
			j.conflictsRegistered = 0
			cerr := j.checkConflicts()
			if IsCode(cerr, CodeConflict) {
				// Drop the stale verdict and solve again against the
				// augmented conflict set.
				j.jobs = nil
				hasConflicts = true
				if err := j.Solve(ctx); err != nil {
					return err
				}
			} else if cerr == nil && !hasConflicts {
				break
			} else if cerr != nil && !IsCode(cerr, CodeConflict) {
				return cerr
			}
			if j.conflictsRegistered == 0 {
				break
			}
		}
	}

	return j.schedule()
}

// checkConflicts runs path-conflict discovery over the solved job targets.
func (j *Jobs) checkConflicts() error {
	j.sink.Emit(IntegrityCheckEvent{})
	j.conflictsRegistered = 0

	added := 0
	for _, job := range j.jobs {
		if job.Type == JobDelete || job.Type == JobUpgradeRemove {
			continue
		}
		p := job.Items[0].Pkg
		if p.Type == Remote {
			j.store.EnsureLoaded(p, LoadFiles|LoadDirs)
		}
		if err := j.appendChain(job.Items[0]); err != nil {
			return err
		}
		added++
	}

	j.debugf(1, "check integrity for %d items added", added)
	j.sink.Emit(IntegrityCheckEvent{Done: true, Conflicts: j.conflictsRegistered})

	if j.conflictsRegistered > 0 {
		return coded(CodeConflict)
	}
	return nil
}

// fetchJobs downloads every remote target of the plan, accounting for what
// the cache already holds.
func (j *Jobs) fetchJobs(ctx context.Context, transport FetchTransport) error {
	mirror := j.flags&FlagFetchMirror != 0

	var dlsize int64
	for _, job := range j.jobs {
		if job.Type == JobDelete || job.Type == JobUpgradeRemove {
			continue
		}
		p := job.Items[0].Pkg
		if p.Type != Remote {
			continue
		}
		if st, err := os.Stat(transport.CachedPath(p)); err == nil {
			dlsize += p.Size - st.Size()
		} else {
			dlsize += p.Size
		}
	}

	if dlsize == 0 {
		return nil
	}
	if j.flags&FlagDryRun != 0 {
		return nil
	}

	for _, job := range j.jobs {
		if job.Type == JobDelete || job.Type == JobUpgradeRemove {
			continue
		}
		p := job.Items[0].Pkg
		if p.Type != Remote {
			continue
		}
		if err := checkCancel(ctx); err != nil {
			return err
		}
		var err error
		if mirror {
			err = transport.MirrorPackage(ctx, p, j.destdir)
		} else {
			err = transport.FetchPackage(ctx, p)
		}
		if err != nil {
			return errors.Wrapf(err, "fetching %s", p.Name)
		}
	}
	return nil
}

// execute walks the scheduled jobs under the exclusive database lock.
func (j *Jobs) execute(ctx context.Context, exec Executor) error {
	if j.flags&FlagSkipInstall != 0 {
		return nil
	}

	if err := j.store.UpgradeLock(LockExclusive); err != nil {
		return errors.Wrap(err, "acquiring exclusive database lock")
	}
	defer j.store.ReleaseLock(LockExclusive)

	for _, job := range j.jobs {
		if err := checkCancel(ctx); err != nil {
			return err
		}
		switch job.Type {
		case JobDelete, JobUpgradeRemove:
			p := job.Items[0].Pkg
			if job.Type == JobDelete && p.Vital && j.flags&FlagForce == 0 {
				j.emitError("Cannot delete vital package: %s!", p.Name)
				j.emitError("If you are sure you want to remove %s, unset the 'vital' flag first", p.Name)
				return codedErrorf(CodeFatal, "cannot delete vital package %s", p.Name)
			}
			if job.Type == JobDelete && isSelfUID(p.Name) && j.flags&FlagForce == 0 {
				if len(j.patterns) > 0 && j.patterns[0].match == MatchAll {
					continue
				}
				j.emitError("Cannot delete %s itself without force flag", p.Name)
				return codedErrorf(CodeFatal, "cannot delete %s itself without force flag", p.Name)
			}
			if err := exec.Delete(ctx, job); err != nil {
				return err
			}
		case JobInstall, JobUpgrade, JobUpgradeInstall:
			if old := job.Old(); old != nil {
				job.New().OldVersion = old.Version
			}
			if err := exec.Install(ctx, job); err != nil {
				return err
			}
		case JobFetch:
			j.emitError("internal error: bad job type")
			return codedErrorf(CodeFatal, "internal error: bad job type")
		}
	}
	return nil
}

func isSelfUID(name string) bool {
	for _, uid := range selfUIDs {
		if name == uid {
			return true
		}
	}
	return false
}

// Apply fetches outstanding payloads and executes the solved plan. For
// fetch jobs only the transport is exercised.
func (j *Jobs) Apply(ctx context.Context, transport FetchTransport, exec Executor) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if j.solved == 0 {
		j.emitError("The jobs have not been solved")
		return codedErrorf(CodeFatal, "the jobs have not been solved")
	}

	if j.Type == JobsFetch {
		return j.fetchJobs(ctx, transport)
	}

	if !j.needFetch {
		return j.execute(ctx, exec)
	}

	if err := j.fetchJobs(ctx, transport); err != nil {
		return err
	}

	if j.solved != 1 {
		// Not the first run; conflicts are resolved already.
		return j.execute(ctx, exec)
	}

	// The payloads only just arrived: run conflict discovery against the
	// real file lists before touching the system.
	hasConflicts := false
	for {
		j.conflictsRegistered = 0
		err := j.checkConflicts()
		if IsCode(err, CodeConflict) {
			j.jobs = nil
			hasConflicts = true
			if err := j.Solve(ctx); err != nil {
				return err
			}
		} else if err == nil && !hasConflicts {
			return j.execute(ctx, exec)
		} else if err != nil {
			return err
		}
		if j.conflictsRegistered == 0 {
			break
		}
	}
	if hasConflicts {
		return coded(CodeConflict)
	}
	return j.execute(ctx, exec)
}
