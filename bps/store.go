// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bps

import "context"

// Replacement records that a dependency previously satisfied by Old is now
// satisfied by the differently-named package New. The accumulated list is
// handed to PackageStore.ApplyReplacements exactly once after a successful
// solve.
type Replacement struct {
	Old string
	New string
}

// LockMode is the strength of the database lock taken around execution.
type LockMode int

const (
	LockReadonly LockMode = iota
	LockAdvisory
	LockExclusive
)

// PackageStore is the persistent package database the core consumes: the
// local installed set plus any number of remote repository catalogs. Query
// results are materialised into slices; callers own the returned packages
// until they are handed to a Universe.
type PackageStore interface {
	// Query matches locally installed packages.
	Query(pattern string, m MatchKind) ([]*Package, error)
	// QueryCond matches locally installed packages against a store-specific
	// condition fragment in addition to the pattern.
	QueryCond(cond, pattern string, m MatchKind) ([]*Package, error)
	// RepoQuery matches remote packages across the named repositories, or
	// all configured ones when repos is empty.
	RepoQuery(pattern string, m MatchKind, repos []string) ([]*Package, error)
	// RepoShlibProvide returns the remote packages providing soname.
	RepoShlibProvide(soname string, repos []string) ([]*Package, error)

	// EnsureLoaded populates the requested lazily-loaded field groups.
	EnsureLoaded(p *Package, flags LoadFlags) error

	// FilePathOwner returns the uid of the installed package owning path.
	FilePathOwner(path string) (uid string, ok bool, err error)

	// BeginSolver and EndSolver bracket a solving pass; implementations use
	// them to snapshot reverse-dependency edges.
	BeginSolver() error
	EndSolver() error

	// UpgradeLock acquires the database lock at the given strength;
	// ReleaseLock drops it again.
	UpgradeLock(mode LockMode) error
	ReleaseLock(mode LockMode) error

	// ApplyReplacements rewrites renamed uids in the installed set.
	ApplyReplacements(pairs []Replacement) error
}

// FetchTransport mirrors remote package archives into the local cache.
type FetchTransport interface {
	// FetchPackage downloads p into the cache unless already present.
	FetchPackage(ctx context.Context, p *Package) error
	// MirrorPackage downloads p preserving the repository layout under dir.
	MirrorPackage(ctx context.Context, p *Package, dir string) error
	// CachedPath returns the cache location for p, whether present or not.
	CachedPath(p *Package) string
}

// MessageLevel grades EventSink messages. Debug levels carry increasing
// verbosity the way the original debug_level knob did.
type MessageLevel int

const (
	LevelError MessageLevel = iota
	LevelWarn
	LevelNotice
	LevelDebug1
	LevelDebug2
	LevelDebug3
	LevelDebug4
)

// Event is a typed notification from the pipeline.
type Event interface{ event() }

// ProgressEvent reports advancement through a counted phase.
type ProgressEvent struct {
	What    string
	Current int64
	Total   int64
}

// MessageEvent is a leveled, preformatted text message.
type MessageEvent struct {
	Level MessageLevel
	Text  string
}

// IntegrityCheckEvent brackets the path-conflict discovery pass; Done is
// false at the start and true at the end, when Conflicts holds the number of
// conflicts registered during the pass.
type IntegrityCheckEvent struct {
	Done      bool
	Conflicts int
}

// LockedEvent reports that a locked package blocked part of a request.
type LockedEvent struct {
	Pkg *Package
}

// NewVersionEvent reports that a newer version of the package manager itself
// is available and will be installed first.
type NewVersionEvent struct{}

func (ProgressEvent) event()       {}
func (MessageEvent) event()        {}
func (IntegrityCheckEvent) event() {}
func (LockedEvent) event()         {}
func (NewVersionEvent) event()     {}

// EventSink receives typed events and interactive queries from the core.
// Implementations must be safe for reentrant use from a single goroutine;
// the core never calls a sink concurrently.
type EventSink interface {
	Emit(Event)
	// QueryYesNo asks the operator a yes/no question, returning deflt when
	// no interactive answer is possible.
	QueryYesNo(deflt bool, text string) bool
	// QuerySelect asks the operator to pick one of options; ok is false when
	// no selection was made.
	QuerySelect(text string, options []string) (idx int, ok bool)
}

// discardSink is the EventSink used when the caller supplies none.
type discardSink struct{}

func (discardSink) Emit(Event) {}

func (discardSink) QueryYesNo(deflt bool, _ string) bool { return deflt }

func (discardSink) QuerySelect(_ string, _ []string) (int, bool) { return 0, false }
