// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"flag"

	bpkg "github.com/bpkg/bpkg"
	"github.com/bpkg/bpkg/bps"
	"github.com/pkg/errors"
)

const installShortHelp = `Install packages from the repositories`
const installLongHelp = `
Install resolves the given patterns against the configured repositories,
computes a dependency-complete installation plan and applies it. Glob
patterns (-g) and regular expressions (-x) widen the match; plain arguments
match package names exactly.
`

const upgradeShortHelp = `Upgrade installed packages`
const upgradeLongHelp = `
Upgrade brings installed packages matching the given patterns (or, with no
arguments, the whole installed set) up to the best candidates the
repositories offer, splitting upgrades as needed to honour conflicts.
`

type installCommand struct {
	upgrade bool

	force     bool
	dryRun    bool
	recursive bool
	missing   bool
	glob      bool
	regex     bool
	yes       bool
	verbosity int
	repo      string
}

func (cmd *installCommand) Name() string {
	if cmd.upgrade {
		return "upgrade"
	}
	return "install"
}

func (cmd *installCommand) Args() string { return "[pattern...]" }

func (cmd *installCommand) ShortHelp() string {
	if cmd.upgrade {
		return upgradeShortHelp
	}
	return installShortHelp
}

func (cmd *installCommand) LongHelp() string {
	if cmd.upgrade {
		return upgradeLongHelp
	}
	return installLongHelp
}

func (cmd *installCommand) Hidden() bool { return false }

func (cmd *installCommand) Register(fs *flag.FlagSet) {
	fs.BoolVar(&cmd.force, "f", false, "force reinstallation of up-to-date packages")
	fs.BoolVar(&cmd.dryRun, "n", false, "solve and print the plan without applying it")
	fs.BoolVar(&cmd.recursive, "R", false, "process reverse dependencies as well")
	fs.BoolVar(&cmd.missing, "force-missing", false, "tolerate missing dependencies")
	fs.BoolVar(&cmd.glob, "g", false, "treat patterns as shell globs")
	fs.BoolVar(&cmd.regex, "x", false, "treat patterns as regular expressions")
	fs.BoolVar(&cmd.yes, "y", false, "assume yes for all questions")
	fs.IntVar(&cmd.verbosity, "V", 0, "event verbosity")
	fs.StringVar(&cmd.repo, "r", "", "restrict candidates to the named repository")
}

func (cmd *installCommand) matchKind() bps.MatchKind {
	switch {
	case cmd.glob:
		return bps.MatchGlob
	case cmd.regex:
		return bps.MatchRegex
	}
	return bps.MatchInternal
}

func (cmd *installCommand) Run(ctx *bpkg.Ctx, args []string) error {
	typ := bps.JobsInstall
	if cmd.upgrade {
		typ = bps.JobsUpgrade
	}
	if !cmd.upgrade && len(args) == 0 {
		return errors.New("no packages specified")
	}

	var flags bps.Flags
	if cmd.force {
		flags |= bps.FlagForce
	}
	if cmd.dryRun {
		flags |= bps.FlagDryRun
	}
	if cmd.recursive {
		flags |= bps.FlagRecursive
	}
	if cmd.missing {
		flags |= bps.FlagForceMissing
	}

	p, err := newPipeline(ctx, typ, flags, cmd.repo, "", cmd.verbosity, cmd.yes)
	if err != nil {
		return err
	}
	defer p.close()

	match := cmd.matchKind()
	if cmd.upgrade && len(args) == 0 {
		match = bps.MatchAll
	}
	if err := p.jobs.AddPatterns(match, args...); err != nil {
		return err
	}

	return p.solveAndApply(cmd.dryRun)
}
