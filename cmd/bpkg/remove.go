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

const removeShortHelp = `Remove installed packages`
const removeLongHelp = `
Remove deletes the installed packages matching the given patterns together
with everything that depends on them. Locked packages are skipped and
reported; a locked reverse dependency aborts the request.
`

const autoremoveShortHelp = `Remove orphaned automatic packages`
const autoremoveLongHelp = `
Autoremove deletes every automatically installed, non-vital package whose
whole reverse-dependency closure is automatic as well.
`

type removeCommand struct {
	autoremove bool

	force     bool
	dryRun    bool
	glob      bool
	regex     bool
	yes       bool
	verbosity int
}

func (cmd *removeCommand) Name() string {
	if cmd.autoremove {
		return "autoremove"
	}
	return "remove"
}

func (cmd *removeCommand) Args() string {
	if cmd.autoremove {
		return ""
	}
	return "<pattern> [pattern...]"
}

func (cmd *removeCommand) ShortHelp() string {
	if cmd.autoremove {
		return autoremoveShortHelp
	}
	return removeShortHelp
}

func (cmd *removeCommand) LongHelp() string {
	if cmd.autoremove {
		return autoremoveLongHelp
	}
	return removeLongHelp
}

func (cmd *removeCommand) Hidden() bool { return false }

func (cmd *removeCommand) Register(fs *flag.FlagSet) {
	fs.BoolVar(&cmd.force, "f", false, "force removal, ignoring reverse dependencies")
	fs.BoolVar(&cmd.dryRun, "n", false, "solve and print the plan without applying it")
	fs.BoolVar(&cmd.yes, "y", false, "assume yes for all questions")
	fs.IntVar(&cmd.verbosity, "V", 0, "event verbosity")
	if !cmd.autoremove {
		fs.BoolVar(&cmd.glob, "g", false, "treat patterns as shell globs")
		fs.BoolVar(&cmd.regex, "x", false, "treat patterns as regular expressions")
	}
}

func (cmd *removeCommand) Run(ctx *bpkg.Ctx, args []string) error {
	typ := bps.JobsDeinstall
	if cmd.autoremove {
		typ = bps.JobsAutoremove
	} else if len(args) == 0 {
		return errors.New("no packages specified")
	}

	var flags bps.Flags
	if cmd.force {
		flags |= bps.FlagForce
	}
	if cmd.dryRun {
		flags |= bps.FlagDryRun
	}

	p, err := newPipeline(ctx, typ, flags, "", "", cmd.verbosity, cmd.yes)
	if err != nil {
		return err
	}
	defer p.close()

	if !cmd.autoremove {
		match := bps.MatchInternal
		switch {
		case cmd.glob:
			match = bps.MatchGlob
		case cmd.regex:
			match = bps.MatchRegex
		}
		if err := p.jobs.AddPatterns(match, args...); err != nil {
			return err
		}
	}

	return p.solveAndApply(cmd.dryRun)
}
