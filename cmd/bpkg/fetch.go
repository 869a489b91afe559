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

const fetchShortHelp = `Fetch package archives into the cache`
const fetchLongHelp = `
Fetch downloads the archives of the packages matching the given patterns,
and of their dependencies, without installing anything. With -u the
installed set's available upgrades are fetched instead.
`

type fetchCommand struct {
	upgrades  bool
	mirror    bool
	dryRun    bool
	glob      bool
	regex     bool
	yes       bool
	verbosity int
	repo      string
	destdir   string
}

func (cmd *fetchCommand) Name() string      { return "fetch" }
func (cmd *fetchCommand) Args() string      { return "[pattern...]" }
func (cmd *fetchCommand) ShortHelp() string { return fetchShortHelp }
func (cmd *fetchCommand) LongHelp() string  { return fetchLongHelp }
func (cmd *fetchCommand) Hidden() bool      { return false }

func (cmd *fetchCommand) Register(fs *flag.FlagSet) {
	fs.BoolVar(&cmd.upgrades, "u", false, "fetch upgrades for installed packages")
	fs.BoolVar(&cmd.mirror, "m", false, "mirror the repository layout into the destination")
	fs.BoolVar(&cmd.dryRun, "n", false, "account sizes without downloading")
	fs.BoolVar(&cmd.glob, "g", false, "treat patterns as shell globs")
	fs.BoolVar(&cmd.regex, "x", false, "treat patterns as regular expressions")
	fs.BoolVar(&cmd.yes, "y", false, "assume yes for all questions")
	fs.IntVar(&cmd.verbosity, "V", 0, "event verbosity")
	fs.StringVar(&cmd.repo, "r", "", "restrict candidates to the named repository")
	fs.StringVar(&cmd.destdir, "o", "", "mirror destination directory")
}

func (cmd *fetchCommand) Run(ctx *bpkg.Ctx, args []string) error {
	if !cmd.upgrades && len(args) == 0 {
		return errors.New("no packages specified")
	}

	var flags bps.Flags
	if cmd.upgrades {
		flags |= bps.FlagUpgradesForInstalled
	}
	if cmd.mirror {
		flags |= bps.FlagFetchMirror
	}
	if cmd.dryRun {
		flags |= bps.FlagDryRun
	}

	p, err := newPipeline(ctx, bps.JobsFetch, flags, cmd.repo, cmd.destdir, cmd.verbosity, cmd.yes)
	if err != nil {
		return err
	}
	defer p.close()

	if len(args) > 0 {
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
