// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	bpkg "github.com/bpkg/bpkg"
	"github.com/bpkg/bpkg/bps"
	"github.com/bpkg/bpkg/internal/feedback"
	"github.com/bpkg/bpkg/internal/fetch"
	"github.com/bpkg/bpkg/internal/pkgdb"
)

// pipeline bundles what every command needs to solve and apply a request.
type pipeline struct {
	ctx       *bpkg.Ctx
	db        *pkgdb.DB
	sink      *feedback.Sink
	transport *fetch.Transport
	jobs      *bps.Jobs
}

func newPipeline(ctx *bpkg.Ctx, typ bps.JobsType, flags bps.Flags, reponame, destdir string, verbosity int, yes bool) (*pipeline, error) {
	db, err := pkgdb.Open(ctx.DBDir, ctx.Err)
	if err != nil {
		return nil, err
	}

	sink := feedback.New(verbosity, os.Stdout, os.Stdin)
	sink.Yes = yes

	params := ctx.JobsParams(typ, db, sink)
	params.Flags = flags
	params.Reponame = reponame
	params.Destdir = destdir
	jobs, err := bps.NewJobs(params)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &pipeline{
		ctx:  ctx,
		db:   db,
		sink: sink,
		transport: &fetch.Transport{
			CacheDir: ctx.CacheDir,
			Repos:    ctx.RepoURLs,
		},
		jobs: jobs,
	}, nil
}

func (p *pipeline) close() {
	p.db.Close()
}

// renderPlan prints the scheduled jobs as a table.
func (p *pipeline) renderPlan() {
	plan := p.jobs.Plan()
	if len(plan) == 0 {
		p.ctx.Out.Println("Nothing to do.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, job := range plan {
		switch job.Type {
		case bps.JobUpgrade:
			fmt.Fprintf(w, "\t%s\t%s\t%s -> %s\n", job.Type, job.New().Name,
				job.Old().Version, job.New().Version)
		case bps.JobDelete, bps.JobUpgradeRemove:
			reason := ""
			if job.Old().Reason != "" {
				reason = " (" + job.Old().Reason + ")"
			}
			fmt.Fprintf(w, "\t%s\t%s\t%s%s\n", job.Type, job.Old().Name, job.Old().Version, reason)
		default:
			reason := ""
			if job.New().Reason != "" {
				reason = " (" + job.New().Reason + ")"
			}
			fmt.Fprintf(w, "\t%s\t%s\t%s%s\n", job.Type, job.New().Name, job.New().Version, reason)
		}
	}
	w.Flush()
}

// solveAndApply runs the common solve, confirm, apply sequence.
func (p *pipeline) solveAndApply(dryRun bool) error {
	if err := p.jobs.Solve(context.Background()); err != nil {
		return err
	}

	p.renderPlan()
	if p.jobs.Count() == 0 || dryRun {
		return nil
	}

	if !p.sink.QueryYesNo(true, "Proceed with this action?") {
		return nil
	}
	return p.jobs.Apply(context.Background(), p.transport, pkgdb.Executor{DB: p.db})
}
