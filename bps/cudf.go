// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bps

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CUDF does not allow '_' in package names; it travels as '@' and is
// restored on the way back.
func cudfName(name string) string {
	return strings.ReplaceAll(name, "_", "@")
}

func cudfUnname(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), "@", "_")
}

func cudfEmitList(w io.Writer, field string, elems []string) error {
	if len(elems) == 0 {
		return nil
	}
	if _, err := fmt.Fprintf(w, "%s: ", field); err != nil {
		return err
	}
	column := 0
	for i, e := range elems {
		if column > 80 {
			column = 0
			if _, err := fmt.Fprint(w, "\n "); err != nil {
				return err
			}
		}
		sep := "\n"
		if i < len(elems)-1 {
			sep = ", "
		}
		n, err := fmt.Fprintf(w, "%s%s", cudfName(e), sep)
		if err != nil {
			return err
		}
		column += n
	}
	return nil
}

func cudfEmitPkg(w io.Writer, pkg *Package, version int) error {
	if _, err := fmt.Fprintf(w, "package: %s\nversion: %d\n", cudfName(pkg.UID), version); err != nil {
		return err
	}

	deps := make([]string, len(pkg.Deps))
	for i := range pkg.Deps {
		deps[i] = pkg.Deps[i].UID
	}
	if err := cudfEmitList(w, "depends", deps); err != nil {
		return err
	}
	if err := cudfEmitList(w, "provides", pkg.Provides); err != nil {
		return err
	}

	conflicts := make([]string, len(pkg.Conflicts))
	for i := range pkg.Conflicts {
		conflicts[i] = pkg.Conflicts[i].UID
	}
	if err := cudfEmitList(w, "conflicts", conflicts); err != nil {
		return err
	}

	installed := "false"
	if pkg.Type == Installed {
		installed = "true"
	}
	_, err := fmt.Fprintf(w, "installed: %s\n\n", installed)
	return err
}

func (j *Jobs) cudfRequestList(head map[string]*request) []string {
	var uids []string
	for _, uid := range sortedRequestUIDs(head) {
		if head[uid].skip {
			continue
		}
		uids = append(uids, uid)
	}
	return uids
}

// emitCUDF writes the universe plus the request as a CUDF document. CUDF
// versions are chain positions after a version sort; the order is kept on
// the Jobs so the reply can be mapped back.
func (j *Jobs) emitCUDF(w io.Writer) error {
	if _, err := fmt.Fprint(w, "preamble: \n\n"); err != nil {
		return err
	}

	j.cudfOrder = make(map[string][]*Item)
	for _, uid := range j.universe.UIDs() {
		chain := append([]*Item(nil), j.universe.Find(uid)...)
		sort.SliceStable(chain, func(a, b int) bool {
			return VersionCompare(chain[a].Pkg.Version, chain[b].Pkg.Version) == Less
		})
		j.cudfOrder[uid] = chain

		for i, it := range chain {
			if err := cudfEmitPkg(w, it.Pkg, i+1); err != nil {
				return err
			}
		}
	}

	if _, err := fmt.Fprint(w, "request: \n"); err != nil {
		return err
	}
	op := "install"
	if j.Type == JobsUpgrade {
		op = "upgrade"
	}
	if err := cudfEmitList(w, op, j.cudfRequestList(j.requestAdd)); err != nil {
		return err
	}
	return cudfEmitList(w, "remove", j.cudfRequestList(j.requestDelete))
}

// cudfEntry is one stanza of a CUDF solver reply.
type cudfEntry struct {
	uid       string
	version   int
	installed bool
}

// applyCUDFEntry resolves one reply stanza to a universe item and records
// the verdict.
func (j *Jobs) applyCUDFEntry(entry *cudfEntry, adds, dels map[string]*Item) error {
	chain := j.cudfOrder[entry.uid]
	if chain == nil {
		j.emitError("package %s is found in CUDF output but not in the universe", entry.uid)
		return codedErrorf(CodeFatal, "package %s is not in the universe", entry.uid)
	}
	if entry.version < 1 || entry.version > len(chain) {
		j.emitError("package %s is found in CUDF output but the universe has no such version", entry.uid)
		return codedErrorf(CodeFatal, "package %s has no version %d", entry.uid, entry.version)
	}
	selected := chain[entry.version-1]

	if entry.installed && selected.Pkg.Type != Installed {
		adds[entry.uid] = selected
	} else if !entry.installed && selected.Pkg.Type == Installed {
		dels[entry.uid] = selected
	}
	return nil
}

// parseCUDF reads a CUDF solver reply and synthesises jobs from it.
func (j *Jobs) parseCUDF(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	adds := make(map[string]*Item)
	dels := make(map[string]*Item)

	var entry *cudfEntry
	flush := func() error {
		if entry == nil {
			return nil
		}
		err := j.applyCUDFEntry(entry, adds, dels)
		entry = nil
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		field, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(field) {
		case "package":
			if err := flush(); err != nil {
				return err
			}
			entry = &cudfEntry{uid: cudfUnname(value)}
		case "version":
			if entry != nil {
				entry.version, _ = strconv.Atoi(value)
			}
		case "installed":
			if entry != nil {
				entry.installed = value == "true"
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "reading cudf solver output")
	}
	if err := flush(); err != nil {
		return err
	}

	// Pair adds and deletes per uid the way the SAT verdict is paired.
	uids := make([]string, 0, len(adds)+len(dels))
	for uid := range adds {
		uids = append(uids, uid)
	}
	for uid := range dels {
		if _, ok := adds[uid]; !ok {
			uids = append(uids, uid)
		}
	}
	sort.Strings(uids)

	for _, uid := range uids {
		add, del := adds[uid], dels[uid]
		switch {
		case add != nil && del != nil:
			j.jobs = append(j.jobs, &Job{Type: JobUpgrade, Items: [2]*Item{add, del}})
		case add != nil:
			typ := JobInstall
			if j.Type == JobsFetch {
				typ = JobFetch
			}
			j.jobs = append(j.jobs, &Job{Type: typ, Items: [2]*Item{add}})
		case del != nil:
			j.jobs = append(j.jobs, &Job{Type: JobDelete, Items: [2]*Item{del}})
		}
	}
	return nil
}

// solveWithCUDF pipes the problem to the configured external CUDF solver
// and parses its reply.
func (j *Jobs) solveWithCUDF(ctx context.Context) error {
	out, err := runSolverPipe(ctx, j.cudfSolver, j.emitCUDF)
	if err != nil {
		return errors.Wrapf(err, "running cudf solver %s", j.cudfSolver)
	}
	return j.parseCUDF(bytes.NewReader(out))
}

// solveWithExternalSAT exports the formula as DIMACS to the configured
// external SAT solver and parses its reply.
func (j *Jobs) solveWithExternalSAT(ctx context.Context, problem *solveProblem) error {
	out, err := runSolverPipe(ctx, j.satSolver, problem.exportDimacs)
	if err != nil {
		return errors.Wrapf(err, "running sat solver %s", j.satSolver)
	}
	return problem.parseSATOutput(bytes.NewReader(out))
}
