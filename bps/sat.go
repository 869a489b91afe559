// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bps

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-air/gini/z"
	"github.com/pkg/errors"
)

func (p *solveProblem) lit(v *solveVariable, sign int) z.Lit {
	if sign >= 0 {
		return z.Var(uint32(v.order)).Pos()
	}
	return z.Var(uint32(v.order)).Neg()
}

func (p *solveProblem) varOfLit(m z.Lit) *solveVariable {
	order := int(m.Var())
	if order < 1 || order > len(p.vars) {
		return nil
	}
	return &p.vars[order-1]
}

// loadClauses feeds the encoded rules to the SAT solver once. Every
// variable is introduced first with a tautological clause so the solver
// sizes its tables up front, the way picosat_adjust does.
func (p *solveProblem) loadClauses() {
	for i := range p.vars {
		v := &p.vars[i]
		p.sat.Add(p.lit(v, 1))
		p.sat.Add(p.lit(v, -1))
		p.sat.Add(z.LitNull)
	}

	for _, rule := range p.rules {
		for _, it := range rule.items {
			p.sat.Add(p.lit(it.v, it.inverse))
		}
		p.sat.Add(z.LitNull)
	}
}

// setPhases computes the preferred polarity of every non-top variable for
// the next solver call:
//
//   - a failed variable is retried with the opposite polarity (a local one
//     flips to false, a remote one to true);
//   - a variable whose chain has a local sibling defaults to true;
//   - a sole candidate without a local version defaults to false, avoiding
//     needless installations.
func (p *solveProblem) setPhases() {
	for i := range p.vars {
		v := &p.vars[i]

		if v.flags&varTop != 0 {
			continue
		}

		if v.flags&(varFailed|varAssumed) == 0 {
			isInstalled := false
			for _, cur := range p.byUID[v.uid] {
				if cur.unit.Pkg.Type == Installed {
					isInstalled = true
					break
				}
			}
			switch {
			case isInstalled:
				v.phase = 1
			case len(p.byUID[v.uid]) == 1:
				// Prefer not to install if there is no local version.
				v.phase = -1
			}
		} else if v.flags&varFailed != 0 {
			if v.unit.Pkg.Type == Installed {
				v.phase = -1
			} else {
				v.phase = 1
			}
			v.flags &^= varFailed
		}
	}
}

// hardAssumptions returns the top-level literals expressing user intent for
// this iteration: the per-request suggested literals on the first call, the
// accumulated top-variable state afterwards.
func (p *solveProblem) hardAssumptions(iter int) []z.Lit {
	var ms []z.Lit
	if iter == 0 {
		for _, a := range p.requestAssumptions {
			ms = append(ms, p.lit(a.v, a.inverse))
		}
		return ms
	}

	for i := range p.vars {
		v := &p.vars[i]
		if v.flags&varTop == 0 {
			continue
		}
		sign := -1
		if v.flags&varInstall != 0 {
			sign = 1
		}
		ms = append(ms, p.lit(v, sign))
	}
	return ms
}

// softAssumptions renders the phase preferences as assumption literals. The
// underlying CDCL library exposes no default-phase control, so preferences
// ride along as assumptions and are dropped wholesale when they make the
// problem unsatisfiable.
func (p *solveProblem) softAssumptions() []z.Lit {
	var ms []z.Lit
	for i := range p.vars {
		v := &p.vars[i]
		if v.flags&varTop != 0 || v.phase == 0 {
			continue
		}
		ms = append(ms, p.lit(v, v.phase))
	}
	return ms
}

// solveSAT runs the CDCL loop with failed-assumption recovery, leaving the
// verdict in each variable's install flag.
func (p *solveProblem) solveSAT() error {
	j := p.j
	p.loadClauses()

	iter, attempt := 0, 0
	for {
		needReiterate := false

		if iter > 0 {
			// Restore top-level assumptions, flipping the failed ones.
			for i := range p.vars {
				v := &p.vars[i]
				if v.flags&varTop != 0 && v.flags&varFailed != 0 {
					v.flags ^= varInstall | varFailed
				}
			}
		}

		p.setPhases()
		hard := p.hardAssumptions(iter)

		p.sat.Assume(hard...)
		p.sat.Assume(p.softAssumptions()...)
		res := p.sat.Solve()
		if res != 1 {
			// The phase preferences may be what is unsatisfiable; retry on
			// the user's intent alone.
			p.sat.Assume(hard...)
			res = p.sat.Solve()
		}

		if res != 1 {
			// By experience the culprit is the last of the failed
			// assumptions, so penalise it first; after enough fruitless
			// attempts fall back to asking the operator per literal.
			failed := p.sat.Why(nil)
			if len(failed) == 0 {
				return errors.New("solver internal error: unsatisfiable without failed assumptions")
			}
			attempt++

			if attempt >= j.satAttempts {
				j.emitError("Cannot solve problem using SAT solver")
				for _, m := range failed {
					v := p.varOfLit(m)
					if v == nil {
						continue
					}
					var sb strings.Builder
					for _, rule := range p.rules {
						if rule.reason == ruleDepend {
							continue
						}
						for _, it := range rule.items {
							if it.v == v {
								sb.WriteString(p.ruleString(rule))
								sb.WriteByte('\n')
								break
							}
						}
					}
					verb := "remove"
					if v.flags&varInstall != 0 {
						verb = "install"
					}
					fmt.Fprintf(&sb, "cannot %s package %s, remove it from request? ", verb, v.uid)
					if j.sink.QueryYesNo(true, sb.String()) {
						v.flags |= varFailed
					}
					needReiterate = true
				}
			} else {
				j.emitNotice("Cannot solve problem using SAT solver, trying another plan")
				if v := p.varOfLit(failed[len(failed)-1]); v != nil {
					v.flags |= varFailed
				}
				needReiterate = true
			}
		} else {
			// Assign the model.
			for i := range p.vars {
				v := &p.vars[i]
				verdict := "delete"
				if p.sat.Value(p.lit(v, 1)) {
					v.flags |= varInstall
					verdict = "install"
				} else {
					v.flags &^= varInstall
				}
				j.debugf(2, "decided %s %s-%s to %s", v.unit.Pkg.Type, v.uid, v.digest, verdict)
			}

			// A model that deletes a local package without picking any
			// replacement while the user asked for install/upgrade deserves
			// one more iteration to make sure there is truly no other
			// choice.
			if (j.Type == JobsInstall || j.Type == JobsUpgrade) && iter == 0 {
				for i := range p.vars {
					v := &p.vars[i]
					if v.flags&varInstall != 0 {
						continue
					}
					failedVar := false
					for _, cur := range p.byUID[v.uid] {
						if cur.flags&varInstall != 0 {
							failedVar = false
							break
						} else if cur.unit.Pkg.Type == Installed {
							failedVar = true
						}
					}
					if failedVar {
						j.debugf(1, "trying to delete local package %s-%s on install/upgrade, "+
							"reiterate on SAT", v.unit.Pkg.Name, v.unit.Pkg.Version)
						needReiterate = true
						for _, cur := range p.byUID[v.uid] {
							cur.flags |= varFailed
						}
					}
				}
			}
		}

		if !needReiterate {
			if res != 1 {
				return codedErrorf(CodeFatal, "cannot solve problem using SAT solver")
			}
			return nil
		}
		iter++
	}
}

// toJobs materialises the SAT verdict into install/delete/upgrade jobs, one
// look at each uid chain.
func (p *solveProblem) toJobs() error {
	j := p.j

	for _, uid := range j.universe.UIDs() {
		chain := p.byUID[uid]
		j.debugf(4, "solver: check variable with uid %s", uid)

		var addVar, delVar *solveVariable
		seenAdd, seenDel := 0, 0
		for _, v := range chain {
			if v.flags&varInstall != 0 && v.unit.Pkg.Type != Installed {
				addVar = v
				seenAdd++
			} else if v.flags&varInstall == 0 && v.unit.Pkg.Type == Installed {
				delVar = v
				seenDel++
			}
		}

		if seenAdd > 1 {
			j.emitError("internal solver error: more than two packages to install(%d) "+
				"from the same uid: %s", seenAdd, uid)
			return codedErrorf(CodeFatal,
				"internal solver error: more than two packages to install from the same uid: %s", uid)
		}

		if seenAdd == 0 && seenDel == 0 {
			j.debugf(2, "solver: ignoring package %s as its state has not been changed", uid)
			continue
		}

		if seenAdd > 0 {
			if seenDel == 0 {
				typ := JobInstall
				if j.Type == JobsFetch {
					typ = JobFetch
				}
				j.jobs = append(j.jobs, &Job{Type: typ, Items: [2]*Item{addVar.unit}})
				j.debugf(3, "solve: schedule installation of %s %s", uid, addVar.digest)
			} else {
				j.jobs = append(j.jobs, &Job{
					Type:  JobUpgrade,
					Items: [2]*Item{addVar.unit, delVar.unit},
				})
				j.debugf(3, "solve: schedule upgrade of %s from %s to %s",
					uid, delVar.digest, addVar.digest)
			}
		}

		// Delete requests may doom several chain members per uid.
		for _, v := range chain {
			if v.flags&varInstall != 0 || v.unit.Pkg.Type != Installed {
				continue
			}
			if seenAdd > 0 && v == delVar {
				continue
			}
			j.jobs = append(j.jobs, &Job{Type: JobDelete, Items: [2]*Item{v.unit}})
			j.debugf(3, "solve: schedule deletion of %s %s", uid, v.digest)
		}
	}

	return nil
}

// exportDimacs writes the formula in DIMACS CNF form for an external
// solver.
func (p *solveProblem) exportDimacs(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "p cnf %d %d\n", len(p.vars), len(p.rules)); err != nil {
		return err
	}
	for _, rule := range p.rules {
		for _, it := range rule.items {
			if _, err := fmt.Fprintf(w, "%d ", it.v.order*it.inverse); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w, "0"); err != nil {
			return err
		}
	}
	return nil
}

// storeSATLiteral applies one literal of an external solver's model; it
// reports whether the terminating zero was seen.
func (p *solveProblem) storeSATLiteral(tok string) bool {
	order, err := strconv.Atoi(tok)
	if err != nil || order == 0 {
		return err == nil && order == 0
	}
	idx := order
	if idx < 0 {
		idx = -idx
	}
	if idx <= len(p.vars) {
		v := &p.vars[idx-1]
		if order < 0 {
			v.flags &^= varInstall
		} else {
			v.flags |= varInstall
		}
	}
	return false
}

// parseSATOutput reads a DIMACS-style SAT/v-line reply from an external
// solver into the variable assignment.
func (p *solveProblem) parseSATOutput(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	gotSAT, done := false, false

	for scanner.Scan() {
		line := scanner.Text()
		var fields []string
		switch {
		case strings.HasPrefix(line, "SAT"):
			gotSAT = true
			continue
		case gotSAT:
			fields = strings.Fields(line)
		case strings.HasPrefix(line, "v "):
			fields = strings.Fields(line[2:])
		default:
			// Quietly ignore anything else the solver prints.
			continue
		}
		for _, tok := range fields {
			if p.storeSATLiteral(tok) {
				done = true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "reading sat solver output")
	}

	if !done {
		p.j.emitError("cannot parse sat solver output")
		return codedErrorf(CodeFatal, "cannot parse sat solver output")
	}
	return p.toJobs()
}
