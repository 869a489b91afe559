// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bps

import (
	"fmt"
	"strings"

	"github.com/go-air/gini"
)

// ruleType names the clause families of the encoding.
type ruleType int

const (
	ruleDepend ruleType = iota
	ruleUpgradeConflict
	ruleExplicitConflict
	ruleRequestConflict
	ruleRequest
	ruleRequire
)

func (r ruleType) String() string {
	switch r {
	case ruleDepend:
		return "dependency"
	case ruleUpgradeConflict:
		return "upgrade"
	case ruleRequestConflict:
		return "candidates"
	case ruleExplicitConflict:
		return "conflict"
	case ruleRequest:
		return "request"
	case ruleRequire:
		return "require"
	}
	return "unknown"
}

// Variable flags track solver-side state per universe item.
type variableFlags uint8

const (
	varInstall variableFlags = 1 << iota
	varTop
	varFailed
	varAssumed
	varAssumedTrue
)

// solveVariable is the Boolean variable of one universe item. Order is the
// 1-based index handed to the SAT solver; 0 is reserved by the CDCL
// library convention.
type solveVariable struct {
	unit  *Item
	flags variableFlags
	order int

	uid    string
	digest string

	// assumedRepo propagates the requesting repository down dependency
	// chains for pinned candidate selection.
	assumedRepo string

	// phase is the preferred polarity for the next solver call: +1 try
	// true, -1 try false, 0 no preference.
	phase int
}

// solveLiteral is one (variable, sign) pair inside a rule.
type solveLiteral struct {
	v       *solveVariable
	inverse int
}

// solveRule is one CNF clause plus the reason it exists, kept for
// diagnostics.
type solveRule struct {
	reason ruleType
	items  []solveLiteral
}

func (r *solveRule) append(v *solveVariable, inverse int) {
	r.items = append(r.items, solveLiteral{v: v, inverse: inverse})
}

// assumption is a top-level literal expressing user intent.
type assumption struct {
	v       *solveVariable
	inverse int
}

// solveProblem is the encoded SAT formula for one solve pass.
type solveProblem struct {
	j *Jobs

	vars  []solveVariable
	byUID map[string][]*solveVariable

	rules []*solveRule

	// requestAssumptions are the per-request suggested literals assumed on
	// the first solver call; reiterations re-derive assumptions from the
	// top-variable flags instead.
	requestAssumptions []assumption

	sat *gini.Gini
}

// String renders a rule the way the integrity reporter prints it.
func (p *solveProblem) ruleString(rule *solveRule) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s rule: ", rule.reason)

	side := func(v *solveVariable) string {
		if v.unit.Pkg.Type == Installed {
			return "(l)"
		}
		return "(r)"
	}

	switch rule.reason {
	case ruleDepend, ruleRequire:
		var key *solveLiteral
		for i := range rule.items {
			if rule.items[i].inverse == -1 {
				key = &rule.items[i]
				break
			}
		}
		if key != nil {
			what := "depends on: "
			if rule.reason == ruleRequire {
				what = "depends on a requirement provided by: "
			}
			fmt.Fprintf(&sb, "package %s%s %s", key.v.uid, side(key.v), what)
		}
		for i := range rule.items {
			if &rule.items[i] != key {
				fmt.Fprintf(&sb, "%s%s ", rule.items[i].v.uid, side(rule.items[i].v))
			}
		}
	case ruleUpgradeConflict:
		fmt.Fprintf(&sb, "upgrade local %s-%s to remote %s-%s",
			rule.items[0].v.uid, rule.items[0].v.unit.Pkg.Version,
			rule.items[1].v.uid, rule.items[1].v.unit.Pkg.Version)
	case ruleExplicitConflict:
		sb.WriteString("The following packages conflict with each other: ")
		for i := range rule.items {
			fmt.Fprintf(&sb, "%s-%s%s", rule.items[i].v.unit.Pkg.UID,
				rule.items[i].v.unit.Pkg.Version, side(rule.items[i].v))
			if i < len(rule.items)-1 {
				sb.WriteString(", ")
			}
		}
	case ruleRequestConflict:
		sb.WriteString("The following packages in request are candidates for installation: ")
		for i := range rule.items {
			fmt.Fprintf(&sb, "%s-%s", rule.items[i].v.uid, rule.items[i].v.unit.Pkg.Version)
			if i < len(rule.items)-1 {
				sb.WriteString(", ")
			}
		}
	}
	return sb.String()
}

func (p *solveProblem) addRule(rule *solveRule) {
	p.rules = append(p.rules, rule)
	p.j.debugf(3, "%s", p.ruleString(rule))
}

// findVarInChain returns the variable bound to item within chain.
func findVarInChain(chain []*solveVariable, item *Item) *solveVariable {
	for _, v := range chain {
		if v.unit == item {
			return v
		}
	}
	return nil
}

// addRequestRule encodes one request entry: the suggested item becomes a
// top-level assumption, and with more than one candidate the disjunction of
// candidates plus pairwise candidate conflicts are emitted.
func (p *solveProblem) addRequestRule(chain []*solveVariable, req *request, inverse int) {
	kind := "install"
	if inverse < 0 {
		kind = "delete"
	}
	p.j.debugf(4, "solver: add variable from %s request with uid %s", kind, chain[0].uid)

	// Assume the most significant candidate among the request items.
	units := make([]*Item, 0, len(req.items))
	for _, item := range req.items {
		units = append(units, item.unit)
	}
	selected := p.j.universe.SelectCandidate(units, p.j.universe.Local(chain[0].uid),
		p.j.conservative, p.j.reponame, p.j.pinning)
	suggested := findVarInChain(chain, selected)
	if suggested == nil {
		return
	}
	p.requestAssumptions = append(p.requestAssumptions, assumption{v: suggested, inverse: inverse})

	rule := &solveRule{reason: ruleRequest}
	for _, item := range req.items {
		curvar := findVarInChain(chain, item.unit)
		if curvar == nil {
			continue
		}
		curvar.flags |= varTop
		if inverse > 0 {
			curvar.flags |= varInstall
		}
		rule.append(curvar, inverse)
	}

	if len(rule.items) > 1 {
		p.addRule(rule)
		// Only one of the candidates may win.
		for i, item := range req.items {
			curvar := findVarInChain(chain, item.unit)
			if curvar == nil {
				continue
			}
			for _, confitem := range req.items[i+1:] {
				confvar := findVarInChain(chain, confitem.unit)
				if confvar == nil || confvar == curvar {
					continue
				}
				conf := &solveRule{reason: ruleRequestConflict}
				conf.append(curvar, -1)
				conf.append(confvar, -1)
				p.addRule(conf)
			}
		}
	}
}

// addDependRule encodes (!A | B1 | ... | Bm) for one dependency edge.
func (p *solveProblem) addDependRule(v *solveVariable, dep *Dep) {
	depchain := p.byUID[dep.UID]
	if depchain == nil {
		p.j.debugf(2, "cannot find variable dependency %s", dep.UID)
		return
	}

	rule := &solveRule{reason: ruleDepend}
	rule.append(v, -1)
	for _, curvar := range depchain {
		if curvar.assumedRepo == "" {
			curvar.assumedRepo = v.assumedRepo
		}
		rule.append(curvar, 1)
	}
	p.addRule(rule)
}

// addConflictRule encodes (!A | !B) for each chain member of the declared
// conflict partner whose type and digest are compatible.
func (p *solveProblem) addConflictRule(pkg *Package, v *solveVariable, conflict *Conflict) {
	confchain := p.byUID[conflict.UID]
	if confchain == nil {
		p.j.debugf(2, "cannot find conflict %s", conflict.UID)
		return
	}

	for _, curvar := range confchain {
		other := curvar.unit.Pkg

		switch conflict.Type {
		case ConflictRemoteLocal:
			// Exactly one side must be the installed one.
			if pkg.Type == Installed {
				if other.Type == Installed {
					continue
				}
			} else if other.Type != Installed {
				continue
			}
		case ConflictRemoteRemote:
			if pkg.Type == Installed || other.Type == Installed {
				continue
			}
		}

		if conflict.Digest != "" && conflict.Digest != other.Digest {
			continue
		}

		rule := &solveRule{reason: ruleExplicitConflict}
		rule.append(v, -1)
		rule.append(curvar, -1)
		p.addRule(rule)
	}
}

// addRequireRule encodes (!A | P1 | ... | Pk) over the providers of one
// requirement. Requirements without any provider are tolerated: stale
// shared-library dependencies are endemic in real repositories.
func (p *solveProblem) addRequireRule(v *solveVariable, requirement string) {
	pkg := v.unit.Pkg

	providers := p.j.universe.provides[requirement]
	if len(providers) == 0 {
		p.j.debugf(1, "solver: for package: %s cannot find provide for requirement: %s",
			pkg.Name, requirement)
		return
	}

	p.j.debugf(4, "solver: add require rule: %s-%s wants %s", pkg.Name, pkg.Version, requirement)

	rule := &solveRule{reason: ruleRequire}
	rule.append(v, -1)

	seen := make(map[int]bool)
	for _, pr := range providers {
		for _, curvar := range p.byUID[pr.item.Pkg.UID] {
			other := curvar.unit.Pkg

			if pr.shlib {
				if !other.providesShlib(requirement) {
					continue
				}
				// Skip incompatible ABIs as well.
				if other.Arch != pkg.Arch {
					p.j.debugf(2, "solver: require %s: package %s-%s provides wrong ABI %s, wanted %s",
						requirement, other.Name, other.Version, other.Arch, pkg.Arch)
					continue
				}
			} else if !other.providesCapability(requirement) {
				continue
			}

			if seen[curvar.order] {
				continue
			}
			seen[curvar.order] = true

			if curvar.assumedRepo == "" {
				curvar.assumedRepo = v.assumedRepo
			}
			rule.append(curvar, 1)
		}
	}

	if len(rule.items) > 1 {
		p.addRule(rule)
	}
}

// addChainRule encodes pairwise (!Ax | !Ay) over an upgrade chain: at most
// one version of a uid may be installed.
func (p *solveProblem) addChainRule(chain []*solveVariable) {
	for i, curvar := range chain {
		for _, confvar := range chain[i+1:] {
			rule := &solveRule{reason: ruleUpgradeConflict}
			rule.append(curvar, -1)
			rule.append(confvar, -1)
			p.addRule(rule)
		}
	}
}

// processUniverseVariable emits every rule rooted at one uid chain.
func (p *solveProblem) processUniverseVariable(chain []*solveVariable) {
	chainAdded := false

	for _, curvar := range chain {
		pkg := curvar.unit.Pkg

		if curvar.flags&varTop == 0 {
			if req, ok := p.j.requestAdd[curvar.uid]; ok && !req.skip {
				p.addRequestRule(chain, req, 1)
				curvar.assumedRepo = pkg.RepoName
			}
			if req, ok := p.j.requestDelete[curvar.uid]; ok && !req.skip {
				p.addRequestRule(chain, req, -1)
				curvar.assumedRepo = pkg.RepoName
			}
		}

		for i := range pkg.Deps {
			p.addDependRule(curvar, &pkg.Deps[i])
		}

		for i := range pkg.Conflicts {
			p.addConflictRule(pkg, curvar, &pkg.Conflicts[i])
		}

		for _, sl := range pkg.ShlibsRequired {
			p.addRequireRule(curvar, sl)
		}
		for _, req := range pkg.Requires {
			p.addRequireRule(curvar, req)
		}

		if !chainAdded && len(chain) > 1 {
			p.addChainRule(chain)
			chainAdded = true
		}
	}
}

// setInitialAssumption biases the dependency closure of top variables toward
// the candidate SelectCandidate would pick, marking the whole chain assumed
// so it is decided only once.
func (p *solveProblem) setInitialAssumption(rule *solveRule) {
	if rule.reason != ruleDepend {
		return
	}

	v := rule.items[0].v
	if v.flags&(varTop|varAssumedTrue) == 0 {
		// Only dependencies of top variables or of previously assumed
		// dependencies are interesting.
		p.j.debugf(4, "solver: not interested in dependencies for %s-%s",
			v.unit.Pkg.Name, v.unit.Pkg.Version)
		return
	}
	p.j.debugf(4, "solver: examine dependencies for %s-%s", v.unit.Pkg.Name, v.unit.Pkg.Version)

	if len(rule.items) < 2 {
		return
	}
	depchain := p.byUID[rule.items[1].v.uid]
	for _, cvar := range depchain {
		if cvar.flags&varAssumed != 0 {
			// Do not reassume packages.
			return
		}
	}

	conservative := p.j.conservative
	preferLocal := false
	if p.j.Type == JobsInstall {
		// Avoid upgrades on install jobs.
		conservative = true
		preferLocal = true
	}

	chain := p.j.universe.Find(rule.items[1].v.uid)
	var local *Item
	for _, cur := range chain {
		if cur.Pkg.Type == Installed {
			local = cur
			break
		}
	}

	var selected *Item
	if preferLocal && local != nil {
		selected = local
	} else {
		selected = p.j.universe.SelectCandidate(chain, local, conservative,
			rule.items[0].v.assumedRepo, true)
		if local != nil && selected != nil && selected.Pkg.Digest == local.Pkg.Digest {
			selected = local
		}
	}
	if selected == nil {
		return
	}

	for _, cvar := range depchain {
		if cvar.unit == selected {
			p.j.debugf(4, "solver: assumed %s-%s(%s) to be installed",
				selected.Pkg.Name, selected.Pkg.Version, selected.Pkg.Type)
			cvar.phase = 1
			cvar.flags |= varAssumedTrue
		} else {
			p.j.debugf(4, "solver: assumed %s-%s(%s) to be NOT installed",
				cvar.unit.Pkg.Name, cvar.unit.Pkg.Version, cvar.unit.Pkg.Type)
			cvar.phase = -1
		}
		cvar.flags |= varAssumed
	}
}

// encodeProblem turns the universe plus the request into the SAT formula.
func (j *Jobs) encodeProblem() (*solveProblem, error) {
	p := &solveProblem{
		j:     j,
		vars:  make([]solveVariable, 0, j.universe.Count()),
		byUID: make(map[string][]*solveVariable),
		sat:   gini.New(),
	}

	// One variable per universe item, chains kept contiguous; order is the
	// 1-based solver index.
	for _, uid := range j.universe.UIDs() {
		chain := j.universe.Find(uid)
		start := len(p.vars)
		for _, it := range chain {
			p.vars = append(p.vars, solveVariable{
				unit:   it,
				uid:    it.Pkg.UID,
				digest: it.Pkg.Digest,
				order:  len(p.vars) + 1,
			})
		}
		vchain := make([]*solveVariable, 0, len(chain))
		for i := start; i < len(p.vars); i++ {
			vchain = append(vchain, &p.vars[i])
		}
		p.byUID[uid] = vchain
		j.debugf(4, "solver: add variable from universe with uid %s", uid)
	}

	for _, uid := range j.universe.UIDs() {
		p.processUniverseVariable(p.byUID[uid])
	}

	if len(p.rules) == 0 {
		j.debugf(1, "problem has no requests")
	}

	for _, rule := range p.rules {
		p.setInitialAssumption(rule)
	}

	return p, nil
}
