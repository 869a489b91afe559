// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bps

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// Item is one node of a universe chain: a single candidate package plus the
// solver-side bookkeeping attached to it. Items live in the universe's arena
// and are borrowed, never owned, by requests and jobs.
type Item struct {
	Pkg *Package

	// Priority is scratch state for the scheduling pass; it is reset at the
	// start of every pass.
	Priority int

	processed bool
	inhash    bool
}

// errEndOfChain is returned by Universe.Add when the package's digest is
// already present. Callers reuse the returned item; this is expected flow,
// not a failure.
var errEndOfChain = coded(CodeEnd)

// provideEntry records that an item satisfies a capability or soname.
type provideEntry struct {
	item    *Item
	shlib   bool
	provide string
}

// Universe is the unified multi-origin candidate graph: one chain of
// candidate packages per uid, deduplicated by digest, with a providers table
// for require/provide and shared-library resolution.
//
// The universe owns every Package added to it and outlives all request
// items, jobs and conflict records pointing into it.
type Universe struct {
	j *Jobs

	chains   map[string][]*Item
	seen     map[string]*Item
	provides map[string][]provideEntry

	replacements []Replacement

	nitems int
}

func newUniverse(j *Jobs) *Universe {
	return &Universe{
		j:        j,
		chains:   make(map[string][]*Item),
		seen:     make(map[string]*Item),
		provides: make(map[string][]provideEntry),
	}
}

// Count returns the number of items across all chains.
func (u *Universe) Count() int { return u.nitems }

// Find returns the chain for uid in insertion order, or nil.
func (u *Universe) Find(uid string) []*Item {
	return u.chains[uid]
}

// UIDs returns all chain keys in sorted order. Deterministic iteration
// matters: variable numbering and job emission follow it.
func (u *Universe) UIDs() []string {
	uids := make([]string, 0, len(u.chains))
	for uid := range u.chains {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}

// Replacements returns the accumulated (old uid, new uid) pairs. The slice
// is consumed exactly once by the store adapter after a successful solve.
func (u *Universe) Replacements() []Replacement {
	return u.replacements
}

// noteReplacement records that new now satisfies what old used to.
func (u *Universe) noteReplacement(old, new string) {
	for _, r := range u.replacements {
		if r.Old == old && r.New == new {
			return
		}
	}
	u.replacements = append(u.replacements, Replacement{Old: old, New: new})
}

// hasReplacement reports whether uid is already the new side of a recorded
// replacement.
func (u *Universe) hasReplacement(uid string) bool {
	for _, r := range u.replacements {
		if r.New == uid {
			return true
		}
	}
	return false
}

// computeDigest derives a content digest for packages that arrived without
// one (typically File packages and test fixtures).
func computeDigest(p *Package) string {
	h := sha256.New()
	io.WriteString(h, p.Name)
	io.WriteString(h, p.Origin)
	io.WriteString(h, p.Version)
	io.WriteString(h, p.Arch)
	for _, d := range p.Deps {
		io.WriteString(h, d.UID)
		io.WriteString(h, d.Version)
	}
	for _, s := range p.ShlibsProvided {
		io.WriteString(h, s)
	}
	for _, s := range p.ShlibsRequired {
		io.WriteString(h, s)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Add inserts pkg into its uid chain. A missing digest is computed first; a
// digest already present anywhere in the universe yields errEndOfChain and
// the existing item.
func (u *Universe) Add(pkg *Package) (*Item, error) {
	if pkg.Digest == "" {
		u.j.debugf(3, "no digest found for package %s (%s-%s)", pkg.UID, pkg.Name, pkg.Version)
		pkg.Digest = computeDigest(pkg)
		if pkg.Digest == "" {
			return nil, errors.Errorf("cannot compute digest for %s", pkg.UID)
		}
	}

	if it, ok := u.seen[pkg.Digest]; ok {
		return it, errEndOfChain
	}

	u.j.debugf(2, "universe: add new %s pkg: %s, (%s-%s:%s)",
		pkg.Type, pkg.UID, pkg.Name, pkg.Version, pkg.Digest)

	it := &Item{Pkg: pkg}
	chain := u.chains[pkg.UID]
	it.inhash = len(chain) == 0
	u.chains[pkg.UID] = append(chain, it)
	u.seen[pkg.Digest] = it
	u.nitems++

	u.indexProvides(it)

	return it, nil
}

// indexProvides registers the item's capabilities and sonames in the
// providers table.
func (u *Universe) indexProvides(it *Item) {
	for _, pr := range it.Pkg.Provides {
		u.provides[pr] = append(u.provides[pr], provideEntry{item: it, provide: pr})
	}
	for _, sl := range it.Pkg.ShlibsProvided {
		u.provides[sl] = append(u.provides[sl], provideEntry{item: it, shlib: true, provide: sl})
	}
}

// Local returns the Installed member of uid's chain, or nil.
func (u *Universe) Local(uid string) *Item {
	for _, it := range u.chains[uid] {
		if it.Pkg.Type == Installed {
			return it
		}
	}
	return nil
}

// GetLocal returns the installed package for uid, consulting the chain first
// and falling back to the local store with the requested load flags.
func (u *Universe) GetLocal(uid string, flags LoadFlags) (*Package, error) {
	if it := u.Local(uid); it != nil {
		return it.Pkg, nil
	}

	pkgs, err := u.j.store.Query(uid, MatchExact)
	if err != nil {
		return nil, errors.Wrapf(err, "querying local package %s", uid)
	}
	if len(pkgs) == 0 {
		return nil, nil
	}
	p := pkgs[0]
	if flags != 0 {
		if err := u.j.store.EnsureLoaded(p, flags); err != nil {
			return nil, errors.Wrapf(err, "loading local package %s", uid)
		}
	}
	return p, nil
}

// getRemote returns the best remote candidate for uid across the configured
// repositories, or nil.
func (u *Universe) getRemote(uid string, flags LoadFlags) (*Package, error) {
	pkgs, err := u.j.store.RepoQuery(uid, MatchExact, u.j.reponames)
	if err != nil {
		return nil, errors.Wrapf(err, "querying remote package %s", uid)
	}
	var best *Package
	for _, p := range pkgs {
		if best == nil || VersionCompare(p.Version, best.Version) == Greater {
			best = p
		}
	}
	if best != nil && flags != 0 {
		if err := u.j.store.EnsureLoaded(best, flags); err != nil {
			return nil, errors.Wrapf(err, "loading remote package %s", uid)
		}
	}
	return best, nil
}

// Process adds pkg and everything reachable from it to the universe:
// dependencies, plus reverse dependencies for delete jobs, or conflict
// partners and shared-library providers for all other jobs.
func (u *Universe) Process(pkg *Package) error {
	_, err := u.ProcessItem(pkg)
	return err
}

// ProcessItem is Process returning the item for pkg itself.
func (u *Universe) ProcessItem(pkg *Package) (*Item, error) {
	return u.addRecursive(pkg, false)
}

func (u *Universe) addRecursive(pkg *Package, depsOnly bool) (*Item, error) {
	var result *Item

	if !depsOnly {
		it, err := u.Add(pkg)
		if err != nil {
			if errors.Cause(err) == errEndOfChain {
				// Already present under another chain entry; nothing new to
				// expand.
				return it, nil
			}
			return nil, err
		}
		result = it
	}

	isDelete := u.j.isDelete()

	// Dependencies. For delete jobs uninstalled dependencies are of no
	// interest; otherwise a missing dependency is fatal unless forced.
	for i := range pkg.Deps {
		d := &pkg.Deps[i]
		if u.chains[d.UID] != nil {
			continue
		}

		npkg, err := u.GetLocal(d.UID, 0)
		if err != nil {
			return nil, err
		}
		var rpkg *Package

		switch {
		case npkg == nil && !isDelete:
			u.j.debugf(1, "dependency %s of package %s is not installed", d.Name, pkg.Name)
			npkg, err = u.getRemote(d.UID, 0)
			if err != nil {
				return nil, err
			}
			if npkg == nil {
				u.j.emitError("%s has a missing dependency: %s", pkg.Name, d.Name)
				if u.j.flags&FlagForceMissing != 0 {
					continue
				}
				return nil, codedErrorf(CodeDependency, "%s has a missing dependency: %s", pkg.Name, d.Name)
			}
		case npkg == nil:
			continue
		case !isDelete && npkg.Type == Installed:
			// Ensure we are not missing a newer remote version of an
			// already-installed dependency.
			rpkg, err = u.getRemote(d.UID, 0)
			if err != nil {
				return nil, err
			}
			if rpkg != nil && !NeedUpgrade(rpkg, npkg) {
				rpkg = nil
			}
		}

		if _, err := u.addRecursive(npkg, false); err != nil {
			continue
		}
		if rpkg != nil {
			rpkg.Automatic = npkg.Automatic
			if _, err := u.addRecursive(rpkg, false); err != nil {
				continue
			}
		}
	}

	// Reverse dependencies matter only when deleting: pulling them into the
	// universe on install/upgrade would freeze chains before their remote
	// candidates have been queried.
	if isDelete {
		for i := range pkg.Rdeps {
			d := &pkg.Rdeps[i]
			if u.chains[d.UID] != nil {
				continue
			}
			npkg, err := u.GetLocal(d.UID, 0)
			if err != nil {
				return nil, err
			}
			if npkg != nil {
				if _, err := u.addRecursive(npkg, false); err != nil {
					continue
				}
			}
		}
	}

	if !isDelete {
		// Declared conflict partners join the universe so the encoder can
		// rule the pairs out.
		for i := range pkg.Conflicts {
			c := &pkg.Conflicts[i]
			if u.chains[c.UID] != nil {
				continue
			}

			if pkg.Type == Installed {
				// Installed packages can conflict with remote ones.
				npkg, err := u.getRemote(c.UID, 0)
				if err != nil {
					return nil, err
				}
				if npkg == nil {
					continue
				}
				if _, err := u.addRecursive(npkg, false); err != nil {
					continue
				}
			} else {
				// Remote packages can conflict with both local and remote.
				npkg, err := u.GetLocal(c.UID, 0)
				if err != nil {
					return nil, err
				}
				if npkg != nil {
					if _, err := u.addRecursive(npkg, false); err != nil {
						continue
					}
				}
				if c.Type != ConflictRemoteLocal {
					rpkg, err := u.getRemote(c.UID, 0)
					if err != nil {
						return nil, err
					}
					if rpkg != nil {
						if _, err := u.addRecursive(rpkg, false); err != nil {
							continue
						}
					}
				}
			}
		}

		// Shared-library requirements of remote packages pull their
		// providers in.
		if pkg.Type != Installed {
			if err := u.processShlibs(pkg); err != nil {
				return nil, err
			}
		}
	}

	return result, nil
}

// processShlibs resolves pkg's required sonames to providing packages and
// records them in the providers table, adding previously unseen providers to
// the universe.
func (u *Universe) processShlibs(pkg *Package) error {
	for _, soname := range pkg.ShlibsRequired {
		if _, ok := u.provides[soname]; ok {
			continue
		}

		providers, err := u.j.store.RepoShlibProvide(soname, u.j.reponames)
		if err != nil {
			return errors.Wrapf(err, "resolving shared library %s", soname)
		}

		found := false
		for _, rpkg := range providers {
			var unit *Item

			if chain := u.chains[rpkg.UID]; chain != nil {
				local := u.Local(rpkg.UID)
				if local != nil && NeedUpgrade(rpkg, local.Pkg) {
					unit, err = u.addRecursive(rpkg, false)
					if err != nil {
						continue
					}
				} else {
					unit = chain[0]
				}
			} else {
				lpkg, err := u.GetLocal(rpkg.UID, 0)
				if err != nil {
					return err
				}
				if lpkg != nil {
					unit, err = u.addRecursive(lpkg, false)
					if err != nil {
						return err
					}
					if NeedUpgrade(rpkg, lpkg) {
						if it, err := u.addRecursive(rpkg, false); err == nil && it != nil {
							unit = it
						}
					}
				} else {
					unit, err = u.addRecursive(rpkg, false)
					if err != nil {
						continue
					}
				}
			}

			if unit != nil {
				found = true
			}
		}

		if !found {
			// Very common with stale repository catalogs; tolerated.
			u.j.debugf(1, "cannot find packages that provide %s required for %s",
				soname, pkg.Name)
		}
	}
	return nil
}

// UpgradeCandidates implements upgrade discovery for uid.
//
// An existing chain is returned as-is with no remote query. Otherwise every
// remote with this uid is considered: unless force is set, candidates are
// only adopted when at least one of them would actually upgrade local; a
// non-empty pinnedVersion restricts candidates to that exact version. The
// local package, when present, always joins the chain last.
func (u *Universe) UpgradeCandidates(uid string, local *Package, force bool, pinnedVersion string) ([]*Item, error) {
	if chain := u.chains[uid]; chain != nil {
		return chain, nil
	}

	remotes, err := u.j.store.RepoQuery(uid, MatchExact, u.j.reponames)
	if err != nil {
		return nil, errors.Wrapf(err, "querying upgrade candidates for %s", uid)
	}

	selected := remotes[:0]
	upgrade := false
	for _, rp := range remotes {
		if pinnedVersion != "" && VersionCompare(rp.Version, pinnedVersion) != Equal {
			continue
		}
		selected = append(selected, rp)
		if NeedUpgrade(rp, local) {
			upgrade = true
		}
	}

	if !upgrade && !force {
		return nil, nil
	}
	if len(selected) == 0 && local == nil {
		return nil, nil
	}

	for _, rp := range selected {
		if _, err := u.addRecursive(rp, false); err != nil {
			return nil, err
		}
	}
	if local != nil {
		if _, err := u.addRecursive(local, false); err != nil {
			return nil, err
		}
	}

	return u.chains[uid], nil
}

// SelectCandidate deterministically picks the chain member to prefer when
// setting assumptions and resolving dependencies:
//
//  1. with pinning, only items from reponame are considered;
//  2. a conservative pick prefers the local digest, then the local version;
//  3. otherwise the highest version wins, ties broken by repository priority
//     and finally by uid order.
func (u *Universe) SelectCandidate(chain []*Item, local *Item, conservative bool, reponame string, pinning bool) *Item {
	if len(chain) == 0 {
		return nil
	}

	pool := chain
	if pinning && reponame != "" {
		var pinned []*Item
		for _, it := range chain {
			if it.Pkg.Type != Installed && it.Pkg.RepoName != reponame {
				continue
			}
			pinned = append(pinned, it)
		}
		if len(pinned) > 0 {
			pool = pinned
		}
	}

	if conservative && local != nil {
		for _, it := range pool {
			if it.Pkg.Digest == local.Pkg.Digest {
				return it
			}
		}
		for _, it := range pool {
			if VersionCompare(it.Pkg.Version, local.Pkg.Version) == Equal {
				return it
			}
		}
	}

	best := pool[0]
	for _, it := range pool[1:] {
		switch VersionCompare(it.Pkg.Version, best.Pkg.Version) {
		case Greater:
			best = it
		case Equal:
			switch {
			case u.j.repoPriority(it.Pkg.RepoName) < u.j.repoPriority(best.Pkg.RepoName):
				best = it
			case u.j.repoPriority(it.Pkg.RepoName) == u.j.repoPriority(best.Pkg.RepoName) &&
				it.Pkg.UID < best.Pkg.UID:
				best = it
			}
		}
	}
	return best
}

// chainString renders a chain for debug output.
func chainString(chain []*Item) string {
	s := ""
	for i, it := range chain {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s(%s)", it.Pkg, it.Pkg.Type)
	}
	return s
}
