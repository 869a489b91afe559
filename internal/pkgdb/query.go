// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pkgdb

import (
	"path"
	"regexp"
	"strings"

	"github.com/armon/go-radix"
	"github.com/pkg/errors"

	"github.com/bpkg/bpkg/bps"
)

// nameIndex is a typed wrapper around a radix tree of installed uids; it
// saves type asserting at every call site.
type nameIndex struct {
	t *radix.Tree
}

func newNameIndex() *nameIndex {
	return &nameIndex{t: radix.New()}
}

func (n *nameIndex) insert(uid string) {
	n.t.Insert(uid, struct{}{})
}

func (n *nameIndex) remove(uid string) {
	n.t.Delete(uid)
}

func (n *nameIndex) has(uid string) bool {
	_, ok := n.t.Get(uid)
	return ok
}

// collectPrefix returns every indexed uid under prefix, in tree order.
func (n *nameIndex) collectPrefix(prefix string) []string {
	var uids []string
	n.t.WalkPrefix(prefix, func(s string, _ interface{}) bool {
		uids = append(uids, s)
		return false
	})
	return uids
}

// literalPrefix returns the leading literal part of a glob pattern, empty
// when the pattern starts with a metacharacter.
func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?[\\"); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

// matcher is a compiled match predicate over (name, uid).
type matcher func(name, uid string) bool

func newMatcher(pattern string, m bps.MatchKind) (matcher, error) {
	switch m {
	case bps.MatchAll:
		return func(string, string) bool { return true }, nil
	case bps.MatchExact:
		return func(_, uid string) bool { return uid == pattern }, nil
	case bps.MatchInternal:
		return func(name, _ string) bool { return name == pattern }, nil
	case bps.MatchGlob:
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, errors.Wrapf(err, "bad glob pattern %q", pattern)
		}
		return func(name, uid string) bool {
			ok, _ := path.Match(pattern, name)
			if !ok {
				ok, _ = path.Match(pattern, uid)
			}
			return ok
		}, nil
	case bps.MatchRegex:
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "bad regex pattern %q", pattern)
		}
		return func(name, uid string) bool {
			return re.MatchString(name) || re.MatchString(uid)
		}, nil
	}
	return nil, errors.Errorf("unknown match kind %d", m)
}

// parseCond compiles the condition fragments the solver core emits. The
// grammar is deliberately small: "field=value" terms joined by AND, over the
// boolean package flags.
func parseCond(cond string) (func(*bps.Package) bool, error) {
	cond = strings.TrimSpace(cond)
	cond = strings.TrimPrefix(cond, "WHERE")

	var terms []func(*bps.Package) bool
	for _, clause := range strings.Split(cond, "AND") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		field, value, ok := strings.Cut(clause, "=")
		if !ok {
			return nil, errors.Errorf("unsupported condition %q", clause)
		}
		want := strings.TrimSpace(value) == "1"
		switch strings.TrimSpace(field) {
		case "automatic":
			terms = append(terms, func(p *bps.Package) bool { return p.Automatic == want })
		case "vital":
			terms = append(terms, func(p *bps.Package) bool { return p.Vital == want })
		case "locked":
			terms = append(terms, func(p *bps.Package) bool { return p.Locked == want })
		default:
			return nil, errors.Errorf("unsupported condition field %q", field)
		}
	}

	return func(p *bps.Package) bool {
		for _, term := range terms {
			if !term(p) {
				return false
			}
		}
		return true
	}, nil
}
