// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bps

import (
	"strconv"
	"strings"
)

// Ordering is the result of comparing two package versions.
type Ordering int

// The three possible comparison results.
const (
	Less    Ordering = -1
	Equal   Ordering = 0
	Greater Ordering = 1
)

func (o Ordering) String() string {
	switch o {
	case Less:
		return "<"
	case Greater:
		return ">"
	}
	return "="
}

// parsedVersion is the decomposition of "[epoch:]version[_revision[,portrevision]]".
type parsedVersion struct {
	epoch   int
	version string
	rev     int
	portrev int
}

func parseVersion(s string) parsedVersion {
	var pv parsedVersion

	if i := strings.IndexByte(s, ':'); i > 0 {
		if e, err := strconv.Atoi(s[:i]); err == nil {
			pv.epoch = e
			s = s[i+1:]
		}
	}
	if i := strings.IndexByte(s, ','); i >= 0 {
		if p, err := strconv.Atoi(s[i+1:]); err == nil {
			pv.portrev = p
		}
		s = s[:i]
	}
	if i := strings.LastIndexByte(s, '_'); i >= 0 {
		if r, err := strconv.Atoi(s[i+1:]); err == nil {
			pv.rev = r
			s = s[:i]
		}
	}
	pv.version = s
	return pv
}

// Token kinds inside a single dot-separated version component. The zero kind
// marks exhaustion of the component.
type versionTokenKind int

const (
	tokenEnd versionTokenKind = iota
	tokenNumber
	tokenAlpha
	tokenTilde
)

type versionToken struct {
	kind versionTokenKind
	text string
}

// nextVersionToken splits the leading run off s. Runs are maximal sequences
// of digits, of letters, or of tildes; any other byte is skipped as a
// separator of equal weight.
func nextVersionToken(s string) (versionToken, string) {
	for len(s) > 0 && !isVersionTokenByte(s[0]) {
		s = s[1:]
	}
	if len(s) == 0 {
		return versionToken{kind: tokenEnd}, ""
	}

	var kind versionTokenKind
	switch {
	case s[0] >= '0' && s[0] <= '9':
		kind = tokenNumber
	case s[0] == '~':
		kind = tokenTilde
	default:
		kind = tokenAlpha
	}

	i := 1
	for i < len(s) && tokenKindOf(s[i]) == kind {
		i++
	}
	return versionToken{kind: kind, text: s[:i]}, s[i:]
}

func isVersionTokenByte(c byte) bool {
	return tokenKindOf(c) != tokenEnd
}

func tokenKindOf(c byte) versionTokenKind {
	switch {
	case c >= '0' && c <= '9':
		return tokenNumber
	case c == '~':
		return tokenTilde
	case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
		return tokenAlpha
	}
	return tokenEnd
}

// compareNumberRuns compares two digit runs as integers of arbitrary width.
func compareNumberRuns(a, b string) Ordering {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return Less
		}
		return Greater
	}
	if a == b {
		return Equal
	}
	if a < b {
		return Less
	}
	return Greater
}

// compareComponent orders one dot-separated component of each version.
//
// A tilde run sorts before the empty string, so "1.0~rc1" precedes "1.0".
// A numeric run outranks an alpha run at the same position, so "1.0.1"
// succeeds "1.0.rc".
func compareComponent(a, b string) Ordering {
	for {
		ta, resta := nextVersionToken(a)
		tb, restb := nextVersionToken(b)
		a, b = resta, restb

		if ta.kind == tokenEnd && tb.kind == tokenEnd {
			return Equal
		}
		if ta.kind == tokenEnd {
			if tb.kind == tokenTilde {
				return Greater
			}
			return Less
		}
		if tb.kind == tokenEnd {
			if ta.kind == tokenTilde {
				return Less
			}
			return Greater
		}

		if ta.kind != tb.kind {
			switch {
			case ta.kind == tokenTilde:
				return Less
			case tb.kind == tokenTilde:
				return Greater
			case ta.kind == tokenNumber:
				return Greater
			default:
				return Less
			}
		}

		switch ta.kind {
		case tokenNumber:
			if o := compareNumberRuns(ta.text, tb.text); o != Equal {
				return o
			}
		case tokenAlpha:
			if ta.text != tb.text {
				if ta.text < tb.text {
					return Less
				}
				return Greater
			}
		case tokenTilde:
			// Equal-weight pre-release markers; keep scanning.
		}
	}
}

func compareInts(a, b int) Ordering {
	switch {
	case a < b:
		return Less
	case a > b:
		return Greater
	}
	return Equal
}

// VersionCompare imposes the total order on package version strings.
//
// Versions have the shape "[epoch:]version[_revision[,portrevision]]". A
// higher epoch wins unconditionally; the version proper is compared
// component-wise on dots; revision and portrevision only break exact version
// ties.
func VersionCompare(a, b string) Ordering {
	if a == b {
		return Equal
	}

	pa, pb := parseVersion(a), parseVersion(b)

	if o := compareInts(pa.epoch, pb.epoch); o != Equal {
		return o
	}

	ca := strings.Split(pa.version, ".")
	cb := strings.Split(pb.version, ".")
	for i := 0; i < len(ca) || i < len(cb); i++ {
		var va, vb string
		if i < len(ca) {
			va = ca[i]
		}
		if i < len(cb) {
			vb = cb[i]
		}
		if o := compareComponent(va, vb); o != Equal {
			return o
		}
	}

	if o := compareInts(pa.rev, pb.rev); o != Equal {
		return o
	}
	return compareInts(pa.portrev, pb.portrev)
}
