// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bps

import "testing"

func TestVersionCompare(t *testing.T) {
	cases := []struct {
		a, b string
		want Ordering
	}{
		{"1.0", "1.0", Equal},
		{"1.0", "1.1", Less},
		{"1.1", "1.0", Greater},
		{"1.0", "1.0.1", Less},
		{"1.10", "1.9", Greater},
		{"1.010", "1.10", Equal},
		{"2.0", "10.0", Less},

		// Alpha runs order lexicographically, below numeric runs.
		{"1.0.a", "1.0.b", Less},
		{"1.0.rc", "1.0.1", Less},
		{"1.0a", "1.0", Greater},
		{"1.0.alpha", "1.0.beta", Less},

		// Tilde marks a pre-release and sorts before the empty string.
		{"1.0~rc1", "1.0", Less},
		{"1.0~rc1", "1.0~rc2", Less},
		{"1.0~~", "1.0~", Equal},
		{"1.0~beta", "1.0.1", Less},

		// Epochs dominate everything else.
		{"1:0.5", "2.0", Greater},
		{"1:1.0", "2:0.1", Less},
		{"0:1.0", "1.0", Equal},

		// Revisions and portrevisions only break exact version ties.
		{"1.0_1", "1.0", Greater},
		{"1.0_1", "1.0_2", Less},
		{"1.0_1,1", "1.0_1,2", Less},
		{"1.0_2", "1.1_1", Less},

		{"2024.01.15", "2024.1.15", Equal},
		{"1.0p1", "1.0p2", Less},
	}

	for _, c := range cases {
		if got := VersionCompare(c.a, c.b); got != c.want {
			t.Errorf("VersionCompare(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
		// Antisymmetry comes for free out of the same table.
		if got := VersionCompare(c.b, c.a); got != -c.want {
			t.Errorf("VersionCompare(%q, %q) = %v, want %v", c.b, c.a, got, -c.want)
		}
	}
}

// TestVersionCompareTotalOrder checks reflexivity and transitivity across a
// fixed corpus, pairwise and triple-wise.
func TestVersionCompareTotalOrder(t *testing.T) {
	corpus := []string{
		"0.1", "1.0~rc1", "1.0~rc2", "1.0", "1.0_1", "1.0_1,1", "1.0a",
		"1.0.1", "1.1", "1.10", "2.0.alpha", "2.0.beta", "2.0", "1:0.1",
		"1:1.0", "2:0.5", "2024.01.15", "3.0p7",
	}

	for _, v := range corpus {
		if got := VersionCompare(v, v); got != Equal {
			t.Errorf("VersionCompare(%q, %q) = %v, want =", v, v, got)
		}
	}

	for _, a := range corpus {
		for _, b := range corpus {
			ab := VersionCompare(a, b)
			if ba := VersionCompare(b, a); ba != -ab {
				t.Errorf("antisymmetry violated for (%q, %q): %v vs %v", a, b, ab, ba)
			}
			for _, c := range corpus {
				bc := VersionCompare(b, c)
				if ab == bc && ab != Equal {
					if ac := VersionCompare(a, c); ac != ab {
						t.Errorf("transitivity violated: %q %v %q %v %q but %q %v %q",
							a, ab, b, bc, c, a, ac, c)
					}
				}
				if ab == Equal && bc == Equal {
					if ac := VersionCompare(a, c); ac != Equal {
						t.Errorf("equality not transitive over (%q, %q, %q)", a, b, c)
					}
				}
			}
		}
	}
}
