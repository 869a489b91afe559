// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bps

import "testing"

func basePkg(typ PackageType) *Package {
	return &Package{
		UID:     "curl",
		Name:    "curl",
		Version: "8.6.0",
		Origin:  "ftp/curl",
		Arch:    "freebsd:14:amd64",
		Type:    typ,
		Deps: []Dep{
			{UID: "ca_root_nss", Name: "ca_root_nss", Origin: "security/ca_root_nss"},
		},
		ShlibsRequired: []string{"libssl.so.30"},
		ShlibsProvided: []string{"libcurl.so.4"},
	}
}

func TestNeedUpgradeIdentity(t *testing.T) {
	lp := basePkg(Installed)
	lp.Digest = "abc"
	rp := basePkg(Remote)
	rp.Digest = "abc"

	if NeedUpgrade(rp, rp) {
		t.Error("NeedUpgrade(X, X) must be false")
	}
	if NeedUpgrade(rp, lp) {
		t.Error("equal digests must short-circuit to false")
	}
}

func TestNeedUpgrade(t *testing.T) {
	cases := []struct {
		name   string
		tweak  func(rp, lp *Package)
		want   bool
		reason string
	}{
		{
			name:  "no local",
			tweak: func(rp, lp *Package) {},
			want:  true,
		},
		{
			name:  "newer remote version",
			tweak: func(rp, lp *Package) { rp.Version = "8.7.0" },
			want:  true,
		},
		{
			name:  "older remote version",
			tweak: func(rp, lp *Package) { rp.Version = "8.5.0" },
			want:  false,
		},
		{
			name:  "locked local",
			tweak: func(rp, lp *Package) { rp.Version = "9.0.0"; lp.Locked = true },
			want:  false,
		},
		{
			name:   "abi changed",
			tweak:  func(rp, lp *Package) { rp.Arch = "freebsd:15:amd64" },
			want:   true,
			reason: "ABI changed: 'freebsd:14:amd64' -> 'freebsd:15:amd64'",
		},
		{
			name:   "option added",
			tweak:  func(rp, lp *Package) { rp.Options = []Option{{Key: "TLS", Value: "on"}} },
			want:   true,
			reason: "option added: TLS",
		},
		{
			name: "dependency changed",
			tweak: func(rp, lp *Package) {
				rp.Deps = []Dep{{UID: "openssl", Name: "openssl", Origin: "security/openssl"}}
			},
			want:   true,
			reason: "direct dependency changed: openssl",
		},
		{
			name:   "provides changed",
			tweak:  func(rp, lp *Package) { rp.Provides = []string{"web_client"} },
			want:   true,
			reason: "provides changed",
		},
		{
			name:   "shlib provided changed",
			tweak:  func(rp, lp *Package) { rp.ShlibsProvided = []string{"libcurl.so.5"} },
			want:   true,
			reason: "provided shared library changed",
		},
		{
			name:   "shlib required changed",
			tweak:  func(rp, lp *Package) { rp.ShlibsRequired = []string{"libssl.so.31"} },
			want:   true,
			reason: "required shared library changed",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			lp := basePkg(Installed)
			lp.Digest = "local"
			rp := basePkg(Remote)
			rp.Digest = "remote"
			c.tweak(rp, lp)
			if c.name == "no local" {
				lp = nil
			}

			if got := NeedUpgrade(rp, lp); got != c.want {
				t.Fatalf("NeedUpgrade = %v, want %v", got, c.want)
			}
			if c.reason != "" && rp.Reason != c.reason {
				t.Errorf("reason = %q, want %q", rp.Reason, c.reason)
			}
		})
	}
}
