// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bpkg

import (
	"context"
	"log"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/bpkg/bpkg/bps"
)

// ConfigName is the configuration file looked up under the database
// directory.
const ConfigName = "bpkg.toml"

// Default filesystem locations.
const (
	DefaultDBDir    = "/var/db/bpkg"
	DefaultCacheDir = "/var/cache/bpkg"
)

// Ctx defines the supporting context of the tool: filesystem roots, the
// target ABI, logging and the solver knobs, all loaded from an optional
// bpkg.toml. There is no process-global state; everything threads through
// here.
type Ctx struct {
	DBDir    string // local database and repository catalogs
	CacheDir string // fetched package archives
	ABI      string // single target ABI, e.g. "freebsd:14:amd64"

	Out *log.Logger // standard output
	Err *log.Logger // error and verbose output

	Verbose bool

	// Conservative prefers keeping installed versions on upgrades.
	Conservative bool
	// Pinning honours per-repository pinning during candidate selection.
	Pinning bool
	// SATAttempts is the solver retry budget before prompting; zero keeps
	// the default.
	SATAttempts int

	// CUDFSolver and SATSolver optionally name external solver executables.
	CUDFSolver string
	SATSolver  string

	// Repositories in priority order.
	Repositories []bps.Repository
	// RepoURLs maps repository names to their root locations for the fetch
	// transport.
	RepoURLs map[string]string

	// BaseContext cancels all pipeline work when done.
	BaseContext context.Context
}

// rawConfig is the on-disk shape of bpkg.toml.
type rawConfig struct {
	DBDir        string          `toml:"dbdir"`
	CacheDir     string          `toml:"cachedir"`
	ABI          string          `toml:"abi"`
	Conservative bool            `toml:"conservative_upgrade"`
	Pinning      bool            `toml:"pinning"`
	SATAttempts  int             `toml:"sat_attempts"`
	CUDFSolver   string          `toml:"cudf_solver"`
	SATSolver    string          `toml:"sat_solver"`
	Repositories []rawRepository `toml:"repositories"`
}

type rawRepository struct {
	Name     string `toml:"name"`
	URL      string `toml:"url"`
	Priority int    `toml:"priority"`
	Enabled  bool   `toml:"enabled"`
}

// NewContext creates a Ctx with defaults applied and the configuration file
// merged in, when present.
func NewContext(dbdir string) (*Ctx, error) {
	c := &Ctx{
		DBDir:    DefaultDBDir,
		CacheDir: DefaultCacheDir,
		Pinning:  true,
		Out:      log.New(os.Stdout, "", 0),
		Err:      log.New(os.Stderr, "", 0),
	}
	if dbdir != "" {
		c.DBDir = dbdir
	}

	path := filepath.Join(c.DBDir, ConfigName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Running without a configuration file is fine.
			return c, nil
		}
		return nil, errors.Wrapf(err, "could not open %s", path)
	}
	defer f.Close()

	if err := c.loadConfig(f); err != nil {
		return nil, errors.Wrapf(err, "error while parsing %s", path)
	}
	return c, nil
}

func (c *Ctx) loadConfig(f *os.File) error {
	var raw rawConfig
	if err := toml.NewDecoder(f).Decode(&raw); err != nil {
		return errors.Wrap(err, "unable to parse the configuration")
	}

	if raw.DBDir != "" {
		c.DBDir = raw.DBDir
	}
	if raw.CacheDir != "" {
		c.CacheDir = raw.CacheDir
	}
	c.ABI = raw.ABI
	c.Conservative = raw.Conservative
	if raw.SATAttempts > 0 {
		c.SATAttempts = raw.SATAttempts
	}
	c.CUDFSolver = raw.CUDFSolver
	c.SATSolver = raw.SATSolver
	c.Pinning = raw.Pinning

	for _, r := range raw.Repositories {
		if !r.Enabled {
			continue
		}
		c.Repositories = append(c.Repositories, bps.Repository{
			Name:     r.Name,
			Priority: r.Priority,
		})
		if c.RepoURLs == nil {
			c.RepoURLs = make(map[string]string)
		}
		c.RepoURLs[r.Name] = r.URL
	}
	return nil
}

// JobsParams assembles the solver parameters for one operation against this
// context.
func (c *Ctx) JobsParams(typ bps.JobsType, store bps.PackageStore, sink bps.EventSink) bps.JobsParams {
	return bps.JobsParams{
		Type:         typ,
		Store:        store,
		Sink:         sink,
		Repositories: c.Repositories,
		BaseContext:  c.BaseContext,
		Conservative: c.Conservative,
		Pinning:      c.Pinning,
		SATAttempts:  c.SATAttempts,
		CUDFSolver:   c.CUDFSolver,
		SATSolver:    c.SATSolver,
	}
}
