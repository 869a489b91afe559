// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pkgdb implements the package store on a BoltDB file: the locally
// installed set, any number of repository catalogs and the file-path owner
// index, together with the database lock taken around execution.
//
// Implementation:
//
// 1) The installed set lives in two buckets:
//
//	Bucket: "packages"
//	Keys: "<uid>"
//	Values: TOML package records
//
//	Bucket: "pkgids"
//	Keys: minimal big-endian sequence numbers
//	Values: "<uid>"
//
// The sequence bucket fixes the enumeration order of the installed set, so
// full scans are deterministic and cheap to resume.
//
// 2) The path owner index maps every installed file and directory back to
// its owner:
//
//	Bucket: "files"
//	Keys: "<path>"
//	Values: "<uid>"
//
// 3) Each repository catalog is a sub-bucket pair under "repos": records
// keyed by uid and digest (catalogs may carry several versions per uid),
// plus a provider index:
//
//	Sub-Bucket: "repos/<name>/packages"
//	Keys: "<uid>\x00<digest>"
//	Values: TOML package records
//
//	Sub-Bucket: "repos/<name>/provides"
//	Keys: "<soname>\x00<uid>\x00<digest>"
//	Values: ""
//
// 4) File lists learned after fetching an archive are cached by digest in
// the "payloads" bucket, so integrity checks can run before installation.
package pkgdb

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/boltdb/bolt"
	"github.com/gofrs/flock"
	"github.com/jmank88/nuts"
	toml "github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/bpkg/bpkg/bps"
)

// DatabaseName is the bolt file under the database directory.
const DatabaseName = "local.db"

var (
	bucketPackages = []byte("packages")
	bucketPkgIDs   = []byte("pkgids")
	bucketFiles    = []byte("files")
	bucketRepos    = []byte("repos")
	bucketPayloads = []byte("payloads")

	bucketRepoPackages = []byte("packages")
	bucketRepoProvides = []byte("provides")
)

// keySep joins composite key parts; it cannot occur in uids or sonames.
const keySep = "\x00"

// DB is a bolt-backed implementation of bps.PackageStore.
type DB struct {
	db     *bolt.DB
	lock   *flock.Flock
	logger *log.Logger

	names *nameIndex

	// rdeps is the reverse-dependency snapshot taken by BeginSolver.
	rdeps map[string][]bps.Dep
}

// Open opens (creating as needed) the package database under dir.
func Open(dir string, logger *log.Logger) (*DB, error) {
	if fi, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, os.ModeDir|os.ModePerm); err != nil {
			return nil, errors.Wrapf(err, "failed to create database directory: %s", dir)
		}
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to check database directory: %s", dir)
	} else if !fi.IsDir() {
		return nil, errors.Errorf("database path is not a directory: %s", dir)
	}

	path := filepath.Join(dir, DatabaseName)
	bdb, err := bolt.Open(path, 0644, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database file %q", path)
	}

	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPackages, bucketPkgIDs, bucketFiles, bucketRepos, bucketPayloads} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, errors.Wrap(err, "failed to initialise database buckets")
	}

	d := &DB{
		db:     bdb,
		lock:   flock.New(path + ".lock"),
		logger: logger,
		names:  newNameIndex(),
	}
	if err := d.reindexNames(); err != nil {
		bdb.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the database.
func (d *DB) Close() error {
	return errors.Wrapf(d.db.Close(), "error closing database %q", d.db.String())
}

// reindexNames rebuilds the in-memory uid index from the installed set.
func (d *DB) reindexNames() error {
	return d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPackages).ForEach(func(k, _ []byte) error {
			d.names.insert(string(k))
			return nil
		})
	})
}

// PutLocal inserts or replaces an installed package and its path index
// entries.
func (d *DB) PutLocal(p *bps.Package) error {
	buf, err := encodeRecord(recordFromPackage(p))
	if err != nil {
		return err
	}

	err = d.db.Update(func(tx *bolt.Tx) error {
		pb := tx.Bucket(bucketPackages)
		if pb.Get([]byte(p.UID)) == nil {
			ids := tx.Bucket(bucketPkgIDs)
			seq, err := ids.NextSequence()
			if err != nil {
				return err
			}
			key := make(nuts.Key, nuts.KeyLen(seq))
			key.Put(seq)
			if err := ids.Put(key, []byte(p.UID)); err != nil {
				return err
			}
		}
		if err := pb.Put([]byte(p.UID), buf); err != nil {
			return err
		}

		fb := tx.Bucket(bucketFiles)
		for _, path := range p.Files {
			if err := fb.Put([]byte(path), []byte(p.UID)); err != nil {
				return err
			}
		}
		for _, path := range p.Dirs {
			if err := fb.Put([]byte(path), []byte(p.UID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "failed to store package %s", p.UID)
	}
	d.names.insert(p.UID)
	return nil
}

// DeleteLocal removes an installed package and its path index entries.
func (d *DB) DeleteLocal(uid string) error {
	err := d.db.Update(func(tx *bolt.Tx) error {
		pb := tx.Bucket(bucketPackages)
		data := pb.Get([]byte(uid))
		if data == nil {
			return nil
		}
		r, err := decodeRecord(data)
		if err != nil {
			return err
		}

		fb := tx.Bucket(bucketFiles)
		for _, path := range append(append([]string(nil), r.Files...), r.Dirs...) {
			if owner := fb.Get([]byte(path)); string(owner) == uid {
				if err := fb.Delete([]byte(path)); err != nil {
					return err
				}
			}
		}

		ids := tx.Bucket(bucketPkgIDs)
		c := ids.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if string(v) == uid {
				if err := c.Delete(); err != nil {
					return err
				}
				break
			}
		}

		return pb.Delete([]byte(uid))
	})
	if err != nil {
		return errors.Wrapf(err, "failed to delete package %s", uid)
	}
	d.names.remove(uid)
	return nil
}

// PutRepo inserts or replaces one catalog record of the named repository.
func (d *DB) PutRepo(repo string, p *bps.Package) error {
	buf, err := encodeRecord(recordFromPackage(p))
	if err != nil {
		return err
	}

	key := []byte(p.UID + keySep + p.Digest)
	return d.db.Update(func(tx *bolt.Tx) error {
		rb, err := tx.Bucket(bucketRepos).CreateBucketIfNotExists([]byte(repo))
		if err != nil {
			return err
		}
		pb, err := rb.CreateBucketIfNotExists(bucketRepoPackages)
		if err != nil {
			return err
		}
		if err := pb.Put(key, buf); err != nil {
			return err
		}
		prb, err := rb.CreateBucketIfNotExists(bucketRepoProvides)
		if err != nil {
			return err
		}
		for _, soname := range p.ShlibsProvided {
			pk := []byte(soname + keySep + p.UID + keySep + p.Digest)
			if err := prb.Put(pk, nil); err != nil {
				return err
			}
		}
		for _, cap := range p.Provides {
			pk := []byte(cap + keySep + p.UID + keySep + p.Digest)
			if err := prb.Put(pk, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetPackagePayload caches the file list of a fetched archive by digest.
func (d *DB) SetPackagePayload(digest string, files, dirs []string) error {
	buf, err := toml.Marshal(struct {
		Files []string `toml:"files"`
		Dirs  []string `toml:"dirs"`
	}{files, dirs})
	if err != nil {
		return errors.Wrap(err, "failed to encode payload file list")
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPayloads).Put([]byte(digest), buf)
	})
}

// repoNames returns the configured-or-stored repositories to consult.
func (d *DB) repoNames(tx *bolt.Tx, repos []string) []string {
	if len(repos) > 0 {
		return repos
	}
	var names []string
	tx.Bucket(bucketRepos).ForEach(func(k, _ []byte) error {
		names = append(names, string(k))
		return nil
	})
	sort.Strings(names)
	return names
}

// Query matches locally installed packages; full scans return them in
// insertion order. The uid index rejects an exact pattern naming no
// installed uid without a scan, and answers glob patterns with a literal
// prefix in uid order instead of a full scan.
func (d *DB) Query(pattern string, m bps.MatchKind) ([]*bps.Package, error) {
	match, err := newMatcher(pattern, m)
	if err != nil {
		return nil, err
	}

	switch m {
	case bps.MatchExact:
		if !d.names.has(pattern) {
			return nil, nil
		}
	case bps.MatchGlob:
		if prefix := literalPrefix(pattern); prefix != "" {
			return d.queryUIDs(d.names.collectPrefix(prefix), match)
		}
	}

	var out []*bps.Package
	err = d.db.View(func(tx *bolt.Tx) error {
		pb := tx.Bucket(bucketPackages)
		return tx.Bucket(bucketPkgIDs).ForEach(func(_, uid []byte) error {
			data := pb.Get(uid)
			if data == nil {
				return nil
			}
			r, err := decodeRecord(data)
			if err != nil {
				return err
			}
			if !match(r.Name, r.UID) {
				return nil
			}
			out = append(out, packageFromRecord(r, bps.Installed, ""))
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrapf(err, "querying local packages for %q", pattern)
	}
	return out, nil
}

// queryUIDs fetches the named installed packages, keeping only matches.
func (d *DB) queryUIDs(uids []string, match matcher) ([]*bps.Package, error) {
	var out []*bps.Package
	err := d.db.View(func(tx *bolt.Tx) error {
		pb := tx.Bucket(bucketPackages)
		for _, uid := range uids {
			data := pb.Get([]byte(uid))
			if data == nil {
				continue
			}
			r, err := decodeRecord(data)
			if err != nil {
				return err
			}
			if match(r.Name, r.UID) {
				out = append(out, packageFromRecord(r, bps.Installed, ""))
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "querying local packages by uid")
	}
	return out, nil
}

// QueryCond matches installed packages against a condition fragment in
// addition to the pattern. Only the flag equalities the core emits are
// understood.
func (d *DB) QueryCond(cond, pattern string, m bps.MatchKind) ([]*bps.Package, error) {
	filter, err := parseCond(cond)
	if err != nil {
		return nil, err
	}
	pkgs, err := d.Query(pattern, m)
	if err != nil {
		return nil, err
	}
	out := pkgs[:0]
	for _, p := range pkgs {
		if filter(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// RepoQuery matches catalog packages across the given repositories.
func (d *DB) RepoQuery(pattern string, m bps.MatchKind, repos []string) ([]*bps.Package, error) {
	match, err := newMatcher(pattern, m)
	if err != nil {
		return nil, err
	}

	var out []*bps.Package
	err = d.db.View(func(tx *bolt.Tx) error {
		for _, name := range d.repoNames(tx, repos) {
			rb := tx.Bucket(bucketRepos).Bucket([]byte(name))
			if rb == nil {
				continue
			}
			pb := rb.Bucket(bucketRepoPackages)
			if pb == nil {
				continue
			}
			err := pb.ForEach(func(_, data []byte) error {
				r, err := decodeRecord(data)
				if err != nil {
					return err
				}
				if !match(r.Name, r.UID) {
					return nil
				}
				out = append(out, packageFromRecord(r, bps.Remote, name))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "querying repositories for %q", pattern)
	}
	return out, nil
}

// RepoShlibProvide returns the catalog packages providing soname.
func (d *DB) RepoShlibProvide(soname string, repos []string) ([]*bps.Package, error) {
	var out []*bps.Package
	err := d.db.View(func(tx *bolt.Tx) error {
		for _, name := range d.repoNames(tx, repos) {
			rb := tx.Bucket(bucketRepos).Bucket([]byte(name))
			if rb == nil {
				continue
			}
			prb, pb := rb.Bucket(bucketRepoProvides), rb.Bucket(bucketRepoPackages)
			if prb == nil || pb == nil {
				continue
			}

			prefix := []byte(soname + keySep)
			c := prb.Cursor()
			for k, _ := c.Seek(prefix); bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				data := pb.Get(k[len(prefix):])
				if data == nil {
					continue
				}
				r, err := decodeRecord(data)
				if err != nil {
					return err
				}
				out = append(out, packageFromRecord(r, bps.Remote, name))
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "querying shlib providers for %q", soname)
	}
	return out, nil
}

// FilePathOwner returns the uid of the installed package owning path.
func (d *DB) FilePathOwner(path string) (string, bool, error) {
	var uid string
	err := d.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketFiles).Get([]byte(path)); v != nil {
			uid = string(v)
		}
		return nil
	})
	if err != nil {
		return "", false, errors.Wrapf(err, "querying owner of %q", path)
	}
	return uid, uid != "", nil
}

// EnsureLoaded populates lazily-loaded field groups. Installed records are
// always complete; remote records gain their file lists only once the
// archive payload has been cached.
func (d *DB) EnsureLoaded(p *bps.Package, flags bps.LoadFlags) error {
	if flags&bps.LoadRdeps != 0 && !p.Loaded(bps.LoadRdeps) {
		p.Rdeps = d.reverseDeps(p.UID)
		p.MarkLoaded(bps.LoadRdeps)
	}
	flags &^= bps.LoadRdeps

	if p.Loaded(flags) {
		return nil
	}

	if flags&(bps.LoadFiles|bps.LoadDirs) != 0 && p.Type != bps.Installed {
		var data []byte
		d.db.View(func(tx *bolt.Tx) error {
			data = tx.Bucket(bucketPayloads).Get([]byte(p.Digest))
			return nil
		})
		if data == nil {
			return errors.Errorf("package %s has no cached payload", p.Name)
		}
		var payload struct {
			Files []string `toml:"files"`
			Dirs  []string `toml:"dirs"`
		}
		if err := toml.Unmarshal(data, &payload); err != nil {
			return errors.Wrapf(err, "failed to decode payload of %s", p.Name)
		}
		p.Files = payload.Files
		p.Dirs = payload.Dirs
		p.MarkLoaded(bps.LoadFiles | bps.LoadDirs)
		return nil
	}

	return errors.Errorf("cannot load requested fields of %s", p.Name)
}

// reverseDeps answers from the solver snapshot when one is active, else
// scans the installed set.
func (d *DB) reverseDeps(uid string) []bps.Dep {
	if d.rdeps != nil {
		return d.rdeps[uid]
	}
	snapshot, err := d.buildRdeps()
	if err != nil {
		return nil
	}
	return snapshot[uid]
}

func (d *DB) buildRdeps() (map[string][]bps.Dep, error) {
	snapshot := make(map[string][]bps.Dep)
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPackages).ForEach(func(uid, data []byte) error {
			r, err := decodeRecord(data)
			if err != nil {
				return err
			}
			for _, dep := range r.Deps {
				snapshot[dep.UID] = append(snapshot[dep.UID], bps.Dep{
					UID:     r.UID,
					Name:    r.Name,
					Origin:  r.Origin,
					Version: r.Version,
				})
			}
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "building reverse dependency snapshot")
	}
	return snapshot, nil
}

// BeginSolver snapshots reverse-dependency edges for the solving pass.
func (d *DB) BeginSolver() error {
	snapshot, err := d.buildRdeps()
	if err != nil {
		return err
	}
	d.rdeps = snapshot
	return nil
}

// EndSolver drops the solver snapshot.
func (d *DB) EndSolver() error {
	d.rdeps = nil
	return nil
}

// UpgradeLock acquires the database lock at the requested strength. The
// exclusive mode is required around execution.
func (d *DB) UpgradeLock(mode bps.LockMode) error {
	var err error
	switch mode {
	case bps.LockExclusive:
		err = d.lock.Lock()
	default:
		err = d.lock.RLock()
	}
	return errors.Wrap(err, "acquiring database lock")
}

// ReleaseLock drops the database lock.
func (d *DB) ReleaseLock(bps.LockMode) error {
	return errors.Wrap(d.lock.Unlock(), "releasing database lock")
}

// ApplyReplacements rewrites renamed uids in the installed set. Consumed
// exactly once after a successful solve.
func (d *DB) ApplyReplacements(pairs []bps.Replacement) error {
	err := d.db.Update(func(tx *bolt.Tx) error {
		pb := tx.Bucket(bucketPackages)
		for _, pair := range pairs {
			data := pb.Get([]byte(pair.Old))
			if data == nil {
				continue
			}
			if d.logger != nil {
				d.logger.Printf("changing uid %s -> %s", pair.Old, pair.New)
			}
			r, err := decodeRecord(data)
			if err != nil {
				return err
			}
			r.UID = pair.New
			r.Name = pair.New
			buf, err := encodeRecord(r)
			if err != nil {
				return err
			}
			if err := pb.Delete([]byte(pair.Old)); err != nil {
				return err
			}
			if err := pb.Put([]byte(pair.New), buf); err != nil {
				return err
			}

			ids := tx.Bucket(bucketPkgIDs)
			c := ids.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				if string(v) == pair.Old {
					if err := ids.Put(append([]byte(nil), k...), []byte(pair.New)); err != nil {
						return err
					}
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "applying uid replacements")
	}
	for _, pair := range pairs {
		d.names.remove(pair.Old)
		d.names.insert(pair.New)
	}
	return nil
}
