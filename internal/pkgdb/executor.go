// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pkgdb

import (
	"context"

	"github.com/bpkg/bpkg/bps"
)

// Executor records the outcome of scheduled jobs in the database. Archive
// extraction and file removal live outside the core; this executor keeps the
// installed set in sync with the plan.
type Executor struct {
	DB *DB
}

var _ bps.Executor = Executor{}

// Install registers the new side of an install or upgrade job, dropping the
// old side of an unsplit upgrade first.
func (e Executor) Install(_ context.Context, job *bps.Job) error {
	if old := job.Old(); old != nil {
		if err := e.DB.DeleteLocal(old.UID); err != nil {
			return err
		}
	}
	p := job.New()
	installed := *p
	installed.Type = bps.Installed
	return e.DB.PutLocal(&installed)
}

// Delete unregisters the victim of a delete job.
func (e Executor) Delete(_ context.Context, job *bps.Job) error {
	return e.DB.DeleteLocal(job.Old().UID)
}
