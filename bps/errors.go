// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bps

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is the result class of a pipeline operation. The zero value is
// success; everything else maps onto the process exit code surfaced by
// callers.
type Code int

// Result codes, in their externally visible order.
const (
	CodeOK Code = iota
	CodeEnd
	CodeWarn
	CodeFatal
	CodeRequiredBy
	CodeInstalled
	CodeLocked
	CodeConflict
	CodeNotInstalled
	CodeCancel
	CodeUpToDate
	CodeVulnerable
	CodeDependency
	CodeSchemaTooOld
	CodeSchemaTooNew
	CodeNoAccess
	CodeAgain
	CodeNotFound
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeEnd:
		return "end"
	case CodeWarn:
		return "warning"
	case CodeFatal:
		return "fatal"
	case CodeRequiredBy:
		return "required by other packages"
	case CodeInstalled:
		return "already installed"
	case CodeLocked:
		return "locked"
	case CodeConflict:
		return "conflict"
	case CodeNotInstalled:
		return "not installed"
	case CodeCancel:
		return "cancelled"
	case CodeUpToDate:
		return "up to date"
	case CodeVulnerable:
		return "vulnerable"
	case CodeDependency:
		return "missing dependency"
	case CodeSchemaTooOld:
		return "database schema too old"
	case CodeSchemaTooNew:
		return "database schema too new"
	case CodeNoAccess:
		return "insufficient privileges"
	case CodeAgain:
		return "try again"
	case CodeNotFound:
		return "not found"
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is an error with a result Code attached. Components return these for
// conditions the orchestrator or the caller dispatches on (Locked, Conflict,
// UpToDate...); plain wrapped errors are treated as CodeFatal.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return e.Msg
}

// codedErrorf builds an *Error with a formatted message.
func codedErrorf(c Code, format string, args ...interface{}) error {
	return &Error{Code: c, Msg: fmt.Sprintf(format, args...)}
}

// coded builds a bare *Error carrying only the code.
func coded(c Code) error {
	return &Error{Code: c}
}

// CodeOf extracts the result Code from err. A nil error is CodeOK; an error
// without an attached code is CodeFatal.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	if e, ok := errors.Cause(err).(*Error); ok {
		return e.Code
	}
	return CodeFatal
}

// IsCode reports whether err carries exactly the code c.
func IsCode(err error, c Code) bool {
	if err == nil {
		return c == CodeOK
	}
	return CodeOf(err) == c
}
