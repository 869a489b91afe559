// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package feedback renders solver events for the user: leveled messages go
// through logrus, interactive queries read the terminal.
package feedback

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/bpkg/bpkg/bps"
)

// Sink is a logrus-backed bps.EventSink. Interactive queries read from In
// and write to Out; a nil In answers every query with its default.
type Sink struct {
	Log *logrus.Logger

	In  io.Reader
	Out io.Writer

	// Yes answers every yes/no query positively without asking.
	Yes bool

	scanner *bufio.Scanner
}

// New builds a sink at the given verbosity: 0 warnings and up, 1 notices,
// 2+ increasingly chatty debug output.
func New(verbosity int, out io.Writer, in io.Reader) *Sink {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	switch {
	case verbosity <= 0:
		logger.SetLevel(logrus.WarnLevel)
	case verbosity == 1:
		logger.SetLevel(logrus.InfoLevel)
	case verbosity == 2:
		logger.SetLevel(logrus.DebugLevel)
	default:
		logger.SetLevel(logrus.TraceLevel)
	}
	return &Sink{Log: logger, In: in, Out: out}
}

// Emit renders one pipeline event.
func (s *Sink) Emit(ev bps.Event) {
	switch e := ev.(type) {
	case bps.MessageEvent:
		switch {
		case e.Level == bps.LevelError:
			s.Log.Error(e.Text)
		case e.Level == bps.LevelWarn:
			s.Log.Warn(e.Text)
		case e.Level == bps.LevelNotice:
			s.Log.Info(e.Text)
		case e.Level >= bps.LevelDebug3:
			s.Log.Trace(e.Text)
		default:
			s.Log.Debug(e.Text)
		}
	case bps.ProgressEvent:
		s.Log.WithFields(logrus.Fields{
			"current": e.Current,
			"total":   e.Total,
		}).Debug(e.What)
	case bps.IntegrityCheckEvent:
		if e.Done {
			s.Log.WithField("conflicts", e.Conflicts).Info("integrity check finished")
		} else {
			s.Log.Info("checking integrity...")
		}
	case bps.LockedEvent:
		s.Log.Warnf("%s is locked and may not be modified", e.Pkg)
	case bps.NewVersionEvent:
		s.Log.Info("a newer version of the package manager is available; it will be upgraded first")
	}
}

func (s *Sink) readLine() (string, bool) {
	if s.In == nil {
		return "", false
	}
	if s.scanner == nil {
		s.scanner = bufio.NewScanner(s.In)
	}
	if !s.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(s.scanner.Text()), true
}

// QueryYesNo asks the operator a yes/no question.
func (s *Sink) QueryYesNo(deflt bool, text string) bool {
	if s.Yes {
		return true
	}
	hint := "[y/N]"
	if deflt {
		hint = "[Y/n]"
	}
	fmt.Fprintf(s.Out, "%s %s: ", text, hint)

	line, ok := s.readLine()
	if !ok || line == "" {
		return deflt
	}
	switch strings.ToLower(line)[0] {
	case 'y':
		return true
	case 'n':
		return false
	}
	return deflt
}

// QuerySelect asks the operator to pick one of options.
func (s *Sink) QuerySelect(text string, options []string) (int, bool) {
	fmt.Fprintln(s.Out, text)
	for i, opt := range options {
		fmt.Fprintf(s.Out, "  %d: %s\n", i+1, opt)
	}
	fmt.Fprintf(s.Out, "selection (1-%d): ", len(options))

	line, ok := s.readLine()
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(line)
	if err != nil || idx < 1 || idx > len(options) {
		return 0, false
	}
	return idx - 1, true
}
