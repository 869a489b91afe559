// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command bpkg is a binary package manager built around a SAT-solving
// dependency core.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"text/tabwriter"

	bpkg "github.com/bpkg/bpkg"
	"github.com/bpkg/bpkg/bps"
)

type command interface {
	Name() string           // "install"
	Args() string           // "<pattern> [pattern...]"
	ShortHelp() string      // "Install packages"
	LongHelp() string       // "Install packages matching the given patterns..."
	Register(*flag.FlagSet) // command-specific flags
	Hidden() bool           // indicates whether the command should be hidden from help output
	Run(*bpkg.Ctx, []string) error
}

func main() {
	c := &Config{
		Args:   os.Args,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
	os.Exit(c.Run())
}

// A Config specifies a full configuration for a bpkg execution.
type Config struct {
	Args           []string  // Command-line arguments, starting with the program name.
	Stdout, Stderr io.Writer // Log output
}

// Run executes a configuration and returns an exit code.
func (c *Config) Run() (exitCode int) {
	commands := []command{
		&installCommand{},
		&installCommand{upgrade: true},
		&removeCommand{},
		&removeCommand{autoremove: true},
		&fetchCommand{},
	}

	examples := [][2]string{
		{
			"bpkg install curl",
			"install the curl package and its dependencies",
		},
		{
			"bpkg upgrade",
			"upgrade every installed package",
		},
		{
			"bpkg autoremove",
			"drop automatically installed packages nothing depends on",
		},
	}

	outLogger := log.New(c.Stdout, "", 0)
	errLogger := log.New(c.Stderr, "", 0)

	usage := func() {
		errLogger.Println("bpkg is a binary package manager")
		errLogger.Println()
		errLogger.Println("Usage: bpkg <command>")
		errLogger.Println()
		errLogger.Println("Commands:")
		errLogger.Println()
		w := tabwriter.NewWriter(c.Stderr, 0, 4, 2, ' ', 0)
		for _, cmd := range commands {
			if !cmd.Hidden() {
				fmt.Fprintf(w, "\t%s\t%s\n", cmd.Name(), cmd.ShortHelp())
			}
		}
		w.Flush()
		errLogger.Println()
		errLogger.Println("Examples:")
		for _, example := range examples {
			fmt.Fprintf(w, "\t%s\t%s\n", example[0], example[1])
		}
		w.Flush()
		errLogger.Println()
		errLogger.Println("Use \"bpkg help [command]\" for more information about a command.")
	}

	cmdName, printCommandHelp, exit := parseArgs(c.Args)
	if exit {
		usage()
		return 1
	}

	for _, cmd := range commands {
		if cmd.Name() != cmdName {
			continue
		}

		fs := flag.NewFlagSet(cmdName, flag.ContinueOnError)
		fs.SetOutput(c.Stderr)
		verbose := fs.Int("v", 0, "verbosity level")
		dbdir := fs.String("d", "", "database directory")
		cmd.Register(fs)

		resetUsage(errLogger, fs, cmdName, cmd.Args(), cmd.LongHelp())

		if printCommandHelp {
			fs.Usage()
			return 1
		}

		if err := fs.Parse(c.Args[2:]); err != nil {
			return 1
		}

		ctx, err := bpkg.NewContext(*dbdir)
		if err != nil {
			errLogger.Printf("%v\n", err)
			return 1
		}
		ctx.Out = outLogger
		ctx.Err = errLogger
		ctx.Verbose = *verbose > 0

		if err := cmd.Run(ctx, fs.Args()); err != nil {
			errLogger.Printf("%v\n", err)
			if code := bps.CodeOf(err); code != bps.CodeOK {
				return int(code)
			}
			return 1
		}
		return 0
	}

	errLogger.Printf("bpkg: %s: no such command\n", cmdName)
	usage()
	return 1
}

func resetUsage(logger *log.Logger, fs *flag.FlagSet, name, args, longHelp string) {
	var (
		hasFlags   bool
		flagBlock  bytes.Buffer
		flagWriter = tabwriter.NewWriter(&flagBlock, 0, 4, 2, ' ', 0)
	)
	fs.VisitAll(func(f *flag.Flag) {
		hasFlags = true
		defValue := f.DefValue
		if defValue == "" {
			defValue = "<none>"
		}
		fmt.Fprintf(flagWriter, "\t-%s\t%s (default: %s)\n", f.Name, f.Usage, defValue)
	})
	flagWriter.Flush()
	fs.Usage = func() {
		logger.Printf("Usage: bpkg %s %s\n", name, args)
		logger.Println()
		logger.Println(strings.TrimSpace(longHelp))
		logger.Println()
		if hasFlags {
			logger.Println("Flags:")
			logger.Println()
			logger.Println(flagBlock.String())
		}
	}
}

// parseArgs determines the command name and whether to print help.
func parseArgs(args []string) (cmdName string, printCmdUsage bool, exit bool) {
	isHelpArg := func() bool {
		return strings.Contains(strings.ToLower(args[1]), "help") || strings.ToLower(args[1]) == "-h"
	}

	switch len(args) {
	case 0, 1:
		exit = true
	case 2:
		if isHelpArg() {
			exit = true
		}
		cmdName = args[1]
	default:
		if isHelpArg() {
			cmdName = args[2]
			printCmdUsage = true
		} else {
			cmdName = args[1]
		}
	}
	return cmdName, printCmdUsage, exit
}
