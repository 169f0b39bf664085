// Package shell ties the env store, job table, executor, builtins, and
// parser together into the REPL driver: main.c's cmdloop, loadprofile,
// and print_prompt, ported line for line in spirit. It is the only
// package that imports the parser directly — the executor, job table,
// and env store never see raw input lines, only the command tree the
// parser (or a caller building one by hand, in tests) produces.
package shell

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	ishwrap "github.com/jyenduri/ish/internal/errors"
	"github.com/jyenduri/ish/internal/ish/builtin"
	"github.com/jyenduri/ish/internal/ish/env"
	"github.com/jyenduri/ish/internal/ish/executor"
	"github.com/jyenduri/ish/internal/ish/jobtable"
	"github.com/jyenduri/ish/internal/ish/parser"
	"github.com/jyenduri/ish/internal/ish/resolve"
	ishlog "github.com/jyenduri/ish/internal/log"
)

// Shell is the top-level, lifecycle-owned object spec.md §9 asks for: the
// job table, the controlling-tty state, and the shell's own pid/pgrp,
// bundled so nothing here needs to be an ambient global.
type Shell struct {
	Env  *env.Store
	Jobs *jobtable.Table
	Exec *executor.Executor
	Bltn *builtin.Table

	Stderr io.Writer
	log    *ishlog.Logger
}

// New wires up an empty env store, a fresh job table, an executor bound
// to the controlling terminal, and the builtin table, ready for Run or
// LoadProfile. The env store starts empty — ish deliberately discards
// the parent process's environment (§4.1).
func New(stderr io.Writer, log *ishlog.Logger) (*Shell, error) {
	envStore := env.New()
	jobs := jobtable.New()

	exe, err := executor.New(jobs, envStore, stderr, log)
	if err != nil {
		return nil, fmt.Errorf("new executor: %w", err)
	}

	sh := &Shell{
		Env:    envStore,
		Jobs:   jobs,
		Exec:   exe,
		Stderr: stderr,
		log:    log,
	}
	sh.Bltn = builtin.New(envStore, exe, resolve.HomeDir)
	exe.Builtins = builtinLookup{sh.Bltn}
	return sh, nil
}

// builtinLookup adapts *builtin.Table's Lookup to executor.BuiltinLookup:
// both describe the same function shape, but the executor package names
// its own BuiltinFunc type rather than importing builtin (the dependency
// runs the other way — builtin imports nothing from executor but the
// narrow Env/Controller interfaces it needs), so a one-line adapter
// bridges the two named types at the only point they meet.
type builtinLookup struct{ t *builtin.Table }

func (b builtinLookup) Lookup(name string) (executor.BuiltinFunc, bool) {
	fn, ok := b.t.Lookup(name)
	return executor.BuiltinFunc(fn), ok
}

// Close releases the executor's controlling-tty handle.
func (s *Shell) Close() error {
	return s.Exec.Close()
}

// LoadProfile reads ~/.ishrc, if present, and runs it as a non-interactive
// command stream — the same runStream path Run uses for stdin, just with
// interactive set to false so no prompt is printed and the suspended-jobs
// gate never fires for it.
func (s *Shell) LoadProfile() error {
	home, ok := resolve.HomeDir()
	if !ok {
		return nil
	}
	f, err := os.Open(filepath.Join(home, ".ishrc"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open .ishrc: %w", err)
	}
	defer f.Close()

	s.runStream(f, false)
	return nil
}

// hostname is resolved once; a prompt failure mid-session from a renamed
// host is not worth re-querying on every line.
var hostname = func() string {
	h, err := os.Hostname()
	if err != nil {
		return "ish"
	}
	return h
}()

func (s *Shell) printPrompt() {
	fmt.Fprintf(s.Stderr, "%s%% ", hostname)
}

// report handles an error surfaced by the executor per spec.md §7's two
// categories: a *errors.Fatal (fork, tcsetpgrp, waitpid, an internal
// inconsistency) invalidates the shell's invariants, so suspended jobs
// are released the same way the SIGTERM path does it and the process
// exits with failure; anything else is command-scoped and merely
// reported, leaving the REPL running.
func (s *Shell) report(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(s.Stderr, err)

	if _, fatal := err.(*ishwrap.Fatal); fatal {
		s.Exec.KillSuspended()
		os.Exit(1)
	}
}

// Run reads from r as the interactive session: stdin, with the prompt
// printed and the suspended-jobs EOF gate active.
func (s *Shell) Run(r io.Reader) {
	s.runStream(r, true)
}

// runStream is cmdloop: reap in update-only mode before every prompt,
// parse one line, run its tree if it parsed, and on EOF reap once more
// (this time reporting and freeing) before deciding whether the
// suspended-jobs gate should hold the loop open. A second EOF — or any
// EOF once the gate has already fired once — ends the stream.
func (s *Shell) runStream(r io.Reader, interactive bool) {
	// bufio.Reader.ReadString, unlike bufio.Scanner, attempts a fresh Read
	// on every call rather than latching an error permanently: an
	// interactive terminal that reports EOF on one read (Ctrl-D with an
	// empty line buffer) can still return more bytes on the next one if
	// the user keeps typing, which is exactly what "rewind the input
	// stream and keep going" (main.c's rewind(fp)) needs.
	br := bufio.NewReader(r)
	warned := false

	for {
		s.report(s.Exec.Reap(true))
		if interactive {
			s.printPrompt()
		}

		line, err := br.ReadString('\n')
		if err != nil && line == "" {
			s.report(s.Exec.Reap(false))
			if interactive && !warned && s.suspendedJobExists() {
				fmt.Fprintln(s.Stderr, "There are suspended jobs.")
				warned = true
				continue
			}
			return
		}
		line = strings.TrimSuffix(line, "\n")

		tree, perr := parser.Parse(line)
		if perr != nil {
			fmt.Fprintln(s.Stderr, perr)
			continue
		}
		if tree == nil {
			continue
		}
		s.report(s.Exec.Run(tree))
	}
}

func (s *Shell) suspendedJobExists() bool {
	found := false
	s.Jobs.ForEach(func(id int, job *jobtable.Job) bool {
		for i := 0; i < job.Nprocs(); i++ {
			if job.Proc(i).Status.Stopped() {
				found = true
				return false
			}
		}
		return true
	})
	return found
}
