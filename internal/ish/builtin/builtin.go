// Package builtin implements the shell commands that run in the shell's
// own process rather than a forked child: exit, cd, jobs, kill, bg, fg,
// setenv, unsetenv.
package builtin

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jyenduri/ish/internal/validator"
)

// Env is the subset of the environment store a builtin needs.
type Env interface {
	Get(name string) (string, bool)
	Set(name string, val *string)
	Unset(name string)
	Display() []string
}

// Controller is the subset of the executor's job-control surface a
// builtin needs: send a job a signal, bring one to the foreground, stop
// every suspended job, reap finished background jobs, and list every
// live job regardless of state.
type Controller interface {
	Signal(jobID int, terminate bool) error
	Foreground(jobID int) error
	KillSuspended()
	Reap(updateOnly bool) error
	ShowAll() error
}

// Table dispatches builtin names to their implementations.
type Table struct {
	Env Env
	Ctl Controller

	// HomeDir returns the invoking user's home directory. Overridable
	// for tests; defaults to the real user database lookup via New.
	HomeDir func() (string, bool)
	// Chdir changes the process's working directory. Overridable for
	// tests; defaults to os.Chdir via New.
	Chdir func(string) error
	// Exit terminates the process with the given code. Overridable for
	// tests; defaults to os.Exit via New.
	Exit func(code int)
}

// New returns a Table wired to the real OS primitives.
func New(env Env, ctl Controller, homeDir func() (string, bool)) *Table {
	return &Table{
		Env:     env,
		Ctl:     ctl,
		HomeDir: homeDir,
		Chdir:   os.Chdir,
		Exit:    os.Exit,
	}
}

// Lookup resolves name to its builtin implementation, if any.
func (t *Table) Lookup(name string) (func(args []string, stdout, stderr io.Writer) int, bool) {
	switch name {
	case "exit":
		return t.exit, true
	case "cd":
		return t.cd, true
	case "jobs":
		return t.jobs, true
	case "kill":
		return t.kill, true
	case "bg":
		return t.bg, true
	case "fg":
		return t.fg, true
	case "setenv":
		return t.setenv, true
	case "unsetenv":
		return t.unsetenv, true
	default:
		return nil, false
	}
}

func usage(stderr io.Writer, msg string) int {
	fmt.Fprintf(stderr, "usage: %s\n", msg)
	return 1
}

func (t *Table) exit(args []string, _, stderr io.Writer) int {
	if len(args) > 0 {
		return usage(stderr, "exit")
	}
	t.Ctl.KillSuspended()
	t.Exit(0)
	return 0
}

func (t *Table) cd(args []string, _, stderr io.Writer) int {
	if len(args) > 1 {
		return usage(stderr, "cd [dir]")
	}

	dir := ""
	if len(args) == 1 {
		dir = args[0]
	} else {
		home, ok := t.HomeDir()
		if !ok {
			fmt.Fprintln(stderr, "cd: home directory: not found")
			return 1
		}
		dir = home
	}

	if err := t.Chdir(dir); err != nil {
		fmt.Fprintf(stderr, "cd: %s: %s\n", dir, err)
		return 1
	}
	return 0
}

func (t *Table) jobs(args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 {
		return usage(stderr, "jobs")
	}
	if err := t.Ctl.ShowAll(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

// jobnum parses a "%N" job-id token, returning ok == false if it isn't
// one. This is the one place a builtin turns raw, user-typed text into a
// number, so it runs the same Assert/AssertFunc validation the teacher's
// request handlers use at their own external boundary.
func jobnum(tok string) (int, bool) {
	v := validator.New()
	v.Assert(strings.HasPrefix(tok, "%"), "job reference must start with %")
	if v.Err() != nil {
		return 0, false
	}

	n, err := strconv.Atoi(tok[1:])
	v.AssertFunc(func() bool { return err == nil }, "job number must be an integer")
	v.Assert(n >= 1, "job number must be positive")
	if v.Err() != nil {
		return 0, false
	}
	return n, true
}

func invalidJob(stderr io.Writer, name, tok string) int {
	fmt.Fprintf(stderr, "%s: invalid job: %s\n", name, tok)
	return 1
}

func (t *Table) kill(args []string, _, stderr io.Writer) int {
	if len(args) == 0 {
		return usage(stderr, "kill %job ...")
	}
	for _, a := range args {
		n, ok := jobnum(a)
		if !ok {
			return invalidJob(stderr, "kill", a)
		}
		if err := t.Ctl.Signal(n, true); err != nil {
			fmt.Fprintln(stderr, err)
			return 2
		}
	}
	return 0
}

func (t *Table) bg(args []string, _, stderr io.Writer) int {
	if len(args) == 0 {
		return usage(stderr, "bg %job ...")
	}
	for _, a := range args {
		n, ok := jobnum(a)
		if !ok {
			return invalidJob(stderr, "bg", a)
		}
		if err := t.Ctl.Signal(n, false); err != nil {
			fmt.Fprintln(stderr, err)
			return 2
		}
	}
	return 0
}

func (t *Table) fg(args []string, _, stderr io.Writer) int {
	if len(args) != 1 {
		return usage(stderr, "fg %job")
	}
	n, ok := jobnum(args[0])
	if !ok {
		return invalidJob(stderr, "fg", args[0])
	}
	if err := t.Ctl.Foreground(n); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	return 0
}

func (t *Table) setenv(args []string, stdout, stderr io.Writer) int {
	if len(args) > 2 {
		return usage(stderr, "setenv [var [val]]")
	}
	if len(args) == 0 {
		for _, line := range t.Env.Display() {
			fmt.Fprintln(stdout, line)
		}
		return 0
	}
	var val *string
	if len(args) == 2 {
		val = &args[1]
	}
	t.Env.Set(args[0], val)
	return 0
}

func (t *Table) unsetenv(args []string, _, stderr io.Writer) int {
	if len(args) != 1 {
		return usage(stderr, "unsetenv var")
	}
	t.Env.Unset(args[0])
	return 0
}
