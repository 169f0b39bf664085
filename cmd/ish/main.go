// Command ish is a small interactive POSIX shell: a REPL that reads
// lines, parses them into a command tree, and runs them through the
// executor/job-table/signal-and-reaping core in internal/ish.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/jyenduri/ish/internal/ish/builtin"
	"github.com/jyenduri/ish/internal/ish/executor"
	"github.com/jyenduri/ish/internal/ish/shell"
	ishlog "github.com/jyenduri/ish/internal/log"
)

const (
	ecSuccess = iota
	// ecSetup indicates the shell's executor could not be constructed
	// (controlling tty unavailable).
	ecSetup
	// ecSigterm is not returned by run: the executor's SIGTERM watcher
	// exits the process itself, with status 1.
	ecSigterm
	// ecReexec indicates a backgrounded-builtin reexec child's own setup
	// failed before it could even dispatch to the builtin.
	ecReexec
)

var logger = ishlog.NewSession(os.Stderr, "ish")

func main() {
	if len(os.Args) > 1 && os.Args[1] == executor.Reexec {
		os.Exit(runReexec(os.Args[2:]))
	}
	os.Exit(run())
}

// run is the ordinary interactive entrypoint: construct the shell, load
// ~/.ishrc non-interactively, then read stdin as the interactive session.
// main.c's main(): environ = NULL; initjobs(); loadprofile(); cmdloop(stdin, 1).
func run() int {
	sh, err := shell.New(os.Stderr, logger)
	if err != nil {
		logger.Errorf("shell setup; error: %s", err)
		return ecSetup
	}
	defer sh.Close()

	sh.Exec.InstallSignals()
	defer sh.Exec.StopSignals()

	if err := sh.LoadProfile(); err != nil {
		logger.Warnf("loading ~/.ishrc; error: %s", err)
	}

	sh.Run(os.Stdin)
	return ecSuccess
}

// runReexec dispatches straight into one builtin, for the background-
// builtin case the executor's newReexecChild constructs: args[0] is the
// builtin name, the rest its arguments. It never touches the real
// shell's job table or env store — it inherits only the flattened
// KEY=VALUE environment block the parent passed via cmd.Env, and any
// effect it has on that state is discarded when the process exits,
// matching spec.md §9 ("Builtin-as-shell-modifier").
func runReexec(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "ish: reexec: missing builtin name")
		return ecReexec
	}
	name, rest := args[0], args[1:]

	envStore := newInheritedEnv()
	ctl := noopController{}
	table := builtin.New(envStore, ctl, func() (string, bool) { return "", false })

	fn, ok := table.Lookup(name)
	if !ok {
		fmt.Fprintf(os.Stderr, "ish: reexec: %s: not a builtin\n", name)
		return ecReexec
	}
	return fn(rest, os.Stdout, os.Stderr)
}

// inheritedEnv is the minimal env.Store-shaped store the reexec child
// populates from its inherited KEY=VALUE block — a one-shot, write-once
// view, since nothing downstream of this process reads it back.
type inheritedEnv map[string]string

func (e inheritedEnv) Get(name string) (string, bool) { v, ok := e[name]; return v, ok }
func (e inheritedEnv) Set(name string, val *string) {
	if val == nil {
		e[name] = ""
		return
	}
	e[name] = *val
}
func (e inheritedEnv) Unset(name string) { delete(e, name) }
func (e inheritedEnv) Display() []string {
	lines := make([]string, 0, len(e))
	for k, v := range e {
		lines = append(lines, k+"="+v)
	}
	return lines
}

func newInheritedEnv() inheritedEnv {
	e := make(inheritedEnv)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			e[kv[:i]] = kv[i+1:]
		}
	}
	return e
}

// noopController backs a reexec'd builtin's job-control surface: the
// child never has a job table of its own, so every job-id lookup fails
// exactly as if the id never existed, and KillSuspended/Reap are no-ops.
type noopController struct{}

func (noopController) Signal(jobID int, terminate bool) error {
	return fmt.Errorf("no such job: %d", jobID)
}
func (noopController) Foreground(jobID int) error {
	return fmt.Errorf("no such job: %d", jobID)
}
func (noopController) KillSuspended()             {}
func (noopController) Reap(updateOnly bool) error { return nil }
func (noopController) ShowAll() error             { return nil }
