// Package executor runs a parsed command tree: it forks subshells, wires
// pipes and redirections, assigns process groups, hands the controlling
// terminal to whichever group is in the foreground, and distinguishes
// in-process builtin execution from external exec. It also owns the
// signal and reaping protocol: which signals the shell ignores or
// forwards, how suspended jobs are detected and terminated, and how
// finished background jobs are collected and reported.
//
// Everything here runs on the shell's single goroutine. Child processes
// provide all the concurrency; the job table is read and written only
// from this goroutine plus the async-signal-safe SIGTERM handler, which
// only ever appends to a channel.
package executor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	ishwrap "github.com/jyenduri/ish/internal/errors"
	"github.com/jyenduri/ish/internal/ish/command"
	"github.com/jyenduri/ish/internal/ish/jobtable"
	"github.com/jyenduri/ish/internal/ish/resolve"
	ishlog "github.com/jyenduri/ish/internal/log"
)

// Reexec is the hidden argument cmd/ish recognizes to dispatch straight
// into a builtin instead of starting the REPL — the re-exec trick a
// background builtin invocation uses in place of a bare fork, which pure
// Go processes (unlike the original's forkshell) don't have.
const Reexec = "--ish-builtin-reexec"

// BuiltinFunc runs one builtin invocation and returns its exit code.
type BuiltinFunc func(args []string, stdout, stderr io.Writer) int

// BuiltinLookup resolves a command name to its builtin implementation,
// if any.
type BuiltinLookup interface {
	Lookup(name string) (BuiltinFunc, bool)
}

// Env is the subset of the env store the executor needs: PATH lookups
// for command resolution, and a flattened export for every child's
// environment block (§4.1, §6 "Environment").
type Env interface {
	resolve.PathEnv
	Export() []string
}

// Executor owns the shell's process-group and terminal state and runs
// command trees against it.
type Executor struct {
	tty       *os.File
	shellPgrp int
	selfPath  string

	Jobs     *jobtable.Table
	Env      Env
	Builtins BuiltinLookup
	Stderr   io.Writer

	log *ishlog.Logger

	sigterm chan os.Signal
	done    chan struct{}
}

// New opens the controlling terminal and records the shell's own
// process group. Callers must call InstallSignals once the Executor is
// otherwise ready, and Close on shutdown.
func New(jobs *jobtable.Table, env Env, stderr io.Writer, logger *ishlog.Logger) (*Executor, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open controlling tty: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}

	return &Executor{
		tty:       tty,
		shellPgrp: syscall.Getpgrp(),
		selfPath:  self,
		Jobs:      jobs,
		Env:       env,
		Stderr:    stderr,
		log:       logger,
		done:      make(chan struct{}),
	}, nil
}

// Close releases the controlling tty.
func (e *Executor) Close() error {
	return e.tty.Close()
}

// InstallSignals ignores SIGINT and SIGQUIT shell-wide — a literal
// ignore, which (unlike a handled signal) survives exec into children,
// so background jobs keep it too — and installs an asynchronous SIGTERM
// handler. The handler itself only sends a byte down a channel; the
// actual work (terminating suspended jobs, exiting) runs on an ordinary
// goroutine, keeping everything that touches the job table off the
// signal-delivery path.
func (e *Executor) InstallSignals() {
	signal.Ignore(syscall.SIGINT, syscall.SIGQUIT)

	e.sigterm = make(chan os.Signal, 1)
	signal.Notify(e.sigterm, syscall.SIGTERM)
	go func() {
		select {
		case <-e.sigterm:
			e.KillSuspended()
			os.Exit(1)
		case <-e.done:
		}
	}()
}

// StopSignals tears down the SIGTERM watcher goroutine started by
// InstallSignals, for orderly non-signal-driven shutdown.
func (e *Executor) StopSignals() {
	close(e.done)
}

// KillSuspended sends SIGTERM followed by SIGCONT to the process group
// of every live job that has at least one stopped process, so they can
// terminate gracefully rather than linger as orphaned stopped jobs.
func (e *Executor) KillSuspended() {
	e.Jobs.ForEach(func(id int, job *jobtable.Job) bool {
		for i := 0; i < job.Nprocs(); i++ {
			if job.Proc(i).Status.Stopped() {
				pgid := job.Pgrp()
				_ = syscall.Kill(-pgid, syscall.SIGTERM)
				_ = syscall.Kill(-pgid, syscall.SIGCONT)
				break
			}
		}
		return true
	})
}

// setForeground makes pgid the terminal's foreground process group.
// SIGTTIN/SIGTTOU are ignored around the transfer so the shell itself
// can't be stopped by its own call, then restored to default.
func (e *Executor) setForeground(pgid int) error {
	signal.Ignore(syscall.SIGTTIN, syscall.SIGTTOU)
	defer signal.Reset(syscall.SIGTTIN, syscall.SIGTTOU)

	return unix.IoctlSetPointerInt(int(e.tty.Fd()), unix.TIOCSPGRP, pgid)
}

// startForeground starts cmd after momentarily restoring the default
// disposition for SIGINT/SIGQUIT/SIGHUP, so the forked child — which
// inherits whatever disposition is current at the instant of the fork —
// comes up with them at SIG_DFL rather than inheriting the shell's
// ignore. The shell is single-threaded and never forks concurrently, so
// there's no race with another goroutine wanting the ignored
// disposition mid-toggle.
func (e *Executor) startForeground(cmd *exec.Cmd) error {
	signal.Reset(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP)
	defer signal.Ignore(syscall.SIGINT, syscall.SIGQUIT)
	return cmd.Start()
}

// reclaimTerminal makes the shell's own group the foreground group
// again. Called once a foreground job finishes or stops.
func (e *Executor) reclaimTerminal() error {
	return e.setForeground(e.shellPgrp)
}

func openRedirections(n *command.Node) (stdin, stdout, stderr *os.File, err error) {
	if n.FileIn != "" {
		stdin, err = os.Open(n.FileIn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open %s: %w", n.FileIn, err)
		}
	}
	if n.FileOut != "" {
		flags := os.O_WRONLY | os.O_CREATE
		if n.Append {
			flags |= os.O_APPEND
		} else {
			flags |= os.O_TRUNC
		}
		stdout, err = os.OpenFile(n.FileOut, flags, 0o644)
		if err != nil {
			if stdin != nil {
				stdin.Close()
			}
			return nil, nil, nil, fmt.Errorf("open %s: %w", n.FileOut, err)
		}
		if n.RedirErr {
			stderr = stdout
		}
	}
	return stdin, stdout, stderr, nil
}

func closeIfSet(files ...*os.File) {
	seen := make(map[*os.File]bool, len(files))
	for _, f := range files {
		if f == nil || seen[f] {
			continue
		}
		seen[f] = true
		f.Close()
	}
}

// Run executes a command tree: sequential and background nodes run one
// at a time, a run of pipe/pipe-with-stderr nodes runs as one pipeline,
// iteration continuing from the pipeline's last node's successor.
func (e *Executor) Run(tree *command.Node) error {
	for n := tree; n != nil; n = n.Next {
		switch n.Connector {
		case command.Pipe, command.PipeErr:
			last, err := e.runPipeline(n)
			if err != nil {
				return err
			}
			n = last
		default:
			if err := e.runOne(n, n.Connector == command.Background); err != nil {
				return err
			}
		}
	}
	return nil
}

// runOne executes a single command node: in-process if it names a
// builtin and isn't backgrounded, otherwise forked.
func (e *Executor) runOne(n *command.Node, background bool) error {
	_, isBuiltin := e.Builtins.Lookup(n.Name)
	if isBuiltin && !background {
		fn, _ := e.Builtins.Lookup(n.Name)
		return e.runBuiltinInline(n, fn)
	}

	stdin, stdout, stderr, err := openRedirections(n)
	if err != nil {
		fmt.Fprintln(e.Stderr, err)
		return nil
	}
	defer closeIfSet(stdin, stdout, stderr)

	var cmd *exec.Cmd
	if isBuiltin {
		// A backgrounded builtin still needs its own process to avoid
		// blocking the shell, but Go has no bare fork(): re-exec ourselves
		// with a hidden flag that dispatches straight into the builtin
		// (internal/jobworker/reexec.Exec's trick, applied to a builtin
		// call instead of an arbitrary host command). Its effect on shell
		// state — cd, setenv — is therefore lost, exactly as spec.md §9
		// ("Builtin-as-shell-modifier") specifies.
		cmd, err = e.newReexecChild(n, stdin, stdout, stderr)
		if err != nil {
			fmt.Fprintln(e.Stderr, err)
			return nil
		}
	} else {
		path, rerr := resolve.Command(e.Env, n.Name)
		if rerr != nil {
			fmt.Fprintln(e.Stderr, rerr)
			return nil
		}
		cmd = e.newChild(path, n.Argv(), stdin, stdout, stderr, 0)
	}

	id := e.Jobs.Make(1, command.Render(n))

	var startErr error
	if background {
		startErr = cmd.Start()
	} else {
		startErr = e.startForeground(cmd)
	}
	if startErr != nil {
		e.Jobs.Free(id)
		return ishwrap.NewFatal("fork", startErr)
	}
	e.Jobs.AddProc(id, cmd.Process.Pid)

	if background {
		fmt.Fprintf(e.Stderr, "[%d] %d\n", id, cmd.Process.Pid)
		return nil
	}

	if err := e.setForeground(cmd.Process.Pid); err != nil {
		return ishwrap.NewFatal("tcsetpgrp", err)
	}
	return e.waitForJob(id)
}

// runBuiltinInline runs a builtin in the shell's own process: output
// redirections named by the node are applied for the builtin's duration
// only, by passing it substitute writers — there is no file descriptor
// save/restore dance to do, since nothing outside the builtin call
// observes the shell's real stdio in the meantime. An input redirection
// is opened (so a missing file is still reported) but is not passed to
// the builtin, since no builtin reads standard input.
func (e *Executor) runBuiltinInline(n *command.Node, fn BuiltinFunc) error {
	stdin, stdout, stderr, err := openRedirections(n)
	if err != nil {
		fmt.Fprintln(e.Stderr, err)
		return nil
	}
	defer closeIfSet(stdin, stdout, stderr)

	out := io.Writer(os.Stdout)
	if stdout != nil {
		out = stdout
	}
	errw := io.Writer(e.Stderr)
	if stderr != nil {
		errw = stderr
	}

	fn(n.Argv()[1:], out, errw)
	return nil
}

// newChild builds the exec.Cmd for one pipeline member. pgid is the
// process group to join (0 asks the kernel to make the new process its
// own group leader, the job's pgid thereafter).
func (e *Executor) newChild(path string, argv []string, stdin, stdout, stderr *os.File, pgid int) *exec.Cmd {
	cmd := exec.Command(path, argv[1:]...)
	// The program sees its own unprocessed, unresolved name as argv[0]
	// (basename only, matching what a plain PATH-found execve would
	// hand it), not the absolute path this shell resolved it to.
	cmd.Args[0] = filepath.Base(argv[0])
	cmd.Env = e.Env.Export()
	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdin, stdout, stderr
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: pgid}
	return cmd
}

// newReexecChild builds the *exec.Cmd for a backgrounded builtin
// invocation: self, re-invoked with Reexec and the builtin's already
// processed argv, inheriting the env store's current export so the
// dispatched builtin (e.g. "jobs", "kill") sees the same PATH and
// variables a foreground run would.
func (e *Executor) newReexecChild(n *command.Node, stdin, stdout, stderr *os.File) (*exec.Cmd, error) {
	argv := n.Argv()
	reexecArgs := append([]string{Reexec, n.Name}, argv[1:]...)
	cmd := exec.Command(e.selfPath, reexecArgs...)
	cmd.Env = e.Env.Export()
	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdin, stdout, stderr
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd, nil
}

// runPipeline runs the chain of nodes starting at n connected by Pipe or
// PipeErr connectors, wiring each node's stdout to the next node's
// stdin, and returns the chain's last node.
func (e *Executor) runPipeline(n *command.Node) (*command.Node, error) {
	k := n.PipelineLen()
	last := n
	for i := 0; i < k-1; i++ {
		last = last.Next
	}
	background := last.Connector == command.Background

	id := e.Jobs.Make(k, command.Render(n))
	var prevRead *os.File
	var pgid int
	started := make([]*exec.Cmd, 0, k)

	cur := n
	for i := 0; i < k; i++ {
		path, err := resolve.Command(e.Env, cur.Name)
		if err != nil {
			fmt.Fprintln(e.Stderr, err)
			e.abortPipeline(started, prevRead, id)
			return last, nil
		}

		var nextRead, nextWrite *os.File
		if i < k-1 {
			r, w, perr := os.Pipe()
			if perr != nil {
				fmt.Fprintln(e.Stderr, perr)
				e.abortPipeline(started, prevRead, id)
				return last, nil
			}
			nextRead, nextWrite = r, w
		}

		stdin, stdout, stderr, err := openRedirections(cur)
		if err != nil {
			fmt.Fprintln(e.Stderr, err)
			if nextRead != nil {
				nextRead.Close()
				nextWrite.Close()
			}
			e.abortPipeline(started, prevRead, id)
			return last, nil
		}

		childStdin := stdin
		if childStdin == nil {
			childStdin = prevRead
		}
		childStdout := stdout
		if childStdout == nil && nextWrite != nil {
			childStdout = nextWrite
		}
		childStderr := stderr
		if childStderr == nil && nextWrite != nil && cur.Connector == command.PipeErr {
			childStderr = nextWrite
		}

		cmd := e.newChild(path, cur.Argv(), childStdin, childStdout, childStderr, pgid)

		var startErr error
		if background {
			startErr = cmd.Start()
		} else {
			startErr = e.startForeground(cmd)
		}

		// Every descriptor duped into the child is closed in the parent
		// right away; the next stage's read end is all that survives
		// into the following iteration.
		if prevRead != nil {
			prevRead.Close()
		}
		if nextWrite != nil {
			nextWrite.Close()
		}
		closeIfSet(stdin, stdout)
		if stderr != nil && stderr != stdout {
			stderr.Close()
		}

		if startErr != nil {
			if nextRead != nil {
				nextRead.Close()
			}
			fmt.Fprintf(e.Stderr, "fork: %s\n", startErr)
			e.abortPipeline(started, nil, id)
			return last, nil
		}

		e.Jobs.AddProc(id, cmd.Process.Pid)
		if i == 0 {
			pgid = cmd.Process.Pid
		}
		started = append(started, cmd)
		prevRead = nextRead
		cur = cur.Next
	}

	if background {
		fmt.Fprintf(e.Stderr, "[%d] %d\n", id, started[0].Process.Pid)
		return last, nil
	}

	if err := e.setForeground(pgid); err != nil {
		return last, ishwrap.NewFatal("tcsetpgrp", err)
	}
	return last, e.waitForJob(id)
}

// abortPipeline is reached only if a pipeline fails partway through
// launch (resolution miss, pipe() failure, fork failure). Any stages
// already running are killed and synchronously reaped so the job can be
// released without leaving zombies or an inconsistent status vector
// behind.
func (e *Executor) abortPipeline(started []*exec.Cmd, prevRead *os.File, id int) {
	if prevRead != nil {
		prevRead.Close()
	}
	for _, cmd := range started {
		syscall.Kill(cmd.Process.Pid, syscall.SIGKILL)
		var status syscall.WaitStatus
		syscall.Wait4(cmd.Process.Pid, &status, 0, nil)
	}
	e.Jobs.Free(id)
}

// waitForJob blocks until the job named by id is no longer runnable
// (every process exited or signaled) or one of its processes stops. On
// return, the shell reclaims the terminal, and the job is freed if it
// finished.
//
// The wait loop collects from any child of the shell, not only this
// job's own process group — Go's os/exec exposes no waitid(P_PGID, ...)
// equivalent — and files each report into whichever job owns that pid
// before re-checking this job's own state. A finished unrelated
// background job observed this way is simply recorded, to be reported
// later by Reap.
func (e *Executor) waitForJob(id int) error {
	job, ok := e.Jobs.Get(id)
	if !ok {
		return ishwrap.NewFatal("waitforjob", fmt.Errorf("job %d not found", id))
	}

	for {
		state, finished := jobtable.Classify(job)
		if finished || state == jobtable.Stopped {
			break
		}
		if err := e.waitAny(); err != nil {
			return err
		}
	}

	if err := e.reclaimTerminal(); err != nil {
		return err
	}

	state, finished := jobtable.Classify(job)
	switch state {
	case jobtable.Unknown:
		return ishwrap.NewFatal("jobtable", fmt.Errorf("job %d: unrecognized process status", id))
	case jobtable.Stopped, jobtable.Killed, jobtable.Terminated:
		fmt.Fprintf(e.Stderr, "[%d] %s\t%s\n", id, state, job.Cmd())
	}
	if finished {
		e.Jobs.Free(id)
	}
	return nil
}

// waitAny blocks for the next state change of any child (exit, signal,
// or stop) and files it into the owning job's status vector.
func (e *Executor) waitAny() error {
	var status syscall.WaitStatus
	pid, err := syscall.Wait4(-1, &status, syscall.WUNTRACED, nil)
	if err == syscall.EINTR {
		return nil
	}
	if err != nil {
		return ishwrap.NewFatal("waitpid", err)
	}
	if _, ps, ok := e.Jobs.FindPid(pid); ok {
		ps.Status = status
		ps.Reported = true
	}
	return nil
}

// collectExited drains every already-finished or state-changed child
// without blocking, filing each one into its owning job's status
// vector. Shared by Reap and ShowAll so both see up-to-date state
// before deciding what to print.
func (e *Executor) collectExited() error {
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WUNTRACED|syscall.WCONTINUED|syscall.WNOHANG, nil)
		if err == syscall.ECHILD || pid == 0 {
			return nil
		}
		if err != nil {
			return ishwrap.NewFatal("waitpid", err)
		}
		if _, ps, ok := e.Jobs.FindPid(pid); ok {
			ps.Status = status
			ps.Reported = true
		}
	}
}

// Reap polls for completed or state-changed children without blocking.
// If updateOnly is false, status lines for killed, terminated, and done
// jobs are printed and those jobs freed; if it is true, only the recorded
// statuses are updated and no job is freed.
func (e *Executor) Reap(updateOnly bool) error {
	if err := e.collectExited(); err != nil {
		return err
	}
	if updateOnly {
		return nil
	}

	mask := jobtable.FlagKill | jobtable.FlagTerm | jobtable.FlagDone
	if err := e.Jobs.Show(e.Stderr, mask); err != nil {
		return ishwrap.NewFatal("jobtable", err)
	}
	return nil
}

// ShowAll reports every live job regardless of state — Running and
// Stopped included — which is what the jobs builtin needs (spec.md
// §4.7: "jobs ... prints all live jobs"), unlike Reap's narrower masks
// which only ever surface jobs that have left the table.
func (e *Executor) ShowAll() error {
	if err := e.collectExited(); err != nil {
		return err
	}
	if err := e.Jobs.Show(e.Stderr, jobtable.FlagAll); err != nil {
		return ishwrap.NewFatal("jobtable", err)
	}
	return nil
}

// Signal sends SIGTERM (if terminate) followed by SIGCONT to the
// process group of the job named jobID.
func (e *Executor) Signal(jobID int, terminate bool) error {
	job, ok := e.Jobs.Get(jobID)
	if !ok {
		return fmt.Errorf("no such job: %d", jobID)
	}
	pgid := job.Pgrp()
	if terminate {
		if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
			return err
		}
	}
	return syscall.Kill(-pgid, syscall.SIGCONT)
}

// Foreground transfers the terminal to jobID's process group, sends it
// SIGCONT, prints its command string, and waits for it as a foreground
// job.
func (e *Executor) Foreground(jobID int) error {
	job, ok := e.Jobs.Get(jobID)
	if !ok {
		return fmt.Errorf("no such job: %d", jobID)
	}
	pgid := job.Pgrp()
	if err := e.setForeground(pgid); err != nil {
		return err
	}
	if err := syscall.Kill(-pgid, syscall.SIGCONT); err != nil {
		return err
	}
	// The stop reports are stale once SIGCONT is sent; marking those
	// processes unreported again keeps waitForJob waiting on them.
	for i := 0; i < job.Nprocs(); i++ {
		if p := job.Proc(i); p.Status.Stopped() {
			p.Reported = false
		}
	}
	fmt.Fprintln(e.Stderr, job.Cmd())
	return e.waitForJob(jobID)
}
