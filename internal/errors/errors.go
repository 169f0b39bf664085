// Package errors distinguishes the two error categories ish's executor and
// signal protocol recognize: fatal errors, which invalidate the shell's
// invariants and must terminate the process, and command-scoped errors,
// which are reported and leave the shell running.
package errors

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Wrap returns a new error wrapping the passed error. If the passed error is
// nil, nil is returned.
func Wrap(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w", err)
}

// Fatal marks a system-call failure that invalidates the shell's
// invariants (fork, dup2, setpgid, tcsetpgrp, pipe, an unexpected wait).
// The caller is expected to report it with errno context and terminate.
type Fatal struct {
	Op  string
	err error
}

// NewFatal wraps err as a Fatal error tagged with the failing operation,
// capturing a stack trace the way the teacher's reexec/job packages do via
// github.com/pkg/errors.
func NewFatal(op string, err error) *Fatal {
	return &Fatal{Op: op, err: pkgerrors.WithStack(err)}
}

func (f *Fatal) Error() string {
	return fmt.Sprintf("%s: %s", f.Op, f.err)
}

func (f *Fatal) Unwrap() error {
	return f.err
}
