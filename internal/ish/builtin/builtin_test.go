package builtin

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"
)

type fakeEnv map[string]*string

func (e fakeEnv) Get(name string) (string, bool) {
	v, ok := e[name]
	if !ok {
		return "", false
	}
	if v == nil {
		return "", true
	}
	return *v, true
}
func (e fakeEnv) Set(name string, val *string) { e[name] = val }
func (e fakeEnv) Unset(name string)             { delete(e, name) }
func (e fakeEnv) Display() []string {
	lines := make([]string, 0, len(e))
	for k, v := range e {
		val := ""
		if v != nil {
			val = *v
		}
		lines = append(lines, k+"="+val)
	}
	return lines
}

type fakeCtl struct {
	signalErr     error
	foregroundErr error
	reapErr       error
	showAllErr    error
	killed        bool
	signaled      []int
	foregrounded  []int
}

func (f *fakeCtl) Signal(jobID int, terminate bool) error {
	f.signaled = append(f.signaled, jobID)
	return f.signalErr
}
func (f *fakeCtl) Foreground(jobID int) error {
	f.foregrounded = append(f.foregrounded, jobID)
	return f.foregroundErr
}
func (f *fakeCtl) KillSuspended()  { f.killed = true }
func (f *fakeCtl) Reap(bool) error { return f.reapErr }
func (f *fakeCtl) ShowAll() error  { return f.showAllErr }

func newTestTable() (*Table, *fakeCtl) {
	ctl := &fakeCtl{}
	tbl := New(fakeEnv{}, ctl, func() (string, bool) { return "/home/tester", true })
	tbl.Exit = func(int) {}
	tbl.Chdir = func(string) error { return nil }
	return tbl, ctl
}

func TestLookupKnownNames(t *testing.T) {
	tbl, _ := newTestTable()
	names := []string{"exit", "cd", "jobs", "kill", "bg", "fg", "setenv", "unsetenv"}
	for _, n := range names {
		if _, ok := tbl.Lookup(n); !ok {
			t.Errorf("Lookup(%q) not found", n)
		}
	}
	if _, ok := tbl.Lookup("echo"); ok {
		t.Error("Lookup(\"echo\") unexpectedly found, echo is not a builtin")
	}
}

func TestCd(t *testing.T) {
	tests := map[string]struct {
		args     []string
		home     func() (string, bool)
		chdirErr error
		wantCode int
	}{
		"no args uses home": {
			args: nil,
			home: func() (string, bool) { return "/home/tester", true },
		},
		"one arg uses given dir": {
			args: []string{"/tmp"},
		},
		"too many args is usage error": {
			args:     []string{"a", "b"},
			wantCode: 1,
		},
		"missing home directory": {
			args:     nil,
			home:     func() (string, bool) { return "", false },
			wantCode: 1,
		},
		"chdir failure": {
			args:     []string{"/nope"},
			chdirErr: errors.New("no such directory"),
			wantCode: 1,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			tbl, _ := newTestTable()
			if test.home != nil {
				tbl.HomeDir = test.home
			}
			var gotDir string
			tbl.Chdir = func(dir string) error {
				gotDir = dir
				return test.chdirErr
			}

			var stderr bytes.Buffer
			fn, _ := tbl.Lookup("cd")
			code := fn(test.args, io.Discard, &stderr)

			if code != test.wantCode {
				t.Fatalf("exit code = %d, want %d (stderr: %s)", code, test.wantCode, stderr.String())
			}
			if test.wantCode == 0 && len(test.args) == 1 && gotDir != test.args[0] {
				t.Fatalf("Chdir called with %q, want %q", gotDir, test.args[0])
			}
		})
	}
}

func TestJobsCallsShowAll(t *testing.T) {
	tbl, ctl := newTestTable()

	fn, _ := tbl.Lookup("jobs")
	if code := fn(nil, io.Discard, io.Discard); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	ctl.showAllErr = errors.New("waitpid: no child processes")
	var stderr bytes.Buffer
	if code := fn(nil, io.Discard, &stderr); code != 1 {
		t.Fatalf("exit code = %d, want 1 when ShowAll fails", code)
	}
	if stderr.Len() == 0 {
		t.Fatal("expected the ShowAll error to be printed")
	}
}

func TestJobsRejectsArgs(t *testing.T) {
	tbl, _ := newTestTable()
	fn, _ := tbl.Lookup("jobs")
	if code := fn([]string{"extra"}, io.Discard, io.Discard); code != 1 {
		t.Fatalf("exit code = %d, want 1 for bad usage", code)
	}
}

func TestExit(t *testing.T) {
	tbl, ctl := newTestTable()
	var exitCode = -1
	tbl.Exit = func(code int) { exitCode = code }

	fn, _ := tbl.Lookup("exit")
	fn(nil, io.Discard, io.Discard)

	if !ctl.killed {
		t.Error("exit did not call KillSuspended")
	}
	if exitCode != 0 {
		t.Fatalf("Exit called with %d, want 0", exitCode)
	}
}

func TestExitRejectsArgs(t *testing.T) {
	tbl, _ := newTestTable()
	var stderr bytes.Buffer
	fn, _ := tbl.Lookup("exit")
	code := fn([]string{"1"}, io.Discard, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1 for bad usage", code)
	}
}

func TestKillBgFgJobReferences(t *testing.T) {
	tests := map[string]struct {
		name     string
		args     []string
		wantCode int
	}{
		"kill valid job":      {"kill", []string{"%1"}, 0},
		"kill invalid job":    {"kill", []string{"1"}, 1},
		"kill no args":        {"kill", nil, 1},
		"bg valid job":        {"bg", []string{"%2"}, 0},
		"bg invalid job":      {"bg", []string{"%0"}, 1},
		"fg valid job":        {"fg", []string{"%3"}, 0},
		"fg too many args":    {"fg", []string{"%1", "%2"}, 1},
		"fg non-numeric job":  {"fg", []string{"%x"}, 1},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			tbl, _ := newTestTable()
			var stderr bytes.Buffer
			fn, ok := tbl.Lookup(test.name)
			if !ok {
				t.Fatalf("Lookup(%q) not found", test.name)
			}
			code := fn(test.args, io.Discard, &stderr)
			if code != test.wantCode {
				t.Fatalf("exit code = %d, want %d (stderr: %s)", code, test.wantCode, stderr.String())
			}
		})
	}
}

func TestKillPropagatesControllerError(t *testing.T) {
	tbl, ctl := newTestTable()
	ctl.signalErr = fmt.Errorf("no such job: 1")

	var stderr bytes.Buffer
	fn, _ := tbl.Lookup("kill")
	code := fn([]string{"%1"}, io.Discard, &stderr)

	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if stderr.Len() == 0 {
		t.Fatal("expected the controller error to be printed")
	}
}

func TestSetenvUnsetenv(t *testing.T) {
	store := fakeEnv{}
	tbl := New(store, &fakeCtl{}, func() (string, bool) { return "", false })

	setenv, _ := tbl.Lookup("setenv")
	if code := setenv([]string{"FOO", "bar"}, io.Discard, io.Discard); code != 0 {
		t.Fatalf("setenv exit code = %d, want 0", code)
	}
	if v, ok := store.Get("FOO"); !ok || v != "bar" {
		t.Fatalf("store.Get(FOO) = (%q, %v), want (bar, true)", v, ok)
	}

	var stdout bytes.Buffer
	if code := setenv(nil, &stdout, io.Discard); code != 0 {
		t.Fatalf("setenv (display) exit code = %d, want 0", code)
	}
	if stdout.Len() == 0 {
		t.Fatal("setenv with no args should list the store")
	}

	unsetenv, _ := tbl.Lookup("unsetenv")
	if code := unsetenv([]string{"FOO"}, io.Discard, io.Discard); code != 0 {
		t.Fatalf("unsetenv exit code = %d, want 0", code)
	}
	if _, ok := store.Get("FOO"); ok {
		t.Fatal("FOO should have been removed")
	}
}

func TestJobnum(t *testing.T) {
	tests := map[string]struct {
		tok  string
		n    int
		ok   bool
	}{
		"valid":          {"%1", 1, true},
		"missing percent": {"1", 0, false},
		"zero":            {"%0", 0, false},
		"negative":        {"%-1", 0, false},
		"not a number":    {"%x", 0, false},
		"empty":           {"%", 0, false},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			n, ok := jobnum(test.tok)
			if ok != test.ok || (ok && n != test.n) {
				t.Fatalf("jobnum(%q) = (%d, %v), want (%d, %v)", test.tok, n, ok, test.n, test.ok)
			}
		})
	}
}
