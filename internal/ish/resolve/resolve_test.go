package resolve

import (
	"os"
	"path/filepath"
	"testing"
)

type fakeEnv map[string]string

func (f fakeEnv) Get(name string) (string, bool) {
	v, ok := f[name]
	return v, ok
}

func TestCommandLiteralPaths(t *testing.T) {
	tests := []string{"/bin/ls", "./foo", "../foo"}
	for _, name := range tests {
		got, err := Command(fakeEnv{}, name)
		if err != nil {
			t.Fatalf("Command(%q) returned error: %v", name, err)
		}
		if got != name {
			t.Fatalf("Command(%q) = %q, expected unchanged", name, got)
		}
	}
}

func TestCommandPathSearch(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()

	target := filepath.Join(dir2, "mytool")
	if err := os.WriteFile(target, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	env := fakeEnv{"PATH": dir1 + ":" + dir2}
	got, err := Command(env, "mytool")
	if err != nil {
		t.Fatalf("Command() returned error: %v", err)
	}
	if got != target {
		t.Fatalf("Command() = %q, expected %q", got, target)
	}
}

func TestCommandNotFound(t *testing.T) {
	env := fakeEnv{"PATH": t.TempDir()}
	_, err := Command(env, "doesnotexist")
	if err == nil {
		t.Fatal("expected an error for a command missing from PATH")
	}
	if _, ok := err.(*ErrNotFound); !ok {
		t.Fatalf("expected *ErrNotFound, got %T", err)
	}
}

func TestCommandNoPath(t *testing.T) {
	_, err := Command(fakeEnv{}, "anything")
	if err == nil {
		t.Fatal("expected an error when PATH is unset")
	}
}
