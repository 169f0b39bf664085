package parser

import (
	"testing"

	"github.com/jyenduri/ish/internal/ish/command"
)

func TestParseBlankLine(t *testing.T) {
	n, err := Parse("   ")
	if err != nil {
		t.Fatalf("Parse() returned error: %v", err)
	}
	if n != nil {
		t.Fatalf("Parse() = %+v, expected nil", n)
	}
}

func TestParseSimple(t *testing.T) {
	n, err := Parse("echo hello world")
	if err != nil {
		t.Fatalf("Parse() returned error: %v", err)
	}
	if n.Name != "echo" {
		t.Fatalf("Name = %q, expected echo", n.Name)
	}
	if len(n.Args) != 2 || n.Args[0] != "hello" || n.Args[1] != "world" {
		t.Fatalf("Args = %v, expected [hello world]", n.Args)
	}
	if n.Connector != command.Sequential || n.Next != nil {
		t.Fatalf("expected a single sequential node, got %+v", n)
	}
}

func TestParseSequential(t *testing.T) {
	n, err := Parse("echo hello ; echo world")
	if err != nil {
		t.Fatalf("Parse() returned error: %v", err)
	}
	if n.Connector != command.Sequential {
		t.Fatalf("first node connector = %v, expected Sequential", n.Connector)
	}
	if n.Next == nil || n.Next.Name != "echo" || n.Next.Args[0] != "world" {
		t.Fatalf("second node = %+v", n.Next)
	}
}

func TestParseBackground(t *testing.T) {
	n, err := Parse("sleep 10 &")
	if err != nil {
		t.Fatalf("Parse() returned error: %v", err)
	}
	if n.Connector != command.Background || n.Next != nil {
		t.Fatalf("expected one background node, got %+v", n)
	}
}

func TestParsePipeline(t *testing.T) {
	n, err := Parse("echo a | tr a b")
	if err != nil {
		t.Fatalf("Parse() returned error: %v", err)
	}
	if n.Connector != command.Pipe {
		t.Fatalf("first connector = %v, expected Pipe", n.Connector)
	}
	if n.Next == nil || n.Next.Name != "tr" {
		t.Fatalf("second node = %+v", n.Next)
	}
	if n.PipelineLen() != 2 {
		t.Fatalf("PipelineLen() = %d, expected 2", n.PipelineLen())
	}
}

func TestParsePipeErr(t *testing.T) {
	n, err := Parse("ls |& cat")
	if err != nil {
		t.Fatalf("Parse() returned error: %v", err)
	}
	if n.Connector != command.PipeErr {
		t.Fatalf("connector = %v, expected PipeErr", n.Connector)
	}
	if n.Next == nil || n.Next.Name != "cat" {
		t.Fatalf("second node = %+v", n.Next)
	}
}

func TestParseRedirections(t *testing.T) {
	tests := map[string]struct {
		line string
		in   string
		out  string
		app  bool
		err2 bool
	}{
		"input":            {"sort < in.txt", "in.txt", "", false, false},
		"output truncate":  {"sort > out.txt", "", "out.txt", false, false},
		"output append":    {"sort >> out.txt", "", "out.txt", true, false},
		"output stderr":    {"sort >& out.txt", "", "out.txt", false, true},
		"append + stderr":  {"sort >>& out.txt", "", "out.txt", true, true},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			n, err := Parse(test.line)
			if err != nil {
				t.Fatalf("Parse() returned error: %v", err)
			}
			if n.FileIn != test.in {
				t.Fatalf("FileIn = %q, expected %q", n.FileIn, test.in)
			}
			if n.FileOut != test.out {
				t.Fatalf("FileOut = %q, expected %q", n.FileOut, test.out)
			}
			if n.Append != test.app {
				t.Fatalf("Append = %v, expected %v", n.Append, test.app)
			}
			if n.RedirErr != test.err2 {
				t.Fatalf("RedirErr = %v, expected %v", n.RedirErr, test.err2)
			}
		})
	}
}

func TestParseHeredocRejected(t *testing.T) {
	_, err := Parse("cat << done")
	if err != ErrHeredoc {
		t.Fatalf("Parse() = %v, expected ErrHeredoc", err)
	}
}

func TestParseDanglingPipeIsError(t *testing.T) {
	if _, err := Parse("ls |"); err == nil {
		t.Fatal("expected an error for a pipe with no right-hand side")
	}
}

func TestParseQuotingPreservesRawTokens(t *testing.T) {
	n, err := Parse(`echo "hello world" a\ b`)
	if err != nil {
		t.Fatalf("Parse() returned error: %v", err)
	}
	if len(n.Args) != 2 {
		t.Fatalf("Args = %v, expected two raw tokens", n.Args)
	}
	if got := command.ProcessArg(n.Args[0]); got != "hello world" {
		t.Fatalf("ProcessArg(Args[0]) = %q, expected %q", got, "hello world")
	}
	if got := command.ProcessArg(n.Args[1]); got != "a b" {
		t.Fatalf("ProcessArg(Args[1]) = %q, expected %q", got, "a b")
	}
}
