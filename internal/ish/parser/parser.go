// Package parser is the external collaborator spec.md §6 describes but
// doesn't specify: it turns one input line into the command tree the
// executor consumes. It is deliberately small — whitespace tokenizing,
// the four connectors, and the five redirection forms, nothing else. No
// globbing, no variable expansion, no here-documents; a here-doc token
// ("<<") is rejected with a parse error rather than silently misparsed.
package parser

import (
	"fmt"
	"strings"

	"github.com/jyenduri/ish/internal/ish/command"
)

// ErrHeredoc is returned when the line contains a "<<" token; ish doesn't
// support here-documents.
var ErrHeredoc = fmt.Errorf("here-documents are not supported")

// tokKind classifies one lexical unit of the line.
type tokKind int

const (
	tokWord tokKind = iota
	tokSemi
	tokAmp
	tokPipe
	tokPipeErr
	tokLt
	tokGt
	tokGtGt
	tokGtAmp
	tokGtGtAmp
)

type token struct {
	kind tokKind
	text string // only meaningful for tokWord
}

// tokenize splits line into tokens. Words preserve their outer quotes and
// literal backslashes verbatim (§6: "single-quoted and double-quoted
// tokens preserved with outer quotes included; backslash escapes
// represented literally in tokens") — stripping happens later, in
// command.ProcessArg. A backslash always glues to the character right
// after it, so an escaped space or quote never splits or closes a word.
func tokenize(line string) ([]token, error) {
	var toks []token
	var word strings.Builder
	inQuote := byte(0)

	flush := func() {
		if word.Len() > 0 {
			toks = append(toks, token{kind: tokWord, text: word.String()})
			word.Reset()
		}
	}

	r := []rune(line)
	for i := 0; i < len(r); i++ {
		c := r[i]

		if inQuote != 0 {
			word.WriteRune(c)
			if c == '\\' && i+1 < len(r) {
				i++
				word.WriteRune(r[i])
				continue
			}
			if byte(c) == inQuote {
				inQuote = 0
			}
			continue
		}

		switch {
		case c == '\\' && i+1 < len(r):
			word.WriteRune(c)
			i++
			word.WriteRune(r[i])
		case c == '\'' || c == '"':
			inQuote = byte(c)
			word.WriteRune(c)
		case c == ' ' || c == '\t':
			flush()
		case c == ';':
			flush()
			toks = append(toks, token{kind: tokSemi})
		case c == '&':
			flush()
			toks = append(toks, token{kind: tokAmp})
		case c == '|':
			flush()
			if i+1 < len(r) && r[i+1] == '&' {
				i++
				toks = append(toks, token{kind: tokPipeErr})
			} else {
				toks = append(toks, token{kind: tokPipe})
			}
		case c == '<':
			flush()
			if i+1 < len(r) && r[i+1] == '<' {
				return nil, ErrHeredoc
			}
			toks = append(toks, token{kind: tokLt})
		case c == '>':
			flush()
			switch {
			case i+2 < len(r) && r[i+1] == '>' && r[i+2] == '&':
				i += 2
				toks = append(toks, token{kind: tokGtGtAmp})
			case i+1 < len(r) && r[i+1] == '>':
				i++
				toks = append(toks, token{kind: tokGtGt})
			case i+1 < len(r) && r[i+1] == '&':
				i++
				toks = append(toks, token{kind: tokGtAmp})
			default:
				toks = append(toks, token{kind: tokGt})
			}
		default:
			word.WriteRune(c)
		}
	}
	flush()
	return toks, nil
}

// building accumulates one node's fields while its tokens are consumed,
// before it's turned into a command.Node and appended to the tree.
type building struct {
	words    []string
	in       string
	out      string
	append   bool
	redirErr bool
}

func (b *building) empty() bool { return len(b.words) == 0 }

func (b *building) toNode(connector command.Connector) (*command.Node, error) {
	if len(b.words) == 0 {
		return nil, fmt.Errorf("syntax error: empty command before connector")
	}
	n := command.New(b.words[0])
	if len(b.words) > 1 {
		n.Args = append([]string(nil), b.words[1:]...)
	}
	n.FileIn = b.in
	n.FileOut = b.out
	n.Append = b.append
	n.RedirErr = b.redirErr
	n.Connector = connector
	return n, nil
}

// Parse turns one input line into a command tree, or nil with a nil error
// for a blank line. A syntax error (here-doc, dangling operator, missing
// redirection target, empty command name) is returned as a plain error;
// callers are expected to print it and continue the REPL, not unwind.
func Parse(line string) (*command.Node, error) {
	toks, err := tokenize(line)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, nil
	}

	var head, cur *command.Node
	var b building
	lastConnector := command.Sequential
	sawAny := false

	link := func(connector command.Connector) error {
		n, err := b.toNode(connector)
		if err != nil {
			return err
		}
		b = building{}
		if head == nil {
			head = n
		} else {
			cur.Next = n
		}
		cur = n
		sawAny = true
		lastConnector = connector
		return nil
	}

	i := 0
	for i < len(toks) {
		t := toks[i]
		switch t.kind {
		case tokWord:
			b.words = append(b.words, t.text)
			i++
		case tokSemi:
			if err := link(command.Sequential); err != nil {
				return nil, err
			}
			i++
		case tokAmp:
			if err := link(command.Background); err != nil {
				return nil, err
			}
			i++
		case tokPipe:
			if err := link(command.Pipe); err != nil {
				return nil, err
			}
			i++
		case tokPipeErr:
			if err := link(command.PipeErr); err != nil {
				return nil, err
			}
			i++
		case tokLt, tokGt, tokGtGt, tokGtAmp, tokGtGtAmp:
			if b.empty() {
				return nil, fmt.Errorf("syntax error: redirection before any command")
			}
			i++
			if i >= len(toks) || toks[i].kind != tokWord {
				return nil, fmt.Errorf("syntax error: missing redirection target")
			}
			path := command.ProcessArg(toks[i].text)
			i++
			switch t.kind {
			case tokLt:
				b.in = path
			case tokGt:
				b.out, b.append, b.redirErr = path, false, false
			case tokGtGt:
				b.out, b.append, b.redirErr = path, true, false
			case tokGtAmp:
				b.out, b.append, b.redirErr = path, false, true
			case tokGtGtAmp:
				b.out, b.append, b.redirErr = path, true, true
			}
		}
	}

	if !b.empty() {
		if err := link(command.Sequential); err != nil {
			return nil, err
		}
	} else if sawAny && (lastConnector == command.Pipe || lastConnector == command.PipeErr) {
		// The line ended right after a pipe connector with nothing on its
		// right-hand side ("ls |" with no following command): the
		// command-tree invariant in spec.md §3 requires Pipe/PipeErr
		// nodes to have a non-nil Next, so this is rejected here rather
		// than left for the executor to discover.
		return nil, fmt.Errorf("syntax error: pipe with no following command")
	}

	return head, nil
}
