// Package prompt implements the interactive providers used by the CLI:
// the snapshot and mode picker for restores, the exclusion prompt for the
// filters file and the first-run options form.
//
// Every prompt reads lines from one shared reader so answers can be piped
// in tests. End of input cancels the prompt with errors.ErrCancelled.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/thoreinstein/hbak/internal/errors"
	"github.com/thoreinstein/hbak/internal/naming"
)

// ErrInvalidSelection indicates an answer that could not be understood.
var ErrInvalidSelection = errors.New("invalid selection")

// maxAttempts bounds how often a question is repeated after an invalid answer.
const maxAttempts = 3

// FindFunc chooses one snapshot and returns its index. It returns
// errors.ErrCancelled when the user aborts.
type FindFunc func(snapshots []naming.Snapshot) (int, error)

// Prompter asks questions on a terminal.
type Prompter struct {
	reader *bufio.Reader
	writer io.Writer
	home   string
	find   FindFunc

	label *color.Color
	hint  *color.Color
}

// New creates a Prompter on stdin and stdout that expands "~" against home.
func New(home string) *Prompter {
	return NewWithIO(os.Stdin, os.Stdout, home)
}

// NewWithIO creates a Prompter with custom reader and writer for testing.
// The snapshot picker still uses the fuzzy finder unless replaced with
// WithFinder.
func NewWithIO(r io.Reader, w io.Writer, home string) *Prompter {
	return &Prompter{
		reader: bufio.NewReader(r),
		writer: w,
		home:   home,
		find:   fuzzyFind,
		label:  color.New(color.Bold),
		hint:   color.New(color.FgHiBlack),
	}
}

// WithFinder replaces the snapshot finder.
func (p *Prompter) WithFinder(f FindFunc) *Prompter {
	p.find = f
	return p
}

// IsInteractive reports whether r is a terminal.
func IsInteractive(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// ask prints question with an optional default and returns the trimmed
// answer, or def when the answer is empty.
func (p *Prompter) ask(question, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.writer, "%s %s: ", p.label.Sprint(question), p.hint.Sprintf("[%s]", def))
	} else {
		fmt.Fprintf(p.writer, "%s: ", p.label.Sprint(question))
	}

	line, err := p.reader.ReadString('\n')
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return "", errors.Wrap(err, "reading answer")
		}
		if line == "" {
			fmt.Fprintln(p.writer)
			return "", errors.ErrCancelled
		}
	}

	answer := strings.TrimSpace(line)
	if answer == "" {
		return def, nil
	}
	return answer, nil
}

// confirm asks a yes/no question. An empty answer selects def.
func (p *Prompter) confirm(question string, def bool) (bool, error) {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	for range maxAttempts {
		answer, err := p.ask(question, hint)
		if err != nil {
			return false, err
		}
		if answer == hint {
			return def, nil
		}
		switch strings.ToLower(answer) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintf(p.writer, "Please answer y or n.\n")
	}
	return false, errors.Wrapf(ErrInvalidSelection, "no valid answer to %q", question)
}
