package logging

import (
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/thoreinstein/hbak/internal/errors"
)

// ColorMode selects when terminal output carries ANSI colors.
type ColorMode string

const (
	ColorAuto   ColorMode = "auto"
	ColorAlways ColorMode = "always"
	ColorNever  ColorMode = "never"
)

// ErrInvalidColorMode is returned by ParseColorMode for unknown values.
var ErrInvalidColorMode = errors.New("color mode must be auto, always or never")

// ParseColorMode parses a --color value. The empty string means ColorAuto.
func ParseColorMode(s string) (ColorMode, error) {
	switch m := ColorMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ColorAuto, nil
	case ColorAuto, ColorAlways, ColorNever:
		return m, nil
	}
	return "", errors.Wrapf(ErrInvalidColorMode, "%q", s)
}

// IsTerminal reports whether w is backed by a file descriptor attached to a
// terminal.
func IsTerminal(w io.Writer) bool {
	if f, ok := w.(interface{ Fd() uintptr }); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

// UseColor decides whether output written to w is colorized. In auto mode
// NO_COLOR (https://no-color.org) and TERM=dumb turn colors off.
func UseColor(w io.Writer, mode ColorMode) bool {
	return useColor(mode, IsTerminal(w))
}

func useColor(mode ColorMode, tty bool) bool {
	switch mode {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	return tty
}
