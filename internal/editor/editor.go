// Package editor launches the user's preferred text editor on one of the
// hbak configuration files.
package editor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/thoreinstein/hbak/internal/errors"
)

// ErrNoEditor indicates the editor command is empty.
var ErrNoEditor = errors.New("no editor configured")

// Open launches the user's preferred editor for path and waits for it to
// exit. The location is printed to out first.
// Uses $EDITOR, falling back to $VISUAL, then nano, then vi. The variable may
// carry arguments, as in EDITOR="code --wait".
func Open(ctx context.Context, path string, out io.Writer) error {
	argv := strings.Fields(detectEditor())
	if len(argv) == 0 {
		return ErrNoEditor
	}

	fmt.Fprintf(out, "Location: %s\n", path)

	cmd := exec.CommandContext(ctx, argv[0], append(argv[1:], path)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "running editor %s", argv[0])
	}

	return nil
}

// detectEditor returns the editor command to use based on environment variables
// and available binaries. Fallback chain: $EDITOR → $VISUAL → nano → vi
func detectEditor() string {
	if editor := strings.TrimSpace(os.Getenv("EDITOR")); editor != "" {
		return editor
	}

	if visual := strings.TrimSpace(os.Getenv("VISUAL")); visual != "" {
		return visual
	}

	if _, err := exec.LookPath("nano"); err == nil {
		return "nano"
	}

	return "vi"
}
