package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/fatih/color"
)

// Handler writes one line per record for a person watching stderr:
//
//	14:03:22 WARN  skipping unreadable entry path=/home/alice/.gnupg/S.gpg-agent
//
// Attribute groups are flattened into dotted keys. Values of sensitive keys
// are masked.
type Handler struct {
	level  slog.Leveler
	out    io.Writer
	mu     *sync.Mutex
	prefix string
	attrs  []byte
	pal    palette
}

// palette holds nil colors when output is plain.
type palette struct {
	time, key                *color.Color
	trace, debug, info, warn *color.Color
	err                      *color.Color
}

func newPalette() palette {
	p := palette{
		time:  color.New(color.FgHiBlack),
		key:   color.New(color.FgCyan),
		trace: color.New(color.FgHiBlack),
		debug: color.New(color.FgMagenta),
		info:  color.New(color.FgGreen),
		warn:  color.New(color.FgYellow),
		err:   color.New(color.FgRed, color.Bold),
	}
	// The global color.NoColor follows stdout; stderr may differ.
	for _, c := range []*color.Color{p.time, p.key, p.trace, p.debug, p.info, p.warn, p.err} {
		c.EnableColor()
	}
	return p
}

// NewHandler returns a Handler that colorizes when out is a terminal.
func NewHandler(out io.Writer, opts *slog.HandlerOptions) *Handler {
	return NewHandlerWithColor(out, opts, ColorAuto)
}

// NewHandlerWithColor returns a Handler using mode to decide on colors.
func NewHandlerWithColor(out io.Writer, opts *slog.HandlerOptions, mode ColorMode) *Handler {
	h := &Handler{level: slog.LevelInfo, out: out, mu: &sync.Mutex{}}
	if opts != nil && opts.Level != nil {
		h.level = opts.Level
	}
	if UseColor(out, mode) {
		h.pal = newPalette()
	}
	return h
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)
	if !r.Time.IsZero() {
		buf = append(buf, paint(h.pal.time, r.Time.Format(time.TimeOnly))...)
		buf = append(buf, ' ')
	}
	buf = append(buf, paint(h.levelColor(r.Level), fmt.Sprintf("%-5s", levelName(r.Level)))...)
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)
	buf = append(buf, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		buf = h.appendAttr(buf, h.prefix, a)
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf)
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := *h
	h2.attrs = slices.Clip(h.attrs)
	for _, a := range attrs {
		h2.attrs = h2.appendAttr(h2.attrs, h.prefix, a)
	}
	return &h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.prefix = h.prefix + name + "."
	return &h2
}

func (h *Handler) appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			buf = h.appendAttr(buf, prefix, ga)
		}
		return buf
	}

	val := a.Value.String()
	if ShouldMask(a.Key) {
		val = MaskValue(val)
	}
	if needsQuote(val) {
		val = strconv.Quote(val)
	}
	buf = append(buf, ' ')
	buf = append(buf, paint(h.pal.key, prefix+a.Key)...)
	buf = append(buf, '=')
	return append(buf, val...)
}

func (h *Handler) levelColor(l slog.Level) *color.Color {
	switch {
	case l >= slog.LevelError:
		return h.pal.err
	case l >= slog.LevelWarn:
		return h.pal.warn
	case l >= slog.LevelInfo:
		return h.pal.info
	case l >= slog.LevelDebug:
		return h.pal.debug
	default:
		return h.pal.trace
	}
}

func levelName(l slog.Level) string {
	if l < slog.LevelDebug {
		return "TRACE"
	}
	return l.String()
}

func paint(c *color.Color, s string) string {
	if c == nil {
		return s
	}
	return c.Sprint(s)
}

func needsQuote(s string) bool {
	if s == "" {
		return true
	}
	return strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '"' || r == '=' || !unicode.IsPrint(r)
	}) >= 0
}
