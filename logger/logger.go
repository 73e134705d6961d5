// Package logger provides a compact, optionally colorized slog.Handler for
// development and test output. Each record becomes one line: timestamp,
// level, message, then space-separated key=value attributes.
//
// To use it, install it as the default logger:
//
//	opts := &logger.Options{
//	    Level:    slog.LevelDebug,
//	    Colorize: true,
//	}
//	slog.SetDefault(slog.New(logger.NewHandler(os.Stderr, opts)))
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Escape codes for colorizing output.
const (
	reset  = "\033[0m"
	red    = "\033[31m"
	yellow = "\033[33m"
	cyan   = "\033[36m"
	white  = "\033[97m"
)

// Options configures a Handler. A nil Options is equivalent to the zero
// value: level Info, no color.
type Options struct {
	Level    slog.Leveler
	Colorize bool
}

// Handler is an slog.Handler that writes human-readable single-line records.
type Handler struct {
	opts     Options
	prefix   string // accumulated group names, each dot-terminated
	preattrs []byte // attributes bound by WithAttrs, already formatted
	mu       *sync.Mutex
	out      io.Writer
}

// NewHandler returns a Handler writing to out.
func NewHandler(out io.Writer, opts *Options) *Handler {
	h := &Handler{out: out, mu: &sync.Mutex{}}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

// Enabled reports whether records at the given level are emitted.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

// levelColor picks the escape code for a record level.
func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return red
	case level >= slog.LevelWarn:
		return yellow
	case level < slog.LevelInfo:
		return cyan
	default:
		return white
	}
}

// appendAttr formats one attribute, flattening groups into dotted key
// prefixes.
func appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	switch a.Value.Kind() {
	case slog.KindGroup:
		attrs := a.Value.Group()
		if len(attrs) == 0 {
			return buf
		}
		if a.Key != "" {
			prefix = prefix + a.Key + "."
		}
		for _, ga := range attrs {
			buf = appendAttr(buf, prefix, ga)
		}
	case slog.KindTime:
		// Standard format, without the monotonic clock reading.
		buf = fmt.Appendf(buf, " %s%s=%s", prefix, a.Key,
			a.Value.Time().Format(time.RFC3339Nano))
	default:
		buf = fmt.Appendf(buf, " %s%s=%v", prefix, a.Key, a.Value)
	}
	return buf
}

// Handle writes the record to the output.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)
	if h.opts.Colorize {
		buf = append(buf, levelColor(r.Level)...)
	}
	if !r.Time.IsZero() {
		buf = r.Time.AppendFormat(buf, "2006/01/02 15:04:05")
		buf = append(buf, ' ')
	}
	buf = append(buf, r.Level.String()...)
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)
	buf = append(buf, h.preattrs...)
	r.Attrs(func(a slog.Attr) bool {
		buf = appendAttr(buf, h.prefix, a)
		return true
	})
	if h.opts.Colorize {
		buf = append(buf, reset...)
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf)
	return err
}

// WithAttrs returns a Handler that prepends the given attributes to every
// record.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := *h
	pre := make([]byte, len(h.preattrs), len(h.preattrs)+64)
	copy(pre, h.preattrs)
	for _, a := range attrs {
		pre = appendAttr(pre, h.prefix, a)
	}
	h2.preattrs = pre
	return &h2
}

// WithGroup returns a Handler that qualifies subsequent attribute keys with
// the group name.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.prefix = h.prefix + name + "."
	return &h2
}
