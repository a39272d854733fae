package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"clubhouse/cmd/internal/club"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBold    = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

// prettyHandler writes one line per record for local runs:
//
//	10:04:05.120 INFO  club.join.reject club_id=01J... actor_id=bob code=club_not_open
//
// Attributes bound with WithAttrs are rendered once and reused.
type prettyHandler struct {
	out    *lockedWriter
	level  slog.Leveler
	source bool
	color  bool
	prefix string
	bound  []byte
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) write(b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.w.Write(b)
	return err
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{out: &lockedWriter{w: w}, level: slog.LevelInfo, color: color}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.source = opts.AddSource
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	buf := make([]byte, 0, 256)
	buf = append(buf, h.tint(ts.Format("15:04:05.000"), ansiDim)...)
	buf = append(buf, ' ')
	buf = append(buf, h.levelLabel(r.Level)...)
	buf = append(buf, ' ')
	buf = append(buf, h.tint(r.Message, eventColor(r.Message))...)

	if h.source && r.PC != 0 {
		f, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if f.File != "" {
			buf = h.appendField(buf, "src", filepath.Base(f.File)+":"+strconv.Itoa(f.Line), ansiDim)
		}
	}

	buf = append(buf, h.bound...)
	r.Attrs(func(a slog.Attr) bool {
		buf = h.appendAttr(buf, h.prefix, a)
		return true
	})
	buf = append(buf, '\n')
	return h.out.write(buf)
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	cp := *h
	cp.bound = slices.Clip(h.bound)
	for _, a := range attrs {
		cp.bound = cp.appendAttr(cp.bound, h.prefix, a)
	}
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = h.prefix + name + "."
	return &cp
}

func (h *prettyHandler) appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
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

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return buf
	}
	text, color := renderField(key, a.Value)
	return h.appendField(buf, prefix+displayKey(key), text, color)
}

func (h *prettyHandler) appendField(buf []byte, key, text, color string) []byte {
	buf = append(buf, ' ')
	buf = append(buf, key...)
	buf = append(buf, '=')
	return append(buf, h.tint(text, color)...)
}

func (h *prettyHandler) tint(s, color string) string {
	if !h.color || color == "" {
		return s
	}
	return color + s + ansiReset
}

func (h *prettyHandler) levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return h.tint("ERROR", ansiRed)
	case level >= slog.LevelWarn:
		return h.tint("WARN ", ansiYellow)
	case level >= slog.LevelInfo:
		return h.tint("INFO ", ansiBlue)
	}
	return h.tint("DEBUG", ansiMagenta)
}

// eventColor highlights the outcome suffixes used by op logging.
func eventColor(msg string) string {
	switch {
	case strings.HasSuffix(msg, ".fail"):
		return ansiRed
	case strings.HasSuffix(msg, ".reject"), strings.HasSuffix(msg, ".not_ready"):
		return ansiYellow
	}
	return ansiBold
}

func displayKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "duration"
	}
	return k
}

type fieldStyle func(v slog.Value) (text, color string)

var fieldStyles = map[string]fieldStyle{
	"method":       styleMethod,
	"path":         func(v slog.Value) (string, string) { return quoteIfNeeded(v.String()), ansiCyan },
	"status":       styleStatus,
	"status_class": func(v slog.Value) (string, string) { return v.String(), statusColor(v.String()) },
	"duration_ms":  styleDuration,
	"result":       styleResult,
	"code":         styleCode,
}

func renderField(key string, v slog.Value) (string, string) {
	if style, ok := fieldStyles[key]; ok {
		return style(v)
	}
	return quoteIfNeeded(plainValue(v)), ""
}

func styleMethod(v slog.Value) (string, string) {
	m := strings.ToUpper(strings.TrimSpace(v.String()))
	switch m {
	case "GET":
		return m, ansiBlue
	case "POST":
		return m, ansiGreen
	case "PATCH", "PUT":
		return m, ansiYellow
	case "DELETE":
		return m, ansiRed
	}
	return m, ansiMagenta
}

func styleStatus(v slog.Value) (string, string) {
	n, ok := valueToInt64(v)
	if !ok {
		return quoteIfNeeded(plainValue(v)), ""
	}
	return strconv.FormatInt(n, 10), statusColor(statusClass(int(n)))
}

func statusColor(class string) string {
	switch class {
	case "2xx":
		return ansiGreen
	case "3xx":
		return ansiCyan
	case "4xx":
		return ansiYellow
	case "5xx":
		return ansiRed
	}
	return ""
}

func styleDuration(v slog.Value) (string, string) {
	ms, ok := valueToInt64(v)
	if !ok {
		return quoteIfNeeded(plainValue(v)), ""
	}
	text := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return text, ansiRed
	case ms >= 250:
		return text, ansiYellow
	}
	return text, ansiDim
}

func styleResult(v slog.Value) (string, string) {
	r := strings.ToLower(strings.TrimSpace(v.String()))
	switch r {
	case "success":
		return r, ansiGreen
	case "redirect":
		return r, ansiCyan
	case "client_error":
		return r, ansiYellow
	case "server_error":
		return r, ansiRed
	}
	return quoteIfNeeded(r), ""
}

// styleCode colors a governance error code by its category.
func styleCode(v slog.Value) (string, string) {
	code := strings.TrimSpace(v.String())
	switch club.CategoryOfCode(code) {
	case club.CategoryAuthorization:
		return code, ansiMagenta
	case club.CategoryPrecondition:
		return code, ansiYellow
	case club.CategoryStore:
		return code, ansiRed
	}
	if code == "internal" {
		return code, ansiRed
	}
	return quoteIfNeeded(code), ""
}

func plainValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok && err != nil {
			return err.Error()
		}
	}
	return v.String()
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	}
	return 0, false
}
