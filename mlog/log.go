// Package mlog provides logging with log levels and fields, on top of log/slog.
//
// Each log level has a function to log with and without error. Variable data
// should be in attributes, logging strings themselves should be constant, for
// easier log processing.
//
// The log levels can be configured per originating package, e.g. queue,
// mailserver. The configuration is application-global, so each Log instance
// uses the same log levels.
//
// Print* should be used for lines that always should be printed, regardless of
// configured log levels. Useful for startup logging and subcommands.
//
// Fatal* stops the program. Its log text is always printed.
package mlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var noctx = context.Background()

// Logfmt enables logfmt output, instead of the more human-readable default.
var Logfmt bool

// Levels below slog.LevelDebug, and one above error for lines that are
// always printed.
const (
	LevelPrint = slog.Level(12)
	LevelFatal = slog.Level(10)
	LevelError = slog.LevelError
	LevelInfo  = slog.LevelInfo
	LevelDebug = slog.LevelDebug
	LevelTrace = slog.Level(-8)
)

// LevelStrings maps levels to their names in the configuration file and in
// logged lines.
var LevelStrings = map[slog.Level]string{
	LevelPrint: "print",
	LevelFatal: "fatal",
	LevelError: "error",
	LevelInfo:  "info",
	LevelDebug: "debug",
	LevelTrace: "trace",
}

// Levels is the inverse of LevelStrings.
var Levels = map[string]slog.Level{
	"print": LevelPrint,
	"fatal": LevelFatal,
	"error": LevelError,
	"info":  LevelInfo,
	"debug": LevelDebug,
	"trace": LevelTrace,
}

// Holds a map[string]slog.Level, mapping a package (field pkg in logs) to a log
// level. The empty string is the default/fallback log level.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for
// logging.
var CidKey key = "cid"

// Log wraps a slog.Logger, providing convenience functions.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds a "pkg" attribute. If logger is nil, a new
// Logger is created with a custom handler.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.New(&handler{})
	}
	return Log{logger}.WithPkg(pkg)
}

// WithCid adds an attribute "cid". Also see WithContext.
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds cid from context, if present. Contexts are often passed to
// functions, especially between packages, to pass a "cid" for an operation.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	cid := cidv.(int64)
	return l.WithCid(cid)
}

// With adds attributes to to each logged line.
func (l Log) With(attrs ...slog.Attr) Log {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return Log{l.Logger.With(args...)}
}

// WithPkg ensures pkg is added as attribute to logged lines. If the handler is
// an mlog handler, pkg is only added as attribute if it isn't the same as the
// last pkg, and it is also used for matching log levels.
func (l Log) WithPkg(pkg string) Log {
	if h, ok := l.Logger.Handler().(*handler); ok {
		if len(h.pkgs) > 0 && h.pkgs[len(h.pkgs)-1] == pkg {
			return l
		}
		nh := h.clone()
		nh.pkgs = append(nh.pkgs, pkg)
		nh.attrs = append(nh.attrs, slog.String("pkg", pkg))
		return Log{slog.New(nh)}
	}
	return Log{l.Logger.With(slog.String("pkg", pkg))}
}

func (l Log) logx(level slog.Level, err error, msg string, attrs ...slog.Attr) {
	if !l.Logger.Enabled(noctx, level) {
		return
	}
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, level, msg, attrs...)
}

func errAttr(err error) slog.Attr {
	return slog.Any("err", err)
}

// Check logs an error if err is not nil. Intended for logging errors that are
// good to know, but would not influence program flow.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func (l Log) Fatal(msg string, attrs ...slog.Attr) { l.Fatalx(msg, nil, attrs...) }
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelFatal, err, msg, attrs...)
	os.Exit(1)
}

func (l Log) Print(msg string, attrs ...slog.Attr) { l.Printx(msg, nil, attrs...) }
func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelPrint, err, msg, attrs...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) { l.Debugx(msg, nil, attrs...) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelDebug, err, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) { l.Infox(msg, nil, attrs...) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelInfo, err, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) { l.Errorx(msg, nil, attrs...) }
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelError, err, msg, attrs...)
}

func (l Log) Trace(msg string, attrs ...slog.Attr) { l.logx(LevelTrace, nil, msg, attrs...) }

// handler writes lines to stderr, with levels matched against the configured
// per-package levels.
type handler struct {
	pkgs  []string
	attrs []slog.Attr
	group string
	// For tests, lines are written to out when set.
	out io.Writer
}

var writeMutex sync.Mutex

func (h *handler) clone() *handler {
	nh := *h
	nh.pkgs = append([]string(nil), h.pkgs...)
	nh.attrs = append([]slog.Attr(nil), h.attrs...)
	return &nh
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.match(level)
}

func (h *handler) match(level slog.Level) bool {
	if level >= LevelFatal {
		return true
	}
	cl := config.Load().(map[string]slog.Level)
	for i := len(h.pkgs) - 1; i >= 0; i-- {
		if v, ok := cl[h.pkgs[i]]; ok {
			return level >= v
		}
	}
	v, ok := cl[""]
	return ok && level >= v
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		nh.attrs = append(nh.attrs, a)
	}
	return nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := h.clone()
	if nh.group != "" {
		nh.group += "." + name
	} else {
		nh.group = name
	}
	return nh
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	var attrs []slog.Attr
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		attrs = append(attrs, a)
		return true
	})

	// We build up a buffer so we can do a single atomic write of the data. Otherwise
	// partial log lines may interleave.
	b := &bytes.Buffer{}
	level := levelString(r.Level)
	if Logfmt {
		fmt.Fprintf(b, "t=%s l=%s m=%s", r.Time.Format(time.RFC3339Nano), level, logfmtValue(r.Message))
		for _, a := range attrs {
			fmt.Fprintf(b, " %s=%s", a.Key, logfmtValue(stringValue(a)))
		}
	} else {
		fmt.Fprintf(b, "%s: %s", level, r.Message)
		var errs string
		var n int
		for _, a := range attrs {
			if a.Key == "err" {
				errs = stringValue(a)
				continue
			}
			if n == 0 {
				b.WriteString(" (")
			} else {
				b.WriteString("; ")
			}
			n++
			fmt.Fprintf(b, "%s: %s", a.Key, stringValue(a))
		}
		if n > 0 {
			b.WriteString(")")
		}
		if errs != "" {
			fmt.Fprintf(b, ": %s", errs)
		}
	}
	b.WriteString("\n")

	out := h.out
	if out == nil {
		out = os.Stderr
	}
	writeMutex.Lock()
	defer writeMutex.Unlock()
	_, err := out.Write(b.Bytes())
	return err
}

func levelString(level slog.Level) string {
	if s, ok := LevelStrings[level]; ok {
		return s
	}
	return strings.ToLower(level.String())
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}

func stringValue(a slog.Attr) string {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		if a.Key == "cid" {
			return fmt.Sprintf("%x", v.Int64())
		}
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindGroup:
		var l []string
		for _, ga := range v.Group() {
			l = append(l, ga.Key+"="+stringValue(ga))
		}
		return "[" + strings.Join(l, " ") + "]"
	case slog.KindAny:
		switch x := v.Any().(type) {
		case nil:
			return ""
		case error:
			return x.Error()
		case []string:
			return "[" + strings.Join(x, ",") + "]"
		case fmt.Stringer:
			return x.String()
		}
	}
	return fmt.Sprintf("%v", v.Any())
}

type errWriter struct {
	log   Log
	level slog.Level
	msg   string
}

func (w *errWriter) Write(buf []byte) (int, error) {
	err := errors.New(strings.TrimSpace(string(buf)))
	w.log.logx(w.level, err, w.msg)
	return len(buf), nil
}

// ErrWriter returns a writer that turns each write into a logging call on "log"
// with given "level" and "msg" and the written content as an error. Can be used
// for making a Go log.Logger for use in http.Server.ErrorLog.
func ErrWriter(log Log, level slog.Level, msg string) io.Writer {
	return &errWriter{log, level, msg}
}
