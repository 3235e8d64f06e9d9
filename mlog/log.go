// Package mlog provides logging with log levels and fields, wrapping log/slog.
//
// Each log level has a function to log with and without an error. Variable
// data should be in fields. Logging strings themselves should be constant,
// for easier log processing.
//
// Log levels can be configured per package. The configuration is
// application-global, so each Log instance uses the same log levels.
package mlog

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
)

var LevelFatal = slog.LevelError + 4 // Always printed, then os.Exit(1).

// Holds a map[string]slog.Level, mapping a package (attribute pkg in logs) to
// a log level. The empty string is the default/fallback log level.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": slog.LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

// Levels maps config file level names to slog levels.
var Levels = map[string]slog.Level{
	"error": slog.LevelError,
	"warn":  slog.LevelWarn,
	"info":  slog.LevelInfo,
	"debug": slog.LevelDebug,
}

// Log is an slog.Logger with helpers for logging errors in an attribute and
// for conditional logging. The zero value is not usable, use New.
type Log struct {
	*slog.Logger
	pkg string
}

// New returns a Log for the given package. If elog is nil, a logger writing
// text to stderr is used.
func New(pkg string, elog *slog.Logger) Log {
	if elog == nil {
		elog = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: levelFor(pkg),
		}))
	}
	return Log{elog.With(slog.String("pkg", pkg)), pkg}
}

type minLevel string

// Level implements slog.Leveler, looking up the configured level for a
// package at log time.
func (p minLevel) Level() slog.Level {
	c := config.Load().(map[string]slog.Level)
	if l, ok := c[string(p)]; ok {
		return l
	}
	return c[""]
}

func levelFor(pkg string) slog.Leveler {
	return minLevel(pkg)
}

type key string

// CidKey is used with context.WithValue to store a "cid" in a context, for logging.
var CidKey key = "cid"

// WithCid adds a field "cid", for connecting log lines of one request/connection.
func (l Log) WithCid(cid int64) Log {
	return Log{l.With(slog.Int64("cid", cid)), l.pkg}
}

// WithContext adds a cid from the context, if present.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	return l.WithCid(cidv.(int64))
}

// With returns a Log with the attributes added to each line.
func (l Log) With(args ...any) *slog.Logger {
	return l.Logger.With(args...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.LogAttrs(context.Background(), slog.LevelInfo, msg, attrs...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.LogAttrs(context.Background(), slog.LevelInfo, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}

// Check logs an error if err is not nil. Intended for error paths that should
// not fail the operation, like closing files.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func (l Log) Fatal(msg string, attrs ...slog.Attr) { l.Fatalx(msg, nil, attrs...) }

func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.LogAttrs(context.Background(), LevelFatal, msg, attrs...)
	os.Exit(1)
}
