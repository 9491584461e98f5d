// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package log

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"

	"github.com/pikaproxy/pika-proxy/pkg/utils/atomic2"
	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
	"github.com/pikaproxy/pika-proxy/pkg/utils/trace"
)

type Level int32

const (
	LevelNone Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
)

const levelPanic = Level(-1)

var levelNames = map[Level]string{
	LevelNone:  "none",
	LevelError: "error",
	LevelWarn:  "warn",
	LevelInfo:  "info",
	LevelDebug: "debug",
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return "panic"
}

func (l Level) tag() string {
	switch l {
	case levelPanic:
		return "[PANIC]"
	case LevelError:
		return "[ERROR]"
	case LevelWarn:
		return "[WARN]"
	case LevelInfo:
		return "[INFO]"
	case LevelDebug:
		return "[DEBUG]"
	}
	return "[LOG]"
}

func ParseLevel(s string) (Level, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for l, name := range levelNames {
		if name == s {
			return l, true
		}
	}
	return LevelNone, false
}

type Logger struct {
	mu    sync.Mutex
	out   io.Writer
	std   *stdlog.Logger
	level atomic2.Int64
	trace atomic2.Int64
}

// StdLog is the process-wide logger used by the package functions.
var StdLog = New(os.Stderr, "")

func New(w io.Writer, prefix string) *Logger {
	l := &Logger{out: w, std: stdlog.New(w, prefix, stdlog.LstdFlags|stdlog.Lshortfile)}
	l.level.Set(int64(LevelDebug))
	l.trace.Set(int64(LevelError))
	return l
}

func (l *Logger) SetLevel(v Level) {
	l.level.Set(int64(v))
}

func (l *Logger) SetLevelString(s string) bool {
	v, ok := ParseLevel(s)
	if ok {
		l.SetLevel(v)
	}
	return ok
}

func (l *Logger) Level() Level {
	return Level(l.level.Int64())
}

// SetTraceLevel attaches a call stack to records at or above v.
func (l *Logger) SetTraceLevel(v Level) {
	l.trace.Set(int64(v))
}

func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.out.(io.Closer); ok && l.out != os.Stderr && l.out != os.Stdout {
		c.Close()
	}
	l.out = w
	l.std.SetOutput(w)
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.out.(io.Closer); ok && l.out != os.Stderr && l.out != os.Stdout {
		return c.Close()
	}
	return nil
}

func (l *Logger) enabled(v Level) bool {
	return v == levelPanic || v <= Level(l.level.Int64())
}

func (l *Logger) output(depth int, v Level, err error, msg string) {
	var b strings.Builder
	b.WriteString(v.tag())
	b.WriteByte(' ')
	b.WriteString(msg)
	if !strings.HasSuffix(msg, "\n") {
		b.WriteByte('\n')
	}
	if err != nil {
		fmt.Fprintf(&b, "[error]: %s\n", err)
		b.WriteString(errors.Stack(err).Indent(1))
	}
	if v == levelPanic || (v != LevelNone && v <= Level(l.trace.Int64())) {
		if s := trace.Capture(depth+1, 32); len(s) != 0 {
			b.WriteString("[stack]: \n")
			b.WriteString(s.Indent(1))
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.std.Output(depth+2, b.String())
}

func (l *Logger) logf(v Level, err error, format string, args ...interface{}) {
	if !l.enabled(v) {
		return
	}
	l.output(2, v, err, fmt.Sprintf(format, args...))
	if v == levelPanic {
		os.Exit(1)
	}
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logf(LevelDebug, nil, format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.logf(LevelInfo, nil, format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logf(LevelWarn, nil, format, args...)
}

func (l *Logger) WarnErrorf(err error, format string, args ...interface{}) {
	l.logf(LevelWarn, err, format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logf(LevelError, nil, format, args...)
}

func (l *Logger) ErrorErrorf(err error, format string, args ...interface{}) {
	l.logf(LevelError, err, format, args...)
}

func (l *Logger) Panicf(format string, args ...interface{}) {
	l.logf(levelPanic, nil, format, args...)
}

func (l *Logger) PanicErrorf(err error, format string, args ...interface{}) {
	l.logf(levelPanic, err, format, args...)
}

func SetLevel(v Level) {
	StdLog.SetLevel(v)
}

func SetLevelString(s string) bool {
	return StdLog.SetLevelString(s)
}

func SetOutput(w io.Writer) {
	StdLog.SetOutput(w)
}

func Debugf(format string, args ...interface{}) {
	StdLog.logf(LevelDebug, nil, format, args...)
}

func Infof(format string, args ...interface{}) {
	StdLog.logf(LevelInfo, nil, format, args...)
}

func Warnf(format string, args ...interface{}) {
	StdLog.logf(LevelWarn, nil, format, args...)
}

func WarnErrorf(err error, format string, args ...interface{}) {
	StdLog.logf(LevelWarn, err, format, args...)
}

func Errorf(format string, args ...interface{}) {
	StdLog.logf(LevelError, nil, format, args...)
}

func ErrorErrorf(err error, format string, args ...interface{}) {
	StdLog.logf(LevelError, err, format, args...)
}

func Panicf(format string, args ...interface{}) {
	StdLog.logf(levelPanic, nil, format, args...)
}

func PanicErrorf(err error, format string, args ...interface{}) {
	StdLog.logf(levelPanic, err, format, args...)
}
