// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package trace

import (
	"fmt"
	"runtime"
	"strings"
)

const indentUnit = "    "

// Frame is one resolved caller.
type Frame struct {
	Func string
	File string
	Line int
}

func (f Frame) String() string {
	return fmt.Sprintf("%s:%d %s", f.File, f.Line, f.Func)
}

type Stack []Frame

// Capture walks up to depth callers, skipping skip frames above the caller.
// Runtime frames end the walk.
func Capture(skip, depth int) Stack {
	pcs := make([]uintptr, depth)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	s := make(Stack, 0, n)
	for {
		f, more := frames.Next()
		if strings.HasPrefix(f.Function, "runtime.") {
			break
		}
		s = append(s, Frame{Func: f.Function, File: f.File, Line: f.Line})
		if !more {
			break
		}
	}
	return s
}

func (s Stack) String() string {
	return s.Indent(0)
}

func (s Stack) Indent(level int) string {
	if len(s) == 0 {
		return ""
	}
	prefix := strings.Repeat(indentUnit, level)
	var b strings.Builder
	for i, f := range s {
		fmt.Fprintf(&b, "%s%-3d %s:%d\n", prefix, len(s)-i-1, f.File, f.Line)
		fmt.Fprintf(&b, "%s%s%s%s\n", prefix, indentUnit, indentUnit, f.Func)
	}
	fmt.Fprintf(&b, "%s%s... ...\n", prefix, indentUnit)
	return b.String()
}
