// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package errors

import (
	"errors"
	"fmt"

	"github.com/pikaproxy/pika-proxy/pkg/utils/trace"
)

// TraceEnabled controls whether Trace and Errorf capture call stacks.
var TraceEnabled = true

const stackDepth = 32

// TracedError carries the stack captured at the first Trace call.
type TracedError struct {
	Stack trace.Stack
	Cause error
}

func (e *TracedError) Error() string {
	return e.Cause.Error()
}

func (e *TracedError) Unwrap() error {
	return e.Cause
}

func New(s string) error {
	return errors.New(s)
}

func wrap(err error) error {
	if err == nil || !TraceEnabled {
		return err
	}
	if _, ok := err.(*TracedError); ok {
		return err
	}
	return &TracedError{Stack: trace.Capture(2, stackDepth), Cause: err}
}

// Trace attaches a stack to err unless it already has one.
func Trace(err error) error {
	return wrap(err)
}

func Errorf(format string, args ...interface{}) error {
	return wrap(fmt.Errorf(format, args...))
}

func Stack(err error) trace.Stack {
	if e, ok := err.(*TracedError); ok {
		return e.Stack
	}
	return nil
}

// Cause strips every TracedError layer.
func Cause(err error) error {
	for {
		e, ok := err.(*TracedError)
		if !ok {
			return err
		}
		err = e.Cause
	}
}

func Equal(a, b error) bool {
	a, b = Cause(a), Cause(b)
	switch {
	case a == b:
		return true
	case a == nil || b == nil:
		return false
	default:
		return a.Error() == b.Error()
	}
}

func NotEqual(a, b error) bool {
	return !Equal(a, b)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
