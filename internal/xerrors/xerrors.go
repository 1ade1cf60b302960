// Package xerrors adds call-site stacks and structured fields to errors
// without changing their messages. Everything here works with the standard
// errors.Is / errors.As.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxDepth = 64

// stacked records where an error was created or first annotated.
type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }

// wrapped prefixes msg and remembers the single frame that wrapped.
type wrapped struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrapped) Error() string { return w.msg + ": " + w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }
func (w *wrapped) PC() uintptr   { return w.pc }

// fielded carries key/value pairs for the logger; the message is untouched.
type fielded struct {
	err error
	kv  []any
}

func (f *fielded) Error() string { return f.err.Error() }
func (f *fielded) Unwrap() error { return f.err }

// skip counts frames above the exported caller
func callers(skip int) []uintptr {
	pcs := make([]uintptr, maxDepth)
	// +2 for runtime.Callers and callers itself
	return pcs[:runtime.Callers(skip+2, pcs)]
}

func New(msg string) error {
	return &stacked{err: errors.New(msg), pcs: callers(1)}
}

func Newf(format string, args ...any) error {
	return &stacked{err: fmt.Errorf(format, args...), pcs: callers(1)}
}

// WithStack attaches the current stack, even when err already has one.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &stacked{err: err, pcs: callers(1)}
}

// EnsureTrace attaches a stack only if nothing in the chain carries one yet.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	if len(StackOf(err)) > 0 {
		return err
	}
	return &stacked{err: err, pcs: callers(1)}
}

func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: msg, pc: callers(1)[0]}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: fmt.Sprintf(format, args...), pc: callers(1)[0]}
}

// With attaches structured fields, e.g. xerrors.With(err, "source", src).
// A trailing key without a value is dropped.
func With(err error, kv ...any) error {
	if err == nil || len(kv) < 2 {
		return err
	}
	return &fielded{err: err, kv: kv[:len(kv)&^1]}
}

// StackOf returns the first stack found in the chain, or nil.
func StackOf(err error) []uintptr {
	var st interface{ StackPCs() []uintptr }
	if errors.As(err, &st) {
		return st.StackPCs()
	}
	return nil
}

// Fields collects every pair added by With, outermost first.
func Fields(err error) []any {
	var out []any
	for e := err; e != nil; e = errors.Unwrap(e) {
		if f, ok := e.(*fielded); ok {
			out = append(out, f.kv...)
		}
	}
	return out
}
