// Package errdefs defines the error taxonomy shared by the sampling, pipeline,
// feature and writer packages.
//
// Every concrete error type unwraps to one of the sentinel kinds below, so
// callers can branch with errors.Is on the kind and errors.As on the type when
// they need the attached context (idx, slot, seed).
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel kinds.
var (
	// ErrConfig marks setup-time errors. They are never retried.
	ErrConfig = errors.New("configuration error")

	// ErrBoundsExhausted marks rejection sampling that ran out of retries.
	ErrBoundsExhausted = errors.New("bounds exhausted")

	// ErrTransient marks errors worth retrying for the same sample.
	ErrTransient = errors.New("transient compute error")

	// ErrShape marks a feature whose shape changed between samples.
	ErrShape = errors.New("feature shape changed")

	// ErrSink marks a failure to persist a record.
	ErrSink = errors.New("sink write error")
)

// ConfigError reports an invalid setup detected before any sample is drawn.
type ConfigError struct {
	Component string
	Err       error
}

// Configf builds a ConfigError with a formatted message.
func Configf(component, format string, args ...any) error {
	return &ConfigError{Component: component, Err: fmt.Errorf(format, args...)}
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %v", e.Component, e.Err)
}

func (e *ConfigError) Unwrap() []error { return []error{ErrConfig, e.Err} }

// BoundsExhaustedError reports that a bounded sampler could not produce an
// in-bounds value within its retry budget.
type BoundsExhaustedError struct {
	Slot     int
	Idx      int
	Seed     uint64
	Attempts int
	Detail   string
}

func (e *BoundsExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "sampler slot %d: no in-bounds value after %d attempts (idx=%d seed=%d)",
		e.Slot, e.Attempts, e.Idx, e.Seed)
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *BoundsExhaustedError) Is(target error) bool { return target == ErrBoundsExhausted }

// transientError wraps an error to mark it retryable.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() []error { return []error{ErrTransient, e.err} }

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err, or anything it wraps, was marked transient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// ComputeError reports a sample whose transient failures outlived the retry
// budget.
type ComputeError struct {
	Idx      int
	Attempts int
	Err      error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("sample %d failed after %d attempts: %v", e.Idx, e.Attempts, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

// TaskError is the failure of one sample's draw and extract sequence. It
// carries the seeds so the failure can be reproduced in isolation.
type TaskError struct {
	Idx   int
	Seeds []uint64
	Err   error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("sample %d (seeds %v): %v", e.Idx, e.Seeds, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// ShapeError reports a feature whose value shape differs from the first
// sample of the run.
type ShapeError struct {
	Feature string
	Want    string
	Got     string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("feature %q: shape %s, first sample had %s", e.Feature, e.Got, e.Want)
}

func (e *ShapeError) Is(target error) bool { return target == ErrShape }

// SinkError reports a failed write, flush or close on an output sink.
type SinkError struct {
	Op  string
	Err error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Op, e.Err)
}

func (e *SinkError) Unwrap() []error { return []error{ErrSink, e.Err} }
