// Package apperr defines the error kinds surfaced by the analysis pipeline and the HTTP API.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry decisions.
type Kind string

const (
	KindInput        Kind = "input"
	KindConflict     Kind = "conflict"
	KindTransient    Kind = "transient"
	KindPermanent    Kind = "permanent"
	KindDegraded     Kind = "degraded"
	KindInconclusive Kind = "inconclusive"
	KindDeadline     Kind = "deadline"
	KindFatal        Kind = "fatal"
)

// Error carries a Kind alongside the failing operation and a human-readable message.
// Message is safe to return to clients; Err is logged only.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Op != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Op != "":
		return e.Op + ": " + e.Message
	default:
		return e.Message
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error without a cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

// Wrap returns an *Error of the given kind wrapping err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: string(kind) + " failure", Err: err}
}

// Input, Transient, Permanent and Fatal are shorthands for the most common wraps.
func Input(op, msg string) error { return New(KindInput, op, msg) }

func Transient(op string, err error) error { return Wrap(KindTransient, op, err) }

func Permanent(op string, err error) error { return Wrap(KindPermanent, op, err) }

func Fatal(op string, err error) error { return Wrap(KindFatal, op, err) }

// KindOf walks the error chain and returns the first Kind found.
// Context deadline and cancellation errors map to KindDeadline; unknown errors are KindPermanent.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindDeadline
	}
	return KindPermanent
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the client-safe message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
