// Package flowerrors defines the error taxonomy shared by the engine, the
// stores and the REST surface. Every kind carries an HTTP status code so the
// API layer can map failures without inspecting messages.
package flowerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an engine failure.
type Kind int

const (
	// KindEngine is the default kind for unclassified engine failures.
	KindEngine Kind = iota
	// KindInvalidInput marks workflow input that does not match the declared
	// parameters.
	KindInvalidInput
	// KindInvalidAction marks an unresolved action name or a mismatched
	// argument set.
	KindInvalidAction
	// KindInvalidResult marks a task result payload that is not valid JSON.
	KindInvalidResult
	// KindExpression marks a template rejected by the expression evaluator.
	KindExpression
	// KindNotFound marks an unknown execution, task or definition.
	KindNotFound
	// KindDuplicate marks a name collision when creating definitions.
	KindDuplicate
)

// Error is the common error type of the workflow service.
type Error struct {
	kind Kind
	msg  string
	err  error
}

// New builds an Error of the given kind.
func New(kind Kind, msg string) *Error {
	if msg == "" {
		msg = defaultMessage(kind)
	}
	return &Error{kind: kind, msg: msg}
}

// Newf builds an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind preserving the cause for errors.Is
// and errors.As.
func Wrap(kind Kind, err error, msg string) *Error {
	if msg == "" {
		msg = defaultMessage(kind)
	}
	return &Error{kind: kind, msg: msg, err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

// Unwrap exposes the cause, if any.
func (e *Error) Unwrap() error { return e.err }

// Kind returns the error classification.
func (e *Error) Kind() Kind { return e.kind }

// HTTPCode returns the HTTP status associated with the error kind.
func (e *Error) HTTPCode() int {
	switch e.kind {
	case KindInvalidInput, KindInvalidAction, KindInvalidResult, KindExpression:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindDuplicate:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// HTTPCode maps any error to an HTTP status. Non-flow errors map to 500.
func HTTPCode(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.HTTPCode()
	}
	return http.StatusInternalServerError
}

// IsKind reports whether err is (or wraps) a flow error of the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.kind == kind
}

func defaultMessage(kind Kind) string {
	switch kind {
	case KindNotFound:
		return "Object not found"
	case KindDuplicate:
		return "Object already exists"
	default:
		return "An unknown exception occurred"
	}
}
