// Package errs defines the typed error kinds shared across the
// coordination core, per the error handling design: validation and
// not-found errors are reported to the caller unchanged, transient
// errors are retried by the caller's policy, conflicts are retried a
// bounded number of times, and invalid state transitions are reported
// without mutating anything.
package errs

import "fmt"

// Validation indicates malformed input (bad MAC, oversize payload, out
// of range id). Never retried.
type Validation struct {
	Msg string
}

func (e *Validation) Error() string { return "validation: " + e.Msg }

func NewValidation(format string, args ...any) *Validation {
	return &Validation{Msg: fmt.Sprintf(format, args...)}
}

// Transient indicates a network hiccup or a classified transient
// persistence error. Callers may retry with backoff.
type Transient struct {
	Msg string
	Err error
}

func (e *Transient) Error() string {
	if e.Err != nil {
		return "transient: " + e.Msg + ": " + e.Err.Error()
	}
	return "transient: " + e.Msg
}

func (e *Transient) Unwrap() error { return e.Err }

func NewTransient(msg string, err error) *Transient {
	return &Transient{Msg: msg, Err: err}
}

// Conflict indicates a stale version observed during an optimistic
// update. Retried up to a policy-defined bound before being reported.
type Conflict struct {
	Msg string
}

func (e *Conflict) Error() string { return "conflict: " + e.Msg }

func NewConflict(format string, args ...any) *Conflict {
	return &Conflict{Msg: fmt.Sprintf(format, args...)}
}

// NotFound indicates a referenced faculty, student, or consultation is
// absent.
type NotFound struct {
	Kind string
	ID   any
}

func (e *NotFound) Error() string { return fmt.Sprintf("%s not found: %v", e.Kind, e.ID) }

func NewNotFound(kind string, id any) *NotFound {
	return &NotFound{Kind: kind, ID: id}
}

// InvalidTransition indicates an attempted consultation status change
// that does not follow an edge of the state machine.
type InvalidTransition struct {
	From, To string
}

func (e *InvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

func NewInvalidTransition(from, to string) *InvalidTransition {
	return &InvalidTransition{From: from, To: to}
}

// Fatal indicates a service exhausted its restart budget. It bubbles up
// to the System Coordinator, which stops the dependent service group.
type Fatal struct {
	Service string
	Err     error
}

func (e *Fatal) Error() string {
	return fmt.Sprintf("fatal: service %q exhausted restart budget: %v", e.Service, e.Err)
}

func (e *Fatal) Unwrap() error { return e.Err }

func NewFatal(service string, err error) *Fatal {
	return &Fatal{Service: service, Err: err}
}
