package core

import (
	"fmt"
	"strings"
)

// ErrInvalidInput indicates a domain-level input validation failure.
type ErrInvalidInput struct {
	Field   string
	Message string
}

func (e *ErrInvalidInput) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return e.Message
}

// ErrSessionNotFound indicates that no session record matches the
// requested id or prefix.
type ErrSessionNotFound struct {
	ID string
}

func (e *ErrSessionNotFound) Error() string {
	return fmt.Sprintf("session %q not found", e.ID)
}

// ErrAmbiguousSession indicates that a session id prefix is too short
// or matches more than one record. Matches lists the candidate ids so
// the user can disambiguate.
type ErrAmbiguousSession struct {
	Target  string
	Matches []string
}

func (e *ErrAmbiguousSession) Error() string {
	if len(e.Matches) == 0 {
		return fmt.Sprintf("session id prefix %q is ambiguous: at least 4 characters required", e.Target)
	}
	return fmt.Sprintf("session id prefix %q is ambiguous: matches %s", e.Target, strings.Join(e.Matches, ", "))
}

// ErrSessionLimit indicates that creating another session would exceed
// the tier's concurrency cap. Sessions are never evicted silently.
type ErrSessionLimit struct {
	Tier Tier
	Max  int
}

func (e *ErrSessionLimit) Error() string {
	return fmt.Sprintf("session limit reached (%d for %s tier): close an existing session with 'lecoder sessions close'", e.Max, e.Tier)
}

// ErrVariantUnavailable indicates that runtime reuse found assignments,
// but none matching the requested variant. Handing back a runtime of
// the wrong type is never acceptable.
type ErrVariantUnavailable struct {
	Requested Variant
	Available []Variant
}

func (e *ErrVariantUnavailable) Error() string {
	avail := make([]string, 0, len(e.Available))
	for _, v := range e.Available {
		avail = append(avail, string(v))
	}
	if len(avail) == 0 {
		return fmt.Sprintf("no %s runtime assigned", e.Requested)
	}
	return fmt.Sprintf("no %s runtime assigned (available: %s); pass --new-runtime to request one", e.Requested, strings.Join(avail, ", "))
}

// ErrStaleSession indicates that a session record's runtime endpoint
// no longer appears in the account's assignments.
type ErrStaleSession struct {
	ID       string
	Endpoint string
}

func (e *ErrStaleSession) Error() string {
	return fmt.Sprintf("session %s is stale: runtime %s is no longer assigned; run 'lecoder sessions clean'", e.ID, e.Endpoint)
}

// ErrExecutionBusy indicates that a kernel already has an outstanding
// execute request. Jupyter execution is serialized per kernel.
type ErrExecutionBusy struct {
	KernelID string
}

func (e *ErrExecutionBusy) Error() string {
	return fmt.Sprintf("kernel %s is busy: wait for the current execution to finish or interrupt it", e.KernelID)
}

// ErrConnectionFailed indicates that a connection entered the terminal
// FAILED state, typically after exhausting reconnect attempts.
type ErrConnectionFailed struct {
	Reason string
}

func (e *ErrConnectionFailed) Error() string {
	return fmt.Sprintf("connection unstable: %s; retry with --new-runtime", e.Reason)
}
