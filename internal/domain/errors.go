package domain

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for retry and surfacing decisions. The zero value
// is KindInternal so an unclassified error is treated as unexpected.
type Kind int

const (
	// KindInternal is anything unexpected; fatal for the current stage.
	KindInternal Kind = iota
	// KindConfiguration covers missing credentials or invalid settings.
	KindConfiguration
	// KindTransport covers network failures, 5xx responses, and malformed
	// response bodies. Retryable.
	KindTransport
	// KindRateLimit is a 429 or exhausted rate budget; honoured by waiting.
	KindRateLimit
	// KindClient is a non-retryable 4xx response.
	KindClient
	// KindAuthentication is a 401/403; fatal for the current run.
	KindAuthentication
	// KindValidation is a per-item rule failure (bad email, unknown tier,
	// illegal transition). Skipped and enqueued, never fatal.
	KindValidation
	// KindTransientDB is a deadlock or lock timeout; retried within the
	// transaction budget.
	KindTransientDB
	// KindPersistentDB is a schema or constraint failure; the batch rolls
	// back and the error surfaces.
	KindPersistentDB
	// KindCancelled is a cooperative stop; expected and recorded as stopped.
	KindCancelled
)

var kindNames = map[Kind]string{
	KindInternal:       "internal",
	KindConfiguration:  "configuration",
	KindTransport:      "transport",
	KindRateLimit:      "rate_limit",
	KindClient:         "client",
	KindAuthentication: "authentication",
	KindValidation:     "validation",
	KindTransientDB:    "transient_db",
	KindPersistentDB:   "persistent_db",
	KindCancelled:      "cancelled",
}

// String returns the snake_case name used in logs and the error queue.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "internal"
}

// Retryable reports whether work failing with this kind is worth retrying.
func (k Kind) Retryable() bool {
	return k == KindTransport || k == KindRateLimit || k == KindTransientDB
}

// Error is the classified error type used across the engine. Op names the
// failing operation ("mlp.ListGroups", "sync.subscribers"); Err is the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name. A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef is E with fmt.Errorf-style message construction.
func Ef(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the classification from err, walking the wrap chain.
// Context cancellation maps to KindCancelled; unclassified errors are
// KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var a *APIError
	if errors.As(err, &a) {
		return a.Kind()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrStopped) {
		return KindCancelled
	}
	return KindInternal
}

// APIError is a provider API failure with enough context to surface:
// endpoint, method, HTTP status, and the response body head.
type APIError struct {
	Endpoint string
	Method   string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Endpoint, e.Status, e.Body)
}

// Kind classifies the failure by HTTP status.
func (e *APIError) Kind() Kind {
	switch {
	case e.Status == 401 || e.Status == 403:
		return KindAuthentication
	case e.Status == 429:
		return KindRateLimit
	case e.Status >= 400 && e.Status < 500:
		return KindClient
	default:
		return KindTransport
	}
}

// Sentinel errors shared across repositories and the engine.
var (
	// ErrNotFound is returned by repositories when no row matches.
	ErrNotFound = errors.New("not found")
	// ErrStopped is returned by the pipeline when the stop flag halted a
	// run at a safe boundary.
	ErrStopped = errors.New("sync stopped")
	// ErrLockHeld is returned when another sync run holds the run lock.
	ErrLockHeld = errors.New("sync already running")
	// ErrPageBudget is returned when a run consumed its page budget and
	// checkpointed for the next invocation to resume.
	ErrPageBudget = errors.New("page budget exhausted")
	// ErrResourceBudget is returned when the wall-clock or memory guard
	// tripped and the run checkpointed for the next invocation to resume.
	ErrResourceBudget = errors.New("resource budget exhausted")
)
