// Package failure defines the error taxonomy shared by the provisioner,
// supervisor, negotiator and benchmark driver.
//
// Every category is a sentinel usable with errors.Is. Categories are also
// tied to a containerd errdefs class so callers that only speak errdefs can
// still branch on them.
package failure

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Sentinel categories. Use errors.Is() to check for these.
var (
	// ErrResourceMissing indicates a required input (kernel, image, binary) is absent. Fatal.
	ErrResourceMissing = fmt.Errorf("resource missing: %w", errdefs.ErrNotFound)

	// ErrMount indicates the guest image could not be loop-mounted. Fatal.
	ErrMount = fmt.Errorf("mount error: %w", errdefs.ErrInternal)

	// ErrProcessLaunch indicates the hypervisor or its companion failed to start.
	// Fails the current trial only.
	ErrProcessLaunch = fmt.Errorf("process launch error: %w", errdefs.ErrInternal)

	// ErrControlChannel indicates a non-success answer on the control channel.
	// Fails the current trial only.
	ErrControlChannel = fmt.Errorf("control channel error: %w", errdefs.ErrFailedPrecondition)

	// ErrAgentTimeout indicates the guest agent did not become reachable in budget.
	ErrAgentTimeout = fmt.Errorf("agent timeout: %w", errdefs.ErrUnavailable)

	// ErrLogParseDegraded indicates timing marks were missing or malformed. Never fatal.
	ErrLogParseDegraded = errors.New("log parse degraded")
)

// Error wraps a cause with its category and the operation that failed.
type Error struct {
	Op       string // e.g. "prepare", "pause", "launch cloud-hypervisor"
	Category error  // one of the sentinels above
	Cause    error
	Fatal    bool // forces fatality regardless of category
}

func (e *Error) Error() string {
	switch {
	case e.Category == nil && e.Op == "":
		return e.Cause.Error()
	case e.Category == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Cause)
	case e.Cause == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Category)
	case e.Op == "":
		return fmt.Sprintf("%v: %v", e.Category, e.Cause)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Category, e.Cause)
	}
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for category matching.
func (e *Error) Is(target error) bool {
	return e.Category != nil && errors.Is(e.Category, target)
}

// New returns a classified error.
func New(category error, op string, cause error) error {
	return &Error{Op: op, Category: category, Cause: cause}
}

// Newf returns a classified error with a formatted cause.
func Newf(category error, op, format string, args ...any) error {
	return &Error{Op: op, Category: category, Cause: fmt.Errorf(format, args...)}
}

// MarkFatal returns err flagged as fatal. A nil err stays nil.
func MarkFatal(err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		cp := *fe
		cp.Fatal = true
		return &cp
	}
	return &Error{Cause: err, Fatal: true}
}

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Fatal {
		return true
	}
	return errors.Is(err, ErrResourceMissing) ||
		errors.Is(err, ErrMount) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
