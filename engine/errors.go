/*
errors.go - Centralized error types for the reconciliation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Store adapters wrap these errors with backend context.

ERROR CATEGORIES:
  1. Transport errors - scan or update calls fail
  2. Input errors - records that cannot be decoded or dated
  3. Policy errors - boundary table misconfiguration
  4. Concurrency errors - conditional update lost a race

RUN-LEVEL CONSEQUENCES:
  - ScanError:    abort, nothing is planned from a partial scan
  - PolicyError:  abort before any write
  - DecodeError:  record is reported as unresolved, run continues
  - UpdateError:  counted as a failure for that item, batch continues

USAGE:
  if errors.Is(err, engine.ErrScanFailed) {
      var se *engine.ScanError
      errors.As(err, &se)
      log.Printf("resume from %s", se.LastCursor)
  }
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrScanFailed is returned when any page of a scan cannot be fetched.
	ErrScanFailed = errors.New("scan failed")

	// ErrInvalidPolicy is returned when the boundary table is unusable.
	ErrInvalidPolicy = errors.New("invalid policy")

	// ErrDecode is returned when a raw item cannot become a typed record.
	ErrDecode = errors.New("decode failed")

	// ErrNoTimestamp is returned when an injection has no parseable date.
	ErrNoTimestamp = errors.New("missing or unparseable timestamp")

	// ErrConcurrentModification is returned when a conditional update finds
	// a different association than the one it planned against.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrItemNotFound is returned when an update targets a key that does not exist.
	ErrItemNotFound = errors.New("item not found")

	// ErrUpdateFailed is returned when a single association write fails.
	ErrUpdateFailed = errors.New("update failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ScanError reports how far a scan got before a page failed.
type ScanError struct {
	Kind       Kind
	Pages      int     // pages fetched successfully
	Items      int     // items collected before the failure
	LastCursor *Cursor // nil if the first page failed
	Err        error
}

func (e *ScanError) Error() string {
	cursor := "<start>"
	if e.LastCursor != nil {
		cursor = e.LastCursor.String()
	}
	return fmt.Sprintf("scan %s failed after %d pages (%d items, last cursor %s): %v",
		e.Kind, e.Pages, e.Items, cursor, e.Err)
}

func (e *ScanError) Unwrap() []error { return []error{ErrScanFailed, e.Err} }

// DecodeError describes a raw item that could not be decoded.
type DecodeError struct {
	Kind      Kind
	Key       Key
	Attribute string
	Reason    string
}

func (e *DecodeError) Error() string {
	if e.Attribute == "" {
		return fmt.Sprintf("decode %s %s: %s", e.Kind, e.Key, e.Reason)
	}
	return fmt.Sprintf("decode %s %s: attribute %q: %s", e.Kind, e.Key, e.Attribute, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrDecode }

// PolicyError describes a boundary table defect.
type PolicyError struct {
	Field   string
	Message string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("invalid policy: %s: %s", e.Field, e.Message)
}

func (e *PolicyError) Unwrap() error { return ErrInvalidPolicy }

// UpdateError wraps a failed association write.
type UpdateError struct {
	Key Key
	Err error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("update %s: %v", e.Key, e.Err)
}

func (e *UpdateError) Unwrap() []error { return []error{ErrUpdateFailed, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsConflict returns true if the error is a lost optimistic-concurrency race.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsAbort returns true if the error must stop the run before any write.
func IsAbort(err error) bool {
	return errors.Is(err, ErrScanFailed) || errors.Is(err, ErrInvalidPolicy)
}
