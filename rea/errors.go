/*
errors.go - Error kinds shared by the value engine packages

PURPOSE:
  Sentinel errors for errors.Is() plus structured errors that carry the
  context a caller needs to report the failure.

ERROR CATEGORIES:
  1. Not found - a referenced entity does not exist in the flow graph
  2. Missing resource - a required virtual account cannot be found or created
  3. Graph integrity - traversal exceeded its depth or node ceiling
  4. Input - a malformed request value

  Configuration errors live in package equation; reconciliation errors in
  package distribution. Both wrap their own sentinels.

SEE ALSO:
  - equation/errors.go
  - distribution/errors.go
*/
package rea

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrMissingAccount is returned when a recipient has no virtual account in
	// the distribution currency and none can be created.
	ErrMissingAccount = errors.New("missing virtual account")

	// ErrTraversalLimit is returned when a traversal exceeds its depth or
	// node ceiling.
	ErrTraversalLimit = errors.New("traversal limit exceeded")

	// ErrInvalidInput is returned for malformed request values.
	ErrInvalidInput = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NotFound builds a NotFoundError.
func NotFound(entity string, id any) error {
	return &NotFoundError{Entity: entity, ID: fmt.Sprint(id)}
}

// MissingAccountError names the agent lacking a virtual account.
type MissingAccountError struct {
	Agent AgentID
	Unit  string
}

func (e *MissingAccountError) Error() string {
	return fmt.Sprintf("agent %s has no virtual account in %q and no owner role is configured to create one",
		e.Agent, e.Unit)
}

func (e *MissingAccountError) Unwrap() error {
	return ErrMissingAccount
}

// TraversalError reports where a traversal stopped. Path is the partial
// path collected so far, root first.
type TraversalError struct {
	Reason string
	Depth  int
	Nodes  int
	Path   []string
}

func (e *TraversalError) Error() string {
	return fmt.Sprintf("traversal stopped (%s) at depth %d after %d nodes: %s",
		e.Reason, e.Depth, e.Nodes, strings.Join(e.Path, " > "))
}

func (e *TraversalError) Unwrap() error {
	return ErrTraversalLimit
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error was caused by the request: an
// unknown entity or a malformed value.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput)
}
