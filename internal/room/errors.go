package room

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthorityHeld indicates that the authority role is held by an identity
	// the requester is not allowed to pre-empt.
	ErrAuthorityHeld = errors.New("room: authority held by another identity")
	// ErrNotAuthority indicates an authority-only action attempted by a non-authority.
	ErrNotAuthority = errors.New("room: requester is not the authority")
	// ErrMissingIdentity indicates a request that failed to carry a client identity.
	ErrMissingIdentity = errors.New("room: client identity is required")
)

// VersionConflictError reports a rejected conditional write together with the
// stored state the caller needs to rebase.
type VersionConflictError struct {
	Key            string
	CurrentVersion int64
	PayloadJSON    string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("room: version conflict on %q, stored version %d", e.Key, e.CurrentVersion)
}

// AlreadyClaimedError reports a claim attempt against a resource owned by a
// different identity.
type AlreadyClaimedError struct {
	ResourceID string
	OwnerID    string
}

func (e *AlreadyClaimedError) Error() string {
	return fmt.Sprintf("room: resource %q already claimed by %q", e.ResourceID, e.OwnerID)
}

// ServiceError wraps internal failures with a stable operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code exposes the stable operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
