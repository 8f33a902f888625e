package wif

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies provisioning errors for handling and reporting.
type ErrorCategory string

const (
	// ErrCategoryValidation indicates invalid input or configuration.
	ErrCategoryValidation ErrorCategory = "validation"
	// ErrCategoryPermission indicates the caller lacks an IAM permission.
	ErrCategoryPermission ErrorCategory = "permission"
	// ErrCategoryConflict indicates the resource already exists.
	ErrCategoryConflict ErrorCategory = "conflict"
	// ErrCategoryNotFound indicates a resource was not found.
	ErrCategoryNotFound ErrorCategory = "not_found"
	// ErrCategoryNetwork indicates a network-level failure.
	ErrCategoryNetwork ErrorCategory = "network"
	// ErrCategoryInternal indicates an unexpected internal error.
	ErrCategoryInternal ErrorCategory = "internal"
)

// ProvisionError is a structured error with category and resource context.
//
// Conflict is the only category the Provisioner ever absorbs: a conflict on a
// create call means the resource already exists, which Ensure treats as
// success. Every other category aborts the remaining steps.
type ProvisionError struct {
	// Category classifies the error type.
	Category ErrorCategory

	// Message is a human-readable error message.
	Message string

	// Step is the provisioning step during which the error occurred.
	Step StepName

	// ResourceType is the type of resource involved.
	ResourceType string

	// ResourceID is the ID of the resource involved.
	ResourceID string

	// Cause is the underlying error, typically from the cloud SDK.
	Cause error
}

// Error implements the error interface.
func (e *ProvisionError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Category, e.Message)
	if e.Step != "" {
		msg = fmt.Sprintf("[%s:%s] %s", e.Step, e.Category, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ProvisionError) Unwrap() error {
	return e.Cause
}

// Is matches errors of the same category.
func (e *ProvisionError) Is(target error) bool {
	var pe *ProvisionError
	if errors.As(target, &pe) {
		return e.Category == pe.Category
	}
	return false
}

// NewError creates a new ProvisionError.
func NewError(category ErrorCategory, message string) *ProvisionError {
	return &ProvisionError{
		Category: category,
		Message:  message,
	}
}

// WithStep sets the provisioning step.
func (e *ProvisionError) WithStep(step StepName) *ProvisionError {
	e.Step = step
	return e
}

// WithResource sets the resource type and ID.
func (e *ProvisionError) WithResource(resourceType, resourceID string) *ProvisionError {
	e.ResourceType = resourceType
	e.ResourceID = resourceID
	return e
}

// WithCause sets the underlying error.
func (e *ProvisionError) WithCause(err error) *ProvisionError {
	e.Cause = err
	return e
}

// Convenience constructors for common error types

// ErrValidation creates a validation error.
func ErrValidation(message string) *ProvisionError {
	return NewError(ErrCategoryValidation, message)
}

// ErrPermission creates a permission error.
func ErrPermission(message string) *ProvisionError {
	return NewError(ErrCategoryPermission, message)
}

// ErrConflict creates a conflict (already exists) error.
func ErrConflict(resourceType, resourceID string) *ProvisionError {
	return NewError(ErrCategoryConflict, fmt.Sprintf("%s already exists: %s", resourceType, resourceID)).
		WithResource(resourceType, resourceID)
}

// ErrNotFound creates a not found error.
func ErrNotFound(resourceType, resourceID string) *ProvisionError {
	return NewError(ErrCategoryNotFound, fmt.Sprintf("%s not found: %s", resourceType, resourceID)).
		WithResource(resourceType, resourceID)
}

// ErrNetwork creates a network error.
func ErrNetwork(message string) *ProvisionError {
	return NewError(ErrCategoryNetwork, message)
}

// ErrInternal creates an internal error.
func ErrInternal(message string) *ProvisionError {
	return NewError(ErrCategoryInternal, message)
}

// IsCategory checks if an error is of a specific category.
func IsCategory(err error, category ErrorCategory) bool {
	var pe *ProvisionError
	if errors.As(err, &pe) {
		return pe.Category == category
	}
	return false
}

// IsAlreadyExists reports whether err signals that the resource already
// exists. This is the only error class Ensure recovers from locally.
func IsAlreadyExists(err error) bool {
	return IsCategory(err, ErrCategoryConflict)
}

// IsNotFound reports whether err signals a missing resource. Teardown treats
// not found as success so that deletes stay idempotent.
func IsNotFound(err error) bool {
	return IsCategory(err, ErrCategoryNotFound)
}
