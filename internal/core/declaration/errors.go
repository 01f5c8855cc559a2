// Package declaration contains pure functions for loading a composition
// declaration. This is part of the Functional Core - no I/O, no side effects.
package declaration

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Input validation errors
	ErrEmptyInput = errors.New("declaration is empty")

	// Structural parse errors
	ErrParse = errors.New("declaration is not valid YAML")

	// Schema errors
	ErrSchema       = errors.New("declaration violates schema")
	ErrDuplicateKey = errors.New("duplicate key in declaration")
	ErrNoServices   = errors.New("declaration must define at least one service")

	// Service validation errors
	ErrServiceNoImage    = errors.New("service must have image or build")
	ErrInvalidPort       = errors.New("invalid port mapping")
	ErrUnknownDependency = errors.New("depends_on references undeclared service")
	ErrUnknownVolume     = errors.New("mount references undeclared volume")

	// Port binding errors
	ErrPortConflict = errors.New("host port bound by more than one mapping")

	// Bootstrap declaration errors
	ErrInvalidBootstrap = errors.New("invalid bootstrap declaration")
)

// DeclError wraps errors with context about where loading failed.
type DeclError struct {
	Field   string // e.g. "services.app.ports[0]"
	Message string
	Err     error
}

func (e *DeclError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *DeclError) Unwrap() error {
	return e.Err
}

// NewDeclError creates a new DeclError.
func NewDeclError(field, message string, err error) *DeclError {
	return &DeclError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}
