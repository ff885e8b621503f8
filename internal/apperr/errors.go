package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ValidationError lists every offending input field with a short reason.
// Nothing has been written when one is returned.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := e.FieldNames()
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+": "+e.Fields[n])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// FieldNames returns the offending field names in stable order.
func (e *ValidationError) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for n := range e.Fields {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func NewValidationError(fields map[string]string) *ValidationError {
	return &ValidationError{Fields: fields}
}

// NotFoundError is returned where auto-creation is not allowed.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

func NewNotFound(entity, key string) *NotFoundError {
	return &NotFoundError{Entity: entity, Key: key}
}

// ForbiddenError is returned when an authenticated station reaches for
// another station's resource.
type ForbiddenError struct {
	Entity string
	Key    string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s %s belongs to another station", e.Entity, e.Key)
}

func NewForbidden(entity, key string) *ForbiddenError {
	return &ForbiddenError{Entity: entity, Key: key}
}

func IsForbidden(err error) bool {
	var f *ForbiddenError
	return errors.As(err, &f)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
