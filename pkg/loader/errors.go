package loader

import (
	"errors"
	"fmt"
)

var (
	ErrAllocation         = errors.New("allocation failed")
	ErrAlignmentViolation = errors.New("user visible section is not page aligned")
	ErrUnsupportedType    = errors.New("unsupported object type")
	ErrFixedAddress       = errors.New("region does not match the image's fixed address")
	ErrNoSegments         = errors.New("no loadable segments")
	ErrMissingExport      = errors.New("requested export is not defined")
)

// LoadError is returned by every failed load. Err keeps the underlying
// ParseError, SymbolError, RelocError or DuplicateSymbolError reachable
// through errors.As.
type LoadError struct {
	Name string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("load: %v", e.Err)
	}
	return fmt.Sprintf("load %s: %v", e.Name, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
