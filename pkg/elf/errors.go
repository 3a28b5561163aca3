package elf

import (
	"errors"
	"fmt"
)

var (
	ErrBadMagic            = errors.New("bad magic")
	ErrTruncated           = errors.New("truncated header")
	ErrUnsupportedClass    = errors.New("unsupported class")
	ErrUnsupportedEncoding = errors.New("unsupported data encoding")
	ErrUnsupportedVersion  = errors.New("unsupported version")
	ErrUnsupportedMachine  = errors.New("unsupported machine")
	ErrBadHeaderSize       = errors.New("bad header size")
	ErrBadEntrySize        = errors.New("bad table entry size")
	ErrTableOverrun        = errors.New("header table out of bounds")
	ErrSectionOverrun      = errors.New("contents out of bounds")
	ErrBadIndex            = errors.New("bad section index")
	ErrBadStringOffset     = errors.New("string offset out of bounds")
	ErrBadAlignment        = errors.New("alignment is not a power of two")
)

// ParseError reports the malformed field and the class of the failure.
type ParseError struct {
	Field  string
	Offset uint64
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("elf: %s at 0x%x: %v", e.Field, e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseError(field string, off uint64, err error) *ParseError {
	return &ParseError{Field: field, Offset: off, Err: err}
}

// IsNotELF reports whether the buffer is not an ELF image at all.
func IsNotELF(err error) bool {
	return errors.Is(err, ErrBadMagic)
}

// IsUnsupported reports whether the buffer is an ELF image of a variant this
// loader does not handle.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupportedClass) ||
		errors.Is(err, ErrUnsupportedEncoding) ||
		errors.Is(err, ErrUnsupportedVersion) ||
		errors.Is(err, ErrUnsupportedMachine)
}

// IsCorrupt reports whether the image is truncated or internally inconsistent.
func IsCorrupt(err error) bool {
	var pe *ParseError
	if !errors.As(err, &pe) {
		return false
	}
	return !IsNotELF(err) && !IsUnsupported(err)
}
