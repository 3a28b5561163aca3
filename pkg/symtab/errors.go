package symtab

import (
	"errors"
	"fmt"
)

var (
	ErrAmbiguousDefinition = errors.New("symbol defined more than once")
	ErrMalformedSymbol     = errors.New("malformed symbol")
	ErrCommonSymbol        = errors.New("common symbols are not supported")
)

type SymbolError struct {
	Index int
	Name  string
	Err   error
}

func (e *SymbolError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("symbol %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("symbol %d (%s): %v", e.Index, e.Name, e.Err)
}

func (e *SymbolError) Unwrap() error {
	return e.Err
}
