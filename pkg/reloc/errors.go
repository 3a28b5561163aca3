package reloc

import (
	"errors"
	"fmt"
)

var (
	ErrUnresolvedSymbol      = errors.New("unresolved symbol")
	ErrUnsupportedRelocation = errors.New("unsupported relocation type")
	ErrOutOfBounds           = errors.New("relocation outside its target section")
	ErrOverflow              = errors.New("relocated value does not fit")
	ErrUnsupportedArch       = errors.New("unsupported architecture")
	ErrMissingPair           = errors.New("no matching high part relocation")
	ErrMisaligned            = errors.New("relocated value is misaligned")
)

// RelocError describes the relocation entry that could not be applied.
type RelocError struct {
	Section string
	Index   int
	Type    string
	Symbol  string
	Err     error
}

func (e *RelocError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("%s[%d] %s against %s: %v", e.Section, e.Index, e.Type, e.Symbol, e.Err)
	}
	return fmt.Sprintf("%s[%d] %s: %v", e.Section, e.Index, e.Type, e.Err)
}

func (e *RelocError) Unwrap() error {
	return e.Err
}
