package elf

import "bytes"

// StringTable is the contents of a SHT_STRTAB section.
type StringTable []byte

// Lookup returns the NUL-terminated string starting at off. A string that is
// not terminated inside the table is an error, never a truncated result.
func (t StringTable) Lookup(off uint32) (string, error) {
	if uint64(off) >= uint64(len(t)) {
		return "", parseError("string table", uint64(off), ErrBadStringOffset)
	}
	end := bytes.IndexByte(t[off:], 0)
	if end < 0 {
		return "", parseError("string table", uint64(off), ErrBadStringOffset)
	}
	return string(t[off : int(off)+end]), nil
}
