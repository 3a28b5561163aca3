package reloc

type undo struct {
	pos  uint64
	prev []byte
}

// journal remembers the bytes overwritten by relocations so a failed batch
// can be reverted.
type journal struct {
	mem     []byte
	entries []undo
}

func (j *journal) record(pos uint64, n int) {
	prev := make([]byte, n)
	copy(prev, j.mem[pos:pos+uint64(n)])
	j.entries = append(j.entries, undo{pos: pos, prev: prev})
}

// rollback restores overwritten bytes, newest first.
func (j *journal) rollback() {
	for i := len(j.entries) - 1; i >= 0; i-- {
		e := j.entries[i]
		copy(j.mem[e.pos:], e.prev)
	}
	j.entries = j.entries[:0]
}
