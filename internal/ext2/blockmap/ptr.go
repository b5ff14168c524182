// Package blockmap translates between an inode's pointer tree (twelve
// direct slots plus single, double and triple indirect nodes) and the flat
// list of physical blocks backing a file.
package blockmap

import (
	"encoding/binary"
	"fmt"

	"github.com/S1riyS/ext2-server/internal/blockdev"
)

// Ptr is one slot of a block list: a physical block or a hole. The zero
// value is a hole; physical block 0 is never handed out by the allocator,
// so the on-disk encoding maps a hole to 0.
type Ptr struct {
	idx blockdev.BlockIndex
	set bool
}

// Hole is the unset pointer.
var Hole Ptr

// At returns a pointer to physical block idx, which must not be 0.
func At(idx blockdev.BlockIndex) Ptr {
	if idx == 0 {
		panic("blockmap: block 0 cannot be addressed")
	}
	return Ptr{idx: idx, set: true}
}

// FromRaw decodes an on-disk pointer value.
func FromRaw(v uint32) Ptr {
	if v == 0 {
		return Hole
	}
	return Ptr{idx: blockdev.BlockIndex(v), set: true}
}

// Raw encodes p for disk.
func (p Ptr) Raw() uint32 {
	if !p.set {
		return 0
	}
	return uint32(p.idx)
}

func (p Ptr) IsHole() bool { return !p.set }

// Index returns the physical block and whether p is present.
func (p Ptr) Index() (blockdev.BlockIndex, bool) {
	return p.idx, p.set
}

func (p Ptr) String() string {
	if !p.set {
		return "hole"
	}
	return fmt.Sprintf("#%d", p.idx)
}

// CountPresent returns how many pointers in list are not holes.
func CountPresent(list []Ptr) uint64 {
	var n uint64
	for _, p := range list {
		if p.set {
			n++
		}
	}
	return n
}

// TrimHoles drops trailing holes.
func TrimHoles(list []Ptr) []Ptr {
	n := len(list)
	for n > 0 && list[n-1].IsHole() {
		n--
	}
	return list[:n]
}

func getEntry(node []byte, i uint64) uint32 {
	return binary.LittleEndian.Uint32(node[i*4:])
}

func putEntry(node []byte, i uint64, v uint32) {
	binary.LittleEndian.PutUint32(node[i*4:], v)
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

func pow(base uint64, exp int) uint64 {
	r := uint64(1)
	for range exp {
		r *= base
	}
	return r
}
