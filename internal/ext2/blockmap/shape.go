package blockmap

import (
	"fmt"

	"github.com/S1riyS/ext2-server/internal/ext2/disklayout"
)

// Shape describes how many data blocks sit at each level of the pointer
// tree for a given list length, and how many meta (indirect) blocks that
// takes.
type Shape struct {
	Direct         uint64
	Indirect       uint64
	DoublyIndirect uint64
	TriplyIndirect uint64
	Meta           uint64
}

// MaxBlocks is the largest list the three indirect levels can address.
func MaxBlocks(entriesPerBlock uint64) uint64 {
	epb := entriesPerBlock
	return disklayout.NDirBlocks + epb + epb*epb + epb*epb*epb
}

// ComputeShape lays out count blocks. It panics when count does not fit
// the tree; callers range-check against MaxBlocks first.
func ComputeShape(count, entriesPerBlock uint64) Shape {
	epb := entriesPerBlock
	var s Shape
	rem := count

	s.Direct = min(rem, disklayout.NDirBlocks)
	rem -= s.Direct
	if rem == 0 {
		return s
	}

	s.Indirect = min(rem, epb)
	s.Meta++
	rem -= s.Indirect
	if rem == 0 {
		return s
	}

	s.DoublyIndirect = min(rem, epb*epb)
	s.Meta += 1 + ceilDiv(s.DoublyIndirect, epb)
	rem -= s.DoublyIndirect
	if rem == 0 {
		return s
	}

	s.TriplyIndirect = min(rem, epb*epb*epb)
	s.Meta += 1 + ceilDiv(s.TriplyIndirect, epb*epb) + ceilDiv(s.TriplyIndirect, epb)
	rem -= s.TriplyIndirect
	if rem != 0 {
		panic(fmt.Sprintf("blockmap: %d blocks exceed the triply indirect level", count))
	}
	return s
}

// Level returns the data block share of indirection depth 1..3.
func (s Shape) Level(depth int) uint64 {
	switch depth {
	case 1:
		return s.Indirect
	case 2:
		return s.DoublyIndirect
	case 3:
		return s.TriplyIndirect
	}
	panic(fmt.Sprintf("blockmap: no indirection level %d", depth))
}

// Total is the number of data blocks the shape addresses.
func (s Shape) Total() uint64 {
	return s.Direct + s.Indirect + s.DoublyIndirect + s.TriplyIndirect
}
