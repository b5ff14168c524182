package blockmap

import (
	"context"
	"errors"
	"fmt"

	"github.com/S1riyS/ext2-server/internal/blockdev"
	"github.com/S1riyS/ext2-server/internal/ext2/disklayout"
)

// ErrTooLarge is returned when an inode claims more blocks than its
// pointer tree can hold.
var ErrTooLarge = errors.New("block count exceeds pointer tree capacity")

// Translator reads pointer trees off a device.
type Translator struct {
	dev       blockdev.Reader
	blockSize int
	epb       uint64
}

func NewTranslator(dev blockdev.Reader, blockSize int) *Translator {
	return &Translator{
		dev:       dev,
		blockSize: blockSize,
		epb:       uint64(blockSize / disklayout.PointerSize),
	}
}

func (t *Translator) EntriesPerBlock() uint64 { return t.epb }

// BlockCount returns the number of data blocks a file of size bytes spans.
// Inline symlinks keep their data in the pointer area and span none.
func (t *Translator) BlockCount(size uint64, inline bool) uint64 {
	if inline {
		return 0
	}
	return ceilDiv(size, uint64(t.blockSize))
}

// Translate walks the tree rooted at pointers and returns the first count
// data blocks in file order, trailing holes removed. With includeMeta every
// indirect node is emitted before the blocks it covers.
//
// A node's pointer array is only read up to the entries still needed. A
// hole where an indirect node should be yields holes for its whole range.
func (t *Translator) Translate(ctx context.Context, pointers *[disklayout.NBlocks]uint32, count uint64, includeMeta bool) ([]Ptr, error) {
	if count > MaxBlocks(t.epb) {
		return nil, fmt.Errorf("%w: %d", ErrTooLarge, count)
	}

	w := &walker{
		t:           t,
		remaining:   count,
		includeMeta: includeMeta,
		list:        make([]Ptr, 0, count),
	}

	direct := min(count, disklayout.NDirBlocks)
	for i := range direct {
		w.list = append(w.list, FromRaw(pointers[i]))
	}
	w.remaining -= direct

	for depth := 1; depth <= 3 && w.remaining > 0; depth++ {
		if err := w.walk(ctx, FromRaw(pointers[disklayout.IndBlock+depth-1]), depth); err != nil {
			return nil, err
		}
	}

	return TrimHoles(w.list), nil
}

type walker struct {
	t           *Translator
	remaining   uint64
	includeMeta bool
	list        []Ptr
}

// walk emits the data blocks under node, a depth-level indirect block.
func (w *walker) walk(ctx context.Context, node Ptr, depth int) error {
	span := pow(w.t.epb, depth-1)
	covered := min(w.remaining, span*w.t.epb)

	idx, ok := node.Index()
	if !ok {
		for range covered {
			w.list = append(w.list, Hole)
		}
		w.remaining -= covered
		return nil
	}

	if w.includeMeta {
		w.list = append(w.list, node)
	}

	entries := ceilDiv(covered, span)
	buf := make([]byte, entries*disklayout.PointerSize)
	if err := w.t.dev.ReadBlock(ctx, idx, buf, 0, true); err != nil {
		return fmt.Errorf("read indirect block %d: %w", idx, err)
	}

	for i := range entries {
		child := FromRaw(getEntry(buf, i))
		if depth == 1 {
			w.list = append(w.list, child)
			w.remaining--
			continue
		}
		if err := w.walk(ctx, child, depth-1); err != nil {
			return err
		}
	}
	return nil
}
