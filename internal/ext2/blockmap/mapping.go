package blockmap

import (
	"context"
	"fmt"

	"github.com/S1riyS/ext2-server/internal/blockdev"
	"github.com/S1riyS/ext2-server/internal/ext2/disklayout"
)

// AllocFunc hands out one fresh block for a missing indirect node.
type AllocFunc func(ctx context.Context) (blockdev.BlockIndex, error)

// Map points logical block logical at physical block idx without touching
// the rest of the tree. Indirect nodes missing on the path are allocated
// through alloc and zero filled. It returns how many nodes were allocated.
func (f *Flusher) Map(
	ctx context.Context,
	pointers *[disklayout.NBlocks]uint32,
	logical uint64,
	idx blockdev.BlockIndex,
	alloc AllocFunc,
) (int, error) {
	const op = "blockmap.Flusher.Map"

	if logical < disklayout.NDirBlocks {
		pointers[logical] = uint32(idx)
		return 0, nil
	}

	off := logical - disklayout.NDirBlocks
	for depth := 1; depth <= 3; depth++ {
		capacity := pow(f.epb, depth)
		if off < capacity {
			m := &mapper{f: f, target: idx, alloc: alloc}
			if err := m.set(ctx, &pointers[disklayout.IndBlock+depth-1], depth, off); err != nil {
				return m.allocated, fmt.Errorf("%s: %w", op, err)
			}
			return m.allocated, nil
		}
		off -= capacity
	}

	return 0, fmt.Errorf("%s: %w: logical block %d", op, ErrTooLarge, logical)
}

type mapper struct {
	f         *Flusher
	target    blockdev.BlockIndex
	alloc     AllocFunc
	allocated int
}

// set points entry off of the subtree at *root at the target. Only nodes
// whose content changes are written: new nodes bottom-up, then the last
// existing node on the path, so a failed write leaves the tree as it was.
func (m *mapper) set(ctx context.Context, root *uint32, depth int, off uint64) error {
	node := make([]byte, m.f.blockSize)
	fresh := *root == 0
	if fresh {
		idx, err := m.alloc(ctx)
		if err != nil {
			return err
		}
		*root = uint32(idx)
		m.allocated++
	} else if err := m.f.dev.ReadBlock(ctx, blockdev.BlockIndex(*root), node, 0, true); err != nil {
		return fmt.Errorf("read indirect block %d: %w", *root, err)
	}

	if depth == 1 {
		putEntry(node, off, uint32(m.target))
	} else {
		span := pow(m.f.epb, depth-1)
		c := off / span
		child := getEntry(node, c)
		prev := child
		if err := m.set(ctx, &child, depth-1, off%span); err != nil {
			return err
		}
		if child == prev && !fresh {
			return nil
		}
		putEntry(node, c, child)
	}

	if err := m.f.dev.WriteBlock(ctx, blockdev.BlockIndex(*root), node, 0); err != nil {
		return fmt.Errorf("write indirect block %d: %w", *root, err)
	}
	return nil
}
