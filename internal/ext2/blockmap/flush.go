package blockmap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/S1riyS/ext2-server/internal/blockdev"
	"github.com/S1riyS/ext2-server/internal/ext2/disklayout"
	"github.com/S1riyS/ext2-server/pkg/logging"
)

// Freer returns blocks to the allocator.
type Freer interface {
	SetBlockAllocationState(ctx context.Context, idx blockdev.BlockIndex, allocated bool) error
}

// Flusher writes a block list back into an inode's pointer tree, creating
// and releasing indirect blocks as the list grows or shrinks.
type Flusher struct {
	dev       blockdev.ReadWriter
	freer     Freer
	blockSize int
	epb       uint64
}

func NewFlusher(dev blockdev.ReadWriter, freer Freer, blockSize int) *Flusher {
	return &Flusher{
		dev:       dev,
		freer:     freer,
		blockSize: blockSize,
		epb:       uint64(blockSize / disklayout.PointerSize),
	}
}

// Result describes a finished flush: the layout of the new list and how
// many indirect blocks the tree gained (positive) or lost (negative).
type Result struct {
	Shape
	MetaDelta int64
}

// Flush rewrites pointers so the tree holds blocks, given that it held
// oldCount blocks before. meta must hold exactly the indirect blocks Plan
// reports for the same arguments; they are consumed in order. Indirect
// blocks no longer needed are freed.
//
// A missing indirect node inside the old range stands for a run of holes.
// It is created when the range under it grows and left missing otherwise.
//
// Data blocks dropped from the list are not freed here.
//
// A mismatch between supplied and consumed meta blocks means the caller
// and the tree disagree about the layout; Flush panics on it.
func (f *Flusher) Flush(
	ctx context.Context,
	pointers *[disklayout.NBlocks]uint32,
	oldCount uint64,
	blocks []Ptr,
	meta []blockdev.BlockIndex,
) (Result, error) {
	const op = "blockmap.Flusher.Flush"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	oldShape := ComputeShape(oldCount, f.epb)
	newShape := ComputeShape(uint64(len(blocks)), f.epb)

	logger.Debug("Flushing block list",
		slog.Uint64("old_blocks", oldCount),
		slog.Int("new_blocks", len(blocks)),
		slog.Uint64("old_meta", oldShape.Meta),
		slog.Uint64("new_meta", newShape.Meta),
		slog.Int("supplied_meta", len(meta)),
	)

	st := &flushState{f: f, supply: meta}
	if err := st.run(ctx, pointers, oldShape, newShape, blocks); err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	if len(st.supply) != 0 || int64(oldShape.Meta)+st.delta-st.missing != int64(newShape.Meta) {
		panic(fmt.Sprintf("blockmap: meta accounting mismatch: old %d, new %d, delta %d, missing %d, unused supply %d",
			oldShape.Meta, newShape.Meta, st.delta, st.missing, len(st.supply)))
	}

	return Result{Shape: newShape, MetaDelta: st.delta}, nil
}

// Plan returns how many indirect blocks Flush will take for the same
// arguments. Only the length of blocks and which of its entries are holes
// matter. Nothing is written.
func (f *Flusher) Plan(ctx context.Context, pointers *[disklayout.NBlocks]uint32, oldCount uint64, blocks []Ptr) (uint64, error) {
	const op = "blockmap.Flusher.Plan"

	scratch := *pointers
	st := &flushState{f: f, dry: true}
	if err := st.run(ctx, &scratch, ComputeShape(oldCount, f.epb), ComputeShape(uint64(len(blocks)), f.epb), blocks); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return st.taken, nil
}

type flushState struct {
	f      *Flusher
	supply []blockdev.BlockIndex
	dry    bool

	taken uint64
	// delta is the real change in indirect blocks.
	delta int64
	// missing is how many more nodes the old tree lacked than the new one
	// lacks, counted against full shapes.
	missing int64
}

func (st *flushState) run(ctx context.Context, pointers *[disklayout.NBlocks]uint32, oldShape, newShape Shape, blocks []Ptr) error {
	for i := range uint64(disklayout.NDirBlocks) {
		if i < newShape.Direct {
			pointers[i] = blocks[i].Raw()
		} else {
			pointers[i] = 0
		}
	}

	out := newShape.Direct
	for depth := 1; depth <= 3; depth++ {
		oldShare, newShare := oldShape.Level(depth), newShape.Level(depth)
		if oldShare != newShare {
			root := &pointers[disklayout.IndBlock+depth-1]
			if err := st.reconcile(ctx, root, depth, oldShare, blocks[out:out+newShare]); err != nil {
				return err
			}
		}
		out += newShare
	}

	if out != uint64(len(blocks)) {
		panic(fmt.Sprintf("blockmap: %d blocks left past the triply indirect level", uint64(len(blocks))-out))
	}
	return nil
}

func (st *flushState) take() uint32 {
	st.taken++
	st.delta++
	if st.dry {
		return 0
	}
	if len(st.supply) == 0 {
		panic("blockmap: ran out of supplied meta blocks")
	}
	idx := st.supply[0]
	st.supply = st.supply[1:]
	return uint32(idx)
}

// reconcile turns the depth-level subtree at *root, which held oldCount
// data blocks, into one holding blocks. A partially kept node is rewritten
// whole so entries past the new end read as zero.
func (st *flushState) reconcile(ctx context.Context, root *uint32, depth int, oldCount uint64, blocks []Ptr) error {
	newCount := uint64(len(blocks))
	absent := *root == 0 && oldCount > 0

	if newCount == 0 {
		if absent {
			st.missing += int64(nodeCount(oldCount, depth, st.f.epb))
		} else if oldCount > 0 {
			if err := st.free(ctx, *root, depth, oldCount); err != nil {
				return err
			}
		}
		*root = 0
		return nil
	}

	if absent && newCount <= oldCount && allHoles(blocks) {
		st.missing += int64(nodeCount(oldCount, depth, st.f.epb) - nodeCount(newCount, depth, st.f.epb))
		return nil
	}

	node := make([]byte, st.f.blockSize)
	switch {
	case absent:
		st.missing++
		*root = st.take()
	case oldCount == 0:
		*root = st.take()
	default:
		if err := st.f.dev.ReadBlock(ctx, blockdev.BlockIndex(*root), node, 0, true); err != nil {
			return fmt.Errorf("read indirect block %d: %w", *root, err)
		}
	}

	if depth == 1 {
		for i := range st.f.epb {
			if i < newCount {
				putEntry(node, i, blocks[i].Raw())
			} else {
				putEntry(node, i, 0)
			}
		}
	} else {
		span := pow(st.f.epb, depth-1)
		oldChildren := ceilDiv(oldCount, span)
		newChildren := ceilDiv(newCount, span)

		// Most distant children go first.
		for i := oldChildren; i > newChildren; i-- {
			c := i - 1
			childOld := min(oldCount-c*span, span)
			if child := getEntry(node, c); child != 0 {
				if err := st.free(ctx, child, depth-1, childOld); err != nil {
					return err
				}
			} else {
				st.missing += int64(nodeCount(childOld, depth-1, st.f.epb))
			}
			putEntry(node, c, 0)
		}

		for c := range newChildren {
			lo := c * span
			childNew := min(newCount-lo, span)
			var childOld uint64
			if oldCount > lo {
				childOld = min(oldCount-lo, span)
			}
			if childOld == childNew {
				continue
			}

			child := getEntry(node, c)
			if err := st.reconcile(ctx, &child, depth-1, childOld, blocks[lo:lo+childNew]); err != nil {
				return err
			}
			putEntry(node, c, child)
		}

		for c := newChildren; c < st.f.epb; c++ {
			putEntry(node, c, 0)
		}
	}

	if st.dry {
		return nil
	}
	if err := st.f.dev.WriteBlock(ctx, blockdev.BlockIndex(*root), node, 0); err != nil {
		return fmt.Errorf("write indirect block %d: %w", *root, err)
	}
	return nil
}

// free releases the indirect node idx and the indirect nodes below it.
func (st *flushState) free(ctx context.Context, idx uint32, depth int, count uint64) error {
	if st.dry {
		return nil
	}

	if depth > 1 {
		span := pow(st.f.epb, depth-1)
		children := ceilDiv(count, span)

		node := make([]byte, children*disklayout.PointerSize)
		if err := st.f.dev.ReadBlock(ctx, blockdev.BlockIndex(idx), node, 0, true); err != nil {
			return fmt.Errorf("read indirect block %d: %w", idx, err)
		}

		for i := children; i > 0; i-- {
			c := i - 1
			childCount := min(count-c*span, span)
			if child := getEntry(node, c); child != 0 {
				if err := st.free(ctx, child, depth-1, childCount); err != nil {
					return err
				}
			} else {
				st.missing += int64(nodeCount(childCount, depth-1, st.f.epb))
			}
		}
	}

	if err := st.f.freer.SetBlockAllocationState(ctx, blockdev.BlockIndex(idx), false); err != nil {
		return fmt.Errorf("free indirect block %d: %w", idx, err)
	}
	st.delta--
	return nil
}

// nodeCount is the number of indirect nodes a full depth-level subtree
// holding count blocks takes, its root included.
func nodeCount(count uint64, depth int, epb uint64) uint64 {
	if count == 0 {
		return 0
	}
	n := uint64(1)
	for j := 1; j < depth; j++ {
		n += ceilDiv(count, pow(epb, j))
	}
	return n
}

func allHoles(list []Ptr) bool {
	for _, p := range list {
		if !p.IsHole() {
			return false
		}
	}
	return true
}
