package ext2

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/S1riyS/ext2-server/internal/blockdev"
	"github.com/S1riyS/ext2-server/internal/ext2/blockmap"
	"github.com/S1riyS/ext2-server/pkg/logging"
	"github.com/S1riyS/ext2-server/pkg/logging/slogext"
)

// Resize changes the inode's size to newSize bytes, allocating or freeing
// data and indirect blocks. Bytes between the old and the new size read
// as zero.
func (in *Inode) Resize(ctx context.Context, newSize uint64) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.released {
		return ErrInodeReleased
	}
	if err := in.resizeLocked(ctx, newSize); err != nil {
		return err
	}
	return in.flushMetadata(ctx)
}

// maxSizeLocked is the largest size the inode may take.
func (in *Inode) maxSizeLocked() uint64 {
	if in.raw.IsRegular() && in.fs.hasLargeFile() {
		return math.MaxUint64
	}
	return math.MaxUint32
}

func (in *Inode) resizeLocked(ctx context.Context, newSize uint64) error {
	const op = "ext2.Inode.Resize"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	oldSize := in.raw.Size()
	if newSize == oldSize {
		return nil
	}
	if in.raw.IsInlineSymlink() && oldSize > 0 {
		return fmt.Errorf("%s: %w: inline symlink", op, ErrInvalid)
	}

	if newSize > in.maxSizeLocked() {
		return fmt.Errorf("%s: %w: %d bytes", op, ErrOutOfRange, newSize)
	}

	fs := in.fs
	epb := fs.EntriesPerBlock()
	bs := uint64(fs.blockSize)

	blocksBefore := ceilDiv(oldSize, bs)
	blocksAfter := ceilDiv(newSize, bs)
	if blocksAfter > blockmap.MaxBlocks(epb) {
		return fmt.Errorf("%s: %w: %d blocks exceed pointer tree", op, ErrOutOfRange, blocksAfter)
	}

	newShape := blockmap.ComputeShape(blocksAfter, epb)

	cached, err := in.ensureBlockList(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	// The cached list drops trailing holes; pad it back to the old length.
	// The padding past the old length stands in for new data while planning.
	list := make([]blockmap.Ptr, max(blocksBefore, blocksAfter))
	copy(list, cached)
	oldPresent := blockmap.CountPresent(cached)

	metaNeeded, err := fs.flusher.Plan(ctx, &in.raw.Block, blocksBefore, list[:blocksAfter])
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	var dataNeeded uint64
	if blocksAfter > blocksBefore {
		dataNeeded = blocksAfter - blocksBefore
	}
	if dataNeeded+metaNeeded > fs.FreeBlockCount() {
		return fmt.Errorf("%s: %w: need %d blocks", op, ErrOutOfSpace, dataNeeded+metaNeeded)
	}
	if (blocksAfter+newShape.Meta)*fs.sectorsPerBlock() > math.MaxUint32 {
		return fmt.Errorf("%s: %w: sector count overflows", op, ErrOutOfRange)
	}

	hint := fs.GroupOfInode(in.index)

	var data, meta []blockdev.BlockIndex
	if dataNeeded > 0 {
		data, err = fs.AllocateBlocks(ctx, hint, int(dataNeeded))
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if metaNeeded > 0 {
		meta, err = fs.AllocateBlocks(ctx, hint, int(metaNeeded))
		if err != nil {
			if ferr := fs.FreeBlocks(ctx, data); ferr != nil {
				logger.Error("Failed to roll back data blocks", slogext.Err(ferr))
			}
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	if blocksAfter > blocksBefore {
		list = list[:blocksBefore]
		for _, idx := range data {
			list = append(list, blockmap.At(idx))
		}
	} else {
		for uint64(len(list)) > blocksAfter {
			last := list[len(list)-1]
			if idx, ok := last.Index(); ok {
				if err := fs.SetBlockAllocationState(ctx, idx, false); err != nil {
					return fmt.Errorf("%s: %w", op, err)
				}
			}
			list = list[:len(list)-1]
		}
	}

	if err := in.flushBlockListLocked(ctx, blocksBefore, oldPresent, list, meta); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	in.raw.SetSize(newSize)
	now := fs.nowUnix()
	in.raw.MTime = now
	in.raw.CTime = now
	in.setDirty()
	if err := in.flushMetadata(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	logger.Debug("Resized inode",
		slogext.Inode(in.index),
		slog.Uint64("old_size", oldSize),
		slog.Uint64("new_size", newSize),
		slog.Uint64("blocks", blocksAfter),
		slog.Uint64("meta", newShape.Meta),
	)

	if newSize > oldSize {
		if err := in.zeroRangeLocked(ctx, oldSize, newSize); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

// flushBlockListLocked writes list into the pointer tree, updates i_blocks
// and caches list. oldPresent is the number of data blocks the tree held.
func (in *Inode) flushBlockListLocked(ctx context.Context, oldCount, oldPresent uint64, list []blockmap.Ptr, meta []blockdev.BlockIndex) error {
	res, err := in.fs.flusher.Flush(ctx, &in.raw.Block, oldCount, list, meta)
	if err != nil {
		return err
	}

	spb := int64(in.fs.sectorsPerBlock())
	sectors := int64(in.raw.Blocks) + (int64(blockmap.CountPresent(list))-int64(oldPresent)+res.MetaDelta)*spb
	in.raw.Blocks = uint32(max(sectors, 0))
	in.setDirty()
	in.storeBlockList(blockmap.TrimHoles(list))
	return nil
}

// zeroRangeLocked writes zeros over [from, to) through the ordinary write
// path.
func (in *Inode) zeroRangeLocked(ctx context.Context, from, to uint64) error {
	zeros := make([]byte, in.fs.blockSize)
	for pos := from; pos < to; {
		n := min(to-pos, uint64(in.fs.blockSize)-pos%uint64(in.fs.blockSize))
		if _, err := in.writeBytesLocked(ctx, pos, zeros[:n]); err != nil {
			return err
		}
		pos += n
	}
	return nil
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}
