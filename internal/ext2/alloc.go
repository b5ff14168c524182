package ext2

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/S1riyS/ext2-server/internal/blockdev"
	"github.com/S1riyS/ext2-server/pkg/logging"
)

// FreeBlockCount returns the superblock's free block counter.
func (fs *FileSystem) FreeBlockCount() uint64 {
	fs.allocMu.Lock()
	defer fs.allocMu.Unlock()
	return uint64(fs.sb.FreeBlocksCount)
}

func (fs *FileSystem) blockGroup(idx blockdev.BlockIndex) (uint32, uint32) {
	rel := uint32(idx) - fs.sb.FirstDataBlock
	return rel / fs.sb.BlocksPerGroup, rel % fs.sb.BlocksPerGroup
}

func (fs *FileSystem) inodeGroup(ino uint32) (uint32, uint32) {
	return (ino - 1) / fs.sb.InodesPerGroup, (ino - 1) % fs.sb.InodesPerGroup
}

// GroupOfInode returns the block group holding inode ino.
func (fs *FileSystem) GroupOfInode(ino uint32) uint32 {
	g, _ := fs.inodeGroup(ino)
	return g
}

func (fs *FileSystem) readBitmap(ctx context.Context, idx uint32) ([]byte, error) {
	buf := make([]byte, fs.blockSize)
	if err := fs.dev.ReadBlock(ctx, blockdev.BlockIndex(idx), buf, 0, true); err != nil {
		return nil, fmt.Errorf("read bitmap block %d: %w", idx, err)
	}
	return buf, nil
}

func (fs *FileSystem) writeBitmap(ctx context.Context, idx uint32, buf []byte) error {
	if err := fs.dev.WriteBlock(ctx, blockdev.BlockIndex(idx), buf, 0); err != nil {
		return fmt.Errorf("write bitmap block %d: %w", idx, err)
	}
	return nil
}

func bitSet(bm []byte, bit uint32) bool { return bm[bit/8]&(1<<(bit%8)) != 0 }
func setBit(bm []byte, bit uint32)      { bm[bit/8] |= 1 << (bit % 8) }
func clearBit(bm []byte, bit uint32)    { bm[bit/8] &^= 1 << (bit % 8) }

// AllocateBlocks reserves count blocks, preferring group hint and the
// groups after it. Either all count blocks are returned or none.
func (fs *FileSystem) AllocateBlocks(ctx context.Context, hint uint32, count int) ([]blockdev.BlockIndex, error) {
	const op = "ext2.FileSystem.AllocateBlocks"

	if count == 0 {
		return nil, nil
	}

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	fs.allocMu.Lock()
	defer fs.allocMu.Unlock()

	if uint64(count) > uint64(fs.sb.FreeBlocksCount) {
		return nil, fmt.Errorf("%s: %w: want %d, have %d", op, ErrOutOfSpace, count, fs.sb.FreeBlocksCount)
	}

	groups := uint32(len(fs.groups))
	if hint >= groups {
		hint = 0
	}

	out := make([]blockdev.BlockIndex, 0, count)
	touched := make(map[uint32][]byte)

	for i := uint32(0); i < groups && len(out) < count; i++ {
		g := (hint + i) % groups
		gd := &fs.groups[g]
		if gd.FreeBlocksCount == 0 {
			continue
		}

		bm, err := fs.readBitmap(ctx, gd.BlockBitmap)
		if err != nil {
			fs.undoAllocation(touched, out)
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		base := fs.sb.FirstDataBlock + g*fs.sb.BlocksPerGroup
		for bit := uint32(0); bit < fs.sb.BlocksInGroup(g) && len(out) < count && gd.FreeBlocksCount > 0; bit++ {
			if bitSet(bm, bit) {
				continue
			}
			setBit(bm, bit)
			gd.FreeBlocksCount--
			fs.sb.FreeBlocksCount--
			out = append(out, blockdev.BlockIndex(base+bit))
		}
		touched[g] = bm
	}

	if len(out) < count {
		fs.undoAllocation(touched, out)
		return nil, fmt.Errorf("%s: %w: counters claim free blocks the bitmaps do not have", op, ErrOutOfSpace)
	}

	for g, bm := range touched {
		if err := fs.writeBitmap(ctx, fs.groups[g].BlockBitmap, bm); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	if err := fs.writeMetadataLocked(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	logger.Debug("Allocated blocks", slog.Int("count", count), slog.Uint64("first", uint64(out[0])))
	return out, nil
}

// undoAllocation rolls back in-memory counters for blocks claimed by a
// failed AllocateBlocks. Bitmaps were not written yet.
func (fs *FileSystem) undoAllocation(touched map[uint32][]byte, out []blockdev.BlockIndex) {
	for _, idx := range out {
		g, _ := fs.blockGroup(idx)
		fs.groups[g].FreeBlocksCount++
		fs.sb.FreeBlocksCount++
	}
	clear(touched)
}

// SetBlockAllocationState marks one block used or free. Setting a block to
// the state it is already in is reported as corruption.
func (fs *FileSystem) SetBlockAllocationState(ctx context.Context, idx blockdev.BlockIndex, allocated bool) error {
	const op = "ext2.FileSystem.SetBlockAllocationState"

	fs.allocMu.Lock()
	defer fs.allocMu.Unlock()

	if uint32(idx) < fs.sb.FirstDataBlock || uint32(idx) >= fs.sb.BlocksCount {
		return fmt.Errorf("%s: %w: block %d outside filesystem", op, ErrCorrupt, idx)
	}

	g, bit := fs.blockGroup(idx)
	gd := &fs.groups[g]

	bm, err := fs.readBitmap(ctx, gd.BlockBitmap)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if bitSet(bm, bit) == allocated {
		return fmt.Errorf("%s: %w: block %d already allocated=%v", op, ErrCorrupt, idx, allocated)
	}

	if allocated {
		setBit(bm, bit)
		gd.FreeBlocksCount--
		fs.sb.FreeBlocksCount--
	} else {
		clearBit(bm, bit)
		gd.FreeBlocksCount++
		fs.sb.FreeBlocksCount++
	}

	if err := fs.writeBitmap(ctx, gd.BlockBitmap, bm); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := fs.writeMetadataLocked(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// FreeBlocks releases blocks one by one, stopping at the first failure.
func (fs *FileSystem) FreeBlocks(ctx context.Context, blocks []blockdev.BlockIndex) error {
	for _, idx := range blocks {
		if err := fs.SetBlockAllocationState(ctx, idx, false); err != nil {
			return err
		}
	}
	return nil
}

// AllocateInode reserves an inode number, preferring group hint. Directory
// inodes also bump the group's directory count.
func (fs *FileSystem) AllocateInode(ctx context.Context, hint uint32, dir bool) (uint32, error) {
	const op = "ext2.FileSystem.AllocateInode"

	fs.allocMu.Lock()
	defer fs.allocMu.Unlock()

	if fs.sb.FreeInodesCount == 0 {
		return 0, fmt.Errorf("%s: %w", op, ErrNoFreeInodes)
	}

	groups := uint32(len(fs.groups))
	if hint >= groups {
		hint = 0
	}
	first := fs.sb.FirstInode()

	for i := range groups {
		g := (hint + i) % groups
		gd := &fs.groups[g]
		if gd.FreeInodesCount == 0 {
			continue
		}

		bm, err := fs.readBitmap(ctx, gd.InodeBitmap)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", op, err)
		}

		for bit := range fs.sb.InodesPerGroup {
			ino := g*fs.sb.InodesPerGroup + bit + 1
			if ino < first || bitSet(bm, bit) {
				continue
			}

			setBit(bm, bit)
			gd.FreeInodesCount--
			fs.sb.FreeInodesCount--
			if dir {
				gd.UsedDirsCount++
			}

			if err := fs.writeBitmap(ctx, gd.InodeBitmap, bm); err != nil {
				return 0, fmt.Errorf("%s: %w", op, err)
			}
			if err := fs.writeMetadataLocked(ctx); err != nil {
				return 0, fmt.Errorf("%s: %w", op, err)
			}
			return ino, nil
		}
	}

	return 0, fmt.Errorf("%s: %w: counters claim free inodes the bitmaps do not have", op, ErrNoFreeInodes)
}

// SetInodeAllocationState marks inode ino used or free.
func (fs *FileSystem) SetInodeAllocationState(ctx context.Context, ino uint32, allocated, dir bool) error {
	const op = "ext2.FileSystem.SetInodeAllocationState"

	fs.allocMu.Lock()
	defer fs.allocMu.Unlock()

	if ino == 0 || ino > fs.sb.InodesCount {
		return fmt.Errorf("%s: %w: inode %d outside filesystem", op, ErrCorrupt, ino)
	}

	g, bit := fs.inodeGroup(ino)
	gd := &fs.groups[g]

	bm, err := fs.readBitmap(ctx, gd.InodeBitmap)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if bitSet(bm, bit) == allocated {
		return fmt.Errorf("%s: %w: inode %d already allocated=%v", op, ErrCorrupt, ino, allocated)
	}

	if allocated {
		setBit(bm, bit)
		gd.FreeInodesCount--
		fs.sb.FreeInodesCount--
		if dir {
			gd.UsedDirsCount++
		}
	} else {
		clearBit(bm, bit)
		gd.FreeInodesCount++
		fs.sb.FreeInodesCount++
		if dir && gd.UsedDirsCount > 0 {
			gd.UsedDirsCount--
		}
	}

	if err := fs.writeBitmap(ctx, gd.InodeBitmap, bm); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := fs.writeMetadataLocked(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// isInodeAllocated reports the bitmap state of ino.
func (fs *FileSystem) isInodeAllocated(ctx context.Context, ino uint32) (bool, error) {
	fs.allocMu.Lock()
	defer fs.allocMu.Unlock()

	if ino == 0 || ino > fs.sb.InodesCount {
		return false, nil
	}
	g, bit := fs.inodeGroup(ino)
	bm, err := fs.readBitmap(ctx, fs.groups[g].InodeBitmap)
	if err != nil {
		return false, err
	}
	return bitSet(bm, bit), nil
}
