// Package ext2 implements an ext2 filesystem engine on top of a block
// device: block and inode allocation, the per-inode block list, resizing,
// and directories.
//
// Locking: every Inode has an inode lock (RW) and a block list lock that
// is only ever taken while the inode lock is held. A directory's inode lock
// is taken before any child's. The inode arena lock may be followed by the
// allocator lock and nothing else; the allocator lock is a leaf.
package ext2

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/S1riyS/ext2-server/internal/blockdev"
	"github.com/S1riyS/ext2-server/internal/ext2/blockmap"
	"github.com/S1riyS/ext2-server/internal/ext2/disklayout"
	"github.com/S1riyS/ext2-server/pkg/logging"
	"github.com/S1riyS/ext2-server/pkg/logging/slogext"
)

type FileSystem struct {
	dev        blockdev.Device
	blockSize  int
	translator *blockmap.Translator
	flusher    *blockmap.Flusher
	now        func() time.Time

	// allocMu guards sb, groups and the bitmaps on disk.
	allocMu sync.Mutex
	sb      disklayout.SuperBlock
	groups  []disklayout.GroupDescriptor

	arenaMu sync.Mutex
	inodes  map[uint32]*Inode
}

// Stat is a statfs-style summary.
type Stat struct {
	BlockSize   int
	Blocks      uint64
	FreeBlocks  uint64
	Inodes      uint64
	FreeInodes  uint64
	MaxNameLen  int
	VolumeName  string
	GroupCount  uint32
	FeaturesRO  uint32
	FeaturesInc uint32
}

// ProbeBlockSize reads the superblock through r and returns the block size
// it declares. It lets a device be opened with the right geometry.
func ProbeBlockSize(r io.ReaderAt) (int, error) {
	buf := make([]byte, disklayout.SuperBlockSize)
	if _, err := r.ReadAt(buf, disklayout.SuperBlockOffset); err != nil {
		return 0, fmt.Errorf("read superblock: %w", err)
	}

	var sb disklayout.SuperBlock
	if err := sb.UnmarshalBinary(buf); err != nil {
		return 0, err
	}
	if err := sb.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	return sb.BlockSize(), nil
}

// Mount reads the superblock and group descriptors from dev. The device
// block size must equal the filesystem block size.
func Mount(ctx context.Context, dev blockdev.Device) (*FileSystem, error) {
	const op = "ext2.Mount"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	fs := &FileSystem{
		dev:       dev,
		blockSize: dev.BlockSize(),
		now:       time.Now,
		inodes:    make(map[uint32]*Inode),
	}

	if err := fs.readSuperBlock(ctx); err != nil {
		logger.Error("Failed to read superblock", slogext.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := fs.sb.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrUnsupported, err)
	}
	if bs := fs.sb.BlockSize(); bs != dev.BlockSize() {
		return nil, fmt.Errorf("%s: %w: filesystem block size %d, device block size %d", op, ErrUnsupported, bs, dev.BlockSize())
	}
	if uint64(fs.sb.BlocksCount) > dev.BlockCount() {
		return nil, fmt.Errorf("%s: %w: filesystem spans %d blocks, device has %d", op, ErrCorrupt, fs.sb.BlocksCount, dev.BlockCount())
	}

	if err := fs.readGroupDescriptors(ctx); err != nil {
		logger.Error("Failed to read group descriptors", slogext.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	fs.translator = blockmap.NewTranslator(dev, fs.blockSize)
	fs.flusher = blockmap.NewFlusher(dev, fs, fs.blockSize)

	logger.Info("Mounted filesystem",
		slog.Int("block_size", fs.blockSize),
		slog.Uint64("blocks", uint64(fs.sb.BlocksCount)),
		slog.Uint64("free_blocks", uint64(fs.sb.FreeBlocksCount)),
		slog.Uint64("inodes", uint64(fs.sb.InodesCount)),
		slog.Uint64("groups", uint64(len(fs.groups))),
	)

	return fs, nil
}

func (fs *FileSystem) Device() blockdev.Device { return fs.dev }

func (fs *FileSystem) BlockSize() int { return fs.blockSize }

// EntriesPerBlock is the number of pointers an indirect block holds.
func (fs *FileSystem) EntriesPerBlock() uint64 {
	return uint64(fs.blockSize / disklayout.PointerSize)
}

// SuperBlock returns a copy of the in-memory superblock.
func (fs *FileSystem) SuperBlock() disklayout.SuperBlock {
	fs.allocMu.Lock()
	defer fs.allocMu.Unlock()
	return fs.sb
}

func (fs *FileSystem) FeaturesReadOnly() uint32 {
	fs.allocMu.Lock()
	defer fs.allocMu.Unlock()
	return fs.sb.FeaturesReadOnly()
}

func (fs *FileSystem) hasLargeFile() bool {
	return fs.FeaturesReadOnly()&disklayout.FeatureROCompatLargeFile != 0
}

// Root returns the root directory inode.
func (fs *FileSystem) Root(ctx context.Context) (*Inode, error) {
	return fs.GetInode(ctx, disklayout.RootInode)
}

func (fs *FileSystem) StatFS() Stat {
	fs.allocMu.Lock()
	defer fs.allocMu.Unlock()

	return Stat{
		BlockSize:   fs.blockSize,
		Blocks:      uint64(fs.sb.BlocksCount),
		FreeBlocks:  uint64(fs.sb.FreeBlocksCount),
		Inodes:      uint64(fs.sb.InodesCount),
		FreeInodes:  uint64(fs.sb.FreeInodesCount),
		MaxNameLen:  disklayout.MaxNameLength,
		VolumeName:  cString(fs.sb.VolumeName[:]),
		GroupCount:  uint32(len(fs.groups)),
		FeaturesRO:  fs.sb.FeatureROCompat,
		FeaturesInc: fs.sb.FeatureIncompat,
	}
}

// Sync writes every dirty inode, the superblock and the group descriptor
// table, then syncs the device.
func (fs *FileSystem) Sync(ctx context.Context) error {
	const op = "ext2.FileSystem.Sync"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	fs.arenaMu.Lock()
	inodes := make([]*Inode, 0, len(fs.inodes))
	for _, in := range fs.inodes {
		inodes = append(inodes, in)
	}
	fs.arenaMu.Unlock()

	for _, in := range inodes {
		in.mu.Lock()
		err := in.flushMetadata(ctx)
		in.mu.Unlock()
		if err != nil {
			logger.Error("Failed to flush inode", slogext.Inode(in.index), slogext.Err(err))
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	fs.allocMu.Lock()
	fs.sb.WTime = uint32(fs.now().Unix())
	err := fs.writeMetadataLocked(ctx)
	fs.allocMu.Unlock()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := fs.dev.Sync(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Close syncs the filesystem and forgets cached inodes. The device stays
// open.
func (fs *FileSystem) Close(ctx context.Context) error {
	if err := fs.Sync(ctx); err != nil {
		return err
	}

	fs.arenaMu.Lock()
	clear(fs.inodes)
	fs.arenaMu.Unlock()
	return nil
}

func (fs *FileSystem) superBlockLocation() (blockdev.BlockIndex, int) {
	return blockdev.BlockIndex(disklayout.SuperBlockOffset / fs.blockSize), disklayout.SuperBlockOffset % fs.blockSize
}

func (fs *FileSystem) readSuperBlock(ctx context.Context) error {
	buf := make([]byte, disklayout.SuperBlockSize)
	idx, off := fs.superBlockLocation()
	if err := fs.dev.ReadBlock(ctx, idx, buf, off, false); err != nil {
		return fmt.Errorf("read superblock: %w", err)
	}
	return fs.sb.UnmarshalBinary(buf)
}

// groupDescriptorBlock is where the primary descriptor table starts.
func (fs *FileSystem) groupDescriptorBlock() blockdev.BlockIndex {
	return blockdev.BlockIndex(fs.sb.FirstDataBlock + 1)
}

func (fs *FileSystem) groupDescriptorBlocks(groups uint32) int {
	return (int(groups)*disklayout.GroupDescriptorSize + fs.blockSize - 1) / fs.blockSize
}

func (fs *FileSystem) readGroupDescriptors(ctx context.Context) error {
	count := fs.sb.GroupCount()
	n := fs.groupDescriptorBlocks(count)
	buf := make([]byte, n*fs.blockSize)

	start := fs.groupDescriptorBlock()
	for i := range n {
		if err := fs.dev.ReadBlock(ctx, start+blockdev.BlockIndex(i), buf[i*fs.blockSize:(i+1)*fs.blockSize], 0, false); err != nil {
			return fmt.Errorf("read group descriptors: %w", err)
		}
	}

	groups, err := disklayout.UnmarshalGroupDescriptors(buf, count)
	if err != nil {
		return err
	}
	fs.groups = groups
	return nil
}

// writeMetadataLocked writes the primary superblock and descriptor table.
// Callers hold allocMu.
func (fs *FileSystem) writeMetadataLocked(ctx context.Context) error {
	if err := fs.writeSuperBlockLocked(ctx); err != nil {
		return err
	}
	return fs.writeGroupDescriptorsLocked(ctx)
}

func (fs *FileSystem) writeSuperBlockLocked(ctx context.Context) error {
	data, err := fs.sb.MarshalBinary()
	if err != nil {
		return err
	}
	idx, off := fs.superBlockLocation()
	if err := fs.dev.WriteBlock(ctx, idx, data, off); err != nil {
		return fmt.Errorf("write superblock: %w", err)
	}
	return nil
}

func (fs *FileSystem) writeGroupDescriptorsLocked(ctx context.Context) error {
	data, err := disklayout.MarshalGroupDescriptors(fs.groups)
	if err != nil {
		return err
	}

	n := fs.groupDescriptorBlocks(uint32(len(fs.groups)))
	buf := make([]byte, n*fs.blockSize)
	copy(buf, data)

	start := fs.groupDescriptorBlock()
	for i := range n {
		if err := fs.dev.WriteBlock(ctx, start+blockdev.BlockIndex(i), buf[i*fs.blockSize:(i+1)*fs.blockSize], 0); err != nil {
			return fmt.Errorf("write group descriptors: %w", err)
		}
	}
	return nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
