package ext2

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/S1riyS/ext2-server/internal/blockdev"
	"github.com/S1riyS/ext2-server/internal/ext2/blockmap"
	"github.com/S1riyS/ext2-server/internal/ext2/disklayout"
	"github.com/S1riyS/ext2-server/pkg/logging"
	"github.com/S1riyS/ext2-server/pkg/logging/slogext"
	iradix "github.com/hashicorp/go-immutable-radix"
)

// Inode is the in-memory handle of one on-disk inode. Handles are unique
// per index for the life of a FileSystem.
type Inode struct {
	fs    *FileSystem
	index uint32

	mu       sync.RWMutex
	raw      disklayout.Inode
	extra    []byte
	dirty    bool
	released bool

	// blockListMu guards blockList; taken only with mu held.
	blockListMu sync.Mutex
	blockList   []blockmap.Ptr
	listValid   bool

	// lookup maps child names to inode indices; nil until populated.
	lookup *iradix.Tree
}

// Metadata is a snapshot of an inode's attributes.
type Metadata struct {
	Index     uint32
	Mode      uint16
	UID       uint16
	GID       uint16
	Size      uint64
	LinkCount uint16
	Sectors   uint32
	ATime     time.Time
	MTime     time.Time
	CTime     time.Time
}

func (m Metadata) IsDir() bool     { return m.Mode&disklayout.ModeTypeMask == disklayout.ModeDir }
func (m Metadata) IsRegular() bool { return m.Mode&disklayout.ModeTypeMask == disklayout.ModeRegular }
func (m Metadata) IsSymlink() bool { return m.Mode&disklayout.ModeTypeMask == disklayout.ModeSymlink }

// GetInode returns the handle for inode index, loading it on first use.
func (fs *FileSystem) GetInode(ctx context.Context, index uint32) (*Inode, error) {
	const op = "ext2.FileSystem.GetInode"

	fs.arenaMu.Lock()
	defer fs.arenaMu.Unlock()

	if in, ok := fs.inodes[index]; ok {
		return in, nil
	}

	if index == 0 || index > fs.sb.InodesCount {
		return nil, fmt.Errorf("%s: %w: inode %d", op, ErrNotFound, index)
	}

	used, err := fs.isInodeAllocated(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !used {
		return nil, fmt.Errorf("%s: %w: inode %d is not in use", op, ErrNotFound, index)
	}

	in := &Inode{fs: fs, index: index}
	if err := in.readRaw(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	fs.inodes[index] = in
	return in, nil
}

func (fs *FileSystem) forgetInode(index uint32) {
	fs.arenaMu.Lock()
	delete(fs.inodes, index)
	fs.arenaMu.Unlock()
}

// inodeLocation returns the block and byte offset of inode index. The
// superblock fields it reads never change after mount.
func (fs *FileSystem) inodeLocation(index uint32) (blockdev.BlockIndex, int) {
	g, slot := fs.inodeGroup(index)
	size := fs.sb.InodeSizeBytes()

	fs.allocMu.Lock()
	table := fs.groups[g].InodeTable
	fs.allocMu.Unlock()

	byteOff := int(slot) * size
	return blockdev.BlockIndex(table + uint32(byteOff/fs.blockSize)), byteOff % fs.blockSize
}

func (in *Inode) readRaw(ctx context.Context) error {
	idx, off := in.fs.inodeLocation(in.index)
	buf := make([]byte, in.fs.sb.InodeSizeBytes())
	if err := in.fs.dev.ReadBlock(ctx, idx, buf, off, true); err != nil {
		return fmt.Errorf("read inode %d: %w", in.index, err)
	}
	if err := in.raw.UnmarshalBinary(buf); err != nil {
		return err
	}
	in.extra = buf[disklayout.GoodOldInodeSize:]
	return nil
}

func (in *Inode) writeRaw(ctx context.Context) error {
	data, err := in.raw.MarshalBinary()
	if err != nil {
		return err
	}
	data = append(data, in.extra...)

	idx, off := in.fs.inodeLocation(in.index)
	if err := in.fs.dev.WriteBlock(ctx, idx, data, off); err != nil {
		return fmt.Errorf("write inode %d: %w", in.index, err)
	}
	return nil
}

// flushMetadata writes the raw inode if it changed. Callers hold mu.
func (in *Inode) flushMetadata(ctx context.Context) error {
	if !in.dirty || in.released {
		return nil
	}
	if err := in.writeRaw(ctx); err != nil {
		return err
	}
	in.dirty = false
	return nil
}

func (in *Inode) setDirty() { in.dirty = true }

func (in *Inode) Index() uint32 { return in.index }

func (in *Inode) FileSystem() *FileSystem { return in.fs }

func (in *Inode) Metadata() Metadata {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.metadataLocked()
}

func (in *Inode) metadataLocked() Metadata {
	return Metadata{
		Index:     in.index,
		Mode:      in.raw.Mode,
		UID:       in.raw.UID,
		GID:       in.raw.GID,
		Size:      in.raw.Size(),
		LinkCount: in.raw.LinksCount,
		Sectors:   in.raw.Blocks,
		ATime:     time.Unix(int64(in.raw.ATime), 0),
		MTime:     time.Unix(int64(in.raw.MTime), 0),
		CTime:     time.Unix(int64(in.raw.CTime), 0),
	}
}

func (in *Inode) Size() uint64 {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.raw.Size()
}

func (in *Inode) Mode() uint16 {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.raw.Mode
}

func (in *Inode) IsDir() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.raw.IsDir()
}

func (in *Inode) LinkCount() uint16 {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.raw.LinksCount
}

// SetAttributes updates mode permission bits, owner and times. Zero values
// leave the field untouched; the file type bits are never changed.
func (in *Inode) SetAttributes(ctx context.Context, attrs Attributes) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.released {
		return ErrInodeReleased
	}

	if attrs.Mode != nil {
		in.raw.Mode = in.raw.Mode&disklayout.ModeTypeMask | *attrs.Mode&disklayout.ModePermMask
	}
	if attrs.UID != nil {
		in.raw.UID = *attrs.UID
	}
	if attrs.GID != nil {
		in.raw.GID = *attrs.GID
	}
	if attrs.ATime != nil {
		in.raw.ATime = uint32(attrs.ATime.Unix())
	}
	if attrs.MTime != nil {
		in.raw.MTime = uint32(attrs.MTime.Unix())
	}
	in.raw.CTime = in.fs.nowUnix()
	in.setDirty()
	return in.flushMetadata(ctx)
}

// Attributes is a partial attribute update; nil fields are kept.
type Attributes struct {
	Mode  *uint16
	UID   *uint16
	GID   *uint16
	ATime *time.Time
	MTime *time.Time
}

func (fs *FileSystem) nowUnix() uint32 {
	return uint32(fs.now().Unix())
}

// IncrementLinkCount adds one hard link.
func (in *Inode) IncrementLinkCount(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.adjustLinkCountLocked(ctx, 1)
}

// DecrementLinkCount drops one hard link. The inode is released when no
// links remain.
func (in *Inode) DecrementLinkCount(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.adjustLinkCountLocked(ctx, -1)
}

func (in *Inode) adjustLinkCountLocked(ctx context.Context, delta int) error {
	const op = "ext2.Inode.adjustLinkCount"

	if in.released {
		return fmt.Errorf("%s: %w: inode %d", op, ErrInodeReleased, in.index)
	}

	links := int(in.raw.LinksCount) + delta
	switch {
	case links < 0:
		return fmt.Errorf("%s: %w: inode %d link count underflow", op, ErrCorrupt, in.index)
	case links > disklayout.MaxLinkCount:
		return fmt.Errorf("%s: %w", op, ErrTooManyLinks)
	}

	in.raw.LinksCount = uint16(links)
	in.raw.CTime = in.fs.nowUnix()
	in.setDirty()

	if links == 0 {
		return in.releaseLocked(ctx)
	}
	return in.flushMetadata(ctx)
}

// releaseLocked frees every block the inode owns, indirect blocks
// included, and returns the inode number to the allocator.
func (in *Inode) releaseLocked(ctx context.Context) error {
	const op = "ext2.Inode.release"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	isDir := in.raw.IsDir()

	if !in.raw.IsInlineSymlink() {
		count := in.fs.translator.BlockCount(in.raw.Size(), false)
		blocks, err := in.fs.translator.Translate(ctx, &in.raw.Block, count, true)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		for _, p := range blocks {
			if idx, ok := p.Index(); ok {
				if err := in.fs.SetBlockAllocationState(ctx, idx, false); err != nil {
					logger.Error("Failed to free block", slogext.Inode(in.index), slogext.Block(uint32(idx)), slogext.Err(err))
					return fmt.Errorf("%s: %w", op, err)
				}
			}
		}
	}

	in.raw.DTime = in.fs.nowUnix()
	in.raw.Blocks = 0
	in.raw.Block = [disklayout.NBlocks]uint32{}
	in.raw.SizeLo = 0
	in.raw.SizeHigh = 0
	if err := in.writeRaw(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := in.fs.SetInodeAllocationState(ctx, in.index, false, isDir); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	in.released = true
	in.dirty = false
	in.lookup = nil
	in.blockListMu.Lock()
	in.blockList = nil
	in.listValid = false
	in.blockListMu.Unlock()
	in.fs.forgetInode(in.index)

	logger.Debug("Released inode", slogext.Inode(in.index), slog.Bool("dir", isDir))
	return nil
}
