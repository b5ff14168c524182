package ext2

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"time"

	"github.com/S1riyS/ext2-server/internal/blockdev"
	"github.com/S1riyS/ext2-server/internal/ext2/disklayout"
	"github.com/S1riyS/ext2-server/pkg/logging"
	"github.com/google/uuid"
)

const (
	defaultBytesPerInode = 8192
	minInodesPerGroup    = 16
	// minGroupSlack is the least number of data blocks a trailing group
	// must offer to be kept.
	minGroupSlack = 50
)

type FormatOptions struct {
	VolumeName    string
	InodeSize     int
	BytesPerInode int
	LargeFile     bool
	UUID          uuid.UUID
	Owner         Owner
}

type groupLayout struct {
	start      uint32
	blocks     uint32
	hasSuper   bool
	overhead   uint32
	descriptor disklayout.GroupDescriptor
}

// Format writes an empty revision 1 filesystem over the whole device, with
// a root directory and lost+found, and returns it mounted.
func Format(ctx context.Context, dev blockdev.Device, opts FormatOptions) (*FileSystem, error) {
	const op = "ext2.Format"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	bs := dev.BlockSize()
	if bs < disklayout.MinBlockSize || bs > disklayout.MaxBlockSize || bs&(bs-1) != 0 {
		return nil, fmt.Errorf("%s: %w: block size %d", op, ErrInvalid, bs)
	}
	if opts.InodeSize == 0 {
		opts.InodeSize = disklayout.GoodOldInodeSize
	}
	if opts.InodeSize < disklayout.GoodOldInodeSize || opts.InodeSize > bs || opts.InodeSize&(opts.InodeSize-1) != 0 {
		return nil, fmt.Errorf("%s: %w: inode size %d", op, ErrInvalid, opts.InodeSize)
	}
	if opts.BytesPerInode == 0 {
		opts.BytesPerInode = defaultBytesPerInode
	}
	if len(opts.VolumeName) > 16 {
		return nil, fmt.Errorf("%s: %w: volume name longer than 16 bytes", op, ErrInvalid)
	}
	if opts.UUID == uuid.Nil {
		opts.UUID = uuid.New()
	}

	blocks := min(dev.BlockCount(), math.MaxUint32)
	var firstData uint64
	if bs == disklayout.MinBlockSize {
		firstData = 1
	}
	bpg := uint64(bs * 8)
	inodesPerBlock := uint64(bs / opts.InodeSize)

	if blocks <= firstData {
		return nil, fmt.Errorf("%s: %w: device too small", op, ErrOutOfSpace)
	}
	groups := ceilDiv(blocks-firstData, bpg)

	ipg := ceilDiv(blocks*uint64(bs)/uint64(opts.BytesPerInode), groups)
	ipg = max(ipg, minInodesPerGroup)
	ipg = ceilDiv(ipg, inodesPerBlock) * inodesPerBlock
	ipg = min(ipg, bpg)
	itb := ipg / inodesPerBlock
	gdtBlocks := ceilDiv(groups*disklayout.GroupDescriptorSize, uint64(bs))

	overheadOf := func(g uint64) uint64 {
		o := 2 + itb
		if disklayout.IsSparseGroup(uint32(g)) {
			o += 1 + gdtBlocks
		}
		return o
	}

	if last := groups - 1; blocks-firstData-last*bpg < overheadOf(last)+minGroupSlack {
		if groups == 1 {
			return nil, fmt.Errorf("%s: %w: device too small", op, ErrOutOfSpace)
		}
		groups--
		blocks = firstData + groups*bpg
	}

	now := uint32(time.Now().Unix())

	sb := disklayout.SuperBlock{
		InodesCount:     uint32(ipg * groups),
		BlocksCount:     uint32(blocks),
		RBlocksCount:    uint32(blocks / 20),
		FirstDataBlock:  uint32(firstData),
		LogBlockSize:    uint32(bits.TrailingZeros(uint(bs)) - 10),
		LogFragSize:     uint32(bits.TrailingZeros(uint(bs)) - 10),
		BlocksPerGroup:  uint32(bpg),
		FragsPerGroup:   uint32(bpg),
		InodesPerGroup:  uint32(ipg),
		WTime:           now,
		MaxMntCount:     -1,
		Magic:           disklayout.Magic,
		State:           disklayout.StateValid,
		Errors:          disklayout.ErrorsContinue,
		LastCheck:       now,
		RevLevel:        disklayout.RevDynamic,
		FirstIno:        disklayout.GoodOldFirstInode,
		InodeSize:       uint16(opts.InodeSize),
		FeatureIncompat: disklayout.FeatureIncompatFileType,
		FeatureROCompat: disklayout.FeatureROCompatSparseSuper,
		UUID:            opts.UUID,
	}
	if opts.LargeFile {
		sb.FeatureROCompat |= disklayout.FeatureROCompatLargeFile
	}
	copy(sb.VolumeName[:], opts.VolumeName)

	layouts := make([]groupLayout, groups)
	descriptors := make([]disklayout.GroupDescriptor, groups)
	for g := range groups {
		l := &layouts[g]
		l.start = uint32(firstData + g*bpg)
		l.blocks = sb.BlocksInGroup(uint32(g))
		l.hasSuper = disklayout.IsSparseGroup(uint32(g))
		l.overhead = uint32(overheadOf(g))

		next := l.start
		if l.hasSuper {
			next += 1 + uint32(gdtBlocks)
		}
		l.descriptor = disklayout.GroupDescriptor{
			BlockBitmap:     next,
			InodeBitmap:     next + 1,
			InodeTable:      next + 2,
			FreeBlocksCount: uint16(l.blocks - l.overhead),
			FreeInodesCount: uint16(ipg),
		}
		if g == 0 {
			l.descriptor.FreeInodesCount -= disklayout.GoodOldFirstInode - 1
		}

		descriptors[g] = l.descriptor
		sb.FreeBlocksCount += uint32(l.descriptor.FreeBlocksCount)
		sb.FreeInodesCount += uint32(l.descriptor.FreeInodesCount)
	}

	w := &formatWriter{dev: dev, bs: bs}
	for g, l := range layouts {
		if err := w.writeGroup(ctx, uint32(g), l, sb, descriptors, uint32(ipg), uint32(itb)); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	logger.Info("Formatted device",
		slog.Int("block_size", bs),
		slog.Uint64("blocks", blocks),
		slog.Uint64("groups", groups),
		slog.Uint64("inodes_per_group", ipg),
		slog.String("uuid", opts.UUID.String()),
	)

	fs, err := Mount(ctx, dev)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := fs.makeRoot(ctx, opts.Owner); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	root, err := fs.Root(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if _, err := fs.CreateDirectory(ctx, root, disklayout.LostFoundName, 0o700, Owner{}); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := fs.Sync(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return fs, nil
}

type formatWriter struct {
	dev blockdev.Device
	bs  int
}

func (w *formatWriter) writeGroup(
	ctx context.Context,
	g uint32,
	l groupLayout,
	sb disklayout.SuperBlock,
	descriptors []disklayout.GroupDescriptor,
	ipg, itb uint32,
) error {
	if l.hasSuper {
		sb.BlockGroupNr = uint16(g)
		data, err := sb.MarshalBinary()
		if err != nil {
			return err
		}

		if g == 0 {
			idx := blockdev.BlockIndex(disklayout.SuperBlockOffset / w.bs)
			if err := w.dev.WriteBlock(ctx, idx, data, disklayout.SuperBlockOffset%w.bs); err != nil {
				return fmt.Errorf("write superblock: %w", err)
			}
		} else if err := w.dev.WriteBlock(ctx, blockdev.BlockIndex(l.start), data, 0); err != nil {
			return fmt.Errorf("write superblock backup in group %d: %w", g, err)
		}

		gdt, err := disklayout.MarshalGroupDescriptors(descriptors)
		if err != nil {
			return err
		}
		gdtBlocks := (len(gdt) + w.bs - 1) / w.bs
		padded := make([]byte, gdtBlocks*w.bs)
		copy(padded, gdt)
		for i := range gdtBlocks {
			idx := blockdev.BlockIndex(l.start + 1 + uint32(i))
			if err := w.dev.WriteBlock(ctx, idx, padded[i*w.bs:(i+1)*w.bs], 0); err != nil {
				return fmt.Errorf("write group descriptors in group %d: %w", g, err)
			}
		}
	}

	blockBitmap := make([]byte, w.bs)
	for bit := range l.overhead {
		setBit(blockBitmap, bit)
	}
	for bit := l.blocks; bit < uint32(w.bs*8); bit++ {
		setBit(blockBitmap, bit)
	}
	if err := w.dev.WriteBlock(ctx, blockdev.BlockIndex(l.descriptor.BlockBitmap), blockBitmap, 0); err != nil {
		return fmt.Errorf("write block bitmap of group %d: %w", g, err)
	}

	inodeBitmap := make([]byte, w.bs)
	if g == 0 {
		for bit := range uint32(disklayout.GoodOldFirstInode - 1) {
			setBit(inodeBitmap, bit)
		}
	}
	for bit := ipg; bit < uint32(w.bs*8); bit++ {
		setBit(inodeBitmap, bit)
	}
	if err := w.dev.WriteBlock(ctx, blockdev.BlockIndex(l.descriptor.InodeBitmap), inodeBitmap, 0); err != nil {
		return fmt.Errorf("write inode bitmap of group %d: %w", g, err)
	}

	zero := make([]byte, w.bs)
	for i := range itb {
		if err := w.dev.WriteBlock(ctx, blockdev.BlockIndex(l.descriptor.InodeTable+i), zero, 0); err != nil {
			return fmt.Errorf("write inode table of group %d: %w", g, err)
		}
	}
	return nil
}

// makeRoot initialises the reserved root inode as a directory that is its
// own parent.
func (fs *FileSystem) makeRoot(ctx context.Context, owner Owner) error {
	now := fs.nowUnix()
	root := &Inode{
		fs:    fs,
		index: disklayout.RootInode,
		raw: disklayout.Inode{
			Mode:  disklayout.ModeDir | 0o755,
			UID:   owner.UID,
			GID:   owner.GID,
			ATime: now,
			CTime: now,
			MTime: now,
		},
		extra: make([]byte, fs.sb.InodeSizeBytes()-disklayout.GoodOldInodeSize),
	}
	if err := root.writeRaw(ctx); err != nil {
		return err
	}

	fs.arenaMu.Lock()
	fs.inodes[root.index] = root
	fs.arenaMu.Unlock()

	fs.allocMu.Lock()
	fs.groups[0].UsedDirsCount++
	err := fs.writeMetadataLocked(ctx)
	fs.allocMu.Unlock()
	if err != nil {
		return err
	}

	if err := root.initDirectory(ctx, root.index); err != nil {
		return err
	}
	return root.IncrementLinkCount(ctx)
}
