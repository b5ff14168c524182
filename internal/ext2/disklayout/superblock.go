package disklayout

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// SuperBlock is the 1024-byte ext2 superblock found at byte 1024 of the
// device. Fields past the ones this engine uses are carried in Reserved so
// that rewriting the superblock never loses them.
type SuperBlock struct {
	InodesCount       uint32
	BlocksCount       uint32
	RBlocksCount      uint32
	FreeBlocksCount   uint32
	FreeInodesCount   uint32
	FirstDataBlock    uint32
	LogBlockSize      uint32
	LogFragSize       uint32
	BlocksPerGroup    uint32
	FragsPerGroup     uint32
	InodesPerGroup    uint32
	MTime             uint32
	WTime             uint32
	MntCount          uint16
	MaxMntCount       int16
	Magic             uint16
	State             uint16
	Errors            uint16
	MinorRevLevel     uint16
	LastCheck         uint32
	CheckInterval     uint32
	CreatorOS         uint32
	RevLevel          uint32
	DefResUID         uint16
	DefResGID         uint16
	FirstIno          uint32
	InodeSize         uint16
	BlockGroupNr      uint16
	FeatureCompat     uint32
	FeatureIncompat   uint32
	FeatureROCompat   uint32
	UUID              [16]byte
	VolumeName        [16]byte
	LastMounted       [64]byte
	AlgoBitmap        uint32
	PreallocBlocks    uint8
	PreallocDirBlocks uint8
	Padding           uint16
	Reserved          [816]byte
}

// BlockSize returns the filesystem block size in bytes.
func (sb *SuperBlock) BlockSize() int {
	return MinBlockSize << sb.LogBlockSize
}

// EntriesPerBlock is the number of block pointers an indirect block holds.
func (sb *SuperBlock) EntriesPerBlock() uint64 {
	return uint64(sb.BlockSize() / PointerSize)
}

// FeaturesReadOnly returns the read-only compatible feature bits.
func (sb *SuperBlock) FeaturesReadOnly() uint32 {
	return sb.FeatureROCompat
}

func (sb *SuperBlock) HasLargeFile() bool {
	return sb.FeatureROCompat&FeatureROCompatLargeFile != 0
}

func (sb *SuperBlock) HasSparseSuper() bool {
	return sb.FeatureROCompat&FeatureROCompatSparseSuper != 0
}

func (sb *SuperBlock) HasFileType() bool {
	return sb.FeatureIncompat&FeatureIncompatFileType != 0
}

// InodeSizeBytes returns the on-disk inode record size.
func (sb *SuperBlock) InodeSizeBytes() int {
	if sb.RevLevel == RevGoodOld {
		return GoodOldInodeSize
	}
	return int(sb.InodeSize)
}

// FirstInode returns the first inode number available to files.
func (sb *SuperBlock) FirstInode() uint32 {
	if sb.RevLevel == RevGoodOld {
		return GoodOldFirstInode
	}
	return sb.FirstIno
}

// GroupCount returns the number of block groups.
func (sb *SuperBlock) GroupCount() uint32 {
	data := sb.BlocksCount - sb.FirstDataBlock
	return (data + sb.BlocksPerGroup - 1) / sb.BlocksPerGroup
}

// BlocksInGroup returns how many blocks group g spans; the last group may
// be shorter than BlocksPerGroup.
func (sb *SuperBlock) BlocksInGroup(g uint32) uint32 {
	start := sb.FirstDataBlock + g*sb.BlocksPerGroup
	if rest := sb.BlocksCount - start; rest < sb.BlocksPerGroup {
		return rest
	}
	return sb.BlocksPerGroup
}

// GroupHasSuper reports whether group g stores a superblock copy.
func (sb *SuperBlock) GroupHasSuper(g uint32) bool {
	if !sb.HasSparseSuper() {
		return true
	}
	return IsSparseGroup(g)
}

// Validate checks the fields the engine depends on.
func (sb *SuperBlock) Validate() error {
	if sb.Magic != Magic {
		return fmt.Errorf("bad magic 0x%04x", sb.Magic)
	}
	if bs := sb.BlockSize(); bs < MinBlockSize || bs > MaxBlockSize {
		return fmt.Errorf("unsupported block size %d", bs)
	}
	if sb.BlocksPerGroup == 0 || sb.InodesPerGroup == 0 {
		return fmt.Errorf("zero blocks or inodes per group")
	}
	if unknown := sb.FeatureIncompat &^ supportedIncompat; unknown != 0 {
		return fmt.Errorf("unsupported incompatible features 0x%x", unknown)
	}
	if isz := sb.InodeSizeBytes(); isz < GoodOldInodeSize || isz > sb.BlockSize() || isz&(isz-1) != 0 {
		return fmt.Errorf("bad inode size %d", isz)
	}
	return nil
}

func (sb *SuperBlock) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(SuperBlockSize)
	if err := binary.Write(buf, binary.LittleEndian, sb); err != nil {
		return nil, fmt.Errorf("failed to encode superblock: %w", err)
	}
	return buf.Bytes(), nil
}

func (sb *SuperBlock) UnmarshalBinary(data []byte) error {
	if len(data) < SuperBlockSize {
		return fmt.Errorf("short superblock: %d bytes", len(data))
	}
	if err := binary.Read(bytes.NewReader(data[:SuperBlockSize]), binary.LittleEndian, sb); err != nil {
		return fmt.Errorf("failed to decode superblock: %w", err)
	}
	return nil
}
