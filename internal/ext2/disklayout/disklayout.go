// Package disklayout holds the ext2 on-disk structures exactly as they are
// laid out on the device. All multi-byte fields are little endian.
//
// Structs are decoded and encoded with encoding/binary, so every field is
// exported and sized explicitly. The suffix Lo/High marks the halves of a
// split 64-bit field.
package disklayout

const (
	SuperBlockOffset    = 1024
	SuperBlockSize      = 1024
	GroupDescriptorSize = 32
	GoodOldInodeSize    = 128
	GoodOldFirstInode   = 11

	Magic = 0xEF53

	RevGoodOld = 0
	RevDynamic = 1

	// StateValid is written to SuperBlock.State for a cleanly unmounted fs.
	StateValid = 1
	// ErrorsContinue is the default SuperBlock.Errors behaviour.
	ErrorsContinue = 1
)

const (
	BadInode       = 1
	RootInode      = 2
	LostFoundName  = "lost+found"
	MaxNameLength  = 255
	MaxLinkCount   = 32000
	SectorSize     = 512
	PointerSize    = 4
	MinBlockSize   = 1024
	MaxBlockSize   = 4096
	InlineDataSize = NBlocks * PointerSize
)

// Block pointer slots inside Inode.Block.
const (
	NDirBlocks = 12
	IndBlock   = NDirBlocks
	DIndBlock  = IndBlock + 1
	TIndBlock  = DIndBlock + 1
	NBlocks    = TIndBlock + 1
)

// Feature bits.
const (
	FeatureIncompatFileType = 0x0002

	FeatureROCompatSparseSuper = 0x0001
	FeatureROCompatLargeFile   = 0x0002

	supportedIncompat = FeatureIncompatFileType
)

// File mode bits.
const (
	ModeTypeMask = 0o170000
	ModeSocket   = 0o140000
	ModeSymlink  = 0o120000
	ModeRegular  = 0o100000
	ModeBlockDev = 0o060000
	ModeDir      = 0o040000
	ModeCharDev  = 0o020000
	ModeFIFO     = 0o010000
	ModePermMask = 0o7777
)

// Directory entry file type tags.
const (
	FileTypeUnknown  uint8 = 0
	FileTypeRegular  uint8 = 1
	FileTypeDir      uint8 = 2
	FileTypeCharDev  uint8 = 3
	FileTypeBlockDev uint8 = 4
	FileTypeFIFO     uint8 = 5
	FileTypeSocket   uint8 = 6
	FileTypeSymlink  uint8 = 7
)

// FileTypeFromMode maps inode mode bits to the directory entry type tag.
func FileTypeFromMode(mode uint16) uint8 {
	switch mode & ModeTypeMask {
	case ModeRegular:
		return FileTypeRegular
	case ModeDir:
		return FileTypeDir
	case ModeCharDev:
		return FileTypeCharDev
	case ModeBlockDev:
		return FileTypeBlockDev
	case ModeFIFO:
		return FileTypeFIFO
	case ModeSocket:
		return FileTypeSocket
	case ModeSymlink:
		return FileTypeSymlink
	default:
		return FileTypeUnknown
	}
}

// IsSparseGroup reports whether a group carries a superblock backup under
// the sparse_super feature: groups 0, 1 and powers of 3, 5 and 7.
func IsSparseGroup(group uint32) bool {
	if group <= 1 {
		return true
	}
	for _, base := range []uint32{3, 5, 7} {
		for n := base; n <= group; n *= base {
			if n == group {
				return true
			}
		}
	}
	return false
}
