package disklayout

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Inode is the 128-byte revision 0 inode record. Larger inode sizes keep
// their extra bytes outside this struct.
type Inode struct {
	Mode       uint16
	UID        uint16
	SizeLo     uint32
	ATime      uint32
	CTime      uint32
	MTime      uint32
	DTime      uint32
	GID        uint16
	LinksCount uint16
	// Blocks counts 512-byte sectors, meta blocks included.
	Blocks     uint32
	Flags      uint32
	OSD1       uint32
	Block      [NBlocks]uint32
	Generation uint32
	FileACL    uint32
	// SizeHigh is i_size_high for regular files and i_dir_acl otherwise.
	SizeHigh uint32
	FAddr    uint32
	OSD2     [12]byte
}

func (in *Inode) IsDir() bool     { return in.Mode&ModeTypeMask == ModeDir }
func (in *Inode) IsRegular() bool { return in.Mode&ModeTypeMask == ModeRegular }
func (in *Inode) IsSymlink() bool { return in.Mode&ModeTypeMask == ModeSymlink }

// Size returns the byte size. The high half only counts for regular files.
func (in *Inode) Size() uint64 {
	if in.IsRegular() {
		return uint64(in.SizeHigh)<<32 | uint64(in.SizeLo)
	}
	return uint64(in.SizeLo)
}

// SetSize stores size, writing the high half for regular files only.
func (in *Inode) SetSize(size uint64) {
	in.SizeLo = uint32(size)
	if in.IsRegular() {
		in.SizeHigh = uint32(size >> 32)
	}
}

// IsInlineSymlink reports whether the link target lives in the pointer area.
func (in *Inode) IsInlineSymlink() bool {
	return in.IsSymlink() && in.Blocks == 0 && in.Size() < InlineDataSize
}

// InlineData returns the pointer area as raw bytes.
func (in *Inode) InlineData() [InlineDataSize]byte {
	var out [InlineDataSize]byte
	for i, p := range in.Block {
		binary.LittleEndian.PutUint32(out[i*PointerSize:], p)
	}
	return out
}

// SetInlineData overwrites the pointer area with data, zero padded.
func (in *Inode) SetInlineData(data []byte) {
	var raw [InlineDataSize]byte
	copy(raw[:], data)
	for i := range in.Block {
		in.Block[i] = binary.LittleEndian.Uint32(raw[i*PointerSize:])
	}
}

func (in *Inode) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(GoodOldInodeSize)
	if err := binary.Write(buf, binary.LittleEndian, in); err != nil {
		return nil, fmt.Errorf("failed to encode inode: %w", err)
	}
	return buf.Bytes(), nil
}

func (in *Inode) UnmarshalBinary(data []byte) error {
	if len(data) < GoodOldInodeSize {
		return fmt.Errorf("short inode: %d bytes", len(data))
	}
	if err := binary.Read(bytes.NewReader(data[:GoodOldInodeSize]), binary.LittleEndian, in); err != nil {
		return fmt.Errorf("failed to decode inode: %w", err)
	}
	return nil
}
