package disklayout

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// GroupDescriptor describes one block group.
type GroupDescriptor struct {
	BlockBitmap     uint32
	InodeBitmap     uint32
	InodeTable      uint32
	FreeBlocksCount uint16
	FreeInodesCount uint16
	UsedDirsCount   uint16
	Pad             uint16
	Reserved        [12]byte
}

// MarshalGroupDescriptors encodes a descriptor table.
func MarshalGroupDescriptors(groups []GroupDescriptor) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(len(groups) * GroupDescriptorSize)
	if err := binary.Write(buf, binary.LittleEndian, groups); err != nil {
		return nil, fmt.Errorf("failed to encode group descriptors: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalGroupDescriptors decodes count descriptors from data.
func UnmarshalGroupDescriptors(data []byte, count uint32) ([]GroupDescriptor, error) {
	need := int(count) * GroupDescriptorSize
	if len(data) < need {
		return nil, fmt.Errorf("short group descriptor table: %d < %d", len(data), need)
	}
	groups := make([]GroupDescriptor, count)
	if err := binary.Read(bytes.NewReader(data[:need]), binary.LittleEndian, groups); err != nil {
		return nil, fmt.Errorf("failed to decode group descriptors: %w", err)
	}
	return groups, nil
}
