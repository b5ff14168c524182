// Package dirent encodes and decodes ext2 directory blocks.
//
// A record is an 8-byte header (inode u32, record length u16, name length
// u8, file type u8) followed by the name, padded so every record starts on
// a 4-byte boundary. Records never straddle a block: the last record in a
// block is stretched to the block end.
package dirent

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderSize = 8
	MaxNameLen = 255
)

var (
	ErrCorrupt     = errors.New("corrupt directory block")
	ErrNameTooLong = errors.New("directory entry name too long")
	ErrEmptyName   = errors.New("directory entry name is empty")
)

// Entry is a live directory entry.
type Entry struct {
	Name     string
	Inode    uint32
	FileType uint8
}

// Record is an entry as stored, including slots freed by setting the inode
// to zero.
type Record struct {
	Entry
	Offset       int
	RecordLength int
}

// RecordLength is the minimal record size for a name of nameLen bytes.
func RecordLength(nameLen int) int {
	return (HeaderSize + nameLen + 3) &^ 3
}

// Encode packs entries into whole blocks, in order. An empty slice yields
// no blocks.
func Encode(entries []Entry, blockSize int) ([]byte, error) {
	lengths := make([]int, len(entries))
	total := 0
	used := 0
	for i, e := range entries {
		if e.Name == "" {
			return nil, ErrEmptyName
		}
		if len(e.Name) > MaxNameLen {
			return nil, fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(e.Name))
		}

		rl := RecordLength(len(e.Name))
		used += rl
		rest := blockSize - used
		if i == len(entries)-1 || RecordLength(len(entries[i+1].Name)) > rest {
			rl += rest
			used = 0
		}
		lengths[i] = rl
		total += rl
	}

	out := make([]byte, total)
	off := 0
	for i, e := range entries {
		binary.LittleEndian.PutUint32(out[off:], e.Inode)
		binary.LittleEndian.PutUint16(out[off+4:], uint16(lengths[i]))
		out[off+6] = uint8(len(e.Name))
		out[off+7] = e.FileType
		copy(out[off+HeaderSize:], e.Name)
		off += lengths[i]
	}
	return out, nil
}

// Decode returns every record in data, which must be a whole number of
// blocks.
func Decode(data []byte, blockSize int) ([]Record, error) {
	if len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrCorrupt, len(data), blockSize)
	}

	var records []Record
	for start := 0; start < len(data); start += blockSize {
		block := data[start : start+blockSize]
		off := 0
		for off < blockSize {
			if off+HeaderSize > blockSize {
				return nil, fmt.Errorf("%w: truncated header at %d", ErrCorrupt, start+off)
			}

			ino := binary.LittleEndian.Uint32(block[off:])
			recLen := int(binary.LittleEndian.Uint16(block[off+4:]))
			nameLen := int(block[off+6])
			fileType := block[off+7]

			switch {
			case recLen < HeaderSize, recLen%4 != 0:
				return nil, fmt.Errorf("%w: bad record length %d at %d", ErrCorrupt, recLen, start+off)
			case off+recLen > blockSize:
				return nil, fmt.Errorf("%w: record at %d crosses block end", ErrCorrupt, start+off)
			case HeaderSize+nameLen > recLen:
				return nil, fmt.Errorf("%w: name overflows record at %d", ErrCorrupt, start+off)
			}

			records = append(records, Record{
				Entry: Entry{
					Name:     string(block[off+HeaderSize : off+HeaderSize+nameLen]),
					Inode:    ino,
					FileType: fileType,
				},
				Offset:       start + off,
				RecordLength: recLen,
			})
			off += recLen
		}
	}
	return records, nil
}

// Walk calls fn for every live entry until fn returns false.
func Walk(data []byte, blockSize int, fn func(Entry) bool) error {
	records, err := Decode(data, blockSize)
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.Inode == 0 {
			continue
		}
		if !fn(r.Entry) {
			return nil
		}
	}
	return nil
}
