// Package blockdev provides the block devices an ext2 filesystem is
// mounted on. Every device addresses fixed-size logical blocks; partial
// reads and writes inside one block are allowed.
package blockdev

import (
	"context"
	"errors"
	"fmt"
)

// BlockIndex is a physical block number on a device.
type BlockIndex uint32

var (
	ErrOutOfBounds = errors.New("block access out of bounds")
	ErrClosed      = errors.New("device closed")
)

type Reader interface {
	// ReadBlock fills buf with len(buf) bytes of block idx starting at offset.
	// allowCache=false asks cached devices to bypass their cache.
	ReadBlock(ctx context.Context, idx BlockIndex, buf []byte, offset int, allowCache bool) error
}

type Writer interface {
	// WriteBlock stores buf into block idx starting at offset.
	WriteBlock(ctx context.Context, idx BlockIndex, buf []byte, offset int) error
}

type ReadWriter interface {
	Reader
	Writer
}

type Device interface {
	ReadWriter
	BlockSize() int
	BlockCount() uint64
	Sync(ctx context.Context) error
	Close() error
}

func checkRange(blockSize int, blockCount uint64, idx BlockIndex, n, offset int) error {
	if uint64(idx) >= blockCount {
		return fmt.Errorf("%w: block %d of %d", ErrOutOfBounds, idx, blockCount)
	}
	if offset < 0 || n < 0 || offset+n > blockSize {
		return fmt.Errorf("%w: range [%d, %d) in block of %d bytes", ErrOutOfBounds, offset, offset+n, blockSize)
	}
	return nil
}
