package blockdev

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

// File is a device backed by an image file or a raw block device node.
type File struct {
	mu         sync.RWMutex
	f          *os.File
	blockSize  int
	blockCount uint64
	readOnly   bool
}

// CreateFile creates (or truncates) an image of blockCount blocks.
func CreateFile(path string, blockSize int, blockCount uint64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create image %s: %w", path, err)
	}
	if err := f.Truncate(int64(blockSize) * int64(blockCount)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to size image %s: %w", path, err)
	}
	return &File{f: f, blockSize: blockSize, blockCount: blockCount}, nil
}

// OpenFile opens an existing image. The block count follows from its size.
func OpenFile(path string, blockSize int, readOnly bool) (*File, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat image %s: %w", path, err)
	}

	return &File{
		f:          f,
		blockSize:  blockSize,
		blockCount: uint64(size) / uint64(blockSize),
		readOnly:   readOnly,
	}, nil
}

func (d *File) BlockSize() int { return d.blockSize }

func (d *File) BlockCount() uint64 { return d.blockCount }

func (d *File) ReadBlock(_ context.Context, idx BlockIndex, buf []byte, offset int, _ bool) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.f == nil {
		return ErrClosed
	}
	if err := checkRange(d.blockSize, d.blockCount, idx, len(buf), offset); err != nil {
		return err
	}

	pos := int64(idx)*int64(d.blockSize) + int64(offset)
	if _, err := d.f.ReadAt(buf, pos); err != nil {
		return fmt.Errorf("read block %d: %w", idx, err)
	}
	return nil
}

func (d *File) WriteBlock(_ context.Context, idx BlockIndex, buf []byte, offset int) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.f == nil {
		return ErrClosed
	}
	if d.readOnly {
		return fmt.Errorf("write block %d: %w", idx, os.ErrPermission)
	}
	if err := checkRange(d.blockSize, d.blockCount, idx, len(buf), offset); err != nil {
		return err
	}

	pos := int64(idx)*int64(d.blockSize) + int64(offset)
	if _, err := d.f.WriteAt(buf, pos); err != nil {
		return fmt.Errorf("write block %d: %w", idx, err)
	}
	return nil
}

func (d *File) ReadAt(p []byte, off int64) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.f == nil {
		return 0, ErrClosed
	}
	return d.f.ReadAt(p, off)
}

func (d *File) Sync(context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.f == nil || d.readOnly {
		return nil
	}
	return d.f.Sync()
}

func (d *File) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}
