package blockdev

import (
	"context"
	"sync"
)

// Memory is a RAM-backed device, used for tests and throwaway filesystems.
type Memory struct {
	mu        sync.RWMutex
	blockSize int
	data      []byte
	closed    bool
}

func NewMemory(blockSize int, blockCount uint64) *Memory {
	return &Memory{
		blockSize: blockSize,
		data:      make([]byte, uint64(blockSize)*blockCount),
	}
}

func (m *Memory) BlockSize() int { return m.blockSize }

func (m *Memory) BlockCount() uint64 { return uint64(len(m.data) / m.blockSize) }

func (m *Memory) ReadBlock(_ context.Context, idx BlockIndex, buf []byte, offset int, _ bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	if err := checkRange(m.blockSize, m.BlockCount(), idx, len(buf), offset); err != nil {
		return err
	}

	start := int(idx)*m.blockSize + offset
	copy(buf, m.data[start:start+len(buf)])
	return nil
}

func (m *Memory) WriteBlock(_ context.Context, idx BlockIndex, buf []byte, offset int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if err := checkRange(m.blockSize, m.BlockCount(), idx, len(buf), offset); err != nil {
		return err
	}

	start := int(idx)*m.blockSize + offset
	copy(m.data[start:], buf)
	return nil
}

func (m *Memory) Sync(context.Context) error { return nil }

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ReadAt exposes the raw image, which lets callers probe a superblock
// before the block size is known.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off >= int64(len(m.data)) {
		return 0, ErrOutOfBounds
	}
	return copy(p, m.data[off:]), nil
}
