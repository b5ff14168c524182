package blockdev

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

const cacheLockStripes = 64

// Cached keeps recently used blocks of an underlying device in memory.
// Writes go through to the underlying device first. Cached slices are never
// mutated in place; a partial write replaces the entry with a patched copy.
//
// Filling an entry after a miss and updating it after a write happen under
// the block's stripe lock, so neither can install an outdated copy.
type Cached struct {
	Device
	blocks *lru.Cache
	locks  [cacheLockStripes]sync.Mutex
}

func (c *Cached) lock(idx BlockIndex) *sync.Mutex {
	return &c.locks[idx%cacheLockStripes]
}

func NewCached(dev Device, capacity int) (*Cached, error) {
	blocks, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create block cache: %w", err)
	}
	return &Cached{Device: dev, blocks: blocks}, nil
}

func (c *Cached) ReadBlock(ctx context.Context, idx BlockIndex, buf []byte, offset int, allowCache bool) error {
	if !allowCache {
		return c.Device.ReadBlock(ctx, idx, buf, offset, false)
	}
	if err := checkRange(c.BlockSize(), c.BlockCount(), idx, len(buf), offset); err != nil {
		return err
	}

	if v, ok := c.blocks.Get(idx); ok {
		copy(buf, v.([]byte)[offset:])
		return nil
	}

	mu := c.lock(idx)
	mu.Lock()
	defer mu.Unlock()

	// Filled by a concurrent miss or write meanwhile.
	if v, ok := c.blocks.Peek(idx); ok {
		copy(buf, v.([]byte)[offset:])
		return nil
	}

	block := make([]byte, c.BlockSize())
	if err := c.Device.ReadBlock(ctx, idx, block, 0, false); err != nil {
		return err
	}
	c.blocks.Add(idx, block)

	copy(buf, block[offset:])
	return nil
}

func (c *Cached) WriteBlock(ctx context.Context, idx BlockIndex, buf []byte, offset int) error {
	mu := c.lock(idx)
	mu.Lock()
	defer mu.Unlock()

	if err := c.Device.WriteBlock(ctx, idx, buf, offset); err != nil {
		c.blocks.Remove(idx)
		return err
	}

	if offset == 0 && len(buf) == c.BlockSize() {
		block := make([]byte, len(buf))
		copy(block, buf)
		c.blocks.Add(idx, block)
		return nil
	}
	if v, ok := c.blocks.Peek(idx); ok {
		block := make([]byte, c.BlockSize())
		copy(block, v.([]byte))
		copy(block[offset:], buf)
		c.blocks.Add(idx, block)
	}
	return nil
}

// Invalidate drops every cached block.
func (c *Cached) Invalidate() {
	c.blocks.Purge()
}

func (c *Cached) Len() int {
	return c.blocks.Len()
}
