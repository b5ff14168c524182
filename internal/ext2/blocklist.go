package ext2

import (
	"context"
	"fmt"

	"github.com/S1riyS/ext2-server/internal/ext2/blockmap"
)

// blockCountLocked is the number of data blocks the inode's size spans.
func (in *Inode) blockCountLocked() uint64 {
	return in.fs.translator.BlockCount(in.raw.Size(), in.raw.IsInlineSymlink())
}

// ensureBlockList returns the cached data block list, translating it from
// the pointer tree on first use. Callers hold mu and must not modify the
// returned slice.
func (in *Inode) ensureBlockList(ctx context.Context) ([]blockmap.Ptr, error) {
	in.blockListMu.Lock()
	defer in.blockListMu.Unlock()

	if in.listValid {
		return in.blockList, nil
	}

	list, err := in.computeBlockListLocked(ctx, false)
	if err != nil {
		return nil, err
	}
	in.blockList = list
	in.listValid = true
	return list, nil
}

// computeBlockListLocked translates the pointer tree without touching the
// cache.
func (in *Inode) computeBlockListLocked(ctx context.Context, includeMeta bool) ([]blockmap.Ptr, error) {
	list, err := in.fs.translator.Translate(ctx, &in.raw.Block, in.blockCountLocked(), includeMeta)
	if err != nil {
		return nil, fmt.Errorf("inode %d: %w: %w", in.index, ErrCorrupt, err)
	}
	return list, nil
}

// storeBlockList replaces the cached list. Callers hold mu exclusively.
func (in *Inode) storeBlockList(list []blockmap.Ptr) {
	in.blockListMu.Lock()
	in.blockList = list
	in.listValid = true
	in.blockListMu.Unlock()
}

// BlockList returns a copy of the inode's data blocks in file order.
func (in *Inode) BlockList(ctx context.Context, includeMeta bool) ([]blockmap.Ptr, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()

	if includeMeta {
		return in.computeBlockListLocked(ctx, true)
	}

	list, err := in.ensureBlockList(ctx)
	if err != nil {
		return nil, err
	}
	return append([]blockmap.Ptr(nil), list...), nil
}

// sectorsPerBlock converts blocks to the 512-byte units of i_blocks.
func (fs *FileSystem) sectorsPerBlock() uint64 {
	return uint64(fs.blockSize / 512)
}
