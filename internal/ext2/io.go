package ext2

import (
	"context"
	"fmt"

	"github.com/S1riyS/ext2-server/internal/blockdev"
	"github.com/S1riyS/ext2-server/internal/ext2/blockmap"
	"github.com/S1riyS/ext2-server/pkg/logging"
	"github.com/S1riyS/ext2-server/pkg/logging/slogext"
)

// ReadBytes reads up to len(buf) bytes at offset. Holes read as zeros.
// Reading at or past the end returns 0.
func (in *Inode) ReadBytes(ctx context.Context, offset uint64, buf []byte) (int, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()

	if in.released {
		return 0, ErrInodeReleased
	}
	return in.readBytesLocked(ctx, offset, buf)
}

func (in *Inode) readBytesLocked(ctx context.Context, offset uint64, buf []byte) (int, error) {
	size := in.raw.Size()
	if offset >= size || len(buf) == 0 {
		return 0, nil
	}
	n := min(uint64(len(buf)), size-offset)

	if in.raw.IsInlineSymlink() {
		data := in.raw.InlineData()
		return copy(buf[:n], data[offset:size]), nil
	}

	list, err := in.ensureBlockList(ctx)
	if err != nil {
		return 0, err
	}

	bs := uint64(in.fs.blockSize)
	for done := uint64(0); done < n; {
		pos := offset + done
		bi := pos / bs
		off := pos % bs
		chunk := min(bs-off, n-done)
		dst := buf[done : done+chunk]

		var p blockmap.Ptr
		if bi < uint64(len(list)) {
			p = list[bi]
		}
		if idx, ok := p.Index(); ok {
			if err := in.fs.dev.ReadBlock(ctx, idx, dst, int(off), true); err != nil {
				return int(done), fmt.Errorf("inode %d: %w", in.index, err)
			}
		} else {
			clear(dst)
		}
		done += chunk
	}
	return int(n), nil
}

// WriteBytes writes data at offset, growing the inode when the write ends
// past its size.
func (in *Inode) WriteBytes(ctx context.Context, offset uint64, data []byte) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.released {
		return 0, ErrInodeReleased
	}
	if len(data) == 0 {
		return 0, nil
	}

	end := offset + uint64(len(data))
	if end < offset {
		return 0, ErrOutOfRange
	}
	if end > in.raw.Size() {
		if err := in.resizeLocked(ctx, end); err != nil {
			return 0, err
		}
	}

	n, err := in.writeBytesLocked(ctx, offset, data)
	if err != nil {
		return n, err
	}

	now := in.fs.nowUnix()
	in.raw.MTime = now
	in.raw.CTime = now
	in.setDirty()
	return n, in.flushMetadata(ctx)
}

// writeBytesLocked writes inside the current size. A hole in the range is
// filled with a freshly allocated block first.
func (in *Inode) writeBytesLocked(ctx context.Context, offset uint64, data []byte) (int, error) {
	if offset+uint64(len(data)) > in.raw.Size() {
		return 0, fmt.Errorf("inode %d: %w: write past end", in.index, ErrInvalid)
	}
	if in.raw.IsInlineSymlink() {
		return 0, fmt.Errorf("inode %d: %w: inline symlink", in.index, ErrInvalid)
	}

	list, err := in.ensureBlockList(ctx)
	if err != nil {
		return 0, err
	}

	bs := uint64(in.fs.blockSize)
	n := uint64(len(data))
	for done := uint64(0); done < n; {
		pos := offset + done
		bi := pos / bs
		off := pos % bs
		chunk := min(bs-off, n-done)
		src := data[done : done+chunk]

		var p blockmap.Ptr
		if bi < uint64(len(list)) {
			p = list[bi]
		}

		idx, ok := p.Index()
		if !ok {
			idx, err = in.fillHoleLocked(ctx, bi)
			if err != nil {
				return int(done), err
			}
			list, err = in.ensureBlockList(ctx)
			if err != nil {
				return int(done), err
			}
		}

		if err := in.fs.dev.WriteBlock(ctx, idx, src, int(off)); err != nil {
			return int(done), fmt.Errorf("inode %d: %w", in.index, err)
		}
		done += chunk
	}
	return int(n), nil
}

// fillHoleLocked backs logical block bi with a new zeroed block and links
// it into the pointer tree, creating missing indirect nodes on the way.
func (in *Inode) fillHoleLocked(ctx context.Context, bi uint64) (blockdev.BlockIndex, error) {
	const op = "ext2.Inode.fillHole"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	fs := in.fs
	hint := fs.GroupOfInode(in.index)

	blocks, err := fs.AllocateBlocks(ctx, hint, 1)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	idx := blocks[0]

	if err := fs.dev.WriteBlock(ctx, idx, make([]byte, fs.blockSize), 0); err != nil {
		if ferr := fs.SetBlockAllocationState(ctx, idx, false); ferr != nil {
			logger.Error("Failed to release unused block", slogext.Block(uint32(idx)), slogext.Err(ferr))
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	var metaBlocks []blockdev.BlockIndex
	alloc := func(ctx context.Context) (blockdev.BlockIndex, error) {
		b, err := fs.AllocateBlocks(ctx, hint, 1)
		if err != nil {
			return 0, err
		}
		metaBlocks = append(metaBlocks, b[0])
		return b[0], nil
	}

	pointers := in.raw.Block
	if _, err := fs.flusher.Map(ctx, &pointers, bi, idx, alloc); err != nil {
		logger.Error("Failed to map hole", slogext.Inode(in.index), slogext.Err(err))
		if ferr := fs.FreeBlocks(ctx, append(metaBlocks, idx)); ferr != nil {
			logger.Error("Failed to roll back hole allocation", slogext.Inode(in.index), slogext.Err(ferr))
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	in.raw.Block = pointers
	in.raw.Blocks += uint32(uint64(1+len(metaBlocks)) * fs.sectorsPerBlock())
	in.setDirty()
	in.invalidateBlockList()

	return idx, nil
}

func (in *Inode) invalidateBlockList() {
	in.blockListMu.Lock()
	in.blockList = nil
	in.listValid = false
	in.blockListMu.Unlock()
}
