package ext2

import (
	"cmp"
	"context"
	"fmt"
	"runtime"
	"slices"
	"sync"

	"github.com/S1riyS/ext2-server/internal/ext2/dirent"
	"github.com/S1riyS/ext2-server/internal/ext2/disklayout"
	"github.com/S1riyS/ext2-server/pkg/logging"
	"golang.org/x/sync/errgroup"
)

// metaOwner marks blocks owned by the filesystem itself.
const metaOwner = ^uint32(0)

// Problem is one inconsistency found by Check. Inode and Block are zero
// when they do not apply.
type Problem struct {
	Inode   uint32
	Block   uint32
	Message string
}

func (p Problem) String() string {
	switch {
	case p.Inode != 0 && p.Block != 0:
		return fmt.Sprintf("inode %d, block %d: %s", p.Inode, p.Block, p.Message)
	case p.Inode != 0:
		return fmt.Sprintf("inode %d: %s", p.Inode, p.Message)
	case p.Block != 0:
		return fmt.Sprintf("block %d: %s", p.Block, p.Message)
	}
	return p.Message
}

type checker struct {
	fs     *FileSystem
	sb     disklayout.SuperBlock
	groups []disklayout.GroupDescriptor

	mu       sync.Mutex
	owner    []uint32
	refs     map[uint32]uint32
	links    map[uint32]uint16
	problems []Problem
}

// Check syncs the filesystem and cross-checks block ownership, bitmaps,
// free counters, i_blocks, stale pointers, directory encoding and link
// counts. It expects no concurrent mutations.
func (fs *FileSystem) Check(ctx context.Context) ([]Problem, error) {
	const op = "ext2.FileSystem.Check"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	if err := fs.Sync(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	fs.allocMu.Lock()
	c := &checker{
		fs:     fs,
		sb:     fs.sb,
		groups: slices.Clone(fs.groups),
		owner:  make([]uint32, fs.sb.BlocksCount),
		refs:   make(map[uint32]uint32),
		links:  make(map[uint32]uint16),
	}
	fs.allocMu.Unlock()

	c.claimMetadata()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for group := range uint32(len(c.groups)) {
		g.Go(func() error {
			return c.checkGroupInodes(gctx, group)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	c.checkLinkCounts()
	if err := c.checkBitmaps(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	slices.SortFunc(c.problems, func(a, b Problem) int {
		return cmp.Or(cmp.Compare(a.Inode, b.Inode), cmp.Compare(a.Block, b.Block), cmp.Compare(a.Message, b.Message))
	})

	logger.Info("Checked filesystem", "problems", len(c.problems))
	return c.problems, nil
}

func (c *checker) report(ino, block uint32, format string, args ...any) {
	c.mu.Lock()
	c.problems = append(c.problems, Problem{Inode: ino, Block: block, Message: fmt.Sprintf(format, args...)})
	c.mu.Unlock()
}

func (c *checker) claim(block, ino uint32) {
	if block < c.sb.FirstDataBlock || block >= c.sb.BlocksCount {
		c.report(ino, block, "block outside filesystem")
		return
	}

	c.mu.Lock()
	prev := c.owner[block]
	if prev == 0 {
		c.owner[block] = ino
	}
	c.mu.Unlock()

	if prev != 0 {
		c.report(ino, block, "block already owned by %d", prev)
	}
}

func (c *checker) claimMetadata() {
	gdtBlocks := uint32(c.fs.groupDescriptorBlocks(uint32(len(c.groups))))
	itb := uint32(uint64(c.sb.InodesPerGroup) * uint64(c.sb.InodeSizeBytes()) / uint64(c.fs.blockSize))

	for g, gd := range c.groups {
		if c.sb.GroupHasSuper(uint32(g)) {
			start := c.sb.FirstDataBlock + uint32(g)*c.sb.BlocksPerGroup
			for b := start; b < start+1+gdtBlocks; b++ {
				c.claim(b, metaOwner)
			}
		}
		c.claim(gd.BlockBitmap, metaOwner)
		c.claim(gd.InodeBitmap, metaOwner)
		for b := gd.InodeTable; b < gd.InodeTable+itb; b++ {
			c.claim(b, metaOwner)
		}
	}
}

func (c *checker) checkGroupInodes(ctx context.Context, group uint32) error {
	fs := c.fs
	bm, err := fs.readBitmap(ctx, c.groups[group].InodeBitmap)
	if err != nil {
		return err
	}

	first := c.sb.FirstInode()
	for slot := range c.sb.InodesPerGroup {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !bitSet(bm, slot) {
			continue
		}
		ino := group*c.sb.InodesPerGroup + slot + 1
		if ino < first && ino != disklayout.RootInode {
			continue
		}
		if err := c.checkInode(ctx, ino); err != nil {
			return err
		}
	}
	return nil
}

func (c *checker) checkInode(ctx context.Context, ino uint32) error {
	fs := c.fs
	in := &Inode{fs: fs, index: ino}
	if err := in.readRaw(ctx); err != nil {
		return err
	}
	raw := &in.raw

	c.mu.Lock()
	c.links[ino] = raw.LinksCount
	c.mu.Unlock()

	if raw.LinksCount == 0 {
		c.report(ino, 0, "allocated inode has no links")
	}
	if raw.IsInlineSymlink() {
		return nil
	}

	count := fs.translator.BlockCount(raw.Size(), false)
	list, err := fs.translator.Translate(ctx, &raw.Block, count, true)
	if err != nil {
		c.report(ino, 0, "unreadable block map: %v", err)
		return nil
	}

	var present uint64
	for _, p := range list {
		if idx, ok := p.Index(); ok {
			present++
			c.claim(uint32(idx), ino)
		}
	}
	if want := present * fs.sectorsPerBlock(); uint64(raw.Blocks) != want {
		c.report(ino, 0, "i_blocks is %d, blocks in use account for %d", raw.Blocks, want)
	}

	findings, err := fs.translator.Audit(ctx, &raw.Block, count)
	if err != nil {
		return err
	}
	for _, f := range findings {
		c.report(ino, 0, "%s", f)
	}

	if raw.IsDir() {
		c.checkDirectory(ctx, in)
	}
	return nil
}

func (c *checker) checkDirectory(ctx context.Context, in *Inode) {
	size := in.raw.Size()
	if size%uint64(c.fs.blockSize) != 0 {
		c.report(in.index, 0, "directory size %d is not a whole number of blocks", size)
		return
	}

	data := make([]byte, size)
	if _, err := in.readBytesLocked(ctx, 0, data); err != nil {
		c.report(in.index, 0, "unreadable directory: %v", err)
		return
	}

	seenDot := false
	err := dirent.Walk(data, c.fs.blockSize, func(e dirent.Entry) bool {
		if e.Name == dotName {
			seenDot = true
			if e.Inode != in.index {
				c.report(in.index, 0, "\".\" points at %d", e.Inode)
			}
		}
		c.mu.Lock()
		c.refs[e.Inode]++
		c.mu.Unlock()
		return true
	})
	if err != nil {
		c.report(in.index, 0, "%v", err)
	}
	if !seenDot {
		c.report(in.index, 0, "directory has no \".\" entry")
	}
}

func (c *checker) checkLinkCounts() {
	for ino, links := range c.links {
		if refs := c.refs[ino]; refs != uint32(links) {
			c.report(ino, 0, "link count %d, referenced by %d entries", links, refs)
		}
	}
	for ino := range c.refs {
		if _, ok := c.links[ino]; !ok {
			c.report(ino, 0, "directory entry references an unallocated inode")
		}
	}
}

func (c *checker) checkBitmaps(ctx context.Context) error {
	var freeBlocks, freeInodes uint32

	for g, gd := range c.groups {
		group := uint32(g)
		bm, err := c.fs.readBitmap(ctx, gd.BlockBitmap)
		if err != nil {
			return err
		}

		base := c.sb.FirstDataBlock + group*c.sb.BlocksPerGroup
		var free uint32
		for bit := range c.sb.BlocksInGroup(group) {
			block := base + bit
			used := bitSet(bm, bit)
			owned := c.owner[block] != 0
			switch {
			case used && !owned:
				c.report(0, block, "marked in use but owned by nothing")
			case !used && owned:
				c.report(c.owner[block], block, "in use but marked free")
			}
			if !used {
				free++
			}
		}
		if free != uint32(gd.FreeBlocksCount) {
			c.report(0, 0, "group %d free block count %d, bitmap has %d", g, gd.FreeBlocksCount, free)
		}
		freeBlocks += free

		ibm, err := c.fs.readBitmap(ctx, gd.InodeBitmap)
		if err != nil {
			return err
		}
		var ifree uint32
		for bit := range c.sb.InodesPerGroup {
			if !bitSet(ibm, bit) {
				ifree++
			}
		}
		if ifree != uint32(gd.FreeInodesCount) {
			c.report(0, 0, "group %d free inode count %d, bitmap has %d", g, gd.FreeInodesCount, ifree)
		}
		freeInodes += ifree
	}

	if freeBlocks != c.sb.FreeBlocksCount {
		c.report(0, 0, "superblock free block count %d, bitmaps have %d", c.sb.FreeBlocksCount, freeBlocks)
	}
	if freeInodes != c.sb.FreeInodesCount {
		c.report(0, 0, "superblock free inode count %d, bitmaps have %d", c.sb.FreeInodesCount, freeInodes)
	}
	return nil
}
