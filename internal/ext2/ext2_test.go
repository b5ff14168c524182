package ext2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/S1riyS/ext2-server/internal/blockdev"
	"github.com/S1riyS/ext2-server/internal/ext2/disklayout"
)

func newTestFS(t *testing.T, blockSize int, blocks uint64, largeFile bool) *FileSystem {
	t.Helper()

	dev := blockdev.NewMemory(blockSize, blocks)
	fs, err := Format(context.Background(), dev, FormatOptions{VolumeName: "test", LargeFile: largeFile})
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	return fs
}

func mustCheck(t *testing.T, fs *FileSystem) {
	t.Helper()

	problems, err := fs.Check(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	for _, p := range problems {
		t.Errorf("check: %s", p)
	}
	if len(problems) > 0 {
		t.FailNow()
	}
}

func mustRoot(t *testing.T, fs *FileSystem) *Inode {
	t.Helper()

	root, err := fs.Root(context.Background())
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	return root
}

func createFile(t *testing.T, fs *FileSystem, parent *Inode, name string) *Inode {
	t.Helper()

	in, err := fs.CreateInode(context.Background(), parent, name, disklayout.ModeRegular|0o644, Owner{})
	if err != nil {
		t.Fatalf("create %q: %v", name, err)
	}
	return in
}

func TestFormatAndMount(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 1024, 20000, true)

	root := mustRoot(t, fs)
	meta := root.Metadata()
	if !meta.IsDir() {
		t.Fatal("root is not a directory")
	}
	if meta.LinkCount != 3 {
		t.Fatalf("root has %d links, want 3", meta.LinkCount)
	}

	lf, err := root.Lookup(ctx, disklayout.LostFoundName)
	if err != nil {
		t.Fatalf("lookup lost+found: %v", err)
	}
	if lf != disklayout.GoodOldFirstInode {
		t.Fatalf("lost+found is inode %d", lf)
	}

	st := fs.StatFS()
	if st.GroupCount != 3 || st.VolumeName != "test" {
		t.Fatalf("unexpected stat %+v", st)
	}

	mustCheck(t, fs)

	again, err := Mount(ctx, fs.Device())
	if err != nil {
		t.Fatalf("remount: %v", err)
	}
	if got := again.StatFS(); got != st {
		t.Fatalf("remount stat %+v, want %+v", got, st)
	}
}

func TestFormatBlockSizes(t *testing.T) {
	for _, bs := range []int{1024, 2048, 4096} {
		t.Run(fmt.Sprint(bs), func(t *testing.T) {
			fs := newTestFS(t, bs, 4096, false)
			f := createFile(t, fs, mustRoot(t, fs), "data")
			if _, err := f.WriteBytes(context.Background(), 0, bytes.Repeat([]byte{7}, 40*bs)); err != nil {
				t.Fatalf("write: %v", err)
			}
			mustCheck(t, fs)
		})
	}
}

func TestMountRejectsGarbage(t *testing.T) {
	dev := blockdev.NewMemory(1024, 64)
	if _, err := Mount(context.Background(), dev); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("got %v, want ErrUnsupported", err)
	}
}

func TestProbeBlockSize(t *testing.T) {
	fs := newTestFS(t, 2048, 4096, false)
	bs, err := ProbeBlockSize(fs.Device().(*blockdev.Memory))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if bs != 2048 {
		t.Fatalf("probed %d", bs)
	}
}

func TestResizeAllocatesAndFrees(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 1024, 20000, true)
	f := createFile(t, fs, mustRoot(t, fs), "f")

	baseline := fs.FreeBlockCount()

	tests := []struct {
		blocks uint64
		meta   uint64
	}{
		{1, 0},
		{12, 0},
		{13, 1},
		{268, 1},
		{269, 3},
		{600, 4},
		{5, 0},
		{0, 0},
	}

	for _, tc := range tests {
		if err := f.Resize(ctx, tc.blocks*1024); err != nil {
			t.Fatalf("resize to %d blocks: %v", tc.blocks, err)
		}
		if used := baseline - fs.FreeBlockCount(); used != tc.blocks+tc.meta {
			t.Fatalf("%d blocks: %d in use, want %d", tc.blocks, used, tc.blocks+tc.meta)
		}
		if got := f.Metadata().Sectors; uint64(got) != (tc.blocks+tc.meta)*2 {
			t.Fatalf("%d blocks: i_blocks %d", tc.blocks, got)
		}
		mustCheck(t, fs)
	}
}

func TestResizeSameSizeIsNoop(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 1024, 8192, false)
	f := createFile(t, fs, mustRoot(t, fs), "f")

	if err := f.Resize(ctx, 5000); err != nil {
		t.Fatalf("resize: %v", err)
	}
	free := fs.FreeBlockCount()
	if err := f.Resize(ctx, 5000); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if fs.FreeBlockCount() != free {
		t.Fatal("resizing to the same size changed the free count")
	}

	if err := f.Resize(ctx, 4097); err != nil {
		t.Fatalf("resize within block count: %v", err)
	}
	if fs.FreeBlockCount() != free || f.Size() != 4097 {
		t.Fatal("shrinking inside the last block changed allocation")
	}
}

func TestResizeZeroFills(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 1024, 8192, false)
	f := createFile(t, fs, mustRoot(t, fs), "f")

	if _, err := f.WriteBytes(ctx, 0, bytes.Repeat([]byte("x"), 3000)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := f.Resize(ctx, 10); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if err := f.Resize(ctx, 5000); err != nil {
		t.Fatalf("grow: %v", err)
	}

	buf := make([]byte, 6000)
	n, err := f.ReadBytes(ctx, 0, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 5000 {
		t.Fatalf("read %d bytes, want 5000", n)
	}
	if !bytes.Equal(buf[:10], bytes.Repeat([]byte("x"), 10)) {
		t.Fatalf("kept prefix lost: %q", buf[:10])
	}
	if !bytes.Equal(buf[10:5000], make([]byte, 4990)) {
		t.Fatal("grown range is not zero")
	}
}

func TestResizeOutOfSpace(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 1024, 2048, false)
	f := createFile(t, fs, mustRoot(t, fs), "f")

	free := fs.FreeBlockCount()
	err := f.Resize(ctx, (free+1)*1024)
	if !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("got %v, want ErrOutOfSpace", err)
	}
	if fs.FreeBlockCount() != free {
		t.Fatal("failed resize leaked blocks")
	}
	if f.Size() != 0 {
		t.Fatalf("failed resize changed size to %d", f.Size())
	}

	// Data fits but the indirect block does not.
	err = f.Resize(ctx, free*1024)
	if !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("got %v, want ErrOutOfSpace", err)
	}
	mustCheck(t, fs)
}

func TestResizeOutOfRange(t *testing.T) {
	ctx := context.Background()

	small := newTestFS(t, 1024, 2048, false)
	f := createFile(t, small, mustRoot(t, small), "f")
	if err := f.Resize(ctx, 1<<32); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("without large_file: got %v, want ErrOutOfRange", err)
	}

	large := newTestFS(t, 1024, 2048, true)
	g := createFile(t, large, mustRoot(t, large), "g")
	if err := g.Resize(ctx, 1<<40); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("past tree capacity: got %v, want ErrOutOfRange", err)
	}
	if err := mustRoot(t, large).Resize(ctx, 1<<33); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("directory past 4GiB: got %v, want ErrOutOfRange", err)
	}
}

func TestWriteReadAcrossLevels(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 1024, 8192, false)
	f := createFile(t, fs, mustRoot(t, fs), "f")

	data := make([]byte, 300*1024+123)
	for i := range data {
		data[i] = byte(i * 31)
	}
	if n, err := f.WriteBytes(ctx, 0, data); err != nil || n != len(data) {
		t.Fatalf("write: n=%d err=%v", n, err)
	}

	patch := []byte("boundary")
	if _, err := f.WriteBytes(ctx, 12*1024-4, patch); err != nil {
		t.Fatalf("patch: %v", err)
	}
	copy(data[12*1024-4:], patch)

	got := make([]byte, len(data))
	if n, err := f.ReadBytes(ctx, 0, got); err != nil || n != len(data) {
		t.Fatalf("read: n=%d err=%v", n, err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("read back differs")
	}

	if n, _ := f.ReadBytes(ctx, uint64(len(data)), got); n != 0 {
		t.Fatalf("read past end returned %d bytes", n)
	}
	mustCheck(t, fs)
}

func TestWriteFillsHole(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 1024, 8192, false)
	f := createFile(t, fs, mustRoot(t, fs), "f")

	if _, err := f.WriteBytes(ctx, 0, bytes.Repeat([]byte{1}, 20*1024)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Punch logical block 15 out of the tree by hand.
	f.mu.Lock()
	list, err := f.ensureBlockList(ctx)
	if err != nil {
		t.Fatalf("block list: %v", err)
	}
	victim, _ := list[15].Index()
	if _, err := fs.flusher.Map(ctx, &f.raw.Block, 15, 0, nil); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	f.raw.Blocks -= 2
	f.setDirty()
	f.invalidateBlockList()
	f.mu.Unlock()
	if err := fs.SetBlockAllocationState(ctx, victim, false); err != nil {
		t.Fatalf("free: %v", err)
	}

	buf := make([]byte, 1024)
	if _, err := f.ReadBytes(ctx, 15*1024, buf); err != nil {
		t.Fatalf("read hole: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, 1024)) {
		t.Fatal("hole does not read as zeros")
	}
	mustCheck(t, fs)

	if _, err := f.WriteBytes(ctx, 15*1024+100, []byte("filled")); err != nil {
		t.Fatalf("write into hole: %v", err)
	}
	if _, err := f.ReadBytes(ctx, 15*1024, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[100:106]) != "filled" || buf[0] != 0 {
		t.Fatalf("unexpected block content %q", buf[:110])
	}
	mustCheck(t, fs)
}

func TestDirectoryMutators(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 1024, 8192, false)
	root := mustRoot(t, fs)

	a := createFile(t, fs, root, "a")
	if a.LinkCount() != 1 {
		t.Fatalf("new file has %d links", a.LinkCount())
	}

	if err := root.AddChild(ctx, "a", a); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate add: got %v, want ErrExists", err)
	}
	if a.LinkCount() != 1 {
		t.Fatal("failed add changed the link count")
	}
	if err := root.AddChild(ctx, strings.Repeat("n", 256), a); !errors.Is(err, ErrNameTooLong) {
		t.Fatalf("long name: got %v, want ErrNameTooLong", err)
	}
	if err := root.AddChild(ctx, "..", a); !errors.Is(err, ErrInvalid) {
		t.Fatalf("dot name: got %v, want ErrInvalid", err)
	}

	if err := root.AddChild(ctx, "hardlink", a); err != nil {
		t.Fatalf("link: %v", err)
	}
	if a.LinkCount() != 2 {
		t.Fatalf("after link: %d links", a.LinkCount())
	}
	if idx, err := root.Lookup(ctx, "hardlink"); err != nil || idx != a.Index() {
		t.Fatalf("lookup hardlink: %d %v", idx, err)
	}

	if err := root.RemoveChild(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("remove missing: got %v, want ErrNotFound", err)
	}
	if err := root.RemoveChild(ctx, "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := root.Lookup(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("lookup removed: got %v, want ErrNotFound", err)
	}
	if a.LinkCount() != 1 {
		t.Fatalf("after unlink: %d links", a.LinkCount())
	}
	mustCheck(t, fs)

	if err := createFile(t, fs, root, "x").DecrementLinkCount(ctx); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	problems, err := fs.Check(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(problems) == 0 {
		t.Fatal("check missed a dangling directory entry")
	}
}

func TestReplaceChild(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 1024, 8192, false)
	root := mustRoot(t, fs)

	a := createFile(t, fs, root, "a")
	b := createFile(t, fs, root, "b")
	if _, err := a.WriteBytes(ctx, 0, make([]byte, 5000)); err != nil {
		t.Fatalf("write: %v", err)
	}
	free := fs.FreeBlockCount()

	if err := root.ReplaceChild(ctx, "nope", b); !errors.Is(err, ErrNotFound) {
		t.Fatalf("replace missing: got %v, want ErrNotFound", err)
	}
	if err := root.ReplaceChild(ctx, "a", b); err != nil {
		t.Fatalf("replace: %v", err)
	}

	if idx, err := root.Lookup(ctx, "a"); err != nil || idx != b.Index() {
		t.Fatalf("lookup a: %d %v", idx, err)
	}
	if b.LinkCount() != 2 {
		t.Fatalf("b has %d links", b.LinkCount())
	}
	if _, err := fs.GetInode(ctx, a.Index()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("replaced inode still reachable: %v", err)
	}
	if fs.FreeBlockCount() != free+5 {
		t.Fatalf("replaced file's blocks not freed: %d -> %d", free, fs.FreeBlockCount())
	}
	mustCheck(t, fs)
}

func TestDirectoryGrowsAndShrinks(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 1024, 8192, false)
	root := mustRoot(t, fs)

	dir, err := fs.CreateDirectory(ctx, root, "big", 0o755, Owner{})
	if err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if dir.LinkCount() != 2 || root.LinkCount() != 4 {
		t.Fatalf("links after mkdir: dir %d, root %d", dir.LinkCount(), root.LinkCount())
	}

	const n = 100
	name := func(i int) string { return fmt.Sprintf("%03d-%s", i, strings.Repeat("y", 196)) }
	for i := range n {
		createFile(t, fs, dir, name(i))
	}
	if dir.Size() <= 12*1024 {
		t.Fatalf("directory only grew to %d bytes", dir.Size())
	}
	mustCheck(t, fs)

	for i := range n {
		idx, err := dir.Lookup(ctx, name(i))
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if idx == 0 {
			t.Fatalf("lookup %d returned inode 0", i)
		}
	}

	for i := range n {
		if err := dir.RemoveChild(ctx, name(i)); err != nil {
			t.Fatalf("remove %d: %v", i, err)
		}
	}
	if dir.Size() != 1024 {
		t.Fatalf("emptied directory is %d bytes", dir.Size())
	}
	empty, err := dir.IsEmpty(ctx)
	if err != nil || !empty {
		t.Fatalf("IsEmpty = %v, %v", empty, err)
	}
	mustCheck(t, fs)
}

func TestSymlinks(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 1024, 8192, false)
	root := mustRoot(t, fs)

	free := fs.FreeBlockCount()
	short, err := fs.CreateSymlink(ctx, root, "short", "/etc/passwd", Owner{})
	if err != nil {
		t.Fatalf("short symlink: %v", err)
	}
	if fs.FreeBlockCount() != free {
		t.Fatal("inline symlink allocated blocks")
	}
	if got, err := short.ReadLink(ctx); err != nil || got != "/etc/passwd" {
		t.Fatalf("readlink short: %q %v", got, err)
	}

	target := "/" + strings.Repeat("deep/", 30)
	long, err := fs.CreateSymlink(ctx, root, "long", target, Owner{})
	if err != nil {
		t.Fatalf("long symlink: %v", err)
	}
	if fs.FreeBlockCount() != free-1 {
		t.Fatal("slow symlink should take one block")
	}
	if got, err := long.ReadLink(ctx); err != nil || got != target {
		t.Fatalf("readlink long: %q %v", got, err)
	}
	mustCheck(t, fs)

	if err := root.RemoveChild(ctx, "long"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if err := root.RemoveChild(ctx, "short"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if fs.FreeBlockCount() != free {
		t.Fatal("symlink blocks not released")
	}
	mustCheck(t, fs)
}

func TestUnlinkReleasesInode(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 1024, 8192, false)
	root := mustRoot(t, fs)

	before := fs.StatFS()
	f := createFile(t, fs, root, "doomed")
	if _, err := f.WriteBytes(ctx, 0, make([]byte, 100*1024)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := root.RemoveChild(ctx, "doomed"); err != nil {
		t.Fatalf("unlink: %v", err)
	}

	after := fs.StatFS()
	if after.FreeBlocks != before.FreeBlocks || after.FreeInodes != before.FreeInodes {
		t.Fatalf("unlink leaked: before %+v after %+v", before, after)
	}
	if _, err := f.ReadBytes(ctx, 0, make([]byte, 1)); !errors.Is(err, ErrInodeReleased) {
		t.Fatalf("read of released inode: %v", err)
	}
	mustCheck(t, fs)
}

func TestSetParentEntry(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 1024, 8192, false)
	root := mustRoot(t, fs)

	a, err := fs.CreateDirectory(ctx, root, "a", 0o755, Owner{})
	if err != nil {
		t.Fatalf("mkdir a: %v", err)
	}
	b, err := fs.CreateDirectory(ctx, root, "b", 0o755, Owner{})
	if err != nil {
		t.Fatalf("mkdir b: %v", err)
	}
	c, err := fs.CreateDirectory(ctx, a, "c", 0o755, Owner{})
	if err != nil {
		t.Fatalf("mkdir c: %v", err)
	}

	// Move c from a to b by hand, the way rename does.
	if err := b.AddChild(ctx, "c", c); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := a.RemoveChild(ctx, "c"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	old, err := c.SetParentEntry(ctx, b.Index())
	if err != nil {
		t.Fatalf("set parent: %v", err)
	}
	if old != a.Index() {
		t.Fatalf("old parent %d, want %d", old, a.Index())
	}
	if err := b.IncrementLinkCount(ctx); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := a.DecrementLinkCount(ctx); err != nil {
		t.Fatalf("decrement: %v", err)
	}

	if idx, err := c.Lookup(ctx, ".."); err != nil || idx != b.Index() {
		t.Fatalf("c/.. = %d %v", idx, err)
	}
	mustCheck(t, fs)
}

func TestConcurrentCreates(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 1024, 20000, false)
	root := mustRoot(t, fs)

	const workers = 8
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			dir, err := fs.CreateDirectory(ctx, root, fmt.Sprintf("w%d", w), 0o755, Owner{})
			if err != nil {
				t.Errorf("mkdir: %v", err)
				return
			}
			for i := range 10 {
				f, err := fs.CreateInode(ctx, dir, fmt.Sprintf("f%d", i), disklayout.ModeRegular|0o644, Owner{})
				if err != nil {
					t.Errorf("create: %v", err)
					return
				}
				if _, err := f.WriteBytes(ctx, 0, bytes.Repeat([]byte{byte(w)}, 3000+i*1024)); err != nil {
					t.Errorf("write: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if root.LinkCount() != 3+workers {
		t.Fatalf("root has %d links", root.LinkCount())
	}
	mustCheck(t, fs)
}

func TestLookupCacheMatchesDisk(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 1024, 8192, false)
	root := mustRoot(t, fs)

	keep := createFile(t, fs, root, "keep")
	y := createFile(t, fs, root, "y")

	if err := root.AddChild(ctx, "x", y); err != nil {
		t.Fatalf("add x: %v", err)
	}
	if err := root.RemoveChild(ctx, "x"); err != nil {
		t.Fatalf("remove x: %v", err)
	}

	again, err := Mount(ctx, fs.Device())
	if err != nil {
		t.Fatalf("remount: %v", err)
	}
	fresh := mustRoot(t, again)

	if _, err := fresh.Lookup(ctx, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("x after remount: got %v, want ErrNotFound", err)
	}
	if _, err := root.Lookup(ctx, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("x in cache: got %v, want ErrNotFound", err)
	}

	want := map[string]uint32{".": disklayout.RootInode, "..": disklayout.RootInode, "keep": keep.Index(), "y": y.Index()}
	for name, idx := range want {
		got, err := fresh.Lookup(ctx, name)
		if err != nil || got != idx {
			t.Fatalf("lookup %q after remount: %d %v, want %d", name, got, err, idx)
		}
		cached, err := root.Lookup(ctx, name)
		if err != nil || cached != got {
			t.Fatalf("cache has %q as %d %v, disk has %d", name, cached, err, got)
		}
	}

	entries, err := fresh.Entries(ctx)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	for _, e := range entries {
		cached, err := root.Lookup(ctx, e.Name)
		if err != nil || cached != e.Inode {
			t.Fatalf("disk entry %q -> %d not in cache: %d %v", e.Name, e.Inode, cached, err)
		}
	}
}

func TestConcurrentLookups(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 1024, 8192, false)
	root := mustRoot(t, fs)

	names := make([]string, 20)
	for i := range names {
		names[i] = fmt.Sprintf("f%02d", i)
		createFile(t, fs, root, names[i])
	}

	// Drop the cache so the first lookups race to build it.
	again, err := Mount(ctx, fs.Device())
	if err != nil {
		t.Fatalf("remount: %v", err)
	}
	dir := mustRoot(t, again)

	var wg sync.WaitGroup
	errs := make(chan error, 8*len(names))
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, name := range names {
				if _, err := dir.Lookup(ctx, name); err != nil {
					errs <- fmt.Errorf("lookup %q: %w", name, err)
				}
			}
			if _, err := dir.Lookup(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				errs <- fmt.Errorf("lookup missing: %v", err)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

// makeSparse turns f into a file of size bytes with no blocks at all, the
// way truncate(1) extends a file on other ext2 drivers.
func makeSparse(t *testing.T, f *Inode, size uint64) {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.raw.Blocks != 0 {
		t.Fatalf("file already holds %d sectors", f.raw.Blocks)
	}
	f.raw.SetSize(size)
	f.setDirty()
	if err := f.flushMetadata(context.Background()); err != nil {
		t.Fatalf("write inode: %v", err)
	}
	f.invalidateBlockList()
}

func TestResizeSparseFile(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 1024, 8192, false)
	f := createFile(t, fs, mustRoot(t, fs), "sparse")

	baseline := fs.FreeBlockCount()
	makeSparse(t, f, 20*1024)
	mustCheck(t, fs)

	tests := []struct {
		blocks uint64
		used   uint64
	}{
		// The missing indirect node is created for the new tail only.
		{25, 5 + 1},
		{22, 2 + 1},
		{12, 0},
		{300, 288 + 3},
		{5, 0},
	}

	for _, tc := range tests {
		if err := f.Resize(ctx, tc.blocks*1024); err != nil {
			t.Fatalf("resize to %d blocks: %v", tc.blocks, err)
		}
		if used := baseline - fs.FreeBlockCount(); used != tc.used {
			t.Fatalf("%d blocks: %d in use, want %d", tc.blocks, used, tc.used)
		}
		if got := f.Metadata().Sectors; uint64(got) != tc.used*2 {
			t.Fatalf("%d blocks: i_blocks %d, want %d", tc.blocks, got, tc.used*2)
		}

		buf := make([]byte, tc.blocks*1024)
		for i := range buf {
			buf[i] = 0xff
		}
		if n, err := f.ReadBytes(ctx, 0, buf); err != nil || n != len(buf) {
			t.Fatalf("read %d blocks: %d %v", tc.blocks, n, err)
		}
		if !bytes.Equal(buf, make([]byte, len(buf))) {
			t.Fatalf("%d blocks: sparse file does not read as zeros", tc.blocks)
		}
		mustCheck(t, fs)
	}
}

func TestShrinkSparseFileInPlace(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t, 1024, 8192, false)
	f := createFile(t, fs, mustRoot(t, fs), "sparse")

	baseline := fs.FreeBlockCount()
	makeSparse(t, f, 20*1024)

	if err := f.Resize(ctx, 15*1024); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if err := f.Resize(ctx, 3*1024); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if used := baseline - fs.FreeBlockCount(); used != 0 {
		t.Fatalf("shrinking a sparse file allocated %d blocks", used)
	}
	mustCheck(t, fs)
}

// failingDevice rejects writes to one block while armed.
type failingDevice struct {
	blockdev.Device
	block blockdev.BlockIndex
	armed bool
	hit   bool
}

func (d *failingDevice) WriteBlock(ctx context.Context, idx blockdev.BlockIndex, buf []byte, offset int) error {
	if d.armed && idx == d.block {
		d.hit = true
		return fmt.Errorf("write block %d: injected failure", idx)
	}
	return d.Device.WriteBlock(ctx, idx, buf, offset)
}

func TestFillHoleFailureRollsBack(t *testing.T) {
	tests := []struct {
		name   string
		offset uint64
		fail   int
	}{
		{"data block", 2 * 1024, 0},
		{"indirect node", 15 * 1024, 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			dev := &failingDevice{Device: blockdev.NewMemory(1024, 8192)}
			fs, err := Format(ctx, dev, FormatOptions{VolumeName: "test"})
			if err != nil {
				t.Fatalf("format: %v", err)
			}
			f := createFile(t, fs, mustRoot(t, fs), "sparse")
			makeSparse(t, f, 20*1024)
			baseline := fs.FreeBlockCount()

			// The allocator is first fit: these are the blocks the write will get.
			next, err := fs.AllocateBlocks(ctx, fs.GroupOfInode(f.Index()), 2)
			if err != nil {
				t.Fatalf("allocate: %v", err)
			}
			if err := fs.FreeBlocks(ctx, next); err != nil {
				t.Fatalf("free: %v", err)
			}
			dev.block, dev.armed = next[tc.fail], true

			if _, err := f.WriteBytes(ctx, tc.offset, []byte("x")); err == nil {
				t.Fatal("expected the write to fail")
			}
			dev.armed = false
			if !dev.hit {
				t.Fatal("write never reached the failing block")
			}

			if got := fs.FreeBlockCount(); got != baseline {
				t.Fatalf("free blocks %d, want %d", got, baseline)
			}
			if got := f.Metadata().Sectors; got != 0 {
				t.Fatalf("i_blocks %d after failed write", got)
			}
			buf := make([]byte, 20*1024)
			if _, err := f.ReadBytes(ctx, 0, buf); err != nil {
				t.Fatalf("read: %v", err)
			}
			if !bytes.Equal(buf, make([]byte, len(buf))) {
				t.Fatal("failed write left data behind")
			}
			mustCheck(t, fs)
		})
	}
}
