package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/S1riyS/ext2-server/internal/blockdev"
	"github.com/S1riyS/ext2-server/internal/ext2"
	"github.com/S1riyS/ext2-server/internal/models"
	"github.com/S1riyS/ext2-server/internal/pkg/kerrors"
)

type testEnv struct {
	fs   *ext2.FileSystem
	svc  FileSystemService
	root int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	fs, err := ext2.Format(ctx, blockdev.NewMemory(1024, 8192), ext2.FormatOptions{LargeFile: true})
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	svc := NewFileSystemService(fs, ext2.Owner{UID: 1000, GID: 1000})

	root, err := svc.GetRoot(ctx)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	return &testEnv{fs: fs, svc: svc, root: root.Ino}
}

func (e *testEnv) check(t *testing.T) {
	t.Helper()

	problems, err := e.fs.Check(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	for _, p := range problems {
		t.Errorf("check: %s", p)
	}
}

func wantCode(t *testing.T, err error, code int64) {
	t.Helper()

	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("err = %v, want ServiceError with code %d", err, code)
	}
	if serviceErr.GetCode() != code {
		t.Fatalf("code = %d (%v), want %d", serviceErr.GetCode(), err, code)
	}
}

func TestGetRoot(t *testing.T) {
	e := newTestEnv(t)

	root, err := e.svc.GetRoot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if root.Ino != 2 || root.Type != models.NodeTypeDir {
		t.Errorf("root = %+v", root)
	}
	if root.Mode&S_IFMT != S_IFDIR {
		t.Errorf("root mode = %o", root.Mode)
	}
	// ".", ".." and lost+found's ".."
	if root.Nlink != 3 {
		t.Errorf("root nlink = %d, want 3", root.Nlink)
	}
}

func TestCreateLookupIterate(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	file, err := e.svc.CreateFile(ctx, e.root, "a.txt", 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if file.Type != models.NodeTypeFile || file.Mode != S_IFREG|0o644 || file.Nlink != 1 {
		t.Errorf("file = %+v", file)
	}

	dir, err := e.svc.CreateDir(ctx, e.root, "sub", 0o755)
	if err != nil {
		t.Fatal(err)
	}
	if dir.Type != models.NodeTypeDir || dir.Nlink != 2 {
		t.Errorf("dir = %+v", dir)
	}

	got, err := e.svc.Lookup(ctx, e.root, "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if got.Ino != file.Ino || got.ParentIno != e.root {
		t.Errorf("lookup = %+v, want ino %d", got, file.Ino)
	}

	_, err = e.svc.Lookup(ctx, e.root, "missing")
	wantCode(t, err, kerrors.ENOENT)

	_, err = e.svc.Lookup(ctx, file.Ino, "x")
	wantCode(t, err, kerrors.ENOTDIR)

	names := map[string]int64{}
	var offset uint64
	for {
		d, err := e.svc.IterateDir(ctx, e.root, &offset)
		if err != nil {
			wantCode(t, err, kerrors.ENOENT)
			break
		}
		names[d.Name] = d.Ino
	}
	if len(names) != 3 || names["a.txt"] != file.Ino || names["sub"] != dir.Ino {
		t.Errorf("entries = %v", names)
	}
	if _, ok := names["lost+found"]; !ok {
		t.Error("lost+found missing from listing")
	}
	if offset != 3 {
		t.Errorf("offset = %d, want 3", offset)
	}

	e.check(t)
}

func TestCreateErrors(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	if _, err := e.svc.CreateFile(ctx, e.root, "f", 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := e.svc.CreateFile(ctx, e.root, "f", 0o644)
	wantCode(t, err, kerrors.EEXIST)

	_, err = e.svc.CreateDir(ctx, e.root, strings.Repeat("n", 256), 0o755)
	wantCode(t, err, kerrors.ENAMETOOLONG)

	_, err = e.svc.CreateFile(ctx, e.root, "a/b", 0o644)
	wantCode(t, err, kerrors.EINVAL)

	_, err = e.svc.CreateFile(ctx, 9999, "x", 0o644)
	wantCode(t, err, kerrors.ENOENT)

	_, err = e.svc.CreateFile(ctx, -1, "x", 0o644)
	wantCode(t, err, kerrors.ENOENT)

	e.check(t)
}

func TestReadWriteTruncate(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	file, err := e.svc.CreateFile(ctx, e.root, "data", 0o644)
	if err != nil {
		t.Fatal(err)
	}

	payload := bytes.Repeat([]byte("0123456789"), 2000)
	n, err := e.svc.Write(ctx, file.Ino, payload, uint64(len(payload)), 5000)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(payload)) {
		t.Fatalf("written = %d, want %d", n, len(payload))
	}

	buf := make([]byte, len(payload)+5000+100)
	read, err := e.svc.Read(ctx, file.Ino, buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if read != int64(len(payload)+5000) {
		t.Fatalf("read = %d", read)
	}
	if !bytes.Equal(buf[:5000], make([]byte, 5000)) {
		t.Error("gap before the write is not zero")
	}
	if !bytes.Equal(buf[5000:read], payload) {
		t.Error("payload mismatch")
	}

	// Only the first length bytes of data are written.
	if _, err := e.svc.Write(ctx, file.Ino, []byte("XYZ"), 1, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.Read(ctx, file.Ino, buf[:3], 0); err != nil {
		t.Fatal(err)
	}
	if string(buf[:3]) != "X\x00\x00" {
		t.Errorf("head = %q", buf[:3])
	}

	if err := e.svc.Truncate(ctx, file.Ino, 10); err != nil {
		t.Fatal(err)
	}
	meta, err := e.svc.Getattr(ctx, file.Ino)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Size != 10 || meta.Blocks != 2 {
		t.Errorf("after truncate: size %d blocks %d, want 10 and 2", meta.Size, meta.Blocks)
	}

	_, err = e.svc.Write(ctx, file.Ino, []byte("x"), 2, 0)
	wantCode(t, err, kerrors.EINVAL)

	_, err = e.svc.Read(ctx, e.root, buf, 0)
	wantCode(t, err, kerrors.EISDIR)

	err = e.svc.Truncate(ctx, e.root, 0)
	wantCode(t, err, kerrors.EISDIR)

	e.check(t)
}

func TestWriteOutOfSpace(t *testing.T) {
	ctx := context.Background()

	fs, err := ext2.Format(ctx, blockdev.NewMemory(1024, 1024), ext2.FormatOptions{})
	if err != nil {
		t.Fatal(err)
	}
	svc := NewFileSystemService(fs, ext2.Owner{})

	file, err := svc.CreateFile(ctx, 2, "big", 0o644)
	if err != nil {
		t.Fatal(err)
	}
	data := make([]byte, 2<<20)
	_, err = svc.Write(ctx, file.Ino, data, uint64(len(data)), 0)
	wantCode(t, err, kerrors.ENOSPC)
}

func TestUnlinkAndLinks(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	file, err := e.svc.CreateFile(ctx, e.root, "orig", 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.svc.Link(ctx, file.Ino, e.root, "alias"); err != nil {
		t.Fatal(err)
	}

	count, err := e.svc.CountLinks(ctx, file.Ino)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("links = %d, want 2", count)
	}

	dir, err := e.svc.CreateDir(ctx, e.root, "d", 0o755)
	if err != nil {
		t.Fatal(err)
	}
	err = e.svc.Link(ctx, dir.Ino, e.root, "dlink")
	wantCode(t, err, kerrors.EPERM)

	err = e.svc.Unlink(ctx, e.root, "d")
	wantCode(t, err, kerrors.EISDIR)

	if err := e.svc.Unlink(ctx, e.root, "orig"); err != nil {
		t.Fatal(err)
	}
	if count, _ := e.svc.CountLinks(ctx, file.Ino); count != 1 {
		t.Errorf("links after unlink = %d, want 1", count)
	}

	if err := e.svc.Unlink(ctx, e.root, "alias"); err != nil {
		t.Fatal(err)
	}
	_, err = e.svc.CountLinks(ctx, file.Ino)
	wantCode(t, err, kerrors.ENOENT)

	err = e.svc.Unlink(ctx, e.root, "alias")
	wantCode(t, err, kerrors.ENOENT)

	e.check(t)
}

func TestRmdir(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	dir, err := e.svc.CreateDir(ctx, e.root, "d", 0o755)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.CreateFile(ctx, dir.Ino, "f", 0o644); err != nil {
		t.Fatal(err)
	}

	err = e.svc.Rmdir(ctx, e.root, "d")
	wantCode(t, err, kerrors.ENOTEMPTY)

	if err := e.svc.Unlink(ctx, dir.Ino, "f"); err != nil {
		t.Fatal(err)
	}
	if err := e.svc.Rmdir(ctx, e.root, "d"); err != nil {
		t.Fatal(err)
	}

	root, _ := e.svc.GetRoot(ctx)
	if root.Nlink != 3 {
		t.Errorf("root nlink = %d, want 3", root.Nlink)
	}
	_, err = e.svc.Getattr(ctx, dir.Ino)
	wantCode(t, err, kerrors.ENOENT)

	err = e.svc.Rmdir(ctx, e.root, "lost+found/..")
	wantCode(t, err, kerrors.ENOENT)

	err = e.svc.Rmdir(ctx, e.root, "..")
	wantCode(t, err, kerrors.EINVAL)

	e.check(t)
}

func TestRenameFile(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	a, _ := e.svc.CreateFile(ctx, e.root, "a", 0o644)
	b, _ := e.svc.CreateFile(ctx, e.root, "b", 0o644)
	dir, _ := e.svc.CreateDir(ctx, e.root, "d", 0o755)

	if err := e.svc.Rename(ctx, e.root, "a", dir.Ino, "moved"); err != nil {
		t.Fatal(err)
	}
	got, err := e.svc.Lookup(ctx, dir.Ino, "moved")
	if err != nil {
		t.Fatal(err)
	}
	if got.Ino != a.Ino || got.Nlink != 1 {
		t.Errorf("moved = %+v", got)
	}
	_, err = e.svc.Lookup(ctx, e.root, "a")
	wantCode(t, err, kerrors.ENOENT)

	// Replacing b releases it.
	if err := e.svc.Rename(ctx, dir.Ino, "moved", e.root, "b"); err != nil {
		t.Fatal(err)
	}
	got, err = e.svc.Lookup(ctx, e.root, "b")
	if err != nil {
		t.Fatal(err)
	}
	if got.Ino != a.Ino {
		t.Errorf("b now names %d, want %d", got.Ino, a.Ino)
	}
	_, err = e.svc.Getattr(ctx, b.Ino)
	wantCode(t, err, kerrors.ENOENT)

	err = e.svc.Rename(ctx, e.root, "b", e.root, "d")
	wantCode(t, err, kerrors.EISDIR)

	if err := e.svc.Rename(ctx, e.root, "b", e.root, "b"); err != nil {
		t.Errorf("rename onto itself: %v", err)
	}

	e.check(t)
}

func TestRenameDirectory(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	src, _ := e.svc.CreateDir(ctx, e.root, "src", 0o755)
	dst, _ := e.svc.CreateDir(ctx, e.root, "dst", 0o755)
	moving, _ := e.svc.CreateDir(ctx, src.Ino, "m", 0o755)
	if _, err := e.svc.CreateFile(ctx, moving.Ino, "inner", 0o644); err != nil {
		t.Fatal(err)
	}

	if err := e.svc.Rename(ctx, src.Ino, "m", dst.Ino, "m2"); err != nil {
		t.Fatal(err)
	}

	links := func(ino int64) uint32 {
		t.Helper()
		n, err := e.svc.CountLinks(ctx, ino)
		if err != nil {
			t.Fatal(err)
		}
		return n
	}
	if n := links(src.Ino); n != 2 {
		t.Errorf("src links = %d, want 2", n)
	}
	if n := links(dst.Ino); n != 3 {
		t.Errorf("dst links = %d, want 3", n)
	}

	parent, err := e.svc.Lookup(ctx, moving.Ino, "..")
	if err != nil {
		t.Fatal(err)
	}
	if parent.Ino != dst.Ino {
		t.Errorf(".. = %d, want %d", parent.Ino, dst.Ino)
	}

	err = e.svc.Rename(ctx, e.root, "dst", moving.Ino, "loop")
	wantCode(t, err, kerrors.EINVAL)

	if _, err := e.svc.CreateFile(ctx, src.Ino, "keep", 0o644); err != nil {
		t.Fatal(err)
	}
	err = e.svc.Rename(ctx, dst.Ino, "m2", e.root, "src")
	wantCode(t, err, kerrors.ENOTEMPTY)

	// An empty target directory is replaced.
	empty, _ := e.svc.CreateDir(ctx, e.root, "empty", 0o755)
	if err := e.svc.Rename(ctx, dst.Ino, "m2", e.root, "empty"); err != nil {
		t.Fatal(err)
	}
	_, err = e.svc.Getattr(ctx, empty.Ino)
	wantCode(t, err, kerrors.ENOENT)
	if n := links(dst.Ino); n != 2 {
		t.Errorf("dst links = %d, want 2", n)
	}

	e.check(t)
}

func TestSymlinkAndSetattr(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	short, err := e.svc.Symlink(ctx, e.root, "short", "target")
	if err != nil {
		t.Fatal(err)
	}
	if short.Type != models.NodeTypeSymlink || short.Blocks != 0 {
		t.Errorf("short = %+v", short)
	}

	longTarget := strings.Repeat("t/", 100)
	long, err := e.svc.Symlink(ctx, e.root, "long", longTarget)
	if err != nil {
		t.Fatal(err)
	}

	for ino, want := range map[int64]string{short.Ino: "target", long.Ino: longTarget} {
		got, err := e.svc.Readlink(ctx, ino)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("readlink(%d) = %q, want %q", ino, got, want)
		}
	}

	file, _ := e.svc.CreateFile(ctx, e.root, "f", 0o644)
	_, err = e.svc.Readlink(ctx, file.Ino)
	wantCode(t, err, kerrors.EINVAL)

	mode := uint32(0o600)
	size := int64(3000)
	mtime := int64(1700000000)
	meta, err := e.svc.Setattr(ctx, file.Ino, models.SetAttr{Mode: &mode, Size: &size, Mtime: &mtime})
	if err != nil {
		t.Fatal(err)
	}
	if meta.Mode != S_IFREG|0o600 || meta.Size != 3000 || meta.Mtime != mtime {
		t.Errorf("after setattr = %+v", meta)
	}

	uid := uint32(1 << 20)
	_, err = e.svc.Setattr(ctx, file.Ino, models.SetAttr{UID: &uid})
	wantCode(t, err, kerrors.EINVAL)

	e.check(t)
}

func TestStatFS(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	before, err := e.svc.StatFS(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if before.BlockSize != 1024 || before.Blocks != 8192 || before.NameLen != 255 {
		t.Errorf("statfs = %+v", before)
	}

	file, _ := e.svc.CreateFile(ctx, e.root, "f", 0o644)
	if _, err := e.svc.Write(ctx, file.Ino, make([]byte, 4096), 4096, 0); err != nil {
		t.Fatal(err)
	}

	after, _ := e.svc.StatFS(ctx)
	if after.FreeBlocks != before.FreeBlocks-4 || after.FreeInodes != before.FreeInodes-1 {
		t.Errorf("free counts %+v -> %+v", before, after)
	}
}
