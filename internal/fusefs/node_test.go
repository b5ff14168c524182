package fusefs

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/S1riyS/ext2-server/internal/blockdev"
	"github.com/S1riyS/ext2-server/internal/ext2"
	"github.com/S1riyS/ext2-server/internal/models"
	"github.com/S1riyS/ext2-server/internal/pkg/kerrors"
	"github.com/S1riyS/ext2-server/internal/service"
	"github.com/hanwen/go-fuse/v2/fuse"
)

func TestToErrno(t *testing.T) {
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{&service.ServiceError{Code: kerrors.ENOENT}, syscall.ENOENT},
		{fmt.Errorf("wrapped: %w", &service.ServiceError{Code: kerrors.ENOSPC}), syscall.ENOSPC},
		{errors.New("boom"), syscall.EIO},
	}

	for _, tt := range tests {
		if got := toErrno(tt.err); got != tt.want {
			t.Errorf("toErrno(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestFillAttr(t *testing.T) {
	var attr fuse.Attr
	fillAttr(&models.NodeMeta{Ino: 12, Mode: 0o100644, Size: 5000, Nlink: 2, Blocks: 10, Mtime: 42}, 1024, &attr)

	if attr.Ino != 12 || attr.Mode != 0o100644 || attr.Size != 5000 || attr.Nlink != 2 {
		t.Errorf("attr = %+v", attr)
	}
	if attr.Blocks != 10 || attr.Mtime != 42 || attr.Blksize != 1024 {
		t.Errorf("attr = %+v", attr)
	}
}

func TestNodeOperationsWithoutMount(t *testing.T) {
	ctx := context.Background()

	fs, err := ext2.Format(ctx, blockdev.NewMemory(1024, 2048), ext2.FormatOptions{})
	if err != nil {
		t.Fatal(err)
	}
	svc := service.NewFileSystemService(fs, ext2.Owner{})

	root, err := NewRoot(ctx, svc)
	if err != nil {
		t.Fatal(err)
	}
	n := root.(*node)
	if n.ino != 2 {
		t.Fatalf("root ino = %d", n.ino)
	}

	var out fuse.AttrOut
	if errno := n.Getattr(ctx, nil, &out); errno != 0 {
		t.Fatalf("getattr: %v", errno)
	}
	if out.Mode&syscall.S_IFMT != syscall.S_IFDIR {
		t.Errorf("root mode = %o", out.Mode)
	}

	var st fuse.StatfsOut
	if errno := n.Statfs(ctx, &st); errno != 0 {
		t.Fatalf("statfs: %v", errno)
	}
	if st.Bsize != 1024 || st.Blocks != 2048 {
		t.Errorf("statfs = %+v", st)
	}

	if errno := n.Unlink(ctx, "missing"); errno != syscall.ENOENT {
		t.Errorf("unlink missing = %v, want ENOENT", errno)
	}
	if errno := n.Rmdir(ctx, "lost+found"); errno != 0 {
		t.Errorf("rmdir lost+found = %v", errno)
	}

	stream, errno := n.Readdir(ctx)
	if errno != 0 {
		t.Fatalf("readdir: %v", errno)
	}
	if stream.HasNext() {
		e, _ := stream.Next()
		t.Errorf("unexpected entry %q", e.Name)
	}
}
