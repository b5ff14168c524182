// Package fusefs exposes the filesystem service as a FUSE node tree.
package fusefs

import (
	"context"
	"errors"
	"syscall"

	"github.com/S1riyS/ext2-server/internal/models"
	"github.com/S1riyS/ext2-server/internal/service"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

type node struct {
	fs.Inode

	svc service.FileSystemService
	ino int64
}

var (
	_ fs.NodeLookuper   = (*node)(nil)
	_ fs.NodeReaddirer  = (*node)(nil)
	_ fs.NodeGetattrer  = (*node)(nil)
	_ fs.NodeSetattrer  = (*node)(nil)
	_ fs.NodeOpener     = (*node)(nil)
	_ fs.NodeReader     = (*node)(nil)
	_ fs.NodeWriter     = (*node)(nil)
	_ fs.NodeCreater    = (*node)(nil)
	_ fs.NodeMkdirer    = (*node)(nil)
	_ fs.NodeUnlinker   = (*node)(nil)
	_ fs.NodeRmdirer    = (*node)(nil)
	_ fs.NodeRenamer    = (*node)(nil)
	_ fs.NodeLinker     = (*node)(nil)
	_ fs.NodeSymlinker  = (*node)(nil)
	_ fs.NodeReadlinker = (*node)(nil)
	_ fs.NodeStatfser   = (*node)(nil)
	_ fs.NodeFsyncer    = (*node)(nil)
)

// NewRoot returns the node for the root directory.
func NewRoot(ctx context.Context, svc service.FileSystemService) (fs.InodeEmbedder, error) {
	meta, err := svc.GetRoot(ctx)
	if err != nil {
		return nil, err
	}
	return &node{svc: svc, ino: meta.Ino}, nil
}

// toErrno converts a service error into the errno the kernel expects.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var serviceErr *service.ServiceError
	if errors.As(err, &serviceErr) && serviceErr.Code > 0 {
		return syscall.Errno(serviceErr.Code)
	}
	return syscall.EIO
}

func fillAttr(meta *models.NodeMeta, blockSize uint32, out *fuse.Attr) {
	out.Ino = uint64(meta.Ino)
	out.Mode = meta.Mode
	out.Size = uint64(meta.Size)
	out.Blocks = meta.Blocks
	out.Nlink = meta.Nlink
	out.Mtime = uint64(meta.Mtime)
	out.Ctime = uint64(meta.Mtime)
	out.Atime = uint64(meta.Mtime)
	out.Blksize = blockSize
}

func (n *node) blockSize(ctx context.Context) uint32 {
	st, err := n.svc.StatFS(ctx)
	if err != nil {
		return 0
	}
	return st.BlockSize
}

// child wraps meta in an inode attached below n.
func (n *node) child(ctx context.Context, meta *models.NodeMeta, out *fuse.EntryOut) *fs.Inode {
	fillAttr(meta, n.blockSize(ctx), &out.Attr)
	child := &node{svc: n.svc, ino: meta.Ino}
	return n.NewInode(ctx, child, fs.StableAttr{
		Mode: meta.Mode & syscall.S_IFMT,
		Ino:  uint64(meta.Ino),
	})
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	meta, err := n.svc.Lookup(ctx, n.ino, name)
	if err != nil {
		return nil, toErrno(err)
	}
	return n.child(ctx, meta, out), 0
}

func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	dirents, err := n.svc.ReadDir(ctx, n.ino)
	if err != nil {
		return nil, toErrno(err)
	}

	entries := make([]fuse.DirEntry, 0, len(dirents))
	for _, d := range dirents {
		mode := uint32(syscall.S_IFREG)
		switch d.Type {
		case models.NodeTypeDir:
			mode = syscall.S_IFDIR
		case models.NodeTypeSymlink:
			mode = syscall.S_IFLNK
		}
		entries = append(entries, fuse.DirEntry{Name: d.Name, Ino: uint64(d.Ino), Mode: mode})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	meta, err := n.svc.Getattr(ctx, n.ino)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(meta, n.blockSize(ctx), &out.Attr)
	return 0
}

func (n *node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	var attr models.SetAttr
	if mode, ok := in.GetMode(); ok {
		attr.Mode = &mode
	}
	if uid, ok := in.GetUID(); ok {
		attr.UID = &uid
	}
	if gid, ok := in.GetGID(); ok {
		attr.GID = &gid
	}
	if size, ok := in.GetSize(); ok {
		s := int64(size)
		attr.Size = &s
	}
	if atime, ok := in.GetATime(); ok {
		t := atime.Unix()
		attr.Atime = &t
	}
	if mtime, ok := in.GetMTime(); ok {
		t := mtime.Unix()
		attr.Mtime = &t
	}

	meta, err := n.svc.Setattr(ctx, n.ino, attr)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(meta, n.blockSize(ctx), &out.Attr)
	return 0
}

func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&syscall.O_TRUNC != 0 {
		if err := n.svc.Truncate(ctx, n.ino, 0); err != nil {
			return nil, 0, toErrno(err)
		}
	}
	// The HTTP API writes too, so the kernel must not keep pages.
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

func (n *node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	read, err := n.svc.Read(ctx, n.ino, dest, off)
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:read]), 0
}

func (n *node) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	written, err := n.svc.Write(ctx, n.ino, data, uint64(len(data)), off)
	if err != nil {
		return 0, toErrno(err)
	}
	return uint32(written), 0
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	meta, err := n.svc.CreateFile(ctx, n.ino, name, mode)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	return n.child(ctx, meta, out), nil, 0, 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	meta, err := n.svc.CreateDir(ctx, n.ino, name, mode)
	if err != nil {
		return nil, toErrno(err)
	}
	return n.child(ctx, meta, out), 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.svc.Unlink(ctx, n.ino, name))
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.svc.Rmdir(ctx, n.ino, name))
}

func (n *node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		return syscall.EINVAL
	}
	np, ok := newParent.(*node)
	if !ok {
		return syscall.EXDEV
	}
	return toErrno(n.svc.Rename(ctx, n.ino, name, np.ino, newName))
}

func (n *node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	t, ok := target.(*node)
	if !ok {
		return nil, syscall.EXDEV
	}
	if err := n.svc.Link(ctx, t.ino, n.ino, name); err != nil {
		return nil, toErrno(err)
	}

	meta, err := n.svc.Getattr(ctx, t.ino)
	if err != nil {
		return nil, toErrno(err)
	}
	return n.child(ctx, meta, out), 0
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	meta, err := n.svc.Symlink(ctx, n.ino, name, target)
	if err != nil {
		return nil, toErrno(err)
	}
	return n.child(ctx, meta, out), 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.svc.Readlink(ctx, n.ino)
	if err != nil {
		return nil, toErrno(err)
	}
	return []byte(target), 0
}

func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st, err := n.svc.StatFS(ctx)
	if err != nil {
		return toErrno(err)
	}
	out.Bsize = st.BlockSize
	out.Frsize = st.BlockSize
	out.Blocks = st.Blocks
	out.Bfree = st.FreeBlocks
	out.Bavail = st.FreeBlocks
	out.Files = st.Inodes
	out.Ffree = st.FreeInodes
	out.NameLen = st.NameLen
	return 0
}

func (n *node) Fsync(ctx context.Context, f fs.FileHandle, flags uint32) syscall.Errno {
	return toErrno(n.svc.Sync(ctx))
}
