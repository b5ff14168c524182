package ext2

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/S1riyS/ext2-server/internal/ext2/dirent"
	"github.com/S1riyS/ext2-server/internal/ext2/disklayout"
	"github.com/S1riyS/ext2-server/pkg/logging"
	"github.com/S1riyS/ext2-server/pkg/logging/slogext"
)

// Owner is the uid/gid pair stamped on new inodes.
type Owner struct {
	UID uint16
	GID uint16
}

// CreateInode allocates a new inode with mode and links it into parent
// under name.
func (fs *FileSystem) CreateInode(ctx context.Context, parent *Inode, name string, mode uint16, owner Owner) (*Inode, error) {
	const op = "ext2.FileSystem.CreateInode"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	if err := validateName(name); err != nil {
		return nil, err
	}
	if !parent.IsDir() {
		return nil, ErrNotDir
	}

	isDir := mode&disklayout.ModeTypeMask == disklayout.ModeDir
	ino, err := fs.AllocateInode(ctx, fs.GroupOfInode(parent.index), isDir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := fs.nowUnix()
	in := &Inode{
		fs:    fs,
		index: ino,
		raw: disklayout.Inode{
			Mode:  mode,
			UID:   owner.UID,
			GID:   owner.GID,
			ATime: now,
			CTime: now,
			MTime: now,
		},
		extra: make([]byte, fs.sb.InodeSizeBytes()-disklayout.GoodOldInodeSize),
	}
	if err := in.writeRaw(ctx); err != nil {
		fs.abandonInode(ctx, ino, isDir)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	fs.arenaMu.Lock()
	fs.inodes[ino] = in
	fs.arenaMu.Unlock()

	if err := parent.AddChild(ctx, name, in); err != nil {
		fs.forgetInode(ino)
		fs.abandonInode(ctx, ino, isDir)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	logger.Debug("Created inode", slogext.Inode(ino), slog.Uint64("parent", uint64(parent.index)), slog.String("name", name))
	return in, nil
}

func (fs *FileSystem) abandonInode(ctx context.Context, ino uint32, isDir bool) {
	const op = "ext2.FileSystem.abandonInode"

	if err := fs.SetInodeAllocationState(ctx, ino, false, isDir); err != nil {
		logging.GetLoggerFromContextWithOp(ctx, op).Error("Failed to release inode", slogext.Inode(ino), slogext.Err(err))
	}
}

// CreateDirectory makes a directory holding "." and "..". The new
// directory starts with two links and the parent gains one.
func (fs *FileSystem) CreateDirectory(ctx context.Context, parent *Inode, name string, perm uint16, owner Owner) (*Inode, error) {
	const op = "ext2.FileSystem.CreateDirectory"

	in, err := fs.CreateInode(ctx, parent, name, disklayout.ModeDir|perm&disklayout.ModePermMask, owner)
	if err != nil {
		return nil, err
	}

	if err := in.initDirectory(ctx, parent.index); err != nil {
		if rerr := parent.RemoveChild(ctx, name); rerr != nil {
			logging.GetLoggerFromContextWithOp(ctx, op).Error("Failed to unlink half-made directory", slogext.Err(rerr))
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := parent.IncrementLinkCount(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return in, nil
}

// initDirectory writes "." and ".." and counts the "." link.
func (in *Inode) initDirectory(ctx context.Context, parent uint32) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	err := in.writeDirectoryLocked(ctx, []dirent.Entry{
		{Name: dotName, Inode: in.index, FileType: disklayout.FileTypeDir},
		{Name: dotDotName, Inode: parent, FileType: disklayout.FileTypeDir},
	})
	if err != nil {
		return err
	}
	in.lookup = nil
	in.raw.LinksCount++
	in.setDirty()
	return in.flushMetadata(ctx)
}

// CreateSymlink makes a symbolic link to target. Short targets are kept in
// the inode itself.
func (fs *FileSystem) CreateSymlink(ctx context.Context, parent *Inode, name, target string, owner Owner) (*Inode, error) {
	const op = "ext2.FileSystem.CreateSymlink"

	if target == "" || len(target) >= fs.blockSize {
		return nil, fmt.Errorf("%s: %w: target of %d bytes", op, ErrInvalid, len(target))
	}

	in, err := fs.CreateInode(ctx, parent, name, disklayout.ModeSymlink|0o777, owner)
	if err != nil {
		return nil, err
	}

	if len(target) < disklayout.InlineDataSize {
		in.mu.Lock()
		in.raw.SetInlineData([]byte(target))
		in.raw.SetSize(uint64(len(target)))
		in.setDirty()
		err = in.flushMetadata(ctx)
		in.mu.Unlock()
	} else {
		_, err = in.WriteBytes(ctx, 0, []byte(target))
	}
	if err != nil {
		if rerr := parent.RemoveChild(ctx, name); rerr != nil {
			logging.GetLoggerFromContextWithOp(ctx, op).Error("Failed to remove half-created symlink",
				slog.String("name", name), slogext.Err(rerr))
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return in, nil
}

// ReadLink returns a symlink's target.
func (in *Inode) ReadLink(ctx context.Context) (string, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()

	if !in.raw.IsSymlink() {
		return "", fmt.Errorf("%w: inode %d is not a symlink", ErrInvalid, in.index)
	}

	buf := make([]byte, in.raw.Size())
	n, err := in.readBytesLocked(ctx, 0, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}
