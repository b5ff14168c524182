package service

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/S1riyS/ext2-server/internal/ext2"
	"github.com/S1riyS/ext2-server/internal/ext2/disklayout"
	"github.com/S1riyS/ext2-server/internal/models"
	"github.com/S1riyS/ext2-server/internal/pkg/kerrors"
	"github.com/S1riyS/ext2-server/pkg/logging"
	"github.com/S1riyS/ext2-server/pkg/logging/slogext"
)

const (
	S_IFMT  = disklayout.ModeTypeMask
	S_IFDIR = disklayout.ModeDir     // Directory
	S_IFREG = disklayout.ModeRegular // Regular file
	S_IFLNK = disklayout.ModeSymlink // Symbolic link

	S_IALLUGO = disklayout.ModePermMask // Permission and sticky bits
)

type FileSystemService interface {
	GetRoot(ctx context.Context) (*models.NodeMeta, error)
	Lookup(ctx context.Context, parentIno int64, name string) (*models.NodeMeta, error)
	IterateDir(ctx context.Context, dirIno int64, offset *uint64) (*models.Dirent, error)
	ReadDir(ctx context.Context, dirIno int64) ([]models.Dirent, error)
	CreateFile(ctx context.Context, parentIno int64, name string, mode uint32) (*models.NodeMeta, error)
	Unlink(ctx context.Context, parentIno int64, name string) error
	CreateDir(ctx context.Context, parentIno int64, name string, mode uint32) (*models.NodeMeta, error)
	Rmdir(ctx context.Context, parentIno int64, name string) error
	Read(ctx context.Context, ino int64, buffer []byte, offset int64) (int64, error)
	Write(ctx context.Context, ino int64, data []byte, length uint64, offset int64) (int64, error)
	Link(ctx context.Context, targetIno int64, parentIno int64, name string) error
	CountLinks(ctx context.Context, ino int64) (uint32, error)
	Truncate(ctx context.Context, ino int64, size int64) error
	Rename(ctx context.Context, oldParentIno int64, oldName string, newParentIno int64, newName string) error
	Symlink(ctx context.Context, parentIno int64, name string, target string) (*models.NodeMeta, error)
	Readlink(ctx context.Context, ino int64) (string, error)
	Getattr(ctx context.Context, ino int64) (*models.NodeMeta, error)
	Setattr(ctx context.Context, ino int64, attr models.SetAttr) (*models.NodeMeta, error)
	StatFS(ctx context.Context) (*models.StatFS, error)
	Sync(ctx context.Context) error
}

type fileSystemService struct {
	fs    *ext2.FileSystem
	owner ext2.Owner

	// namespaceMu is held shared by operations that touch a single
	// directory and exclusively by rmdir and rename, which check a
	// condition on one directory and then change another.
	namespaceMu sync.RWMutex
}

func NewFileSystemService(fs *ext2.FileSystem, owner ext2.Owner) FileSystemService {
	return &fileSystemService{
		fs:    fs,
		owner: owner,
	}
}

func (s *fileSystemService) GetRoot(ctx context.Context) (*models.NodeMeta, error) {
	const op = "service.fileSystemService.GetRoot"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("GetRoot")

	root, err := s.fs.Root(ctx)
	if err != nil {
		logger.Error("Failed to get root inode", slogext.Err(err))
		return nil, toServiceError(err)
	}

	return nodeMeta(root, int64(root.Index())), nil
}

func (s *fileSystemService) Lookup(ctx context.Context, parentIno int64, name string) (*models.NodeMeta, error) {
	const op = "service.fileSystemService.Lookup"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Lookup",
		slog.Int64("parent_ino", parentIno),
		slog.String("name", name),
	)

	parent, err := s.inode(ctx, parentIno)
	if err != nil {
		return nil, err
	}

	child, err := s.child(ctx, parent, name)
	if err != nil {
		logger.Debug("Lookup failed", slogext.Err(err), slog.String("name", name))
		return nil, err
	}

	meta := nodeMeta(child, parentIno)
	logger.Debug("Lookup successful",
		slog.Int64("ino", meta.Ino),
		slog.Int("type", int(meta.Type)),
	)
	return meta, nil
}

func (s *fileSystemService) IterateDir(ctx context.Context, dirIno int64, offset *uint64) (*models.Dirent, error) {
	const op = "service.fileSystemService.IterateDir"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("IterateDir",
		slog.Int64("dir_ino", dirIno),
		slog.Uint64("offset", *offset),
	)

	entries, err := s.ReadDir(ctx, dirIno)
	if err != nil {
		return nil, err
	}

	if *offset >= uint64(len(entries)) {
		logger.Debug("No more entries", slog.Int64("dir_ino", dirIno), slog.Uint64("offset", *offset))
		return nil, &ServiceError{Code: kerrors.ENOENT, Message: "no more entries"}
	}

	dirent := entries[*offset]
	*offset++

	logger.Debug("IterateDir successful",
		slog.String("name", dirent.Name),
		slog.Int64("ino", dirent.Ino),
		slog.Int("type", int(dirent.Type)),
		slog.Uint64("next_offset", *offset),
	)

	return &dirent, nil
}

// ReadDir lists a directory without its "." and ".." entries.
func (s *fileSystemService) ReadDir(ctx context.Context, dirIno int64) ([]models.Dirent, error) {
	const op = "service.fileSystemService.ReadDir"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	dir, err := s.inode(ctx, dirIno)
	if err != nil {
		return nil, err
	}
	if !dir.IsDir() {
		return nil, &ServiceError{Code: kerrors.ENOTDIR, Message: "not a directory"}
	}

	entries, err := dir.Entries(ctx)
	if err != nil {
		logger.Error("Failed to read directory", slogext.Err(err), slog.Int64("dir_ino", dirIno))
		return nil, toServiceError(err)
	}

	out := make([]models.Dirent, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		out = append(out, models.Dirent{
			Name: e.Name,
			Ino:  int64(e.Inode),
			Type: nodeTypeFromFileType(e.FileType),
		})
	}
	return out, nil
}

func (s *fileSystemService) CreateFile(ctx context.Context, parentIno int64, name string, mode uint32) (*models.NodeMeta, error) {
	const op = "service.fileSystemService.CreateFile"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("CreateFile",
		slog.Int64("parent_ino", parentIno),
		slog.String("name", name),
		slog.Uint64("mode", uint64(mode)),
	)

	s.namespaceMu.RLock()
	defer s.namespaceMu.RUnlock()

	parent, err := s.inode(ctx, parentIno)
	if err != nil {
		return nil, err
	}

	in, err := s.fs.CreateInode(ctx, parent, name, S_IFREG|uint16(mode&S_IALLUGO), s.owner)
	if err != nil {
		logger.Debug("Failed to create file", slogext.Err(err), slog.String("name", name))
		return nil, toServiceError(err)
	}

	meta := nodeMeta(in, parentIno)
	logger.Debug("File created successfully", slog.Int64("ino", meta.Ino), slog.String("name", name))
	return meta, nil
}

func (s *fileSystemService) Unlink(ctx context.Context, parentIno int64, name string) error {
	const op = "service.fileSystemService.Unlink"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Unlink",
		slog.Int64("parent_ino", parentIno),
		slog.String("name", name),
	)

	s.namespaceMu.RLock()
	defer s.namespaceMu.RUnlock()

	parent, err := s.inode(ctx, parentIno)
	if err != nil {
		return err
	}

	child, err := s.child(ctx, parent, name)
	if err != nil {
		return err
	}
	if child.IsDir() {
		logger.Debug("Target is a directory", slog.String("name", name))
		return &ServiceError{Code: kerrors.EISDIR, Message: "is a directory"}
	}

	if err := parent.RemoveChild(ctx, name); err != nil {
		logger.Error("Failed to remove entry", slogext.Err(err), slog.String("name", name))
		return toServiceError(err)
	}

	logger.Debug("Unlink successful", slog.String("name", name), slogext.Inode(child.Index()))
	return nil
}

func (s *fileSystemService) CreateDir(ctx context.Context, parentIno int64, name string, mode uint32) (*models.NodeMeta, error) {
	const op = "service.fileSystemService.CreateDir"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("CreateDir",
		slog.Int64("parent_ino", parentIno),
		slog.String("name", name),
		slog.Uint64("mode", uint64(mode)),
	)

	s.namespaceMu.RLock()
	defer s.namespaceMu.RUnlock()

	parent, err := s.inode(ctx, parentIno)
	if err != nil {
		return nil, err
	}

	in, err := s.fs.CreateDirectory(ctx, parent, name, uint16(mode&S_IALLUGO), s.owner)
	if err != nil {
		logger.Debug("Failed to create directory", slogext.Err(err), slog.String("name", name))
		return nil, toServiceError(err)
	}

	meta := nodeMeta(in, parentIno)
	logger.Debug("Directory created successfully", slog.Int64("ino", meta.Ino), slog.String("name", name))
	return meta, nil
}

func (s *fileSystemService) Rmdir(ctx context.Context, parentIno int64, name string) error {
	const op = "service.fileSystemService.Rmdir"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Rmdir",
		slog.Int64("parent_ino", parentIno),
		slog.String("name", name),
	)

	if name == "." || name == ".." {
		return &ServiceError{Code: kerrors.EINVAL, Message: "cannot remove . or .."}
	}

	s.namespaceMu.Lock()
	defer s.namespaceMu.Unlock()

	parent, err := s.inode(ctx, parentIno)
	if err != nil {
		return err
	}

	child, err := s.child(ctx, parent, name)
	if err != nil {
		return err
	}
	if !child.IsDir() {
		return &ServiceError{Code: kerrors.ENOTDIR, Message: "not a directory"}
	}

	empty, err := child.IsEmpty(ctx)
	if err != nil {
		logger.Error("Failed to check if directory is empty", slogext.Err(err))
		return toServiceError(err)
	}
	if !empty {
		logger.Debug("Directory is not empty", slog.String("name", name))
		return &ServiceError{Code: kerrors.ENOTEMPTY, Message: "directory not empty"}
	}

	if err := s.detachDirectory(ctx, parent, name, child); err != nil {
		logger.Error("Failed to remove directory", slogext.Err(err), slog.String("name", name))
		return toServiceError(err)
	}

	logger.Debug("Rmdir successful", slog.String("name", name))
	return nil
}

// detachDirectory unlinks an empty directory from parent and drops the
// links held by its "." and ".." entries.
func (s *fileSystemService) detachDirectory(ctx context.Context, parent *ext2.Inode, name string, child *ext2.Inode) error {
	if err := parent.RemoveChild(ctx, name); err != nil {
		return err
	}
	if err := child.DecrementLinkCount(ctx); err != nil {
		return err
	}
	return parent.DecrementLinkCount(ctx)
}

func (s *fileSystemService) Read(ctx context.Context, ino int64, buffer []byte, offset int64) (int64, error) {
	const op = "service.fileSystemService.Read"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Read",
		slog.Int64("ino", ino),
		slog.Int("len", len(buffer)),
		slog.Int64("offset", offset),
	)

	if offset < 0 {
		return 0, &ServiceError{Code: kerrors.EINVAL, Message: "negative offset"}
	}

	in, err := s.inode(ctx, ino)
	if err != nil {
		return 0, err
	}
	if in.IsDir() {
		return 0, &ServiceError{Code: kerrors.EISDIR, Message: "is a directory"}
	}

	n, err := in.ReadBytes(ctx, uint64(offset), buffer)
	if err != nil {
		logger.Error("Failed to read", slogext.Err(err), slog.Int64("ino", ino))
		return 0, toServiceError(err)
	}

	logger.Debug("Read successful", slog.Int64("ino", ino), slog.Int("bytes_read", n))
	return int64(n), nil
}

func (s *fileSystemService) Write(ctx context.Context, ino int64, data []byte, length uint64, offset int64) (int64, error) {
	const op = "service.fileSystemService.Write"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Write",
		slog.Int64("ino", ino),
		slog.Uint64("length", length),
		slog.Int64("offset", offset),
	)

	if offset < 0 || length > uint64(len(data)) {
		return 0, &ServiceError{Code: kerrors.EINVAL, Message: "invalid offset or length"}
	}

	in, err := s.inode(ctx, ino)
	if err != nil {
		return 0, err
	}
	if in.IsDir() {
		return 0, &ServiceError{Code: kerrors.EISDIR, Message: "is a directory"}
	}

	n, err := in.WriteBytes(ctx, uint64(offset), data[:length])
	if err != nil {
		logger.Error("Failed to write", slogext.Err(err),
			slog.Int64("ino", ino),
			slog.Int("written", n))
		return 0, toServiceError(err)
	}

	logger.Debug("Write successful", slog.Int64("ino", ino), slog.Int("bytes_written", n))
	return int64(n), nil
}

func (s *fileSystemService) Link(ctx context.Context, targetIno int64, parentIno int64, name string) error {
	const op = "service.fileSystemService.Link"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Link",
		slog.Int64("target_ino", targetIno),
		slog.Int64("parent_ino", parentIno),
		slog.String("name", name),
	)

	s.namespaceMu.RLock()
	defer s.namespaceMu.RUnlock()

	target, err := s.inode(ctx, targetIno)
	if err != nil {
		return err
	}
	if target.IsDir() {
		logger.Debug("Hard links to directories are not allowed", slog.Int64("target_ino", targetIno))
		return &ServiceError{Code: kerrors.EPERM, Message: "cannot link a directory"}
	}

	parent, err := s.inode(ctx, parentIno)
	if err != nil {
		return err
	}

	if err := parent.AddChild(ctx, name, target); err != nil {
		logger.Debug("Failed to add link", slogext.Err(err), slog.String("name", name))
		return toServiceError(err)
	}

	logger.Debug("Link successful", slog.Int64("target_ino", targetIno), slog.String("name", name))
	return nil
}

func (s *fileSystemService) CountLinks(ctx context.Context, ino int64) (uint32, error) {
	const op = "service.fileSystemService.CountLinks"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("CountLinks", slog.Int64("ino", ino))

	in, err := s.inode(ctx, ino)
	if err != nil {
		return 0, err
	}

	count := uint32(in.LinkCount())
	logger.Debug("CountLinks successful",
		slog.Int64("ino", ino),
		slog.Uint64("links", uint64(count)),
	)
	return count, nil
}

func (s *fileSystemService) Truncate(ctx context.Context, ino int64, size int64) error {
	const op = "service.fileSystemService.Truncate"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Truncate", slog.Int64("ino", ino), slog.Int64("size", size))

	if size < 0 {
		return &ServiceError{Code: kerrors.EINVAL, Message: "negative size"}
	}

	in, err := s.inode(ctx, ino)
	if err != nil {
		return err
	}
	if in.IsDir() {
		return &ServiceError{Code: kerrors.EISDIR, Message: "is a directory"}
	}

	if err := in.Resize(ctx, uint64(size)); err != nil {
		logger.Debug("Failed to resize", slogext.Err(err), slog.Int64("ino", ino))
		return toServiceError(err)
	}
	return nil
}

// Rename moves oldName in oldParent to newName in newParent, replacing
// whatever newName named before.
func (s *fileSystemService) Rename(ctx context.Context, oldParentIno int64, oldName string, newParentIno int64, newName string) error {
	const op = "service.fileSystemService.Rename"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Rename",
		slog.Int64("old_parent_ino", oldParentIno),
		slog.String("old_name", oldName),
		slog.Int64("new_parent_ino", newParentIno),
		slog.String("new_name", newName),
	)

	for _, name := range []string{oldName, newName} {
		if name == "." || name == ".." {
			return &ServiceError{Code: kerrors.EINVAL, Message: "cannot rename . or .."}
		}
	}

	s.namespaceMu.Lock()
	defer s.namespaceMu.Unlock()

	oldParent, err := s.inode(ctx, oldParentIno)
	if err != nil {
		return err
	}
	newParent, err := s.inode(ctx, newParentIno)
	if err != nil {
		return err
	}
	if !newParent.IsDir() {
		return &ServiceError{Code: kerrors.ENOTDIR, Message: "new parent is not a directory"}
	}

	child, err := s.child(ctx, oldParent, oldName)
	if err != nil {
		return err
	}
	if oldParent == newParent && oldName == newName {
		return nil
	}

	if child.IsDir() && oldParent != newParent {
		inside, err := s.isAncestor(ctx, child, newParent)
		if err != nil {
			return err
		}
		if inside {
			logger.Debug("Cannot move a directory into itself", slogext.Inode(child.Index()))
			return &ServiceError{Code: kerrors.EINVAL, Message: "cannot move a directory into itself"}
		}
	}

	existing, err := s.child(ctx, newParent, newName)
	switch {
	case err == nil:
		if existing == child {
			return nil
		}
		if err := s.checkReplaceable(ctx, child, existing); err != nil {
			return err
		}
		if err := newParent.ReplaceChild(ctx, newName, child); err != nil {
			logger.Error("Failed to replace entry", slogext.Err(err), slog.String("name", newName))
			return toServiceError(err)
		}
		if existing.IsDir() {
			// The replaced directory keeps only its "." link and the
			// new parent loses the link its ".." held.
			if err := existing.DecrementLinkCount(ctx); err != nil {
				return toServiceError(err)
			}
			if err := newParent.DecrementLinkCount(ctx); err != nil {
				return toServiceError(err)
			}
		}
	case isNotFound(err):
		if err := newParent.AddChild(ctx, newName, child); err != nil {
			logger.Debug("Failed to add entry", slogext.Err(err), slog.String("name", newName))
			return toServiceError(err)
		}
	default:
		return err
	}

	if err := oldParent.RemoveChild(ctx, oldName); err != nil {
		logger.Error("Failed to remove old entry", slogext.Err(err), slog.String("name", oldName))
		return toServiceError(err)
	}

	if child.IsDir() && oldParent != newParent {
		if _, err := child.SetParentEntry(ctx, newParent.Index()); err != nil {
			logger.Error("Failed to update parent entry", slogext.Err(err), slogext.Inode(child.Index()))
			return toServiceError(err)
		}
		if err := oldParent.DecrementLinkCount(ctx); err != nil {
			return toServiceError(err)
		}
		if err := newParent.IncrementLinkCount(ctx); err != nil {
			return toServiceError(err)
		}
	}

	logger.Debug("Rename successful", slogext.Inode(child.Index()))
	return nil
}

func (s *fileSystemService) checkReplaceable(ctx context.Context, child, existing *ext2.Inode) error {
	switch {
	case existing.IsDir() && !child.IsDir():
		return &ServiceError{Code: kerrors.EISDIR, Message: "target is a directory"}
	case !existing.IsDir() && child.IsDir():
		return &ServiceError{Code: kerrors.ENOTDIR, Message: "target is not a directory"}
	case existing.IsDir():
		empty, err := existing.IsEmpty(ctx)
		if err != nil {
			return toServiceError(err)
		}
		if !empty {
			return &ServiceError{Code: kerrors.ENOTEMPTY, Message: "target directory not empty"}
		}
	}
	return nil
}

// isAncestor reports whether dir is dir itself or one of its ".." chain
// up to the root.
func (s *fileSystemService) isAncestor(ctx context.Context, ancestor, dir *ext2.Inode) (bool, error) {
	for {
		if dir == ancestor {
			return true, nil
		}
		if dir.Index() == disklayout.RootInode {
			return false, nil
		}
		parent, err := s.child(ctx, dir, "..")
		if err != nil {
			return false, err
		}
		if parent == dir {
			return false, nil
		}
		dir = parent
	}
}

func (s *fileSystemService) Symlink(ctx context.Context, parentIno int64, name string, target string) (*models.NodeMeta, error) {
	const op = "service.fileSystemService.Symlink"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Symlink",
		slog.Int64("parent_ino", parentIno),
		slog.String("name", name),
		slog.String("target", target),
	)

	s.namespaceMu.RLock()
	defer s.namespaceMu.RUnlock()

	parent, err := s.inode(ctx, parentIno)
	if err != nil {
		return nil, err
	}

	in, err := s.fs.CreateSymlink(ctx, parent, name, target, s.owner)
	if err != nil {
		logger.Debug("Failed to create symlink", slogext.Err(err), slog.String("name", name))
		return nil, toServiceError(err)
	}

	return nodeMeta(in, parentIno), nil
}

func (s *fileSystemService) Readlink(ctx context.Context, ino int64) (string, error) {
	in, err := s.inode(ctx, ino)
	if err != nil {
		return "", err
	}

	target, err := in.ReadLink(ctx)
	if err != nil {
		return "", toServiceError(err)
	}
	return target, nil
}

func (s *fileSystemService) Getattr(ctx context.Context, ino int64) (*models.NodeMeta, error) {
	in, err := s.inode(ctx, ino)
	if err != nil {
		return nil, err
	}
	return nodeMeta(in, 0), nil
}

func (s *fileSystemService) Setattr(ctx context.Context, ino int64, attr models.SetAttr) (*models.NodeMeta, error) {
	const op = "service.fileSystemService.Setattr"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)
	logger.Debug("Setattr", slog.Int64("ino", ino))

	in, err := s.inode(ctx, ino)
	if err != nil {
		return nil, err
	}

	if attr.Size != nil {
		if err := s.Truncate(ctx, ino, *attr.Size); err != nil {
			return nil, err
		}
	}

	var attrs ext2.Attributes
	if attr.Mode != nil {
		mode := in.Mode()&S_IFMT | uint16(*attr.Mode&S_IALLUGO)
		attrs.Mode = &mode
	}
	if attr.UID != nil {
		if *attr.UID > math.MaxUint16 {
			return nil, &ServiceError{Code: kerrors.EINVAL, Message: "uid out of range"}
		}
		uid := uint16(*attr.UID)
		attrs.UID = &uid
	}
	if attr.GID != nil {
		if *attr.GID > math.MaxUint16 {
			return nil, &ServiceError{Code: kerrors.EINVAL, Message: "gid out of range"}
		}
		gid := uint16(*attr.GID)
		attrs.GID = &gid
	}
	if attr.Atime != nil {
		t := time.Unix(*attr.Atime, 0)
		attrs.ATime = &t
	}
	if attr.Mtime != nil {
		t := time.Unix(*attr.Mtime, 0)
		attrs.MTime = &t
	}

	if err := in.SetAttributes(ctx, attrs); err != nil {
		logger.Error("Failed to set attributes", slogext.Err(err), slog.Int64("ino", ino))
		return nil, toServiceError(err)
	}

	return nodeMeta(in, 0), nil
}

func (s *fileSystemService) StatFS(ctx context.Context) (*models.StatFS, error) {
	st := s.fs.StatFS()
	return &models.StatFS{
		BlockSize:  uint32(st.BlockSize),
		Blocks:     st.Blocks,
		FreeBlocks: st.FreeBlocks,
		Inodes:     st.Inodes,
		FreeInodes: st.FreeInodes,
		NameLen:    uint32(st.MaxNameLen),
	}, nil
}

func (s *fileSystemService) Sync(ctx context.Context) error {
	if err := s.fs.Sync(ctx); err != nil {
		return toServiceError(err)
	}
	return nil
}

// inode resolves an inode number coming from a client.
func (s *fileSystemService) inode(ctx context.Context, ino int64) (*ext2.Inode, error) {
	if ino <= 0 || ino > math.MaxUint32 {
		return nil, &ServiceError{Code: kerrors.ENOENT, Message: "inode not found"}
	}

	in, err := s.fs.GetInode(ctx, uint32(ino))
	if err != nil {
		return nil, toServiceError(err)
	}
	return in, nil
}

func (s *fileSystemService) child(ctx context.Context, parent *ext2.Inode, name string) (*ext2.Inode, error) {
	idx, err := parent.Lookup(ctx, name)
	if err != nil {
		return nil, toServiceError(err)
	}

	child, err := s.fs.GetInode(ctx, idx)
	if err != nil {
		return nil, toServiceError(err)
	}
	return child, nil
}

func isNotFound(err error) bool {
	serviceErr, ok := err.(*ServiceError)
	return ok && serviceErr.Code == kerrors.ENOENT
}

func nodeMeta(in *ext2.Inode, parentIno int64) *models.NodeMeta {
	meta := in.Metadata()
	return &models.NodeMeta{
		Ino:       int64(meta.Index),
		ParentIno: parentIno,
		Type:      nodeTypeFromMode(meta.Mode),
		Mode:      uint32(meta.Mode),
		Size:      int64(meta.Size),
		Nlink:     uint32(meta.LinkCount),
		Blocks:    uint64(meta.Sectors),
		Mtime:     meta.MTime.Unix(),
	}
}

func nodeTypeFromMode(mode uint16) models.NodeType {
	switch mode & S_IFMT {
	case S_IFDIR:
		return models.NodeTypeDir
	case S_IFLNK:
		return models.NodeTypeSymlink
	default:
		return models.NodeTypeFile
	}
}

func nodeTypeFromFileType(ft uint8) models.NodeType {
	switch ft {
	case disklayout.FileTypeDir:
		return models.NodeTypeDir
	case disklayout.FileTypeSymlink:
		return models.NodeTypeSymlink
	default:
		return models.NodeTypeFile
	}
}
