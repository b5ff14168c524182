package ext2

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/S1riyS/ext2-server/internal/ext2/dirent"
	"github.com/S1riyS/ext2-server/internal/ext2/disklayout"
	"github.com/S1riyS/ext2-server/pkg/logging"
	"github.com/S1riyS/ext2-server/pkg/logging/slogext"
	iradix "github.com/hashicorp/go-immutable-radix"
)

const (
	dotName    = "."
	dotDotName = ".."
)

// validateName accepts names a directory entry may carry through the
// mutators; "." and ".." are maintained by the filesystem itself.
func validateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalid)
	case len(name) > disklayout.MaxNameLength:
		return fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(name))
	case name == dotName || name == dotDotName:
		return fmt.Errorf("%w: reserved name %q", ErrInvalid, name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: name %q contains / or NUL", ErrInvalid, name)
	}
	return nil
}

// TraverseAsDirectory calls fn for every live entry, in on-disk order,
// until fn returns false.
func (in *Inode) TraverseAsDirectory(ctx context.Context, fn func(dirent.Entry) bool) error {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.traverseLocked(ctx, fn)
}

func (in *Inode) traverseLocked(ctx context.Context, fn func(dirent.Entry) bool) error {
	if in.released {
		return ErrInodeReleased
	}
	if !in.raw.IsDir() {
		return ErrNotDir
	}

	data := make([]byte, in.raw.Size())
	if _, err := in.readBytesLocked(ctx, 0, data); err != nil {
		return err
	}
	if err := dirent.Walk(data, in.fs.blockSize, fn); err != nil {
		return fmt.Errorf("inode %d: %w: %w", in.index, ErrCorrupt, err)
	}
	return nil
}

func (in *Inode) entriesLocked(ctx context.Context) ([]dirent.Entry, error) {
	var entries []dirent.Entry
	err := in.traverseLocked(ctx, func(e dirent.Entry) bool {
		entries = append(entries, e)
		return true
	})
	return entries, err
}

// Entries returns every live entry, "." and ".." included.
func (in *Inode) Entries(ctx context.Context) ([]dirent.Entry, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.entriesLocked(ctx)
}

// IsEmpty reports whether the directory holds nothing but "." and "..".
func (in *Inode) IsEmpty(ctx context.Context) (bool, error) {
	empty := true
	err := in.TraverseAsDirectory(ctx, func(e dirent.Entry) bool {
		if e.Name != dotName && e.Name != dotDotName {
			empty = false
			return false
		}
		return true
	})
	return empty, err
}

// writeDirectoryLocked replaces the directory's content with entries.
func (in *Inode) writeDirectoryLocked(ctx context.Context, entries []dirent.Entry) error {
	const op = "ext2.Inode.writeDirectory"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	data, err := dirent.Encode(entries, in.fs.blockSize)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := in.resizeLocked(ctx, uint64(len(data))); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if len(data) > 0 {
		if _, err := in.writeBytesLocked(ctx, 0, data); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	now := in.fs.nowUnix()
	in.raw.MTime = now
	in.raw.CTime = now
	in.setDirty()

	logger.Debug("Wrote directory", slogext.Inode(in.index), slog.Int("entries", len(entries)), slog.Int("bytes", len(data)))
	return nil
}

// populateLookupLocked builds the name cache from disk if it is missing.
// Callers hold mu.
func (in *Inode) populateLookupLocked(ctx context.Context) error {
	if in.lookup != nil {
		return nil
	}

	txn := iradix.New().Txn()
	err := in.traverseLocked(ctx, func(e dirent.Entry) bool {
		txn.Insert([]byte(e.Name), e.Inode)
		return true
	})
	if err != nil {
		return err
	}
	in.lookup = txn.Commit()
	return nil
}

// Lookup returns the inode index of child name. Once the cache is built,
// lookups share the inode lock; only the first one takes it exclusively to
// fill the cache.
func (in *Inode) Lookup(ctx context.Context, name string) (uint32, error) {
	in.mu.RLock()
	idx, answered, err := in.lookupLocked(name)
	in.mu.RUnlock()
	if answered {
		return idx, err
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if idx, answered, err := in.lookupLocked(name); answered {
		return idx, err
	}
	if err := in.populateLookupLocked(ctx); err != nil {
		return 0, err
	}
	idx, _, err = in.lookupLocked(name)
	return idx, err
}

// lookupLocked answers from the cache. answered is false when the cache is
// not built yet.
func (in *Inode) lookupLocked(name string) (idx uint32, answered bool, err error) {
	switch {
	case in.released:
		return 0, true, ErrInodeReleased
	case !in.raw.IsDir():
		return 0, true, ErrNotDir
	case len(name) > disklayout.MaxNameLength:
		return 0, true, ErrNameTooLong
	case in.lookup == nil:
		return 0, false, nil
	}

	v, ok := in.lookup.Get([]byte(name))
	if !ok {
		return 0, true, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return v.(uint32), true, nil
}

// adjustChildLinks changes child's link count while in is locked.
func (in *Inode) adjustChildLinks(ctx context.Context, child *Inode, delta int) error {
	if child == in {
		return in.adjustLinkCountLocked(ctx, delta)
	}
	child.mu.Lock()
	defer child.mu.Unlock()
	return child.adjustLinkCountLocked(ctx, delta)
}

// checkUnlinkable reports whether child can lose one link while in is
// locked.
func (in *Inode) checkUnlinkable(child *Inode) error {
	if child != in {
		child.mu.RLock()
		defer child.mu.RUnlock()
	}
	switch {
	case child.released:
		return fmt.Errorf("%w: inode %d", ErrInodeReleased, child.index)
	case child.raw.LinksCount == 0:
		return fmt.Errorf("%w: inode %d link count underflow", ErrCorrupt, child.index)
	}
	return nil
}

func (in *Inode) childMode(child *Inode) uint16 {
	if child == in {
		return in.raw.Mode
	}
	return child.Mode()
}

// AddChild links child into the directory under name and bumps the
// child's link count.
func (in *Inode) AddChild(ctx context.Context, name string, child *Inode) error {
	const op = "ext2.Inode.AddChild"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	in.mu.Lock()
	defer in.mu.Unlock()

	if in.released {
		return ErrInodeReleased
	}
	if !in.raw.IsDir() {
		return ErrNotDir
	}
	if err := validateName(name); err != nil {
		return err
	}

	entries, err := in.entriesLocked(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	for _, e := range entries {
		if e.Name == name {
			return fmt.Errorf("%s: %w: %q", op, ErrExists, name)
		}
	}
	if err := in.populateLookupLocked(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := in.adjustChildLinks(ctx, child, 1); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	entries = append(entries, dirent.Entry{
		Name:     name,
		Inode:    child.index,
		FileType: disklayout.FileTypeFromMode(in.childMode(child)),
	})
	if err := in.writeDirectoryLocked(ctx, entries); err != nil {
		logger.Error("Failed to write directory", slogext.Inode(in.index), slogext.Err(err))
		in.lookup = nil
		if rerr := in.adjustChildLinks(ctx, child, -1); rerr != nil {
			logger.Error("Failed to roll back link count", slogext.Inode(child.index), slogext.Err(rerr))
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	in.lookup, _, _ = in.lookup.Insert([]byte(name), child.index)

	if err := in.flushMetadata(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	logger.Debug("Added child", slogext.Inode(in.index), slog.String("name", name), slog.Uint64("child", uint64(child.index)))
	return nil
}

// RemoveChild unlinks name and drops one link of the inode it named.
func (in *Inode) RemoveChild(ctx context.Context, name string) error {
	const op = "ext2.Inode.RemoveChild"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	in.mu.Lock()
	defer in.mu.Unlock()

	if in.released {
		return ErrInodeReleased
	}
	if !in.raw.IsDir() {
		return ErrNotDir
	}
	if err := validateName(name); err != nil {
		return err
	}
	if err := in.populateLookupLocked(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	v, ok := in.lookup.Get([]byte(name))
	if !ok {
		return fmt.Errorf("%s: %w: %q", op, ErrNotFound, name)
	}
	childIndex := v.(uint32)

	entries, err := in.entriesLocked(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.Name != name {
			kept = append(kept, e)
		}
	}

	if err := in.writeDirectoryLocked(ctx, kept); err != nil {
		logger.Error("Failed to write directory", slogext.Inode(in.index), slogext.Err(err))
		in.lookup = nil
		return fmt.Errorf("%s: %w", op, err)
	}
	in.lookup, _, _ = in.lookup.Delete([]byte(name))

	if err := in.flushMetadata(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	child, err := in.fs.GetInode(ctx, childIndex)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := in.adjustChildLinks(ctx, child, -1); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	logger.Debug("Removed child", slogext.Inode(in.index), slog.String("name", name), slog.Uint64("child", uint64(childIndex)))
	return nil
}

// ReplaceChild points the existing entry name at child. The new child
// gains a link and the previous one loses one.
func (in *Inode) ReplaceChild(ctx context.Context, name string, child *Inode) error {
	const op = "ext2.Inode.ReplaceChild"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	in.mu.Lock()
	defer in.mu.Unlock()

	if in.released {
		return ErrInodeReleased
	}
	if !in.raw.IsDir() {
		return ErrNotDir
	}
	if err := validateName(name); err != nil {
		return err
	}
	if err := in.populateLookupLocked(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	entries, err := in.entriesLocked(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	var oldIndex uint32
	found := false
	for i := range entries {
		if entries[i].Name == name {
			oldIndex = entries[i].Inode
			entries[i].Inode = child.index
			entries[i].FileType = disklayout.FileTypeFromMode(in.childMode(child))
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%s: %w: %q", op, ErrNotFound, name)
	}

	old, err := in.fs.GetInode(ctx, oldIndex)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := in.adjustChildLinks(ctx, child, 1); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	// The old child is only released once the directory no longer names
	// it, so its decrement is checked here and applied after the write.
	if err := in.checkUnlinkable(old); err != nil {
		if rerr := in.adjustChildLinks(ctx, child, -1); rerr != nil {
			logger.Error("Failed to roll back link count", slogext.Inode(child.index), slogext.Err(rerr))
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := in.writeDirectoryLocked(ctx, entries); err != nil {
		logger.Error("Failed to write directory", slogext.Inode(in.index), slogext.Err(err))
		in.lookup = nil
		if rerr := in.adjustChildLinks(ctx, child, -1); rerr != nil {
			logger.Error("Failed to roll back link count", slogext.Inode(child.index), slogext.Err(rerr))
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	in.lookup, _, _ = in.lookup.Insert([]byte(name), child.index)

	if err := in.flushMetadata(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := in.adjustChildLinks(ctx, old, -1); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	logger.Debug("Replaced child", slogext.Inode(in.index), slog.String("name", name),
		slog.Uint64("old", uint64(oldIndex)), slog.Uint64("new", uint64(child.index)))
	return nil
}

// SetParentEntry rewrites the ".." entry of a directory without touching
// any link count, and returns the inode it pointed at before. Callers
// move the parent links themselves.
func (in *Inode) SetParentEntry(ctx context.Context, parent uint32) (uint32, error) {
	const op = "ext2.Inode.SetParentEntry"

	in.mu.Lock()
	defer in.mu.Unlock()

	if in.released {
		return 0, ErrInodeReleased
	}

	entries, err := in.entriesLocked(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	for i := range entries {
		if entries[i].Name != dotDotName {
			continue
		}
		old := entries[i].Inode
		if old == parent {
			return old, nil
		}
		entries[i].Inode = parent
		if err := in.writeDirectoryLocked(ctx, entries); err != nil {
			in.lookup = nil
			return 0, fmt.Errorf("%s: %w", op, err)
		}
		if in.lookup != nil {
			in.lookup, _, _ = in.lookup.Insert([]byte(dotDotName), parent)
		}
		return old, in.flushMetadata(ctx)
	}

	return 0, fmt.Errorf("%s: %w: no %q entry", op, ErrCorrupt, dotDotName)
}
