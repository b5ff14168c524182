package ext2

import "errors"

var (
	ErrOutOfSpace    = errors.New("no space left on device")
	ErrOutOfRange    = errors.New("size out of range")
	ErrNameTooLong   = errors.New("name too long")
	ErrExists        = errors.New("entry already exists")
	ErrNotFound      = errors.New("entry not found")
	ErrNotDir        = errors.New("not a directory")
	ErrIsDir         = errors.New("is a directory")
	ErrNotEmpty      = errors.New("directory not empty")
	ErrInvalid       = errors.New("invalid argument")
	ErrTooManyLinks  = errors.New("too many links")
	ErrCorrupt       = errors.New("filesystem corrupt")
	ErrUnsupported   = errors.New("unsupported filesystem")
	ErrNoFreeInodes  = errors.New("no free inodes")
	ErrInodeReleased = errors.New("inode released")
)
