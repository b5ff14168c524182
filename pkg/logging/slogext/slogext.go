package slogext

import (
	"log/slog"
)

// Err wraps an error into a log attribute.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{Key: "error", Value: slog.StringValue("<nil>")}
	}
	return slog.Attr{
		Key:   "error",
		Value: slog.StringValue(err.Error()),
	}
}

// Block is an attribute for a physical block index.
func Block(idx uint32) slog.Attr {
	return slog.Uint64("block", uint64(idx))
}

// Inode is an attribute for an inode index.
func Inode(idx uint32) slog.Attr {
	return slog.Uint64("inode", uint64(idx))
}
