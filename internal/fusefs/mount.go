package fusefs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/S1riyS/ext2-server/internal/service"
	"github.com/S1riyS/ext2-server/pkg/logging"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

type Options struct {
	Mountpoint string
	FsName     string
	Debug      bool
}

// Mount serves svc at opts.Mountpoint. The caller unmounts the returned
// server and waits for it.
func Mount(ctx context.Context, svc service.FileSystemService, opts Options) (*fuse.Server, error) {
	const op = "fusefs.Mount"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	root, err := NewRoot(ctx, svc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	timeout := time.Second
	server, err := fs.Mount(opts.Mountpoint, root, &fs.Options{
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		MountOptions: fuse.MountOptions{
			FsName: opts.FsName,
			Name:   "ext2",
			Debug:  opts.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	logger.Info("Mounted", slog.String("mountpoint", opts.Mountpoint))
	return server, nil
}
