package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/S1riyS/ext2-server/internal/blockdev"
	"github.com/S1riyS/ext2-server/internal/config"
	"github.com/S1riyS/ext2-server/internal/ext2"
	"github.com/S1riyS/ext2-server/internal/fusefs"
	"github.com/S1riyS/ext2-server/internal/handler"
	"github.com/S1riyS/ext2-server/internal/middleware"
	"github.com/S1riyS/ext2-server/internal/repository"
	"github.com/S1riyS/ext2-server/internal/service"
	"github.com/S1riyS/ext2-server/pkg/database/postgresql"
	"github.com/S1riyS/ext2-server/pkg/logging"
	"github.com/S1riyS/ext2-server/pkg/logging/slogext"
	"github.com/S1riyS/ext2-server/pkg/logging/slogpretty"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	cfg := config.MustLoad(configPath)

	prettyLogger := setupPrettySlog(cfg.App.LogLevel)
	logging.SetFallback(prettyLogger)

	// Root context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.MakeContextWithLogger(ctx, prettyLogger)

	if err := run(ctx, cfg); err != nil {
		prettyLogger.Error("Server stopped with error", slogext.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	const op = "main.run"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	// Dependencies
	dev, fresh, release, err := openDevice(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer release()

	cached, err := blockdev.NewCached(dev, cfg.Device.CacheSize)
	if err != nil {
		dev.Close()
		return fmt.Errorf("%s: %w", op, err)
	}

	fs, err := mountFileSystem(ctx, cfg, cached, fresh || cfg.Filesystem.Format)
	if err != nil {
		cached.Close()
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		// The signal context is done by now.
		if err := fs.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Error("Failed to close filesystem", slogext.Err(err))
		}
		if err := cached.Close(); err != nil {
			logger.Error("Failed to close device", slogext.Err(err))
		}
	}()

	if cfg.Filesystem.CheckOnMount {
		problems, err := fs.Check(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		for _, p := range problems {
			logger.Warn("Consistency problem", slog.String("problem", p.String()))
		}
		logger.Info("Consistency check finished", slog.Int("problems", len(problems)))
	}

	fsService := service.NewFileSystemService(fs, ext2.Owner{UID: cfg.Filesystem.UID, GID: cfg.Filesystem.GID})

	if cfg.Fuse.Enabled {
		server, err := fusefs.Mount(ctx, fsService, fusefs.Options{
			Mountpoint: cfg.Fuse.Mountpoint,
			FsName:     cfg.Device.Name,
			Debug:      cfg.Fuse.Debug,
		})
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		defer func() {
			if err := server.Unmount(); err != nil {
				logger.Error("Failed to unmount", slogext.Err(err))
			}
			server.Wait()
		}()
	}

	mux := http.NewServeMux()
	handler.NewHandler(fsService).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.App.Port),
		Handler:      middleware.RequestIDMiddleware(mux),
		ReadTimeout:  cfg.App.DefaultTimeout,
		WriteTimeout: cfg.App.DefaultTimeout,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down HTTP server", slogext.Err(err))
	}
	return nil
}

// openDevice opens the configured block device. fresh reports that the
// device was just created and has to be formatted. release frees what the
// backend holds besides the device and runs after the device is closed.
func openDevice(ctx context.Context, cfg *config.Config) (dev blockdev.Device, fresh bool, release func(), err error) {
	const op = "main.openDevice"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	dc := cfg.Device
	switch dc.Backend {
	case config.DeviceBackendMemory:
		logger.Info("Using in-memory device", slog.Uint64("blocks", dc.BlockCount))
		return blockdev.NewMemory(dc.BlockSize, dc.BlockCount), true, noop, nil

	case config.DeviceBackendFile:
		f, err := os.Open(dc.Path)
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("Creating image", slog.String("path", dc.Path))
			dev, err := blockdev.CreateFile(dc.Path, dc.BlockSize, dc.BlockCount)
			return dev, true, noop, err
		}
		if err != nil {
			return nil, false, nil, fmt.Errorf("%s: %w", op, err)
		}
		blockSize, err := ext2.ProbeBlockSize(f)
		f.Close()
		if err != nil {
			if !cfg.Filesystem.Format {
				return nil, false, nil, fmt.Errorf("%s: %w", op, err)
			}
			blockSize = dc.BlockSize
		}
		dev, err := blockdev.OpenFile(dc.Path, blockSize, dc.ReadOnly)
		return dev, false, noop, err

	case config.DeviceBackendPostgres:
		db, err := postgresql.NewClient(ctx, cfg.Database)
		if err != nil {
			return nil, false, nil, fmt.Errorf("%s: %w", op, err)
		}
		defer func() {
			if err != nil {
				db.Close()
			}
		}()

		tables := repository.Tables{Devices: cfg.Database.DevicesTable, Blocks: cfg.Database.BlocksTable}
		if err := repository.EnsureSchema(ctx, db, tables); err != nil {
			return nil, false, nil, fmt.Errorf("%s: %w", op, err)
		}
		blocks := repository.NewBlockRepository(db, tables)
		pg, err := blockdev.OpenPostgres(ctx, db, repository.NewDeviceRepository(db, tables), blocks,
			dc.Name, dc.BlockSize, dc.BlockCount)
		if err != nil {
			return nil, false, nil, fmt.Errorf("%s: %w", op, err)
		}
		stored, err := blocks.Count(ctx, dc.Name)
		if err != nil {
			return nil, false, nil, fmt.Errorf("%s: %w", op, err)
		}
		if stored > 0 && cfg.Filesystem.Format {
			logger.Info("Discarding stored blocks before format", slog.Int64("blocks", stored))
			if err := pg.Discard(ctx); err != nil {
				return nil, false, nil, fmt.Errorf("%s: %w", op, err)
			}
		}
		return pg, stored == 0, db.Close, nil
	}

	return nil, false, nil, fmt.Errorf("%s: unknown backend %q", op, dc.Backend)
}

func noop() {}

func mountFileSystem(ctx context.Context, cfg *config.Config, dev blockdev.Device, format bool) (*ext2.FileSystem, error) {
	if !format {
		return ext2.Mount(ctx, dev)
	}

	fc := cfg.Filesystem
	return ext2.Format(ctx, dev, ext2.FormatOptions{
		VolumeName:    fc.VolumeName,
		InodeSize:     fc.InodeSize,
		BytesPerInode: fc.BytesPerInode,
		LargeFile:     fc.LargeFile,
		Owner:         ext2.Owner{UID: fc.UID, GID: fc.GID},
	})
}

func setupPrettySlog(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelDebug
	}

	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: lvl,
		},
	}

	handler := opts.NewPrettyHandler(os.Stdout)

	return slog.New(handler)
}
