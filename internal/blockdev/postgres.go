package blockdev

import (
	"context"
	"fmt"
	"sync"

	"github.com/S1riyS/ext2-server/internal/models"
	"github.com/S1riyS/ext2-server/internal/repository"
	"github.com/S1riyS/ext2-server/pkg/database/postgresql"
	"github.com/S1riyS/ext2-server/pkg/logging"
)

// Postgres is a device whose blocks are rows in a PostgreSQL table. Rows
// are created lazily, so an unwritten block reads as zeros.
type Postgres struct {
	// writeMu serializes writers: a partial write is a read-modify-write and
	// a row that does not exist yet cannot be locked with FOR UPDATE.
	writeMu sync.Mutex

	db         postgresql.Client
	blocks     repository.BlockRepository
	name       string
	blockSize  int
	blockCount uint64
}

// OpenPostgres registers the device if it does not exist yet. An existing
// registration wins over the requested geometry.
func OpenPostgres(
	ctx context.Context,
	db postgresql.Client,
	devices repository.DeviceRepository,
	blocks repository.BlockRepository,
	name string,
	blockSize int,
	blockCount uint64,
) (*Postgres, error) {
	const op = "blockdev.OpenPostgres"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	dev, err := devices.GetOrCreate(ctx, &models.Device{
		Name:       name,
		BlockSize:  blockSize,
		BlockCount: int64(blockCount),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if dev.BlockSize != blockSize {
		logger.Warn("Registered device geometry differs from requested",
			"name", name, "block_size", dev.BlockSize, "requested", blockSize)
	}

	return &Postgres{
		db:         db,
		blocks:     blocks,
		name:       dev.Name,
		blockSize:  dev.BlockSize,
		blockCount: uint64(dev.BlockCount),
	}, nil
}

func (p *Postgres) BlockSize() int { return p.blockSize }

func (p *Postgres) BlockCount() uint64 { return p.blockCount }

func (p *Postgres) ReadBlock(ctx context.Context, idx BlockIndex, buf []byte, offset int, _ bool) error {
	if err := checkRange(p.blockSize, p.blockCount, idx, len(buf), offset); err != nil {
		return err
	}

	data, err := p.blocks.Get(ctx, p.name, int64(idx))
	if err != nil {
		return fmt.Errorf("read block %d: %w", idx, err)
	}

	clear(buf)
	if offset < len(data) {
		copy(buf, data[offset:])
	}
	return nil
}

func (p *Postgres) WriteBlock(ctx context.Context, idx BlockIndex, buf []byte, offset int) error {
	if err := checkRange(p.blockSize, p.blockCount, idx, len(buf), offset); err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if offset == 0 && len(buf) == p.blockSize {
		if err := p.blocks.Set(ctx, p.name, int64(idx), buf); err != nil {
			return fmt.Errorf("write block %d: %w", idx, err)
		}
		return nil
	}

	err := postgresql.WithTransaction(ctx, p.db, func(ctx context.Context) error {
		data, err := p.blocks.GetForUpdate(ctx, p.name, int64(idx))
		if err != nil {
			return err
		}

		block := make([]byte, p.blockSize)
		copy(block, data)
		copy(block[offset:], buf)

		return p.blocks.Set(ctx, p.name, int64(idx), block)
	})
	if err != nil {
		return fmt.Errorf("write block %d: %w", idx, err)
	}
	return nil
}

// Discard drops every stored block, so the whole device reads as zeros.
func (p *Postgres) Discard(ctx context.Context) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := p.blocks.DeleteAll(ctx, p.name); err != nil {
		return fmt.Errorf("discard device %s: %w", p.name, err)
	}
	return nil
}

func (p *Postgres) Sync(context.Context) error { return nil }

func (p *Postgres) Close() error { return nil }
