package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/S1riyS/ext2-server/internal/models"
	"github.com/S1riyS/ext2-server/pkg/database/postgresql"
	"github.com/S1riyS/ext2-server/pkg/logging"
	"github.com/S1riyS/ext2-server/pkg/logging/slogext"
	"github.com/jackc/pgx/v5"
)

// DeviceRepository is the registry of database-backed block devices.
type DeviceRepository interface {
	Create(ctx context.Context, dev *models.Device) error
	Get(ctx context.Context, name string) (*models.Device, error)
	GetOrCreate(ctx context.Context, dev *models.Device) (*models.Device, error)
}

type deviceRepository struct {
	db     postgresql.Client
	tables Tables
}

func NewDeviceRepository(db postgresql.Client, tables Tables) DeviceRepository {
	return &deviceRepository{db: db, tables: tables}
}

func (r *deviceRepository) Create(ctx context.Context, dev *models.Device) error {
	const op = "repository.deviceRepository.Create"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	query := fmt.Sprintf(`
		INSERT INTO %s (name, block_size, block_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO NOTHING
	`, r.tables.devices())

	db := postgresql.GetDBClient(ctx, r.db)
	_, err := db.Exec(ctx, query, dev.Name, dev.BlockSize, dev.BlockCount)
	if err != nil {
		logger.Error("Failed to create device", slogext.Err(err), "name", dev.Name)
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (r *deviceRepository) Get(ctx context.Context, name string) (*models.Device, error) {
	const op = "repository.deviceRepository.Get"

	query := fmt.Sprintf(`
		SELECT name, block_size, block_count, created_at
		FROM %s
		WHERE name = $1
	`, r.tables.devices())

	var dev models.Device
	db := postgresql.GetDBClient(ctx, r.db)
	err := db.QueryRow(ctx, query, name).Scan(
		&dev.Name,
		&dev.BlockSize,
		&dev.BlockCount,
		&dev.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &dev, nil
}

func (r *deviceRepository) GetOrCreate(ctx context.Context, want *models.Device) (*models.Device, error) {
	dev, err := r.Get(ctx, want.Name)
	if err != nil {
		return nil, err
	}

	if dev != nil {
		return dev, nil
	}

	err = postgresql.WithTransaction(ctx, r.db, func(ctx context.Context) error {
		dev, err = r.Get(ctx, want.Name)
		if err != nil {
			return err
		}
		if dev != nil {
			return nil
		}
		return r.Create(ctx, want)
	})

	if err != nil {
		return nil, err
	}

	return r.Get(ctx, want.Name)
}
