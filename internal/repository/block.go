package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/S1riyS/ext2-server/pkg/database/postgresql"
	"github.com/jackc/pgx/v5"
)

// BlockRepository stores device blocks as rows. Blocks never written read
// back as nil.
type BlockRepository interface {
	Get(ctx context.Context, device string, idx int64) ([]byte, error)
	GetForUpdate(ctx context.Context, device string, idx int64) ([]byte, error)
	Set(ctx context.Context, device string, idx int64, data []byte) error
	DeleteAll(ctx context.Context, device string) error
	Count(ctx context.Context, device string) (int64, error)
}

type blockRepository struct {
	db     postgresql.Client
	tables Tables
}

func NewBlockRepository(db postgresql.Client, tables Tables) BlockRepository {
	return &blockRepository{db: db, tables: tables}
}

func (r *blockRepository) Get(ctx context.Context, device string, idx int64) ([]byte, error) {
	const op = "repository.blockRepository.Get"

	query := fmt.Sprintf(`
		SELECT data
		FROM %s
		WHERE device = $1 AND idx = $2
	`, r.tables.blocks())

	return r.get(ctx, op, query, device, idx)
}

func (r *blockRepository) GetForUpdate(ctx context.Context, device string, idx int64) ([]byte, error) {
	const op = "repository.blockRepository.GetForUpdate"

	query := fmt.Sprintf(`
		SELECT data
		FROM %s
		WHERE device = $1 AND idx = $2
		FOR UPDATE
	`, r.tables.blocks())

	return r.get(ctx, op, query, device, idx)
}

func (r *blockRepository) get(ctx context.Context, op, query, device string, idx int64) ([]byte, error) {
	var data []byte
	db := postgresql.GetDBClient(ctx, r.db)
	err := db.QueryRow(ctx, query, device, idx).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return data, nil
}

func (r *blockRepository) Set(ctx context.Context, device string, idx int64, data []byte) error {
	const op = "repository.blockRepository.Set"

	query := fmt.Sprintf(`
		INSERT INTO %s (device, idx, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (device, idx)
		DO UPDATE SET data = EXCLUDED.data
	`, r.tables.blocks())

	db := postgresql.GetDBClient(ctx, r.db)
	_, err := db.Exec(ctx, query, device, idx, data)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (r *blockRepository) DeleteAll(ctx context.Context, device string) error {
	const op = "repository.blockRepository.DeleteAll"

	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE device = $1
	`, r.tables.blocks())

	db := postgresql.GetDBClient(ctx, r.db)
	_, err := db.Exec(ctx, query, device)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (r *blockRepository) Count(ctx context.Context, device string) (int64, error) {
	const op = "repository.blockRepository.Count"

	query := fmt.Sprintf(`
		SELECT count(*)
		FROM %s
		WHERE device = $1
	`, r.tables.blocks())

	var n int64
	db := postgresql.GetDBClient(ctx, r.db)
	if err := db.QueryRow(ctx, query, device).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return n, nil
}
