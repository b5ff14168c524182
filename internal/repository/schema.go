package repository

import (
	"context"
	"fmt"

	"github.com/S1riyS/ext2-server/pkg/database/postgresql"
	"github.com/lib/pq"
)

// Tables names the tables the repositories work on. Names come from
// configuration and are always quoted before reaching SQL.
type Tables struct {
	Devices string
	Blocks  string
}

func (t Tables) devices() string { return pq.QuoteIdentifier(t.Devices) }
func (t Tables) blocks() string  { return pq.QuoteIdentifier(t.Blocks) }

// EnsureSchema creates the device registry and block tables if missing.
func EnsureSchema(ctx context.Context, db postgresql.Client, tables Tables) error {
	const op = "repository.EnsureSchema"

	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				name        TEXT PRIMARY KEY,
				block_size  INTEGER NOT NULL,
				block_count BIGINT NOT NULL,
				created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
			)
		`, tables.devices()),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				device TEXT NOT NULL REFERENCES %s (name) ON DELETE CASCADE,
				idx    BIGINT NOT NULL,
				data   BYTEA NOT NULL,
				PRIMARY KEY (device, idx)
			)
		`, tables.blocks(), tables.devices()),
	}

	return postgresql.WithTransaction(ctx, db, func(ctx context.Context) error {
		client := postgresql.GetDBClient(ctx, db)
		for _, stmt := range statements {
			if _, err := client.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}
		return nil
	})
}
