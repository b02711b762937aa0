// Package migrate provides batched copy and verification between two
// storage backends, for one-shot tier transitions the auto-promoter's
// copy-only sweep doesn't perform.
package migrate

import (
	"context"
	"fmt"

	"github.com/kgents/kgents/internal/storage"
)

const defaultBatchSize = 100

// Migrate copies every datum from source to target, batchSize at a time,
// and optionally deletes each datum from source once it has landed safely
// in target. Returns the number of datums migrated.
func Migrate(ctx context.Context, source, target storage.Backend, batchSize int, deleteSource bool) (int, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	migrated := 0
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return migrated, err
		}

		q := storage.Query{Offset: offset}.WithLimit(batchSize)
		batch, err := source.List(ctx, q)
		if err != nil {
			return migrated, fmt.Errorf("migrate: list source at offset %d: %w", offset, err)
		}
		if len(batch) == 0 {
			return migrated, nil
		}

		for _, d := range batch {
			if _, err := target.Put(ctx, d); err != nil {
				return migrated, fmt.Errorf("migrate: put %s to target: %w", d.ID, err)
			}
			migrated++

			if deleteSource {
				if _, err := source.Delete(ctx, d.ID); err != nil {
					return migrated, fmt.Errorf("migrate: delete %s from source: %w", d.ID, err)
				}
			}
		}

		// Deleting shrinks source under us, so the next page starts back at
		// offset 0; otherwise advance past what was just read.
		if !deleteSource {
			offset += len(batch)
		}
	}
}

// Verify pages through source and confirms every id it holds is also
// present in target, returning every id that is missing.
func Verify(ctx context.Context, source, target storage.Backend) (ok bool, missing []string, err error) {
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return false, missing, err
		}

		q := storage.Query{Offset: offset}.WithLimit(defaultBatchSize)
		batch, err := source.List(ctx, q)
		if err != nil {
			return false, missing, fmt.Errorf("verify: list source at offset %d: %w", offset, err)
		}
		if len(batch) == 0 {
			return len(missing) == 0, missing, nil
		}

		for _, d := range batch {
			present, err := target.Exists(ctx, d.ID)
			if err != nil {
				return false, missing, fmt.Errorf("verify: exists %s in target: %w", d.ID, err)
			}
			if !present {
				missing = append(missing, d.ID)
			}
		}
		offset += len(batch)
	}
}
