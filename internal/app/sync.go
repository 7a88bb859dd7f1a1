package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"card-deal-alerts/internal/storage"
)

// Sync fetches one fresh listing snapshot and optionally asks the upstream
// backend for a full marketplace re-sync first.
func (a *App) Sync(ctx context.Context, opts SyncOptions) error {
	client := a.newUpstream()

	if opts.Trigger {
		if err := client.TriggerSync(ctx); err != nil {
			return fmt.Errorf("trigger upstream sync: %w", err)
		}
		a.Logger.Info().Msg("upstream sync triggered")
	}

	listings, err := client.Listings(ctx)
	if err != nil {
		return err
	}

	highTier := 0
	for _, l := range listings {
		if l.HighTier() {
			highTier++
		}
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store != nil {
		defer closeStore()
		stat := storage.SnapshotStat{PolledAt: time.Now().UTC(), Total: len(listings), HighTier: highTier}
		if err := store.UpsertSnapshotStat(ctx, stat); err != nil {
			return err
		}
	}

	fmt.Fprintf(os.Stdout, "fetched %d listings (%d high-tier)\n", len(listings), highTier)
	return nil
}
