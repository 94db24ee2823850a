package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"krausen/models"
	"krausen/store"
)

// BatchLinker resolves which batch a device's reading belongs to.
// Only fermenting and conditioning batches receive readings; planning
// and completed batches stay visible live but are not recorded.
type BatchLinker struct {
	store  *store.Store
	logger *zap.Logger
}

// NewBatchLinker creates a linker over the batch store. Resolve is a
// pure query and safe to call from concurrent ingest workers.
func NewBatchLinker(st *store.Store, logger *zap.Logger) *BatchLinker {
	return &BatchLinker{store: st, logger: logger}
}

// Resolve returns the single active batch for the device at the given
// time, or nil when none qualifies. At most one batch per device
// should be active; if that invariant is violated upstream the most
// recently started batch wins.
func (l *BatchLinker) Resolve(ctx context.Context, deviceID string, at time.Time) (*models.Batch, error) {
	batches, err := l.store.ActiveBatchesForDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("resolve batch for %s: %w", deviceID, err)
	}
	if len(batches) == 0 {
		return nil, nil
	}
	if len(batches) > 1 {
		l.logger.Warn("Multiple active batches for device, most recent wins",
			zap.String("device_id", deviceID),
			zap.Int("count", len(batches)),
			zap.Int64("chosen_batch_id", batches[0].ID))
	}
	return &batches[0], nil
}
