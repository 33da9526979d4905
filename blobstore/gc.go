package blobstore

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Referencer enumerates the digests a component still needs. Garbage
// collection preserves the union of all referencers' live sets.
type Referencer interface {
	LiveDigests(ctx context.Context) (map[Digest]struct{}, error)
}

// CollectStats summarizes one garbage collection pass.
type CollectStats struct {
	Scanned int   `json:"scanned"`
	Live    int   `json:"live"`
	Recent  int   `json:"recent"`
	Deleted int   `json:"deleted"`
	Freed   int64 `json:"freed"`
}

// Collector deletes unreferenced objects. Deletion candidates come from
// a listing taken before the live sets, so an object stored while the
// pass runs is never a candidate. The grace period additionally spares
// objects stored just before the listing whose reference may not have
// been written yet.
type Collector struct {
	store  *Store
	refs   []Referencer
	grace  time.Duration
	logger *zap.Logger
}

func NewCollector(store *Store, grace time.Duration, logger *zap.Logger, refs ...Referencer) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{store: store, refs: refs, grace: grace, logger: logger}
}

// Collect runs one pass and reports what it removed.
func (c *Collector) Collect(ctx context.Context) (CollectStats, error) {
	var stats CollectStats

	var candidates []ObjectInfo
	err := c.store.Backend().List(ctx, func(info ObjectInfo) error {
		candidates = append(candidates, info)
		return nil
	})
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(candidates)

	live := make(map[Digest]struct{})
	for _, r := range c.refs {
		set, err := r.LiveDigests(ctx)
		if err != nil {
			return stats, err
		}
		for d := range set {
			live[d] = struct{}{}
		}
	}

	cutoff := time.Now().Add(-c.grace)
	for _, info := range candidates {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if _, ok := live[info.Digest]; ok {
			stats.Live++
			continue
		}
		if info.ModTime.After(cutoff) {
			stats.Recent++
			continue
		}
		if err := c.store.Delete(ctx, info.Digest); err != nil {
			return stats, err
		}
		stats.Deleted++
		stats.Freed += info.Size
		c.logger.Debug("collected object",
			zap.String("digest", info.Digest.Short()),
			zap.Int64("size", info.Size))
	}
	c.logger.Info("garbage collection finished",
		zap.Int("scanned", stats.Scanned),
		zap.Int("live", stats.Live),
		zap.Int("recent", stats.Recent),
		zap.Int("deleted", stats.Deleted),
		zap.Int64("freed", stats.Freed))
	return stats, nil
}
