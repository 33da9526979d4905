package blobstore

import (
	"context"
	"io"

	"go.uber.org/zap"
)

// Report summarizes an integrity scan.
type Report struct {
	Scanned int      `json:"scanned"`
	Bytes   int64    `json:"bytes"`
	Corrupt []Digest `json:"corrupt,omitempty"`
	Removed []Digest `json:"removed,omitempty"`
}

// Clean reports whether every scanned object matched its digest.
func (r Report) Clean() bool { return len(r.Corrupt) == 0 }

// Verify rehashes every object in b and reports the ones whose content
// no longer matches their key. With fix set, corrupt objects are
// removed so later reads fail fast with ErrNotExist instead of
// ErrCorrupt.
func Verify(ctx context.Context, b Backend, fix bool, logger *zap.Logger) (Report, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var rep Report
	err := b.List(ctx, func(info ObjectInfo) error {
		rc, err := b.Get(ctx, info.Digest)
		if err != nil {
			return err
		}
		h := NewHasher()
		n, err := io.Copy(h, rc)
		rc.Close()
		if err != nil {
			return err
		}
		rep.Scanned++
		rep.Bytes += n

		got := h.Sum()
		if got == info.Digest {
			return nil
		}
		rep.Corrupt = append(rep.Corrupt, info.Digest)
		logger.Error("corrupt object",
			zap.String("digest", info.Digest.Short()),
			zap.String("hashesTo", got.Short()),
			zap.Int64("size", n))
		if fix {
			if err := b.Delete(ctx, info.Digest); err != nil {
				return err
			}
			rep.Removed = append(rep.Removed, info.Digest)
		}
		return nil
	})
	return rep, err
}
