// Package blobstore implements content-addressed storage for every
// large value in the system: submission sources, compiled executables,
// testcase data and captured output. Objects are immutable and keyed by
// the digest of their content, so storing the same bytes twice yields
// the same key and one stored copy.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"

	"go.uber.org/zap"
)

// Store layers a warm local disk tier over an authoritative backend.
// All reads verify content against the requested digest: a corrupt
// cache object is evicted and refetched, a corrupt backend object is
// reported as ErrCorrupt and never handed out.
type Store struct {
	backend Backend
	cache   *DiskBackend
	logger  *zap.Logger
}

// New creates a store over backend with a local cache at cacheDir. An
// empty cacheDir allocates a throwaway directory.
func New(backend Backend, cacheDir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheDir == "" {
		var err error
		cacheDir, err = os.MkdirTemp("", "blobcache-*")
		if err != nil {
			return nil, err
		}
	}
	cache, err := NewDiskBackend(cacheDir)
	if err != nil {
		return nil, err
	}
	return &Store{backend: backend, cache: cache, logger: logger}, nil
}

// Backend exposes the authoritative tier for maintenance tooling.
func (s *Store) Backend() Backend { return s.backend }

// Put stores the content of r and returns its digest and size. Content
// already present is not uploaded again.
func (s *Store) Put(ctx context.Context, r io.Reader) (Digest, int64, error) {
	spool, err := os.CreateTemp(s.cache.dir, tempPrefix)
	if err != nil {
		return "", 0, err
	}
	name := spool.Name()
	defer os.Remove(name)

	tee, h := digestReader(r)
	size, err := io.Copy(spool, tee)
	if err != nil {
		spool.Close()
		return "", 0, err
	}
	if err := spool.Close(); err != nil {
		return "", 0, err
	}
	d := h.Sum()

	if _, err := s.backend.Stat(ctx, d); err == nil {
		s.installCache(ctx, d, name)
		return d, size, nil
	} else if !errors.Is(err, ErrNotExist) {
		return "", 0, err
	}

	f, err := os.Open(name)
	if err != nil {
		return "", 0, err
	}
	err = s.backend.Put(ctx, d, f, size)
	f.Close()
	if err != nil {
		return "", 0, err
	}
	s.installCache(ctx, d, name)
	return d, size, nil
}

// PutBytes stores b and returns its digest.
func (s *Store) PutBytes(ctx context.Context, b []byte) (Digest, error) {
	d := DigestBytes(b)
	if _, err := s.backend.Stat(ctx, d); errors.Is(err, ErrNotExist) {
		if err := s.backend.Put(ctx, d, bytes.NewReader(b), int64(len(b))); err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	}
	if err := s.cache.Put(ctx, d, bytes.NewReader(b), int64(len(b))); err != nil {
		s.logger.Warn("cache fill failed", zap.String("digest", d.Short()), zap.Error(err))
	}
	return d, nil
}

// GetBytes returns the verified content of d.
func (s *Store) GetBytes(ctx context.Context, d Digest) ([]byte, error) {
	if !d.Valid() {
		return nil, ErrInvalidDigest
	}
	if data, ok := s.cachedBytes(ctx, d); ok {
		return data, nil
	}

	rc, err := s.backend.Get(ctx, d)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, err
	}
	if got := DigestBytes(data); got != d {
		return nil, &CorruptError{Want: d, Got: got}
	}
	if err := s.cache.Put(ctx, d, bytes.NewReader(data), int64(len(data))); err != nil {
		s.logger.Warn("cache fill failed", zap.String("digest", d.Short()), zap.Error(err))
	}
	return data, nil
}

// Get opens the verified content of d.
func (s *Store) Get(ctx context.Context, d Digest) (io.ReadCloser, error) {
	data, err := s.GetBytes(ctx, d)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// GetPath materializes d in the local cache and returns the file path.
// The file is valid until the object is deleted or the cache is purged.
func (s *Store) GetPath(ctx context.Context, d Digest) (string, error) {
	if _, err := s.GetBytes(ctx, d); err != nil {
		return "", err
	}
	return s.cache.Path(d), nil
}

// Exists reports whether d is stored, without reading content.
func (s *Store) Exists(ctx context.Context, d Digest) (bool, error) {
	_, err := s.backend.Stat(ctx, d)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Delete removes d from both tiers.
func (s *Store) Delete(ctx context.Context, d Digest) error {
	if err := s.cache.Delete(ctx, d); err != nil {
		s.logger.Warn("cache delete failed", zap.String("digest", d.Short()), zap.Error(err))
	}
	return s.backend.Delete(ctx, d)
}

// cachedBytes reads d from the warm tier, evicting it on any mismatch
// so the next read falls through to the backend.
func (s *Store) cachedBytes(ctx context.Context, d Digest) ([]byte, bool) {
	rc, err := s.cache.Get(ctx, d)
	if err != nil {
		return nil, false
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err == nil && DigestBytes(data) == d {
		return data, true
	}
	s.logger.Warn("evicting corrupt cache object", zap.String("digest", d.Short()))
	if err := s.cache.Delete(ctx, d); err != nil {
		s.logger.Warn("cache evict failed", zap.String("digest", d.Short()), zap.Error(err))
	}
	return nil, false
}

// installCache moves a spool file holding the content of d into the
// cache. The spool file is consumed on success.
func (s *Store) installCache(ctx context.Context, d Digest, spool string) {
	if _, err := s.cache.Stat(ctx, d); err == nil {
		return
	}
	if err := os.Rename(spool, s.cache.Path(d)); err != nil {
		s.logger.Warn("cache install failed", zap.String("digest", d.Short()), zap.Error(err))
	}
}
