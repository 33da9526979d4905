package blobstore

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const tempPrefix = ".tmp-"

// DiskBackend stores each object as a flat file named by its digest.
// Writes go through a temporary file and rename, so readers never see a
// partially written object.
type DiskBackend struct {
	dir string
}

// NewDiskBackend creates the directory if needed.
func NewDiskBackend(dir string) (*DiskBackend, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &DiskBackend{dir: dir}, nil
}

// Path returns where the object for d lives or would live.
func (b *DiskBackend) Path(d Digest) string {
	return filepath.Join(b.dir, d.String())
}

func (b *DiskBackend) Put(_ context.Context, d Digest, r io.Reader, _ int64) error {
	if !d.Valid() {
		return ErrInvalidDigest
	}
	p := b.Path(d)
	if _, err := os.Stat(p); err == nil {
		return nil
	}

	f, err := os.CreateTemp(b.dir, tempPrefix)
	if err != nil {
		return err
	}
	name := f.Name()
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(name)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, p); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

func (b *DiskBackend) Get(_ context.Context, d Digest) (io.ReadCloser, error) {
	f, err := os.Open(b.Path(d))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (b *DiskBackend) Stat(_ context.Context, d Digest) (ObjectInfo, error) {
	fi, err := os.Stat(b.Path(d))
	if errors.Is(err, fs.ErrNotExist) {
		return ObjectInfo{}, ErrNotExist
	}
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{Digest: d, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (b *DiskBackend) Delete(_ context.Context, d Digest) error {
	err := os.Remove(b.Path(d))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (b *DiskBackend) List(ctx context.Context, fn func(ObjectInfo) error) error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, tempPrefix) {
			continue
		}
		d, err := ParseDigest(name)
		if err != nil {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if err := fn(ObjectInfo{Digest: d, Size: fi.Size(), ModTime: fi.ModTime()}); err != nil {
			return err
		}
	}
	return nil
}
