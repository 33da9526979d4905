package blobstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"
)

type memObject struct {
	data    []byte
	modTime time.Time
}

// MemBackend keeps objects in process memory. Intended for tests and
// single-node development setups.
type MemBackend struct {
	mu      sync.RWMutex
	objects map[Digest]memObject
}

func NewMemBackend() *MemBackend {
	return &MemBackend{objects: make(map[Digest]memObject)}
}

func (b *MemBackend) Put(_ context.Context, d Digest, r io.Reader, _ int64) error {
	if !d.Valid() {
		return ErrInvalidDigest
	}
	b.mu.RLock()
	_, ok := b.objects[d]
	b.mu.RUnlock()
	if ok {
		return nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[d]; !ok {
		b.objects[d] = memObject{data: data, modTime: time.Now()}
	}
	return nil
}

func (b *MemBackend) Get(_ context.Context, d Digest) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, ok := b.objects[d]
	if !ok {
		return nil, ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (b *MemBackend) Stat(_ context.Context, d Digest) (ObjectInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, ok := b.objects[d]
	if !ok {
		return ObjectInfo{}, ErrNotExist
	}
	return ObjectInfo{Digest: d, Size: int64(len(obj.data)), ModTime: obj.modTime}, nil
}

func (b *MemBackend) Delete(_ context.Context, d Digest) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.objects, d)
	return nil
}

func (b *MemBackend) List(ctx context.Context, fn func(ObjectInfo) error) error {
	b.mu.RLock()
	infos := make([]ObjectInfo, 0, len(b.objects))
	for d, obj := range b.objects {
		infos = append(infos, ObjectInfo{Digest: d, Size: int64(len(obj.data)), ModTime: obj.modTime})
	}
	b.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Digest < infos[j].Digest })
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

// age shifts an object's stored time. Test hook for collection grace.
func (b *MemBackend) age(d Digest, delta time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if obj, ok := b.objects[d]; ok {
		obj.modTime = obj.modTime.Add(delta)
		b.objects[d] = obj
	}
}

// corrupt overwrites stored content without updating the key. Test hook
// for integrity checking.
func (b *MemBackend) corrupt(d Digest, data []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, ok := b.objects[d]
	if !ok {
		return false
	}
	obj.data = data
	b.objects[d] = obj
	return true
}
