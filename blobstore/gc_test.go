package blobstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type staticRefs map[Digest]struct{}

func (r staticRefs) LiveDigests(context.Context) (map[Digest]struct{}, error) {
	return r, nil
}

func TestCollectRemovesUnreferenced(t *testing.T) {
	st, backend := newTestStore(t)
	ctx := context.Background()

	live, err := st.PutBytes(ctx, []byte("still referenced"))
	if err != nil {
		t.Fatal(err)
	}
	dead, err := st.PutBytes(ctx, []byte("orphaned"))
	if err != nil {
		t.Fatal(err)
	}
	// Objects look old enough to be eligible.
	backend.age(live, -time.Hour)
	backend.age(dead, -time.Hour)

	c := NewCollector(st, 10*time.Minute, zaptest.NewLogger(t), staticRefs{live: {}})
	stats, err := c.Collect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Scanned != 2 || stats.Live != 1 || stats.Deleted != 1 {
		t.Errorf("stats = %+v", stats)
	}

	if _, err := backend.Stat(ctx, live); err != nil {
		t.Errorf("referenced object collected: %v", err)
	}
	if _, err := backend.Stat(ctx, dead); !errors.Is(err, ErrNotExist) {
		t.Errorf("orphan survived: %v", err)
	}
}

func TestCollectSparesRecentObjects(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	// Freshly stored and unreferenced: the grace period protects the
	// window between upload and reference write.
	fresh, err := st.PutBytes(ctx, []byte("just uploaded"))
	if err != nil {
		t.Fatal(err)
	}

	c := NewCollector(st, 10*time.Minute, zaptest.NewLogger(t), staticRefs{})
	stats, err := c.Collect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Recent != 1 || stats.Deleted != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if _, err := st.GetBytes(ctx, fresh); err != nil {
		t.Errorf("fresh object collected: %v", err)
	}
}

func TestCollectMergesReferencers(t *testing.T) {
	st, backend := newTestStore(t)
	ctx := context.Background()

	a, _ := st.PutBytes(ctx, []byte("held by first"))
	b, _ := st.PutBytes(ctx, []byte("held by second"))
	backend.age(a, -time.Hour)
	backend.age(b, -time.Hour)

	c := NewCollector(st, time.Minute, zaptest.NewLogger(t),
		staticRefs{a: {}}, staticRefs{b: {}})
	stats, err := c.Collect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Deleted != 0 || stats.Live != 2 {
		t.Errorf("stats = %+v", stats)
	}
}
