package blobstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) (*Store, *MemBackend) {
	t.Helper()
	backend := NewMemBackend()
	st, err := New(backend, t.TempDir(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	return st, backend
}

func TestPutGetRoundTrip(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	content := []byte("print('hello')\n")

	d, size, err := st.Put(ctx, bytes.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	if size != int64(len(content)) {
		t.Errorf("size = %d, want %d", size, len(content))
	}
	if d != DigestBytes(content) {
		t.Errorf("digest = %s, want %s", d, DigestBytes(content))
	}

	got, err := st.GetBytes(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content = %q, want %q", got, content)
	}

	ok, err := st.Exists(ctx, d)
	if err != nil || !ok {
		t.Errorf("exists = %v, %v", ok, err)
	}
	if ok, _ := st.Exists(ctx, DigestBytes([]byte("absent"))); ok {
		t.Error("exists reported true for absent object")
	}
}

func TestPutDeduplicates(t *testing.T) {
	st, backend := newTestStore(t)
	ctx := context.Background()
	content := []byte("same bytes")

	d1, _, err := st.Put(ctx, bytes.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	d2, _, err := st.Put(ctx, bytes.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Errorf("digests differ: %s vs %s", d1, d2)
	}
	d3, err := st.PutBytes(ctx, content)
	if err != nil {
		t.Fatal(err)
	}
	if d3 != d1 {
		t.Errorf("PutBytes digest = %s, want %s", d3, d1)
	}

	count := 0
	if err := backend.List(ctx, func(ObjectInfo) error { count++; return nil }); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("backend holds %d objects, want 1", count)
	}
}

func TestGetMissing(t *testing.T) {
	st, _ := newTestStore(t)

	_, err := st.GetBytes(context.Background(), DigestBytes([]byte("never stored")))
	if !errors.Is(err, ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
	_, err = st.GetBytes(context.Background(), "zz")
	if !errors.Is(err, ErrInvalidDigest) {
		t.Errorf("err = %v, want ErrInvalidDigest", err)
	}
}

func TestCorruptCacheFallsThrough(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	content := []byte("authoritative copy")

	d, err := st.PutBytes(ctx, content)
	if err != nil {
		t.Fatal(err)
	}
	// Tamper with the warm tier only.
	if err := os.WriteFile(st.cache.Path(d), []byte("tampered"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := st.GetBytes(ctx, d)
	if err != nil {
		t.Fatalf("get after cache tamper: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content = %q, want %q", got, content)
	}
	// The cache copy must have been replaced with good content.
	onDisk, err := os.ReadFile(st.cache.Path(d))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(onDisk, content) {
		t.Errorf("cache copy = %q, want %q", onDisk, content)
	}
}

func TestCorruptBackendFailsLoudly(t *testing.T) {
	st, backend := newTestStore(t)
	ctx := context.Background()
	content := []byte("will be damaged")

	d, err := st.PutBytes(ctx, content)
	if err != nil {
		t.Fatal(err)
	}
	// Damage both tiers so nothing can satisfy the read.
	if !backend.corrupt(d, []byte("flipped bits")) {
		t.Fatal("corrupt hook missed object")
	}
	if err := os.Remove(st.cache.Path(d)); err != nil {
		t.Fatal(err)
	}

	_, err = st.GetBytes(ctx, d)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
	var ce *CorruptError
	if !errors.As(err, &ce) {
		t.Fatalf("err %T does not carry mismatch detail", err)
	}
	if ce.Want != d || ce.Got != DigestBytes([]byte("flipped bits")) {
		t.Errorf("mismatch detail = %+v", ce)
	}
}

func TestGetPath(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	content := []byte("#include <iostream>\n")

	d, err := st.PutBytes(ctx, content)
	if err != nil {
		t.Fatal(err)
	}
	p, err := st.GetPath(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("file content = %q, want %q", got, content)
	}
	if !strings.HasSuffix(p, d.String()) {
		t.Errorf("path %s not keyed by digest", p)
	}
}

func TestDelete(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	d, err := st.PutBytes(ctx, []byte("short lived"))
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Delete(ctx, d); err != nil {
		t.Fatal(err)
	}
	if _, err := st.GetBytes(ctx, d); !errors.Is(err, ErrNotExist) {
		t.Errorf("get after delete = %v, want ErrNotExist", err)
	}
	// Deleting twice stays quiet.
	if err := st.Delete(ctx, d); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestVerify(t *testing.T) {
	st, backend := newTestStore(t)
	ctx := context.Background()

	good, err := st.PutBytes(ctx, []byte("intact"))
	if err != nil {
		t.Fatal(err)
	}
	bad, err := st.PutBytes(ctx, []byte("to be damaged"))
	if err != nil {
		t.Fatal(err)
	}
	backend.corrupt(bad, []byte("damaged"))

	rep, err := Verify(ctx, backend, false, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Scanned != 2 {
		t.Errorf("scanned = %d, want 2", rep.Scanned)
	}
	if rep.Clean() {
		t.Error("report clean despite corrupt object")
	}
	if len(rep.Corrupt) != 1 || rep.Corrupt[0] != bad {
		t.Errorf("corrupt = %v, want [%s]", rep.Corrupt, bad)
	}
	if len(rep.Removed) != 0 {
		t.Errorf("removed = %v without fix", rep.Removed)
	}

	rep, err = Verify(ctx, backend, true, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Removed) != 1 || rep.Removed[0] != bad {
		t.Errorf("removed = %v, want [%s]", rep.Removed, bad)
	}
	if _, err := backend.Stat(ctx, bad); !errors.Is(err, ErrNotExist) {
		t.Errorf("corrupt object still stored: %v", err)
	}
	if _, err := backend.Stat(ctx, good); err != nil {
		t.Errorf("intact object removed: %v", err)
	}
}
