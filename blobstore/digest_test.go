package blobstore

import (
	"bytes"
	"testing"
)

func TestDigestValid(t *testing.T) {
	good := DigestBytes([]byte("hello"))
	if !good.Valid() {
		t.Errorf("computed digest %s reported invalid", good)
	}
	bad := []string{
		"",
		"abc",
		string(good[:DigestLen-1]),
		string(good[:DigestLen-1]) + "G",
		string(good[:DigestLen-1]) + "A",
	}
	for _, s := range bad {
		if Digest(s).Valid() {
			t.Errorf("digest %q reported valid", s)
		}
		if _, err := ParseDigest(s); err == nil {
			t.Errorf("parse accepted %q", s)
		}
	}
	if d, err := ParseDigest(good.String()); err != nil || d != good {
		t.Errorf("parse round trip = %s, %v", d, err)
	}
}

func TestHasherMatchesDigestBytes(t *testing.T) {
	content := []byte("the quick brown fox")

	h := NewHasher()
	if _, err := h.Write(content[:5]); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Write(content[5:]); err != nil {
		t.Fatal(err)
	}
	if h.Sum() != DigestBytes(content) {
		t.Error("incremental digest differs from one-shot digest")
	}

	r, rh := digestReader(bytes.NewReader(content))
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(r); err != nil {
		t.Fatal(err)
	}
	if rh.Sum() != DigestBytes(content) {
		t.Error("reader digest differs from one-shot digest")
	}
	if !bytes.Equal(buf.Bytes(), content) {
		t.Error("digestReader altered content")
	}
}
