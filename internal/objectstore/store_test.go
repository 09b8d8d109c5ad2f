package objectstore

import (
	"bytes"
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	data := []byte("%PDF-1.4 fake content")
	ref, err := s.Put(data, "report.pdf")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ref == "" {
		t.Fatal("empty reference")
	}

	got, err := s.Get(ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("round-trip bytes differ")
	}
}

func TestPutIsContentAddressed(t *testing.T) {
	s := newTestStore(t)

	data := []byte("same bytes")
	ref1, err := s.Put(data, "a.pdf")
	if err != nil {
		t.Fatal(err)
	}
	ref2, err := s.Put(data, "b.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if ref1 != ref2 {
		t.Errorf("identical bytes produced different refs: %q vs %q", ref1, ref2)
	}

	ref3, err := s.Put([]byte("other bytes"), "a.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if ref3 == ref1 {
		t.Error("different bytes produced the same ref")
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("deadbeef.pdf"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)

	ref, err := s.Put([]byte("to be deleted"), "x.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ref); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ref); !errors.Is(err, ErrNotFound) {
		t.Errorf("object still readable after delete: %v", err)
	}

	// Deleting again is a no-op.
	if err := s.Delete(ref); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestInvalidReference(t *testing.T) {
	s := newTestStore(t)
	for _, ref := range []string{"", "../etc/passwd", "a/b", `a\b`} {
		if _, err := s.Get(ref); err == nil {
			t.Errorf("Get(%q) accepted an invalid reference", ref)
		}
	}
}
