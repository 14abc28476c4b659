package core

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestMemStoreGetSetDelete(t *testing.T) {
	s := NewMemStore()
	if _, err := s.Get([]byte("missing")); err != ErrStoreKeyNotFound {
		t.Fatalf("expected ErrStoreKeyNotFound, got %v", err)
	}
	if err := s.Set([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, []byte("v1")) {
		t.Fatalf("expected v1, got %q", got)
	}
	if err := s.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get([]byte("k")); err != ErrStoreKeyNotFound {
		t.Fatalf("expected ErrStoreKeyNotFound after delete, got %v", err)
	}
}

func TestMemStoreIteratorOrderAndPrefix(t *testing.T) {
	s := NewMemStore()
	for _, k := range []string{"order/b", "order/a", "order/c", "trade/a"} {
		if err := s.Set([]byte(k), []byte(k)); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	it := s.Iterator([]byte("order/"), nil)
	defer it.Close()
	var got []string
	for it.Next() {
		got = append(got, string(it.Key()))
	}
	want := []string{"order/a", "order/b", "order/c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	fs1, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if err := fs1.Set([]byte("wallet/seed"), []byte{1, 2, 3}); err != nil {
		t.Fatalf("set: %v", err)
	}

	fs2, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen file store: %v", err)
	}
	got, err := fs2.Get([]byte("wallet/seed"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("expected [1 2 3], got %v", got)
	}

	if err := fs2.Delete([]byte("wallet/seed")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := fs2.Get([]byte("wallet/seed")); err != ErrStoreKeyNotFound {
		t.Fatalf("expected ErrStoreKeyNotFound, got %v", err)
	}
}

func TestEncryptedStoreRoundTrip(t *testing.T) {
	key, err := DeriveStoreKey("hunter2", []byte("fixed-salt-1234"))
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	inner := NewMemStore()
	es, err := NewEncryptedStore(inner, key)
	if err != nil {
		t.Fatalf("new encrypted store: %v", err)
	}
	if err := es.Set([]byte("k"), []byte("secret value")); err != nil {
		t.Fatalf("set: %v", err)
	}

	// The wrapped store must never see plaintext.
	raw, err := inner.Get([]byte("k"))
	if err != nil {
		t.Fatalf("inner get: %v", err)
	}
	if bytes.Contains(raw, []byte("secret value")) {
		t.Fatalf("plaintext leaked into inner store: %q", raw)
	}

	got, err := es.Get([]byte("k"))
	if err != nil {
		t.Fatalf("encrypted get: %v", err)
	}
	if !bytes.Equal(got, []byte("secret value")) {
		t.Fatalf("expected 'secret value', got %q", got)
	}

	it := es.Iterator(nil, nil)
	defer it.Close()
	if !it.Next() {
		t.Fatalf("expected one entry")
	}
	if !bytes.Equal(it.Value(), []byte("secret value")) {
		t.Fatalf("iterator value not decrypted: %q", it.Value())
	}
}
