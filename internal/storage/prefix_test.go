package storage

import (
	"fmt"
	"testing"
)

func TestPrefixDB_Isolation(t *testing.T) {
	inner := NewMemory()
	events := NewPrefixDB(inner, []byte("ev/"))
	meta := NewPrefixDB(inner, []byte("meta/"))

	events.Put([]byte("key"), []byte("event"))
	meta.Put([]byte("key"), []byte("meta"))

	got, err := events.Get([]byte("key"))
	if err != nil || string(got) != "event" {
		t.Fatalf("events.Get = %q, %v; want %q", got, err, "event")
	}
	got, err = meta.Get([]byte("key"))
	if err != nil || string(got) != "meta" {
		t.Fatalf("meta.Get = %q, %v; want %q", got, err, "meta")
	}
	if ok, _ := events.Has([]byte("meta/key")); ok {
		t.Fatal("namespace leaked a raw key")
	}
	if raw, _ := inner.Get([]byte("ev/key")); string(raw) != "event" {
		t.Fatalf("inner key = %q, want %q", raw, "event")
	}
}

func TestPrefixDB_ForEachStripsPrefix(t *testing.T) {
	db := NewPrefixDB(NewMemory(), []byte("j/"))
	for i := 0; i < 3; i++ {
		db.Put([]byte(fmt.Sprintf("e%d", i)), []byte("v"))
	}

	var keys []string
	err := db.ForEach(nil, func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	want := []string{"e0", "e1", "e2"}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
}

func TestPrefixDB_DeleteAll(t *testing.T) {
	inner := NewMemory()
	a := NewPrefixDB(inner, []byte("a/"))
	b := NewPrefixDB(inner, []byte("b/"))
	a.Put([]byte("k1"), []byte("v1"))
	a.Put([]byte("k2"), []byte("v2"))
	b.Put([]byte("k1"), []byte("other"))

	if err := a.DeleteAll(); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if inner.Len() != 1 {
		t.Fatalf("inner has %d keys, want 1", inner.Len())
	}
	if got, _ := b.Get([]byte("k1")); string(got) != "other" {
		t.Fatalf("b.Get = %q, want %q", got, "other")
	}
	if err := NewPrefixDB(inner, []byte("empty/")).DeleteAll(); err != nil {
		t.Fatalf("DeleteAll on empty namespace: %v", err)
	}
}

func TestPrefixDB_Batch(t *testing.T) {
	inner := NewMemory()
	db := NewPrefixDB(inner, []byte("p/"))
	testDB(t, db)

	if _, ok := db.NewBatch().(*prefixBatch); !ok {
		t.Fatal("PrefixDB over MemoryDB should use the inner batch")
	}
}

// plainDB hides MemoryDB's batch support.
type plainDB struct{ DB }

func TestPrefixDB_FallbackBatch(t *testing.T) {
	inner := NewMemory()
	db := NewPrefixDB(plainDB{inner}, []byte("p/"))

	b := db.NewBatch()
	if _, ok := b.(*fallbackBatch); !ok {
		t.Fatalf("batch type = %T, want *fallbackBatch", b)
	}
	b.Put([]byte("k"), []byte("v"))
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got, _ := inner.Get([]byte("p/k")); string(got) != "v" {
		t.Fatalf("inner.Get = %q, want %q", got, "v")
	}
}

func TestPrefixDB_CloseIsNoop(t *testing.T) {
	inner := NewMemory()
	db := NewPrefixDB(inner, []byte("x/"))
	db.Put([]byte("key"), []byte("val"))
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got, err := inner.Get([]byte("x/key")); err != nil || string(got) != "val" {
		t.Fatalf("inner.Get = %q, %v", got, err)
	}
}
