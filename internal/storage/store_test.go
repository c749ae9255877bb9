package storage

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dreamware/ramstream/internal/replication"
)

func testPage(addr uint64, payload string, at time.Time) replication.MemoryPage {
	return replication.MemoryPage{Address: addr, Payload: []byte(payload), CapturedAt: at}
}

// TestMemoryStore tests the in-memory page store implementation
func TestMemoryStore(t *testing.T) {
	base := time.Now()

	t.Run("new store is empty", func(t *testing.T) {
		store := NewMemoryStore()

		if addrs := store.Addresses(); len(addrs) != 0 {
			t.Errorf("Expected empty store, got %d pages", len(addrs))
		}

		_, err := store.Get(0x1000)
		if err != ErrPageNotFound {
			t.Errorf("Expected ErrPageNotFound, got %v", err)
		}
	})

	t.Run("put and get pages", func(t *testing.T) {
		store := NewMemoryStore()

		if n := store.Put(testPage(0x1000, "page-a", base)); n != 1 {
			t.Fatalf("Expected 1 page stored, got %d", n)
		}

		p, err := store.Get(0x1000)
		if err != nil {
			t.Fatalf("Failed to get page: %v", err)
		}
		if !bytes.Equal(p.Payload, []byte("page-a")) {
			t.Errorf("Expected 'page-a', got %s", string(p.Payload))
		}
	})

	t.Run("newer copy overwrites", func(t *testing.T) {
		store := NewMemoryStore()
		store.Put(testPage(0x1000, "old", base))
		store.Put(testPage(0x1000, "new", base.Add(time.Millisecond)))

		p, _ := store.Get(0x1000)
		if string(p.Payload) != "new" {
			t.Errorf("Expected 'new', got %s", string(p.Payload))
		}
		if stats := store.Stats(); stats.Bytes != 3 {
			t.Errorf("Expected 3 bytes after overwrite, got %d", stats.Bytes)
		}
	})

	t.Run("stale copy is skipped", func(t *testing.T) {
		store := NewMemoryStore()
		store.Put(testPage(0x1000, "new", base.Add(time.Millisecond)))

		if n := store.Put(testPage(0x1000, "old", base)); n != 0 {
			t.Errorf("Expected stale page to be skipped, stored %d", n)
		}

		p, _ := store.Get(0x1000)
		if string(p.Payload) != "new" {
			t.Errorf("Stale page replaced newer copy: got %s", string(p.Payload))
		}
		if stats := store.Stats(); stats.Stale != 1 {
			t.Errorf("Expected 1 stale page, got %d", stats.Stale)
		}
	})

	t.Run("re-applying a chunk is idempotent", func(t *testing.T) {
		store := NewMemoryStore()
		chunk := []replication.MemoryPage{
			testPage(0x1000, "a", base),
			testPage(0x2000, "b", base),
			testPage(0x3000, "c", base),
		}
		store.Put(chunk...)
		first := store.Stats()

		store.Put(chunk...)
		second := store.Stats()

		if first.Pages != second.Pages || first.Bytes != second.Bytes {
			t.Errorf("Re-applied chunk changed contents: %+v vs %+v", first, second)
		}
	})

	t.Run("delete pages", func(t *testing.T) {
		store := NewMemoryStore()
		store.Put(testPage(0x1000, "a", base))

		if err := store.Delete(0x1000); err != nil {
			t.Fatalf("Failed to delete page: %v", err)
		}
		if _, err := store.Get(0x1000); err != ErrPageNotFound {
			t.Errorf("Expected ErrPageNotFound after delete, got %v", err)
		}
		if err := store.Delete(0x1000); err != nil {
			t.Errorf("Delete of missing page should not error, got %v", err)
		}
		if stats := store.Stats(); stats.Bytes != 0 || stats.Pages != 0 {
			t.Errorf("Expected empty stats after delete, got %+v", stats)
		}
	})

	t.Run("addresses are sorted", func(t *testing.T) {
		store := NewMemoryStore()
		store.Put(testPage(0x3000, "c", base), testPage(0x1000, "a", base), testPage(0x2000, "b", base))

		addrs := store.Addresses()
		want := []uint64{0x1000, 0x2000, 0x3000}
		if fmt.Sprint(addrs) != fmt.Sprint(want) {
			t.Errorf("Expected %v, got %v", want, addrs)
		}
	})

	t.Run("values are copied", func(t *testing.T) {
		store := NewMemoryStore()
		p := testPage(0x1000, "abc", base)
		store.Put(p)
		p.Payload[0] = 'x'

		got, _ := store.Get(0x1000)
		if string(got.Payload) != "abc" {
			t.Errorf("Store kept a reference to the caller's payload: %s", string(got.Payload))
		}

		got.Payload[1] = 'y'
		again, _ := store.Get(0x1000)
		if string(again.Payload) != "abc" {
			t.Errorf("Get returned the stored payload instead of a copy: %s", string(again.Payload))
		}
	})

	t.Run("stats track the newest capture", func(t *testing.T) {
		store := NewMemoryStore()
		latest := base.Add(time.Second)
		store.Put(testPage(0x1000, "a", base), testPage(0x2000, "bb", latest))

		stats := store.Stats()
		if stats.Pages != 2 || stats.Bytes != 3 || stats.Applied != 2 {
			t.Errorf("Unexpected stats %+v", stats)
		}
		if !stats.LastCapture.Equal(latest) {
			t.Errorf("Expected last capture %v, got %v", latest, stats.LastCapture)
		}
	})
}

// TestMemoryStoreConcurrency applies chunks from many goroutines at once
func TestMemoryStoreConcurrency(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				addr := uint64(i) * 4096
				store.Put(testPage(addr, fmt.Sprintf("w%d", w), base.Add(time.Duration(w)*time.Millisecond)))
				_, _ = store.Get(addr)
			}
		}(w)
	}
	wg.Wait()

	if stats := store.Stats(); stats.Pages != 100 {
		t.Fatalf("Expected 100 pages, got %d", stats.Pages)
	}

	// The copy captured last must win regardless of arrival order
	for _, addr := range store.Addresses() {
		p, _ := store.Get(addr)
		if string(p.Payload) != "w7" {
			t.Errorf("Address %#x holds %s, want w7", addr, string(p.Payload))
		}
	}
}
