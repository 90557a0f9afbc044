package discovery

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/zrolabs/zrocontrol/internal/storage"
)

func newTestCache() *Cache {
	c := NewCache(zerolog.Nop())
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	tick := 0
	c.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return c
}

func seen(c *Cache, addresses ...string) {
	raw := make([]RawDevice, 0, len(addresses))
	for _, addr := range addresses {
		raw = append(raw, RawDevice{Address: addr, Reachable: true})
	}
	c.Ingest(raw)
}

func TestCacheEvictsAfterThreeMisses(t *testing.T) {
	c := newTestCache()

	seen(c, "10.0.0.5") // cycle 1: sighted
	seen(c)             // cycles 2-3: absent
	seen(c)

	if _, ok := c.Get("10.0.0.5"); !ok {
		t.Fatal("entry evicted too early, only 2 misses")
	}

	seen(c) // third consecutive miss

	if _, ok := c.Get("10.0.0.5"); ok {
		t.Fatal("entry should be evicted after 3 consecutive misses")
	}
}

func TestCacheSightingResetsMissCount(t *testing.T) {
	c := newTestCache()

	seen(c, "10.0.0.5")
	seen(c) // miss 1
	seen(c) // miss 2
	seen(c, "10.0.0.5")

	entry, ok := c.Get("10.0.0.5")
	if !ok {
		t.Fatal("entry should survive after re-sighting")
	}
	if entry.MissCount != 0 {
		t.Fatalf("expected miss count reset to 0, got %d", entry.MissCount)
	}

	// Two more misses must still not evict.
	seen(c)
	seen(c)
	if _, ok := c.Get("10.0.0.5"); !ok {
		t.Fatal("entry evicted despite miss count reset")
	}
}

func TestCacheEmptyScanDoesNotWipe(t *testing.T) {
	c := newTestCache()

	seen(c, "10.0.0.5", "10.0.0.9")
	seen(c) // empty result: one miss each, not a wipe

	if got := len(c.Snapshot()); got != 2 {
		t.Fatalf("expected 2 entries after a single empty scan, got %d", got)
	}
}

func TestCacheIngestUpdatesDisplayFields(t *testing.T) {
	c := newTestCache()

	c.Ingest([]RawDevice{{Address: "10.0.0.5", Name: "Old Name", Model: "3800X", Reachable: true}})
	c.Ingest([]RawDevice{{Address: "10.0.0.5", Name: "New Name", Reachable: false}})

	entry, ok := c.Get("10.0.0.5")
	if !ok {
		t.Fatal("entry missing")
	}
	if entry.DisplayName != "New Name" {
		t.Errorf("expected updated name, got %q", entry.DisplayName)
	}
	if entry.Model != "3800X" {
		t.Errorf("empty model must not clobber known model, got %q", entry.Model)
	}
	if entry.Reachable {
		t.Error("reachable flag should reflect the latest scan")
	}
}

func TestCacheSnapshotSorted(t *testing.T) {
	c := newTestCache()
	seen(c, "10.0.0.9", "10.0.0.5", "10.0.0.7")

	snapshot := c.Snapshot()
	if len(snapshot) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snapshot))
	}
	for i := 1; i < len(snapshot); i++ {
		if snapshot[i-1].ID >= snapshot[i].ID {
			t.Fatalf("snapshot not sorted: %q before %q", snapshot[i-1].ID, snapshot[i].ID)
		}
	}
}

func TestCacheSeedSkipsExisting(t *testing.T) {
	c := newTestCache()
	seen(c, "10.0.0.5")

	c.Seed([]storage.DeviceEntry{
		{ID: "10.0.0.5", DisplayName: "Stale Name", MissCount: 2},
		{ID: "10.0.0.9", DisplayName: "Bedroom", MissCount: 1},
	})

	entry, _ := c.Get("10.0.0.5")
	if entry.DisplayName == "Stale Name" {
		t.Error("seed must not overwrite a live entry")
	}
	if restored, ok := c.Get("10.0.0.9"); !ok || restored.MissCount != 1 {
		t.Errorf("seeded entry should keep its persisted miss count, got %+v", restored)
	}
}
