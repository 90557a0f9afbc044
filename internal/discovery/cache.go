package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zrolabs/zrocontrol/internal/metrics"
	"github.com/zrolabs/zrocontrol/internal/storage"
)

// EvictAfterMisses is the number of consecutive scan cycles a device may
// be absent from before its entry is dropped. LAN scans are lossy, so a
// single miss must not cause the device list to flicker.
const EvictAfterMisses = 3

// RawDevice is one result from a scan cycle, before smoothing.
type RawDevice struct {
	Address   string
	Name      string
	Model     string
	IconRef   string
	Reachable bool
}

// Cache smooths repeated lossy scan results into a stable device list.
// Ingestion is serialized; snapshots may run concurrently with ingestion
// and always observe a consistent point-in-time view.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*storage.DeviceEntry
	now     func() time.Time
	logger  zerolog.Logger
}

// NewCache creates an empty discovery cache.
func NewCache(logger zerolog.Logger) *Cache {
	return &Cache{
		entries: make(map[string]*storage.DeviceEntry),
		now:     time.Now,
		logger:  logger.With().Str("component", "discovery-cache").Logger(),
	}
}

// Seed loads previously persisted entries, typically at startup. Entries
// already present in the cache win over seeded ones.
func (c *Cache) Seed(entries []storage.DeviceEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range entries {
		if entry.ID == "" {
			continue
		}
		if _, exists := c.entries[entry.ID]; exists {
			continue
		}
		e := entry
		c.entries[entry.ID] = &e
	}
	metrics.DevicesKnown.Set(float64(len(c.entries)))
}

// Ingest applies one scan cycle's results. Devices seen this cycle are
// refreshed and their miss counter reset; devices not seen have their
// counter incremented and are evicted once it reaches EvictAfterMisses.
// An empty result set is a valid cycle: absence is only ever inferred
// through the miss counter, never by wiping the table.
func (c *Cache) Ingest(results []RawDevice) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{}, len(results))
	for _, raw := range results {
		if raw.Address == "" {
			continue
		}
		seen[raw.Address] = struct{}{}

		entry, exists := c.entries[raw.Address]
		if !exists {
			entry = &storage.DeviceEntry{ID: raw.Address}
			c.entries[raw.Address] = entry
			c.logger.Info().Str("device", raw.Address).Str("name", raw.Name).Msg("New device discovered")
		}
		entry.MissCount = 0
		entry.LastSeenAt = now
		entry.Reachable = raw.Reachable
		if raw.Name != "" {
			entry.DisplayName = raw.Name
		}
		if raw.Model != "" {
			entry.Model = raw.Model
		}
		if raw.IconRef != "" {
			entry.IconRef = raw.IconRef
		}
	}

	for id, entry := range c.entries {
		if _, ok := seen[id]; ok {
			continue
		}
		entry.MissCount++
		if entry.MissCount >= EvictAfterMisses {
			delete(c.entries, id)
			metrics.DevicesEvicted.Inc()
			c.logger.Info().
				Str("device", id).
				Int("misses", entry.MissCount).
				Msg("Device evicted after sustained absence")
		}
	}

	metrics.DevicesKnown.Set(float64(len(c.entries)))
}

// MarkReachable updates the advisory reachability flag on an entry
// without affecting its miss counter.
func (c *Cache) MarkReachable(address string, reachable bool, name, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[address]
	if !ok {
		return
	}
	entry.Reachable = reachable
	if reachable {
		entry.LastSeenAt = c.now()
	}
	if name != "" {
		entry.DisplayName = name
	}
	if model != "" {
		entry.Model = model
	}
}

// Snapshot returns a point-in-time copy of the device list, sorted by
// address.
func (c *Cache) Snapshot() []storage.DeviceEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := make([]storage.DeviceEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		entries = append(entries, *entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// Get returns a copy of one entry, if present.
func (c *Cache) Get(address string) (storage.DeviceEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[address]
	if !ok {
		return storage.DeviceEntry{}, false
	}
	return *entry, true
}
