package oplog

import (
	"log/slog"
	"sync"
)

// OrderingFilter discards stale out-of-order updates for high-frequency
// fields (drag positions). Multiple actors send these many times a second;
// applying them in arrival order causes visible jitter when the network
// reorders, so the last writer by sender timestamp wins, not the last to
// arrive. The table is scoped to one document and reset when the active
// document changes.
type OrderingFilter struct {
	mu       sync.Mutex
	lastSeen map[string]int64
	logger   *slog.Logger
}

// NewOrderingFilter creates an empty filter. logger may be nil.
func NewOrderingFilter(logger *slog.Logger) *OrderingFilter {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderingFilter{lastSeen: make(map[string]int64), logger: logger}
}

// ShouldApply reports whether an update for entityID stamped with timestamp
// may be applied, and advances the table when it may. Ties are applied:
// equal timestamps pass so an actor's own echo never blocks a later update.
// A missing timestamp (zero) is applied unconditionally and logged as a
// degraded case.
func (f *OrderingFilter) ShouldApply(entityID string, timestamp int64) bool {
	if timestamp <= 0 {
		f.logger.Warn("update without timestamp, applying unconditionally", "entity", entityID)
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if last, ok := f.lastSeen[entityID]; ok && timestamp < last {
		return false
	}
	f.lastSeen[entityID] = timestamp
	return true
}

// LastSeen returns the last applied timestamp for an entity, zero if none.
func (f *OrderingFilter) LastSeen(entityID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSeen[entityID]
}

// Forget drops the entity's row, used when the entity is deleted.
func (f *OrderingFilter) Forget(entityID string) {
	f.mu.Lock()
	delete(f.lastSeen, entityID)
	f.mu.Unlock()
}

// Reset clears the whole table.
func (f *OrderingFilter) Reset() {
	f.mu.Lock()
	f.lastSeen = make(map[string]int64)
	f.mu.Unlock()
}
