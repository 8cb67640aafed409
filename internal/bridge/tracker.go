package bridge

import (
	"sync"

	"pulsefeed/internal/models"
)

const maxKeysPerDevice = 1000

// dedupTracker remembers recently forwarded event keys per device so
// replays from a reconnecting agent stream are dropped. The per-device
// set is bounded; trimming may re-admit a very old duplicate, which the
// warehouse table absorbs.
type dedupTracker struct {
	mu   sync.RWMutex
	seen map[string]map[string]bool
}

func newDedupTracker() *dedupTracker {
	return &dedupTracker{seen: make(map[string]map[string]bool)}
}

func (dt *dedupTracker) isDuplicate(e *models.TelemetryEvent) bool {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	if keys, ok := dt.seen[e.DeviceID]; ok {
		return keys[e.DedupKey()]
	}
	return false
}

func (dt *dedupTracker) mark(e *models.TelemetryEvent) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	keys := dt.seen[e.DeviceID]
	if keys == nil {
		keys = make(map[string]bool)
		dt.seen[e.DeviceID] = keys
	}
	keys[e.DedupKey()] = true

	if len(keys) > maxKeysPerDevice {
		trimmed := 0
		for k := range keys {
			delete(keys, k)
			trimmed++
			if trimmed >= maxKeysPerDevice/4 {
				break
			}
		}
	}
}
