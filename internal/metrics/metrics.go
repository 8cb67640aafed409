// Package metrics holds process-wide counters for observable data loss
// and retry activity. Buffer overflow is never silent: every eviction or
// drop increments a counter here.
package metrics

import "sync/atomic"

// Counters aggregates the pipeline's loss and retry counters.
// All methods are safe for concurrent use.
type Counters struct {
	publisherEvictions atomic.Int64
	bridgeDrops        atomic.Int64
	warehouseSpills    atomic.Int64
	fetchRetries       atomic.Int64
	limiterDenials     atomic.Int64
}

// New returns a zeroed counter set.
func New() *Counters {
	return &Counters{}
}

func (c *Counters) PublisherEviction() { c.publisherEvictions.Add(1) }
func (c *Counters) BridgeDrop()        { c.bridgeDrops.Add(1) }
func (c *Counters) WarehouseSpill()    { c.warehouseSpills.Add(1) }
func (c *Counters) FetchRetry()        { c.fetchRetries.Add(1) }
func (c *Counters) LimiterDenial()     { c.limiterDenials.Add(1) }

// Snapshot is a point-in-time copy of the counters for the ops summary.
type Snapshot struct {
	PublisherEvictions int64 `json:"publisher_evictions"`
	BridgeDrops        int64 `json:"bridge_drops"`
	WarehouseSpills    int64 `json:"warehouse_spills"`
	FetchRetries       int64 `json:"fetch_retries"`
	LimiterDenials     int64 `json:"limiter_denials"`
}

// Read returns the current counter values.
func (c *Counters) Read() Snapshot {
	return Snapshot{
		PublisherEvictions: c.publisherEvictions.Load(),
		BridgeDrops:        c.bridgeDrops.Load(),
		WarehouseSpills:    c.warehouseSpills.Load(),
		FetchRetries:       c.fetchRetries.Load(),
		LimiterDenials:     c.limiterDenials.Load(),
	}
}
