package client

import (
	"sync"
	"time"
)

// PeerStats is a snapshot of one device's rolling counters: round-trip
// latency and timeout/retry counts (spec.md's threaded_client supplement,
// see SPEC_FULL.md's supplemented features — beyond the bare statistics
// spec.md §3 names for the server).
type PeerStats struct {
	Timeouts   uint64
	Retries    uint64
	RTTSamples uint64
	MeanRTT    time.Duration
}

type peerCounters struct {
	mu         sync.Mutex
	timeouts   uint64
	retries    uint64
	rttSamples uint64
	rttSumNs   int64
}

func (c *Client) peer(id int) *peerCounters {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	p, ok := c.stats[id]
	if !ok {
		p = &peerCounters{}
		c.stats[id] = p
	}
	return p
}

func (c *Client) recordTimeout(id int) {
	p := c.peer(id)
	p.mu.Lock()
	p.timeouts++
	p.mu.Unlock()
}

func (c *Client) recordRetry(id int) {
	p := c.peer(id)
	p.mu.Lock()
	p.retries++
	p.mu.Unlock()
}

func (c *Client) recordRTT(id int, d time.Duration) {
	p := c.peer(id)
	p.mu.Lock()
	p.rttSamples++
	p.rttSumNs += d.Nanoseconds()
	p.mu.Unlock()
}

// Stats returns a snapshot of device id's rolling counters.
func (c *Client) Stats(id int) PeerStats {
	p := c.peer(id)
	p.mu.Lock()
	defer p.mu.Unlock()
	var mean time.Duration
	if p.rttSamples > 0 {
		mean = time.Duration(p.rttSumNs / int64(p.rttSamples))
	}
	return PeerStats{
		Timeouts:   p.timeouts,
		Retries:    p.retries,
		RTTSamples: p.rttSamples,
		MeanRTT:    mean,
	}
}
