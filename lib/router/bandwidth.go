package router

import (
	"context"
	"sync"
	"time"
)

const (
	// bandwidthInterval is the sampling period of the link byte counters.
	bandwidthInterval = time.Second
	// bandwidthWindow is the span of the long rolling average.
	bandwidthWindow = 15 * time.Second
	// bandwidthSamples is the number of intervals kept.
	bandwidthSamples = int(bandwidthWindow / bandwidthInterval)
)

// BandwidthRates are rolling averages of link traffic in bytes per second.
type BandwidthRates struct {
	Inbound1s   uint64 `json:"inbound_1s" yaml:"inbound_1s"`
	Outbound1s  uint64 `json:"outbound_1s" yaml:"outbound_1s"`
	Inbound15s  uint64 `json:"inbound_15s" yaml:"inbound_15s"`
	Outbound15s uint64 `json:"outbound_15s" yaml:"outbound_15s"`
}

// bandwidthSample holds the bytes moved during one interval.
type bandwidthSample struct {
	at       time.Time
	sent     uint64
	received uint64
}

// bandwidthTracker turns cumulative byte counters into rolling rates.
type bandwidthTracker struct {
	mu           sync.Mutex
	samples      []bandwidthSample
	lastSent     uint64
	lastReceived uint64
	primed       bool
	rates        BandwidthRates
}

func newBandwidthTracker() *bandwidthTracker {
	return &bandwidthTracker{samples: make([]bandwidthSample, 0, bandwidthSamples+1)}
}

// run samples counters every interval until ctx ends.
func (bt *bandwidthTracker) run(ctx context.Context, interval time.Duration, counters func() (sent, received uint64)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent, received := counters()
	bt.record(time.Now(), sent, received)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sent, received := counters()
			bt.record(now, sent, received)
		}
	}
}

// record takes one reading of the cumulative counters. The counters sum the
// live links, so they drop when a link goes away; such an interval counts as
// idle rather than underflowing.
func (bt *bandwidthTracker) record(now time.Time, sent, received uint64) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	if !bt.primed {
		bt.lastSent, bt.lastReceived, bt.primed = sent, received, true
		return
	}
	s := bandwidthSample{at: now}
	if sent >= bt.lastSent {
		s.sent = sent - bt.lastSent
	}
	if received >= bt.lastReceived {
		s.received = received - bt.lastReceived
	}
	bt.lastSent, bt.lastReceived = sent, received

	bt.samples = append(bt.samples, s)
	if len(bt.samples) > bandwidthSamples {
		bt.samples = append(bt.samples[:0], bt.samples[1:]...)
	}
	bt.updateRates(now)
}

// updateRates must be called with bt.mu held.
func (bt *bandwidthTracker) updateRates(now time.Time) {
	latest := bt.samples[len(bt.samples)-1]
	rates := BandwidthRates{Inbound1s: latest.received, Outbound1s: latest.sent}

	var sent, received, count uint64
	for i := len(bt.samples) - 1; i >= 0; i-- {
		if now.Sub(bt.samples[i].at) >= bandwidthWindow {
			break
		}
		sent += bt.samples[i].sent
		received += bt.samples[i].received
		count++
	}
	if count > 0 {
		rates.Inbound15s = received / count
		rates.Outbound15s = sent / count
	}
	bt.rates = rates
}

// Rates returns the latest rolling averages.
func (bt *bandwidthTracker) Rates() BandwidthRates {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return bt.rates
}
