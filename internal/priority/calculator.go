package priority

import (
	"math"
	"sync"
)

// Calculator computes the priority of one document. Scale factors are fixed
// when the calculator is built, so priorities for many documents come out in
// the same relative order regardless of the order they are computed in.
type Calculator struct {
	tracker *Tracker
	class   string
	bins    []string
	keys    []binKey
	scales  []float64
	closed  bool

	mu       sync.Mutex
	computed bool
	value    float64
	epoch    uint64
	used     bool
}

// NewCalculator prepares a calculator for a document of connector class with
// the given bins, using rates to find each bin's throttle.
func (t *Tracker) NewCalculator(class string, rates RateSource, bins []string) *Calculator {
	c := &Calculator{
		tracker: t,
		class:   class,
		bins:    append([]string(nil), bins...),
		keys:    make([]binKey, len(bins)),
		scales:  make([]float64, len(bins)),
		used:    true,
	}
	for i, bin := range bins {
		c.keys[i] = binKey{class: class, bin: bin}
		rate := math.Inf(1)
		if rates != nil {
			rate = rates.MaxRatePerMs(bin)
		}
		switch {
		case rate == 0:
			c.closed = true
			c.scales[i] = math.Inf(1)
		case math.IsInf(rate, 1):
			c.scales[i] = 1
		default:
			c.scales[i] = 1 + 1/(t.minMsPerFetch*rate)
		}
	}
	return c
}

// Bins returns the bin names the calculator was built for.
func (c *Calculator) Bins() []string {
	return c.bins
}

// MakePreloadRequest asks the tracker to initialize this document's bins on
// the next PreloadBinValues call.
func (c *Calculator) MakePreloadRequest() {
	if c.closed {
		return
	}
	c.tracker.addPreloadRequest(c.class, c.bins)
}

// DocumentPriority returns ln(1 + max scaled bin count), or +Inf when any bin
// is throttled to zero. The first call charges one unit to each bin; later
// calls return the same value.
func (c *Calculator) DocumentPriority() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.computed {
		return c.value
	}
	c.computed = true
	if c.closed {
		c.value = math.Inf(1)
		return c.value
	}
	highest, epoch := c.tracker.assign(c.keys, c.scales)
	c.value = math.Log1p(highest)
	c.epoch = epoch
	return c.value
}

// NotePriorityNotUsed returns the charge made by DocumentPriority when the
// priority was never persisted. It is a no-op if nothing was charged or the
// tracker was reset in the meantime.
func (c *Calculator) NotePriorityNotUsed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.computed || c.closed || !c.used {
		return
	}
	c.used = false
	c.tracker.giveBack(c.keys, c.epoch)
}
