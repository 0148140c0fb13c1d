// Package priority assigns fairness-aware document priorities from per-bin
// usage counters.
package priority

import (
	"math"
	"sort"
	"sync"
	"time"
)

// MinMillisecondsPerFetch is the default floor on the interval between two
// fetches from one bin. It converts a bin's max fetch rate into a scale factor.
const MinMillisecondsPerFetch = 50.0

// RateSource returns the most restrictive fetch rate for a bin, in fetches per
// millisecond. +Inf means unlimited.
type RateSource interface {
	MaxRatePerMs(bin string) float64
}

type binKey struct {
	class string
	bin   string
}

// BinStat is a point-in-time view of one bin.
type BinStat struct {
	Class    string  `json:"class"`
	Bin      string  `json:"bin"`
	Count    float64 `json:"count"`
	InFlight int     `json:"in_flight"`
}

// Tracker holds per-(connector class, bin) usage counters. Counters start at
// the current minimum depth so that newly seen bins do not jump ahead of bins
// that have been serviced for a while.
type Tracker struct {
	minMsPerFetch float64

	mu           sync.Mutex
	counts       map[binKey]float64
	inFlight     map[binKey]int
	preload      map[binKey]struct{}
	minimumDepth float64
	resetting    bool
	epoch        uint64
	resetAt      time.Time
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithMinMillisecondsPerFetch overrides MinMillisecondsPerFetch.
func WithMinMillisecondsPerFetch(ms float64) Option {
	return func(t *Tracker) {
		if ms > 0 {
			t.minMsPerFetch = ms
		}
	}
}

// NewTracker returns an empty Tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		minMsPerFetch: MinMillisecondsPerFetch,
		counts:        make(map[binKey]float64),
		inFlight:      make(map[binKey]int),
		preload:       make(map[binKey]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// BeginReset discards every counter at once. Priorities computed while the
// reset is in progress use the minimum depth in force before the reset, and
// minimum-depth assessments are ignored until EndReset.
func (t *Tracker) BeginReset(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts = make(map[binKey]float64)
	t.resetting = true
	t.epoch++
	t.resetAt = now
}

// EndReset re-enables minimum-depth assessment.
func (t *Tracker) EndReset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetting = false
}

// Resetting reports whether a reset is in progress.
func (t *Tracker) Resetting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resetting
}

// ResetTime returns when the last reset began.
func (t *Tracker) ResetTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resetAt
}

// MinimumDepth returns the current baseline for new bins.
func (t *Tracker) MinimumDepth() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.minimumDepth
}

// SetMinimumDepth sets the baseline directly. It returns false during a reset.
func (t *Tracker) SetMinimumDepth(depth float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resetting {
		return false
	}
	t.minimumDepth = depth
	return true
}

// AssessMinimumDepth sets the baseline from documents that were just pulled
// for work. Each entry is the bin set of one document; the document's depth is
// the largest counter among its bins and the new baseline is the smallest such
// depth. Bins never seen before are ignored.
func (t *Tracker) AssessMinimumDepth(class string, binSets [][]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resetting {
		return
	}
	lowest := math.Inf(1)
	for _, bins := range binSets {
		depth := math.Inf(-1)
		for _, bin := range bins {
			if v, ok := t.counts[binKey{class: class, bin: bin}]; ok && v > depth {
				depth = v
			}
		}
		if !math.IsInf(depth, -1) && depth < lowest {
			lowest = depth
		}
	}
	if !math.IsInf(lowest, 1) {
		t.minimumDepth = lowest
	}
}

// NoteQueued records documents entering an in-memory queue.
func (t *Tracker) NoteQueued(class string, bins []string) {
	t.adjustInFlight(class, bins, 1)
}

// NoteDone records documents leaving the pipeline.
func (t *Tracker) NoteDone(class string, bins []string) {
	t.adjustInFlight(class, bins, -1)
}

func (t *Tracker) adjustInFlight(class string, bins []string, delta int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, bin := range bins {
		k := binKey{class: class, bin: bin}
		n := t.inFlight[k] + delta
		if n <= 0 {
			delete(t.inFlight, k)
			continue
		}
		t.inFlight[k] = n
	}
}

// PreloadBinValues initializes all requested bins in one pass and clears the
// request set.
func (t *Tracker) PreloadBinValues() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.preload {
		t.valueLocked(k)
	}
	t.preload = make(map[binKey]struct{})
}

// ClearPreloadRequests drops outstanding preload requests.
func (t *Tracker) ClearPreloadRequests() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.preload = make(map[binKey]struct{})
}

func (t *Tracker) addPreloadRequest(class string, bins []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, bin := range bins {
		t.preload[binKey{class: class, bin: bin}] = struct{}{}
	}
}

// Snapshot lists every known bin sorted by class and bin name.
func (t *Tracker) Snapshot() []BinStat {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make(map[binKey]struct{}, len(t.counts)+len(t.inFlight))
	for k := range t.counts {
		keys[k] = struct{}{}
	}
	for k := range t.inFlight {
		keys[k] = struct{}{}
	}
	out := make([]BinStat, 0, len(keys))
	for k := range keys {
		out = append(out, BinStat{Class: k.class, Bin: k.bin, Count: t.counts[k], InFlight: t.inFlight[k]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Class != out[j].Class {
			return out[i].Class < out[j].Class
		}
		return out[i].Bin < out[j].Bin
	})
	return out
}

func (t *Tracker) valueLocked(k binKey) float64 {
	v, ok := t.counts[k]
	if !ok {
		v = t.minimumDepth
		t.counts[k] = v
	}
	return v
}

// assign reads the counters for keys, scales them and increments them by one.
// It returns the largest scaled count and the reset epoch it ran under.
func (t *Tracker) assign(keys []binKey, scales []float64) (float64, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	highest := 0.0
	for i, k := range keys {
		v := t.valueLocked(k)
		if adjusted := v * scales[i]; adjusted > highest {
			highest = adjusted
		}
		t.counts[k] = v + 1
	}
	return highest, t.epoch
}

// giveBack undoes an assign made under epoch. Counters discarded by a reset
// since then are left alone.
func (t *Tracker) giveBack(keys []binKey, epoch uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if epoch != t.epoch {
		return
	}
	for _, k := range keys {
		if v, ok := t.counts[k]; ok {
			t.counts[k] = v - 1
		}
	}
}
