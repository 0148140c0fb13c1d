// Package throttle maps document bins to configured fetch rates.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"
)

const defaultPatternCacheSize = 256

// Rule limits fetches for every bin whose name matches Pattern.
type Rule struct {
	Pattern             string  `mapstructure:"pattern" json:"pattern"`
	MaxFetchesPerMinute float64 `mapstructure:"max_fetches_per_minute" json:"max_fetches_per_minute"`
}

// RatePerMs converts the rule's rate into fetches per millisecond.
func (r Rule) RatePerMs() float64 {
	return r.MaxFetchesPerMinute / float64(time.Minute/time.Millisecond)
}

// Spec is an ordered set of throttle rules for one connection.
type Spec struct {
	rules []Rule
	cache *lru.Cache
}

// patterns is shared across specs so identical regexes compile once.
var (
	patternsOnce sync.Once
	patterns     *lru.Cache
)

func patternCache() *lru.Cache {
	patternsOnce.Do(func() {
		c, err := lru.New(defaultPatternCacheSize)
		if err != nil {
			panic(fmt.Sprintf("throttle pattern cache: %v", err))
		}
		patterns = c
	})
	return patterns
}

// NewSpec validates the rules and returns a Spec.
func NewSpec(rules []Rule) (*Spec, error) {
	cache := patternCache()
	for _, r := range rules {
		if r.MaxFetchesPerMinute < 0 {
			return nil, fmt.Errorf("throttle rule %q: negative rate", r.Pattern)
		}
		if _, err := compile(cache, r.Pattern); err != nil {
			return nil, err
		}
	}
	return &Spec{rules: append([]Rule(nil), rules...), cache: cache}, nil
}

func compile(cache *lru.Cache, pattern string) (*regexp.Regexp, error) {
	if v, ok := cache.Get(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile throttle pattern %q: %w", pattern, err)
	}
	cache.Add(pattern, re)
	return re, nil
}

// Rules returns a copy of the configured rules.
func (s *Spec) Rules() []Rule {
	if s == nil {
		return nil
	}
	return append([]Rule(nil), s.rules...)
}

// MaxRatePerMs returns the most restrictive rate of all rules matching bin.
// It is +Inf when no rule matches and zero when a matching rule forbids fetching.
func (s *Spec) MaxRatePerMs(bin string) float64 {
	best := math.Inf(1)
	if s == nil {
		return best
	}
	for _, r := range s.rules {
		re, err := compile(s.cache, r.Pattern)
		if err != nil {
			continue
		}
		if re.MatchString(bin) {
			best = math.Min(best, r.RatePerMs())
		}
	}
	return best
}

// Gate paces fetches per bin with token buckets derived from a Spec.
type Gate struct {
	spec *Spec

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewGate builds a Gate over spec.
func NewGate(spec *Spec) *Gate {
	return &Gate{spec: spec, limiters: make(map[string]*rate.Limiter)}
}

// ErrBinClosed is returned by Wait when a bin is throttled to zero.
var ErrBinClosed = errors.New("bin throttled to zero")

// Wait blocks until every bin allows one more fetch.
func (g *Gate) Wait(ctx context.Context, bins []string) error {
	for _, bin := range bins {
		limiter := g.limiter(bin)
		if limiter == nil {
			return fmt.Errorf("wait for bin %q: %w", bin, ErrBinClosed)
		}
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for bin %q: %w", bin, err)
		}
	}
	return nil
}

func (g *Gate) limiter(bin string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.limiters[bin]; ok {
		return l
	}
	perMs := g.spec.MaxRatePerMs(bin)
	var l *rate.Limiter
	switch {
	case perMs == 0:
		return nil
	case math.IsInf(perMs, 1):
		l = rate.NewLimiter(rate.Inf, 1)
	default:
		l = rate.NewLimiter(rate.Limit(perMs*1000), 1)
	}
	g.limiters[bin] = l
	return l
}
