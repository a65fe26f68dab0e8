/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package ratelimit protects the mixnode from flooding. Admission is two
layered: a global governor caps the node-wide request rate, then a per-source
token bucket throttles each source IP. Buckets are sharded by IP hash to keep
contention off the hot path, and idle buckets are evicted LRU.
*/
package ratelimit

import (
	"runtime"
	"sync"
	"time"

	"github.com/cespare/xxhash"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shirou/gopsutil/load"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/facebook/mixnet/stats"
)

const shardCount = 256

// Decision classifies an admission check.
type Decision int

// Decisions.
const (
	Allowed Decision = iota
	RateLimited
	GlobalLimitExceeded
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case RateLimited:
		return "rate_limited"
	case GlobalLimitExceeded:
		return "global_limit_exceeded"
	}
	return "unknown"
}

// Verdict is the outcome of one admission check. RetryAfter is only set for
// RateLimited.
type Verdict struct {
	Decision   Decision
	RetryAfter time.Duration
}

// Options tune the limiter.
type Options struct {
	// GlobalRPS and GlobalBurst parameterize the node-wide governor.
	GlobalRPS   float64
	GlobalBurst int
	// RefillRate and BaseCapacity parameterize new per-source buckets.
	RefillRate   float64
	BaseCapacity float64
	// MinCapacity and MaxCapacity clamp the derived capacity of new buckets.
	MinCapacity float64
	MaxCapacity float64
	// ViolationWindow and ViolationThreshold control when a source's refill
	// is halved; exceeding three times the threshold blocklists it.
	ViolationWindow    time.Duration
	ViolationThreshold int
	// BanDuration is how long throttling or a blocklist entry lasts.
	BanDuration time.Duration
	// Whitelist sources bypass both layers.
	Whitelist []string
	// BucketsPerShard bounds retained bucket state per shard (LRU).
	BucketsPerShard int
	// ReputationMultiplier scales a new source's capacity. Optional.
	ReputationMultiplier func(ip string) float64
	// LoadFactor scales a new source's capacity by current system load.
	// Optional; see SystemLoadFactor.
	LoadFactor func() float64
}

// bucket is per-source state. All fields are guarded by the owning shard's
// lock; Check is a pure function of this state and the passed now.
type bucket struct {
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time

	violations    int
	windowStart   time.Time
	lastViolation time.Time
	throttledTill time.Time
	blockedTill   time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets *lru.Cache[string, *bucket]
}

// Limiter is the two-layer rate limiter.
type Limiter struct {
	opts      Options
	global    *rate.Limiter
	shards    [shardCount]*shard
	whitelist map[string]struct{}
	stats     stats.Stats
}

// New creates a limiter.
func New(opts Options, st stats.Stats) *Limiter {
	if opts.BucketsPerShard <= 0 {
		opts.BucketsPerShard = 1024
	}
	if opts.MinCapacity <= 0 {
		opts.MinCapacity = 1
	}
	if opts.MaxCapacity < opts.MinCapacity {
		opts.MaxCapacity = opts.BaseCapacity
	}
	l := &Limiter{
		opts:      opts,
		global:    rate.NewLimiter(rate.Limit(opts.GlobalRPS), opts.GlobalBurst),
		whitelist: make(map[string]struct{}, len(opts.Whitelist)),
		stats:     st,
	}
	for _, ip := range opts.Whitelist {
		l.whitelist[ip] = struct{}{}
	}
	for i := range l.shards {
		c, err := lru.New[string, *bucket](opts.BucketsPerShard)
		if err != nil {
			// only fails on a non-positive size
			panic(err)
		}
		l.shards[i] = &shard{buckets: c}
	}
	return l
}

func (l *Limiter) shardFor(ip string) *shard {
	return l.shards[xxhash.Sum64String(ip)&(shardCount-1)]
}

// derivedCapacity computes a new source's capacity from its reputation and
// the current network load, clamped to the configured range.
func (l *Limiter) derivedCapacity(ip string) float64 {
	capacity := l.opts.BaseCapacity
	if l.opts.ReputationMultiplier != nil {
		capacity *= l.opts.ReputationMultiplier(ip)
	}
	if l.opts.LoadFactor != nil {
		capacity *= l.opts.LoadFactor()
	}
	if capacity < l.opts.MinCapacity {
		capacity = l.opts.MinCapacity
	}
	if capacity > l.opts.MaxCapacity {
		capacity = l.opts.MaxCapacity
	}
	return capacity
}

// Check admits or rejects one request from the source at time now. It never
// blocks; RateLimited verdicts carry a positive RetryAfter.
func (l *Limiter) Check(ip string, now time.Time) Verdict {
	if _, ok := l.whitelist[ip]; ok {
		return Verdict{Decision: Allowed}
	}
	if !l.global.AllowN(now, 1) {
		if l.stats != nil {
			l.stats.IncGlobalRateLimited()
		}
		return Verdict{Decision: GlobalLimitExceeded}
	}

	s := l.shardFor(ip)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets.Get(ip)
	if !ok {
		capacity := l.derivedCapacity(ip)
		b = &bucket{
			capacity:    capacity,
			tokens:      capacity,
			refillRate:  l.opts.RefillRate,
			lastRefill:  now,
			windowStart: now,
		}
		s.buckets.Add(ip, b)
	}

	if b.blockedTill.After(now) {
		b.violations++
		b.lastViolation = now
		if l.stats != nil {
			l.stats.IncRateLimited()
		}
		return Verdict{Decision: RateLimited, RetryAfter: b.blockedTill.Sub(now)}
	}

	// refill at the effective rate since the last refill
	refillRate := b.refillRate
	if b.throttledTill.After(now) {
		refillRate /= 2
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return Verdict{Decision: Allowed}
	}

	// violation path
	if now.Sub(b.windowStart) > l.opts.ViolationWindow {
		b.windowStart = now
		b.violations = 0
	}
	b.violations++
	b.lastViolation = now
	if b.violations > 3*l.opts.ViolationThreshold {
		b.blockedTill = now.Add(l.opts.BanDuration)
		log.Warningf("Blocklisting %s for %s after %d violations", ip, l.opts.BanDuration, b.violations)
	} else if b.violations > l.opts.ViolationThreshold {
		b.throttledTill = now.Add(l.opts.BanDuration)
	}

	if l.stats != nil {
		l.stats.IncRateLimited()
	}
	retry := time.Duration((1 - b.tokens) / refillRate * float64(time.Second))
	if retry <= 0 {
		retry = time.Millisecond
	}
	return Verdict{Decision: RateLimited, RetryAfter: retry}
}

// Violations returns the current violation count for a source.
func (l *Limiter) Violations(ip string) int {
	s := l.shardFor(ip)
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets.Peek(ip)
	if !ok {
		return 0
	}
	return b.violations
}

// Tracked returns the number of sources currently holding bucket state.
func (l *Limiter) Tracked() int {
	total := 0
	for _, s := range l.shards {
		s.mu.Lock()
		total += s.buckets.Len()
		s.mu.Unlock()
	}
	return total
}

// SystemLoadFactor returns a capacity multiplier derived from the 1-minute
// load average: an idle box grants new sources full capacity, a saturated
// one shrinks it.
func SystemLoadFactor() float64 {
	avg, err := load.Avg()
	if err != nil {
		return 1
	}
	perCPU := avg.Load1 / float64(runtime.NumCPU())
	switch {
	case perCPU < 0.5:
		return 1
	case perCPU > 2:
		return 0.25
	default:
		return 0.5 / perCPU
	}
}
