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
Package stats implements statistics collection and reporting for the mixnode.
Components report through the Stats interface; JSONStats serves the counters
over HTTP and PrometheusExporter re-exports them for scraping.
*/
package stats

import (
	"fmt"
	"sync"
	"time"

	"github.com/eclesh/welford"

	"github.com/facebook/mixnet/protocol"
)

// Drop reasons used with IncPacketsDropped. Kept as constants so counter
// names stay stable.
const (
	DropReasonCrypto    = "crypto"
	DropReasonProtocol  = "protocol"
	DropReasonRateLimit = "ratelimit"
	DropReasonPool      = "pool"
	DropReasonQueue     = "queue"
	DropReasonDispatch  = "dispatch"
	DropReasonShutdown  = "shutdown"
	DropReasonUnknown   = "unknown_type"
)

// Stats is a metric collection interface
type Stats interface {
	// Start starts a stat reporter
	Start(monitoringport int)

	// Snapshot the values so they can be reported atomically
	Snapshot()

	// Reset atomically sets all the counters to 0
	Reset()

	// IncRX atomically adds 1 to the per-message-type receive counter
	IncRX(t protocol.MsgType)

	// IncTX atomically adds 1 to the per-message-type transmit counter
	IncTX(t protocol.MsgType)

	// IncPacketsForwarded atomically adds 1 to the forwarded packet counter
	IncPacketsForwarded()

	// IncPacketsFinal atomically adds 1 to the locally delivered packet counter
	IncPacketsFinal()

	// IncPacketsDropped atomically adds 1 to the drop counter for a reason
	IncPacketsDropped(reason string)

	// IncCryptoFailures atomically adds 1 to the crypto failure counter
	IncCryptoFailures()

	// IncProtocolViolations atomically adds 1 to the malformed frame counter
	IncProtocolViolations()

	// IncRateLimited atomically adds 1 to the per-source limit counter
	IncRateLimited()

	// IncGlobalRateLimited atomically adds 1 to the global governor counter
	IncGlobalRateLimited()

	// IncBreakerTrips atomically adds 1 to the circuit breaker trip counter
	IncBreakerTrips()

	// IncGossipRounds atomically adds 1 to the gossip round counter
	IncGossipRounds()

	// IncGossipFailures atomically adds 1 to the failed gossip exchange counter
	IncGossipFailures()

	// IncRegistryRejected atomically adds 1 to the rejected upsert counter
	IncRegistryRejected(reason string)

	// IncPoolMiss atomically adds 1 to the pool miss counter for a size class
	IncPoolMiss(class string)

	// IncCoverTraffic atomically adds 1 to the cover packets counter
	IncCoverTraffic()

	// IncSelectionFailures atomically adds 1 to the path selection failure counter
	IncSelectionFailures()

	// IncPanics atomically adds 1 to the recovered panic counter
	IncPanics()

	// SetPeerCount atomically sets the known peer gauge
	SetPeerCount(count int64)

	// SetOpenConnections atomically sets the open session gauge
	SetOpenConnections(count int64)

	// SetDrain atomically sets the drain status
	SetDrain(drain int64)

	// SetPathDiversity atomically sets the last computed diversity score,
	// scaled to permille
	SetPathDiversity(permille int64)

	// SetMaxWorkerQueue atomically records the high watermark of a worker queue
	SetMaxWorkerQueue(workerid int, queue int64)

	// ObserveMixDelay adds one mix delay sample
	ObserveMixDelay(d time.Duration)

	// ObserveForwardLatency adds one forwarding latency sample
	ObserveForwardLatency(d time.Duration)
}

// syncMapInt64 sync map of string-keyed counters
type syncMapInt64 struct {
	sync.Mutex
	m map[string]int64
}

func (s *syncMapInt64) init() {
	s.m = make(map[string]int64)
}

func (s *syncMapInt64) keys() []string {
	keys := make([]string, 0, len(s.m))
	s.Lock()
	for k := range s.m {
		keys = append(keys, k)
	}
	s.Unlock()
	return keys
}

func (s *syncMapInt64) load(key string) int64 {
	s.Lock()
	defer s.Unlock()
	return s.m[key]
}

func (s *syncMapInt64) inc(key string) {
	s.Lock()
	s.m[key]++
	s.Unlock()
}

func (s *syncMapInt64) store(key string, value int64) {
	s.Lock()
	s.m[key] = value
	s.Unlock()
}

func (s *syncMapInt64) copy(dst *syncMapInt64) {
	for _, t := range s.keys() {
		dst.store(t, s.load(t))
	}
}

func (s *syncMapInt64) reset() {
	s.Lock()
	for t := range s.m {
		s.m[t] = 0
	}
	s.Unlock()
}

// timing aggregates duration samples with welford's online algorithm
type timing struct {
	sync.Mutex
	w   *welford.Stats
	max time.Duration
}

func newTiming() *timing {
	return &timing{w: welford.New()}
}

func (t *timing) add(d time.Duration) {
	t.Lock()
	t.w.Add(float64(d.Microseconds()))
	if d > t.max {
		t.max = d
	}
	t.Unlock()
}

func (t *timing) snapshot() (count uint64, mean, stddev float64, max time.Duration) {
	t.Lock()
	defer t.Unlock()
	return t.w.Count(), t.w.Mean(), t.w.Stddev(), t.max
}

func (t *timing) reset() {
	t.Lock()
	t.w = welford.New()
	t.max = 0
	t.Unlock()
}

type counters struct {
	rx               syncMapInt64
	tx               syncMapInt64
	dropped          syncMapInt64
	registryRejected syncMapInt64
	poolMisses       syncMapInt64
	workerQueue      syncMapInt64

	packetsForwarded  int64
	packetsFinal      int64
	cryptoFailures    int64
	protocolViolation int64
	rateLimited       int64
	globalRateLimited int64
	breakerTrips      int64
	gossipRounds      int64
	gossipFailures    int64
	coverTraffic      int64
	selectionFailures int64
	panics            int64
	peerCount         int64
	openConnections   int64
	drain             int64
	pathDiversity     int64

	mixDelay       *timing
	forwardLatency *timing
}

func (c *counters) init() {
	c.rx.init()
	c.tx.init()
	c.dropped.init()
	c.registryRejected.init()
	c.poolMisses.init()
	c.workerQueue.init()
	c.mixDelay = newTiming()
	c.forwardLatency = newTiming()
}

func (c *counters) reset() {
	c.rx.reset()
	c.tx.reset()
	c.dropped.reset()
	c.registryRejected.reset()
	c.poolMisses.reset()
	c.workerQueue.reset()
	c.packetsForwarded = 0
	c.packetsFinal = 0
	c.cryptoFailures = 0
	c.protocolViolation = 0
	c.rateLimited = 0
	c.globalRateLimited = 0
	c.breakerTrips = 0
	c.gossipRounds = 0
	c.gossipFailures = 0
	c.coverTraffic = 0
	c.selectionFailures = 0
	c.panics = 0
	c.mixDelay.reset()
	c.forwardLatency.reset()
}

// toMap converts counters to a map
func (c *counters) toMap() (export map[string]int64) {
	res := make(map[string]int64)

	for _, t := range c.rx.keys() {
		res[fmt.Sprintf("rx.%s", t)] = c.rx.load(t)
	}
	for _, t := range c.tx.keys() {
		res[fmt.Sprintf("tx.%s", t)] = c.tx.load(t)
	}
	for _, t := range c.dropped.keys() {
		res[fmt.Sprintf("packets.dropped.%s", t)] = c.dropped.load(t)
	}
	for _, t := range c.registryRejected.keys() {
		res[fmt.Sprintf("registry.rejected.%s", t)] = c.registryRejected.load(t)
	}
	for _, t := range c.poolMisses.keys() {
		res[fmt.Sprintf("pool.miss.%s", t)] = c.poolMisses.load(t)
	}
	for _, t := range c.workerQueue.keys() {
		res[fmt.Sprintf("worker.%s.queue", t)] = c.workerQueue.load(t)
	}

	res["packets.forwarded"] = c.packetsForwarded
	res["packets.final"] = c.packetsFinal
	res["crypto.failures"] = c.cryptoFailures
	res["protocol.violations"] = c.protocolViolation
	res["ratelimit.limited"] = c.rateLimited
	res["ratelimit.global"] = c.globalRateLimited
	res["breaker.trips"] = c.breakerTrips
	res["gossip.rounds"] = c.gossipRounds
	res["gossip.failures"] = c.gossipFailures
	res["cover.sent"] = c.coverTraffic
	res["selection.failures"] = c.selectionFailures
	res["panics"] = c.panics
	res["peers"] = c.peerCount
	res["connections.open"] = c.openConnections
	res["drain"] = c.drain
	res["path.diversity_permille"] = c.pathDiversity

	count, mean, stddev, max := c.mixDelay.snapshot()
	res["mixdelay.count"] = int64(count)
	res["mixdelay.mean_us"] = int64(mean)
	res["mixdelay.stddev_us"] = int64(stddev)
	res["mixdelay.max_us"] = max.Microseconds()

	count, mean, stddev, max = c.forwardLatency.snapshot()
	res["forward.count"] = int64(count)
	res["forward.mean_us"] = int64(mean)
	res["forward.stddev_us"] = int64(stddev)
	res["forward.max_us"] = max.Microseconds()

	return res
}
