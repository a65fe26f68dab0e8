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

package stats

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/mixnet/protocol"
)

// JSONStats is what we want to report as stats via http
type JSONStats struct {
	report counters

	counters

	sysstats SysStats
}

// NewJSONStats returns a new JSONStats
func NewJSONStats() *JSONStats {
	s := &JSONStats{}

	s.init()
	s.report.init()

	return s
}

// Start runs the http server
func (s *JSONStats) Start(monitoringport int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)
	addr := fmt.Sprintf(":%d", monitoringport)
	log.Infof("Starting http json server on %s", addr)
	err := http.ListenAndServe(addr, mux)
	if err != nil {
		log.Fatalf("Failed to start listener: %v", err)
	}
}

// Snapshot the values so they can be reported atomically
func (s *JSONStats) Snapshot() {
	s.rx.copy(&s.report.rx)
	s.tx.copy(&s.report.tx)
	s.dropped.copy(&s.report.dropped)
	s.registryRejected.copy(&s.report.registryRejected)
	s.poolMisses.copy(&s.report.poolMisses)
	s.workerQueue.copy(&s.report.workerQueue)
	s.report.packetsForwarded = atomic.LoadInt64(&s.packetsForwarded)
	s.report.packetsFinal = atomic.LoadInt64(&s.packetsFinal)
	s.report.cryptoFailures = atomic.LoadInt64(&s.cryptoFailures)
	s.report.protocolViolation = atomic.LoadInt64(&s.protocolViolation)
	s.report.rateLimited = atomic.LoadInt64(&s.rateLimited)
	s.report.globalRateLimited = atomic.LoadInt64(&s.globalRateLimited)
	s.report.breakerTrips = atomic.LoadInt64(&s.breakerTrips)
	s.report.gossipRounds = atomic.LoadInt64(&s.gossipRounds)
	s.report.gossipFailures = atomic.LoadInt64(&s.gossipFailures)
	s.report.coverTraffic = atomic.LoadInt64(&s.coverTraffic)
	s.report.selectionFailures = atomic.LoadInt64(&s.selectionFailures)
	s.report.panics = atomic.LoadInt64(&s.panics)
	s.report.peerCount = atomic.LoadInt64(&s.peerCount)
	s.report.openConnections = atomic.LoadInt64(&s.openConnections)
	s.report.drain = atomic.LoadInt64(&s.drain)
	s.report.pathDiversity = atomic.LoadInt64(&s.pathDiversity)
	s.report.mixDelay = s.mixDelay
	s.report.forwardLatency = s.forwardLatency
}

// handleRequest is a handler used for all http monitoring requests
func (s *JSONStats) handleRequest(w http.ResponseWriter, _ *http.Request) {
	out := s.report.toMap()
	if sys, err := s.sysstats.CollectRuntimeStats(); err == nil {
		for k, v := range sys {
			out[k] = v
		}
	}
	js, err := json.Marshal(out)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err = w.Write(js); err != nil {
		log.Errorf("Failed to reply: %v", err)
	}
}

// Reset atomically sets all the counters to 0
func (s *JSONStats) Reset() {
	s.reset()
}

// Counters returns the current values as a flat map, the same shape the
// HTTP endpoint reports.
func (s *JSONStats) Counters() map[string]int64 {
	s.Snapshot()
	return s.report.toMap()
}

// IncRX atomically adds 1 to the counter
func (s *JSONStats) IncRX(t protocol.MsgType) {
	s.rx.inc(t.String())
}

// IncTX atomically adds 1 to the counter
func (s *JSONStats) IncTX(t protocol.MsgType) {
	s.tx.inc(t.String())
}

// IncPacketsForwarded atomically adds 1 to the counter
func (s *JSONStats) IncPacketsForwarded() {
	atomic.AddInt64(&s.packetsForwarded, 1)
}

// IncPacketsFinal atomically adds 1 to the counter
func (s *JSONStats) IncPacketsFinal() {
	atomic.AddInt64(&s.packetsFinal, 1)
}

// IncPacketsDropped atomically adds 1 to the counter
func (s *JSONStats) IncPacketsDropped(reason string) {
	s.dropped.inc(reason)
}

// IncCryptoFailures atomically adds 1 to the counter
func (s *JSONStats) IncCryptoFailures() {
	atomic.AddInt64(&s.cryptoFailures, 1)
}

// IncProtocolViolations atomically adds 1 to the counter
func (s *JSONStats) IncProtocolViolations() {
	atomic.AddInt64(&s.protocolViolation, 1)
}

// IncRateLimited atomically adds 1 to the counter
func (s *JSONStats) IncRateLimited() {
	atomic.AddInt64(&s.rateLimited, 1)
}

// IncGlobalRateLimited atomically adds 1 to the counter
func (s *JSONStats) IncGlobalRateLimited() {
	atomic.AddInt64(&s.globalRateLimited, 1)
}

// IncBreakerTrips atomically adds 1 to the counter
func (s *JSONStats) IncBreakerTrips() {
	atomic.AddInt64(&s.breakerTrips, 1)
}

// IncGossipRounds atomically adds 1 to the counter
func (s *JSONStats) IncGossipRounds() {
	atomic.AddInt64(&s.gossipRounds, 1)
}

// IncGossipFailures atomically adds 1 to the counter
func (s *JSONStats) IncGossipFailures() {
	atomic.AddInt64(&s.gossipFailures, 1)
}

// IncRegistryRejected atomically adds 1 to the counter
func (s *JSONStats) IncRegistryRejected(reason string) {
	s.registryRejected.inc(reason)
}

// IncPoolMiss atomically adds 1 to the counter
func (s *JSONStats) IncPoolMiss(class string) {
	s.poolMisses.inc(class)
}

// IncCoverTraffic atomically adds 1 to the counter
func (s *JSONStats) IncCoverTraffic() {
	atomic.AddInt64(&s.coverTraffic, 1)
}

// IncSelectionFailures atomically adds 1 to the counter
func (s *JSONStats) IncSelectionFailures() {
	atomic.AddInt64(&s.selectionFailures, 1)
}

// IncPanics atomically adds 1 to the counter
func (s *JSONStats) IncPanics() {
	atomic.AddInt64(&s.panics, 1)
}

// SetPeerCount atomically sets the peer gauge
func (s *JSONStats) SetPeerCount(count int64) {
	atomic.StoreInt64(&s.peerCount, count)
}

// SetOpenConnections atomically sets the open session gauge
func (s *JSONStats) SetOpenConnections(count int64) {
	atomic.StoreInt64(&s.openConnections, count)
}

// SetDrain atomically sets the drain status
func (s *JSONStats) SetDrain(drain int64) {
	atomic.StoreInt64(&s.drain, drain)
}

// SetPathDiversity atomically sets the diversity gauge
func (s *JSONStats) SetPathDiversity(permille int64) {
	atomic.StoreInt64(&s.pathDiversity, permille)
}

// SetMaxWorkerQueue atomically sets worker queue len
func (s *JSONStats) SetMaxWorkerQueue(workerid int, queue int64) {
	key := strconv.Itoa(workerid)
	if queue > s.workerQueue.load(key) {
		s.workerQueue.store(key, queue)
	}
}

// ObserveMixDelay adds one mix delay sample
func (s *JSONStats) ObserveMixDelay(d time.Duration) {
	s.mixDelay.add(d)
}

// ObserveForwardLatency adds one forwarding latency sample
func (s *JSONStats) ObserveForwardLatency(d time.Duration) {
	s.forwardLatency.add(d)
}
