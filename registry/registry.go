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
Package registry is the authoritative in-memory table of known peers. It is
read-heavy: path selection and gossip take shared locks, upsert and prune take
the exclusive lock and update the region and capability indices in the same
critical section. Callers only ever receive copies of NodeInfo, never
references into the table.
*/
package registry

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/facebook/mixnet/protocol"
	"github.com/facebook/mixnet/stats"
)

// UpsertOutcome classifies the result of an Upsert.
type UpsertOutcome int

// Upsert outcomes.
const (
	Added UpsertOutcome = iota
	Replaced
	Rejected
)

func (o UpsertOutcome) String() string {
	switch o {
	case Added:
		return "added"
	case Replaced:
		return "replaced"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("outcome-%d", int(o))
}

// Reject reasons, used as counter keys.
const (
	RejectBadSignature = "bad_signature"
	RejectLowStake     = "low_stake"
	RejectClockSkew    = "clock_skew"
	RejectStaleCounter = "stale_counter"
	RejectBadRegion    = "bad_region"
	RejectSelf         = "self"
)

// UpsertResult carries the outcome and, for rejections, the reason.
type UpsertResult struct {
	Outcome UpsertOutcome
	Reason  string
}

type entry struct {
	info *protocol.NodeInfo
	// repRefreshed is set whenever reputation changes and cleared by prune;
	// a stale peer whose reputation was refreshed this epoch survives one
	// more prune cycle.
	repRefreshed bool
}

// Options tune admission control.
type Options struct {
	// MinStake rejects records declaring less stake.
	MinStake uint64
	// SkewTolerance rejects records whose last-seen is further in the future.
	SkewTolerance time.Duration
	// Self is the local node's ID; its own records are not admitted.
	Self protocol.PeerID
}

// Registry is the shared peer table.
type Registry struct {
	mu     sync.RWMutex
	peers  map[protocol.PeerID]*entry
	region map[protocol.Region]map[protocol.PeerID]struct{}
	caps   map[protocol.Capability]map[protocol.PeerID]struct{}
	addr   map[string]protocol.PeerID

	opts  Options
	stats stats.Stats
}

// New creates an empty registry.
func New(opts Options, st stats.Stats) *Registry {
	return &Registry{
		peers:  make(map[protocol.PeerID]*entry),
		region: make(map[protocol.Region]map[protocol.PeerID]struct{}),
		caps:   make(map[protocol.Capability]map[protocol.PeerID]struct{}),
		addr:   make(map[string]protocol.PeerID),
		opts:   opts,
		stats:  st,
	}
}

// capBits are the individual capability bits indexed separately.
var capBits = []protocol.Capability{protocol.CapBootstrap, protocol.CapMixnode, protocol.CapGateway}

func (r *Registry) index(n *protocol.NodeInfo) {
	if _, ok := r.region[n.Region]; !ok {
		r.region[n.Region] = make(map[protocol.PeerID]struct{})
	}
	r.region[n.Region][n.ID] = struct{}{}
	r.addr[n.Address] = n.ID
	for _, c := range capBits {
		if n.Capabilities.Has(c) {
			if _, ok := r.caps[c]; !ok {
				r.caps[c] = make(map[protocol.PeerID]struct{})
			}
			r.caps[c][n.ID] = struct{}{}
		}
	}
}

func (r *Registry) unindex(n *protocol.NodeInfo) {
	delete(r.region[n.Region], n.ID)
	if r.addr[n.Address] == n.ID {
		delete(r.addr, n.Address)
	}
	for _, c := range capBits {
		if n.Capabilities.Has(c) {
			delete(r.caps[c], n.ID)
		}
	}
}

func (r *Registry) reject(reason string) UpsertResult {
	if r.stats != nil {
		r.stats.IncRegistryRejected(reason)
	}
	return UpsertResult{Outcome: Rejected, Reason: reason}
}

// Upsert admits a record after verifying its self-signature, stake and
// timestamp. A record for a known peer replaces the stored one only when its
// monotonic counter is strictly greater. Rejections are counted, never fatal.
func (r *Registry) Upsert(n *protocol.NodeInfo, now time.Time) UpsertResult {
	if n.ID == r.opts.Self {
		return r.reject(RejectSelf)
	}
	if !n.Region.Valid() {
		return r.reject(RejectBadRegion)
	}
	if !n.VerifySignature() {
		return r.reject(RejectBadSignature)
	}
	if n.Stake < r.opts.MinStake {
		return r.reject(RejectLowStake)
	}
	if n.LastSeen.After(now.Add(r.opts.SkewTolerance)) {
		return r.reject(RejectClockSkew)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.peers[n.ID]
	if !ok {
		e := &entry{info: n.Copy()}
		r.peers[n.ID] = e
		r.index(e.info)
		r.publishCount()
		return UpsertResult{Outcome: Added}
	}
	if n.Counter <= stored.info.Counter {
		if r.stats != nil {
			r.stats.IncRegistryRejected(RejectStaleCounter)
		}
		return UpsertResult{Outcome: Rejected, Reason: RejectStaleCounter}
	}
	// last_seen never moves backwards even on replacement
	fresh := n.Copy()
	if fresh.LastSeen.Before(stored.info.LastSeen) {
		fresh.LastSeen = stored.info.LastSeen
	}
	r.unindex(stored.info)
	stored.info = fresh
	r.index(stored.info)
	return UpsertResult{Outcome: Replaced}
}

// Lookup returns a copy of the record, or nil.
func (r *Registry) Lookup(id protocol.PeerID) *protocol.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[id]
	if !ok {
		return nil
	}
	return e.info.Copy()
}

// LookupByAddress resolves a transport address to its peer record. Packet
// headers embed next-hop addresses, not PeerIDs.
func (r *Registry) LookupByAddress(address string) *protocol.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.addr[address]
	if !ok {
		return nil
	}
	return r.peers[id].info.Copy()
}

// ByRegion returns copies of all records declaring the region.
func (r *Registry) ByRegion(region protocol.Region) []*protocol.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*protocol.NodeInfo, 0, len(r.region[region]))
	for id := range r.region[region] {
		out = append(out, r.peers[id].info.Copy())
	}
	return out
}

// ByCapability returns copies of all records advertising the capability.
func (r *Registry) ByCapability(c protocol.Capability) []*protocol.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*protocol.NodeInfo, 0, len(r.caps[c]))
	for id := range r.caps[c] {
		out = append(out, r.peers[id].info.Copy())
	}
	return out
}

// All returns copies of every record, including low-reputation peers. Gossip
// uses this view.
func (r *Registry) All() []*protocol.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*protocol.NodeInfo, 0, len(r.peers))
	for _, e := range r.peers {
		out = append(out, e.info.Copy())
	}
	return out
}

// Eligible returns copies of records at or above the reputation floor.
// Selection uses this view; peers below the floor stay visible to gossip.
func (r *Registry) Eligible(floor float64) []*protocol.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*protocol.NodeInfo, 0, len(r.peers))
	for _, e := range r.peers {
		if e.info.Reputation >= floor {
			out = append(out, e.info.Copy())
		}
	}
	return out
}

// Count returns the number of known peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Touch advances a peer's last-seen timestamp. Regressions are ignored so
// the per-peer timestamp stays monotone.
func (r *Registry) Touch(id protocol.PeerID, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[id]
	if !ok {
		return
	}
	if now.After(e.info.LastSeen) {
		e.info.LastSeen = now
	}
}

// Reward raises a peer's reputation by alpha*(1-r), clamped to [0, 1].
func (r *Registry) Reward(id protocol.PeerID, alpha float64) {
	r.adjustReputation(id, func(rep float64) float64 { return rep + alpha*(1-rep) })
}

// Penalize lowers a peer's reputation by beta*r, clamped to [0, 1].
func (r *Registry) Penalize(id protocol.PeerID, beta float64) {
	r.adjustReputation(id, func(rep float64) float64 { return rep - beta*rep })
}

func (r *Registry) adjustReputation(id protocol.PeerID, f func(float64) float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[id]
	if !ok {
		return
	}
	rep := f(e.info.Reputation)
	if rep < 0 {
		rep = 0
	}
	if rep > 1 {
		rep = 1
	}
	e.info.Reputation = rep
	e.repRefreshed = true
}

// Prune removes peers unseen for longer than timeout whose reputation was not
// refreshed since the previous prune. Indices are updated in the same
// critical section. Returns the number of peers removed.
func (r *Registry) Prune(now time.Time, timeout time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.peers {
		stale := now.Sub(e.info.LastSeen) > timeout
		if stale && !e.repRefreshed {
			r.unindex(e.info)
			delete(r.peers, id)
			removed++
			continue
		}
		e.repRefreshed = false
	}
	if removed > 0 {
		r.publishCount()
	}
	return removed
}

func (r *Registry) publishCount() {
	if r.stats != nil {
		r.stats.SetPeerCount(int64(len(r.peers)))
	}
}

func (r *Registry) sortedIDsLocked() []protocol.PeerID {
	ids := make([]protocol.PeerID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}

// Snapshot returns a digest over the sorted PeerID list and their record
// hashes, plus the peer count. Two registries holding the same records
// produce the same digest regardless of insertion order.
func (r *Registry) Snapshot() ([32]byte, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h := blake3.New()
	for _, id := range r.sortedIDsLocked() {
		rec := blake3.Sum256(r.peers[id].info.Encode())
		_, _ = h.Write(id[:])
		_, _ = h.Write(rec[:])
	}
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest, len(r.peers)
}

// RangeDigest summarizes one range of the sorted PeerID space: every record
// whose ID shares the leading byte. Gossip compares per-range digests to
// locate the diverging ranges instead of exchanging full ID lists.
type RangeDigest struct {
	Prefix byte
	Count  uint32
	Hash   [32]byte
}

// RangeDigests returns a digest per non-empty prefix range, in ascending
// prefix order. The hash construction matches Snapshot, restricted to the
// range.
func (r *Registry) RangeDigests() []RangeDigest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.sortedIDsLocked()
	out := make([]RangeDigest, 0, 16)
	for i := 0; i < len(ids); {
		prefix := ids[i][0]
		h := blake3.New()
		count := uint32(0)
		for ; i < len(ids) && ids[i][0] == prefix; i++ {
			rec := blake3.Sum256(r.peers[ids[i]].info.Encode())
			_, _ = h.Write(ids[i][:])
			_, _ = h.Write(rec[:])
			count++
		}
		rd := RangeDigest{Prefix: prefix, Count: count}
		copy(rd.Hash[:], h.Sum(nil))
		out = append(out, rd)
	}
	return out
}

// ByIDPrefix returns copies of the records in one prefix range, in
// ascending ID order.
func (r *Registry) ByIDPrefix(prefix byte) []*protocol.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*protocol.NodeInfo, 0)
	for _, id := range r.sortedIDsLocked() {
		if id[0] == prefix {
			out = append(out, r.peers[id].info.Copy())
		}
	}
	return out
}
