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
Package routing builds verifiably random, stake-weighted, region-diverse
paths through the known mixnode set. Selection is deterministic for a given
fingerprint, registry snapshot and epoch; the retained VRF proofs let a
verifier confirm no hop was hand-picked.
*/
package routing

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"math/bits"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"

	"github.com/facebook/mixnet/protocol"
	"github.com/facebook/mixnet/registry"
	"github.com/facebook/mixnet/stats"
)

// vrfDomain separates VRF inputs from any other use of the signing key.
const vrfDomain = "mixnet/vrf/hop-selection/v1"

// DefaultHops is the hop count used when a request does not specify one.
const DefaultHops = 3

// PathRequest asks for a route for one packet fingerprint.
type PathRequest struct {
	Fingerprint [32]byte
	Hops        int
	Exclude     []protocol.PeerID
}

// Hop is one selected node together with the VRF proof that selected it.
type Hop struct {
	Node  *protocol.NodeInfo
	Proof []byte
}

// Path is an ordered hop sequence. Relaxed is set when the region diversity
// constraint had to be loosened to fill the path.
type Path struct {
	Hops      []Hop
	Epoch     uint64
	Relaxed   bool
	Diversity float64
}

// PeerIDs returns the path as a sequence of primary keys.
func (p *Path) PeerIDs() []protocol.PeerID {
	ids := make([]protocol.PeerID, len(p.Hops))
	for i, h := range p.Hops {
		ids[i] = h.Node.ID
	}
	return ids
}

// Selector selects paths against the registry's eligible view.
type Selector struct {
	signKey ed25519.PrivateKey
	reg     *registry.Registry
	floor   float64
	cache   *lru.Cache[[32]byte, *Path]
	stats   stats.Stats
}

// New creates a selector. cacheSize bounds memoized selections; the signing
// key is the supervisor-owned long-term identity.
func New(signKey ed25519.PrivateKey, reg *registry.Registry, floor float64, cacheSize int, st stats.Stats) *Selector {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[[32]byte, *Path](cacheSize)
	if err != nil {
		panic(err)
	}
	return &Selector{signKey: signKey, reg: reg, floor: floor, cache: cache, stats: st}
}

// vrfInput is H(fingerprint || hop || epoch), domain separated.
func vrfInput(fp [32]byte, hop int, epoch uint64) []byte {
	h := blake3.New()
	_, _ = h.Write([]byte(vrfDomain))
	_, _ = h.Write(fp[:])
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(hop))
	_, _ = h.Write(idx[:])
	var ep [8]byte
	binary.BigEndian.PutUint64(ep[:], epoch)
	_, _ = h.Write(ep[:])
	return h.Sum(nil)
}

// VerifyHop checks that a hop's VRF proof is the node-keyed signature of the
// reconstructed input. The verifier needs the selecting node's public key.
func VerifyHop(selector ed25519.PublicKey, fp [32]byte, hop int, epoch uint64, proof []byte) bool {
	return ed25519.Verify(selector, vrfInput(fp, hop, epoch), proof)
}

func cacheKey(req *PathRequest, epoch uint64) [32]byte {
	h := blake3.New()
	_, _ = h.Write(req.Fingerprint[:])
	var ep [8]byte
	binary.BigEndian.PutUint64(ep[:], epoch)
	_, _ = h.Write(ep[:])
	var hops [4]byte
	binary.BigEndian.PutUint32(hops[:], uint32(req.Hops))
	_, _ = h.Write(hops[:])
	for _, id := range req.Exclude {
		_, _ = h.Write(id[:])
	}
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// SelectPath builds a path of the requested length. Candidates are taken
// from the eligible registry view, filtered by capability and the request's
// exclusions; each hop is picked by stake-weighted deterministic sampling.
func (s *Selector) SelectPath(req *PathRequest, epoch uint64) (*Path, error) {
	if req.Hops <= 0 {
		req.Hops = DefaultHops
	}
	key := cacheKey(req, epoch)
	if p, ok := s.cache.Get(key); ok {
		return p, nil
	}

	excluded := make(map[protocol.PeerID]struct{}, len(req.Exclude))
	for _, id := range req.Exclude {
		excluded[id] = struct{}{}
	}
	usedRegions := make(map[protocol.Region]struct{})

	eligible := s.reg.Eligible(s.floor)
	// deterministic candidate order regardless of map iteration
	sort.Slice(eligible, func(i, j int) bool {
		return bytes.Compare(eligible[i].ID[:], eligible[j].ID[:]) < 0
	})

	path := &Path{Epoch: epoch, Hops: make([]Hop, 0, req.Hops)}
	var prevRegion protocol.Region
	for hop := 0; hop < req.Hops; hop++ {
		cands := filterCandidates(eligible, excluded, usedRegions, nil)
		if len(cands) == 0 && !path.Relaxed {
			// relax the region constraint one level: a repeat region is
			// allowed, but never the same region twice in a row
			notPrev := map[protocol.Region]struct{}{}
			if hop > 0 {
				notPrev[prevRegion] = struct{}{}
			}
			cands = filterCandidates(eligible, excluded, nil, notPrev)
			if len(cands) > 0 {
				path.Relaxed = true
			}
		}
		if len(cands) == 0 {
			if s.stats != nil {
				s.stats.IncSelectionFailures()
			}
			return nil, fmt.Errorf("%w: hop %d of %d", protocol.ErrSelection, hop, req.Hops)
		}

		input := vrfInput(req.Fingerprint, hop, epoch)
		proof := ed25519.Sign(s.signKey, input)
		digest := blake3.Sum256(proof)
		rand64 := binary.BigEndian.Uint64(digest[:8])

		chosen := pickWeighted(cands, rand64)
		path.Hops = append(path.Hops, Hop{Node: chosen, Proof: proof})
		excluded[chosen.ID] = struct{}{}
		usedRegions[chosen.Region] = struct{}{}
		prevRegion = chosen.Region
	}

	path.Diversity = diversityScore(path)
	if s.stats != nil {
		s.stats.SetPathDiversity(int64(path.Diversity * 1000))
	}
	s.cache.Add(key, path)
	return path, nil
}

// filterCandidates applies capability, exclusion and region rules. Both
// region arguments may be nil.
func filterCandidates(eligible []*protocol.NodeInfo, excluded map[protocol.PeerID]struct{}, bannedRegions, notRegions map[protocol.Region]struct{}) []*protocol.NodeInfo {
	out := make([]*protocol.NodeInfo, 0, len(eligible))
	for _, n := range eligible {
		if !n.Capabilities.Has(protocol.CapMixnode) {
			continue
		}
		if _, ok := excluded[n.ID]; ok {
			continue
		}
		if bannedRegions != nil {
			if _, ok := bannedRegions[n.Region]; ok {
				continue
			}
		}
		if notRegions != nil {
			if _, ok := notRegions[n.Region]; ok {
				continue
			}
		}
		out = append(out, n)
	}
	return out
}

// pickWeighted picks by cumulative stake against the threshold
// (rand64 * totalStake) >> 64. Stakeless candidate sets degrade to uniform
// selection.
func pickWeighted(cands []*protocol.NodeInfo, rand64 uint64) *protocol.NodeInfo {
	var total uint64
	for _, c := range cands {
		total += c.Stake
	}
	if total == 0 {
		return cands[rand64%uint64(len(cands))]
	}
	threshold, _ := bits.Mul64(rand64, total)
	var cum uint64
	for _, c := range cands {
		cum += c.Stake
		if cum > threshold {
			return c
		}
	}
	return cands[len(cands)-1]
}
