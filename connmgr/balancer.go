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

package connmgr

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/facebook/mixnet/protocol"
)

// Policy selects among healthy candidate peers.
type Policy int

// Load balancing policies.
const (
	PolicyRoundRobin Policy = iota
	PolicyWeightedStake
	PolicyLeastConnections
	PolicyResponseTime
	PolicyGeographic
	PolicyAdaptive
)

var policyNames = map[string]Policy{
	"roundrobin":    PolicyRoundRobin,
	"weighted":      PolicyWeightedStake,
	"least-conn":    PolicyLeastConnections,
	"response-time": PolicyResponseTime,
	"geographic":    PolicyGeographic,
	"adaptive":      PolicyAdaptive,
}

// ParsePolicy maps a config string to a policy.
func ParsePolicy(s string) (Policy, error) {
	p, ok := policyNames[s]
	if !ok {
		return 0, fmt.Errorf("unknown load balancing policy %q", s)
	}
	return p, nil
}

// Candidate is one peer under consideration, with its current transport
// quality attached.
type Candidate struct {
	Info      *protocol.NodeInfo
	OpenConns int
	// RTT is the EWMA round trip estimate in milliseconds; zero means unmeasured.
	RTT float64
	// Success is the EWMA success ratio in [0, 1].
	Success float64
}

// adaptive scoring weights per the composite formula
const (
	weightResponse    = 0.3
	weightLoad        = 0.3
	weightReliability = 0.2
	weightGeo         = 0.2
)

// Balancer picks a candidate according to the configured policy. The
// adaptive policy picks probabilistically so hotspots do not form; its
// temperature is controlled by the learning rate.
type Balancer struct {
	mu sync.Mutex

	policy       Policy
	localRegion  protocol.Region
	learningRate float64
	rr           uint64
	rng          *rand.Rand
}

// NewBalancer creates a balancer. The rng seeds the probabilistic policies;
// pass a deterministic source in tests.
func NewBalancer(policy Policy, localRegion protocol.Region, learningRate float64, rng *rand.Rand) *Balancer {
	if learningRate <= 0 {
		learningRate = 0.1
	}
	return &Balancer{policy: policy, localRegion: localRegion, learningRate: learningRate, rng: rng}
}

// Pick returns the index of the chosen candidate, or -1 when none exist.
func (b *Balancer) Pick(cands []Candidate) int {
	if len(cands) == 0 {
		return -1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.policy {
	case PolicyRoundRobin:
		i := int(b.rr % uint64(len(cands)))
		b.rr++
		return i
	case PolicyWeightedStake:
		return b.pickWeighted(cands)
	case PolicyLeastConnections:
		best := 0
		for i, c := range cands {
			if c.OpenConns < cands[best].OpenConns {
				best = i
			}
		}
		return best
	case PolicyResponseTime:
		best := 0
		for i, c := range cands {
			if effectiveRTT(c) < effectiveRTT(cands[best]) {
				best = i
			}
		}
		return best
	case PolicyGeographic:
		best := 0
		for i, c := range cands {
			if protocol.RegionLatency(b.localRegion, c.Info.Region) < protocol.RegionLatency(b.localRegion, cands[best].Info.Region) {
				best = i
			}
		}
		return best
	case PolicyAdaptive:
		return b.pickAdaptive(cands)
	}
	return 0
}

func effectiveRTT(c Candidate) float64 {
	if c.RTT <= 0 {
		// unmeasured peers fall back to the regional estimate
		return protocol.RegionLatency(c.Info.Region, c.Info.Region) + 100
	}
	return c.RTT
}

func (b *Balancer) pickWeighted(cands []Candidate) int {
	var total uint64
	for _, c := range cands {
		total += c.Info.Stake
	}
	if total == 0 {
		return b.rng.Intn(len(cands))
	}
	target := b.rng.Uint64() % total
	var cum uint64
	for i, c := range cands {
		cum += c.Info.Stake
		if cum > target {
			return i
		}
	}
	return len(cands) - 1
}

// score computes the composite quality of one candidate in [0, 1].
func (b *Balancer) score(c Candidate, maxConns int) float64 {
	response := 1 - math.Min(effectiveRTT(c)/500, 1)
	loadScore := 1.0
	if maxConns > 0 {
		loadScore = 1 - float64(c.OpenConns)/float64(maxConns)
	}
	reliability := c.Success
	geo := 1 - math.Min(protocol.RegionLatency(b.localRegion, c.Info.Region)/300, 1)
	return weightResponse*response + weightLoad*loadScore + weightReliability*reliability + weightGeo*geo
}

func (b *Balancer) pickAdaptive(cands []Candidate) int {
	maxConns := 0
	for _, c := range cands {
		if c.OpenConns > maxConns {
			maxConns = c.OpenConns
		}
	}
	maxConns++

	// softmax over composite scores; a higher learning rate flattens the
	// distribution, spreading load wider
	temperature := b.learningRate
	var sum float64
	weights := make([]float64, len(cands))
	for i, c := range cands {
		weights[i] = math.Exp(b.score(c, maxConns) / temperature)
		sum += weights[i]
	}
	target := b.rng.Float64() * sum
	var cum float64
	for i, w := range weights {
		cum += w
		if cum >= target {
			return i
		}
	}
	return len(cands) - 1
}
