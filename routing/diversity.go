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

package routing

import (
	"math"

	"github.com/facebook/mixnet/protocol"
)

// diversity score weights
const (
	divWeightUnique  = 0.4
	divWeightEntropy = 0.3
	divWeightLatency = 0.3
)

// maxPairLatency normalizes the latency spread term; it is the estimate
// RegionLatency returns for unknown regions, above the largest table entry.
const maxPairLatency = 300.0

// diversityScore rates how well a path spreads across regions, in [0, 1].
// It is an operator metric, not a selection gate: a relaxed path simply
// scores lower through its repeated region.
func diversityScore(p *Path) float64 {
	if len(p.Hops) == 0 {
		return 0
	}
	freq := make(map[protocol.Region]int)
	for _, h := range p.Hops {
		freq[h.Node.Region]++
	}

	unique := float64(len(freq)) / float64(len(p.Hops))

	// Shannon entropy over region frequencies, normalized by the maximum
	// for the hop count
	entropy := 0.0
	for _, c := range freq {
		pr := float64(c) / float64(len(p.Hops))
		entropy -= pr * math.Log2(pr)
	}
	maxEntropy := math.Log2(float64(len(p.Hops)))
	if maxEntropy > 0 {
		entropy /= maxEntropy
	} else {
		entropy = 1
	}

	// mean pairwise inter-region latency, normalized; geographically spread
	// paths score higher
	pairs, latSum := 0, 0.0
	for i := 0; i < len(p.Hops); i++ {
		for j := i + 1; j < len(p.Hops); j++ {
			latSum += protocol.RegionLatency(p.Hops[i].Node.Region, p.Hops[j].Node.Region)
			pairs++
		}
	}
	latency := 0.0
	if pairs > 0 {
		latency = math.Min(latSum/float64(pairs)/maxPairLatency, 1)
	}

	return divWeightUnique*unique + divWeightEntropy*entropy + divWeightLatency*latency
}
