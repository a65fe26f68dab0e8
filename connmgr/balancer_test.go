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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/facebook/mixnet/protocol"
)

func candidates() []Candidate {
	mk := func(region protocol.Region, stake uint64, conns int, rtt, success float64) Candidate {
		info := &protocol.NodeInfo{Region: region, Stake: stake}
		return Candidate{Info: info, OpenConns: conns, RTT: rtt, Success: success}
	}
	return []Candidate{
		mk(protocol.RegionEurope, 10, 5, 200, 0.5),
		mk(protocol.RegionAsia, 50, 1, 50, 0.9),
		mk(protocol.RegionEurope, 40, 9, 400, 0.2),
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("adaptive")
	require.NoError(t, err)
	require.Equal(t, PolicyAdaptive, p)

	_, err = ParsePolicy("nope")
	require.Error(t, err)
}

func TestRoundRobinCycles(t *testing.T) {
	b := NewBalancer(PolicyRoundRobin, protocol.RegionEurope, 0.1, rand.New(rand.NewSource(1)))
	cands := candidates()
	require.Equal(t, 0, b.Pick(cands))
	require.Equal(t, 1, b.Pick(cands))
	require.Equal(t, 2, b.Pick(cands))
	require.Equal(t, 0, b.Pick(cands))
}

func TestLeastConnections(t *testing.T) {
	b := NewBalancer(PolicyLeastConnections, protocol.RegionEurope, 0.1, rand.New(rand.NewSource(1)))
	require.Equal(t, 1, b.Pick(candidates()))
}

func TestResponseTime(t *testing.T) {
	b := NewBalancer(PolicyResponseTime, protocol.RegionEurope, 0.1, rand.New(rand.NewSource(1)))
	require.Equal(t, 1, b.Pick(candidates()))
}

func TestGeographicPrefersCloseRegion(t *testing.T) {
	b := NewBalancer(PolicyGeographic, protocol.RegionEurope, 0.1, rand.New(rand.NewSource(1)))
	// europe-europe beats europe-asia
	require.Equal(t, 0, b.Pick(candidates()))
}

func TestWeightedStakeDistribution(t *testing.T) {
	b := NewBalancer(PolicyWeightedStake, protocol.RegionEurope, 0.1, rand.New(rand.NewSource(42)))
	cands := candidates()
	counts := make([]int, len(cands))
	for i := 0; i < 10000; i++ {
		counts[b.Pick(cands)]++
	}
	// stakes 10/50/40: the heavy peer dominates, the light one does not vanish
	require.Greater(t, counts[1], counts[0])
	require.Greater(t, counts[1], counts[2])
	require.Greater(t, counts[0], 500)
}

func TestAdaptiveSpreadsLoad(t *testing.T) {
	b := NewBalancer(PolicyAdaptive, protocol.RegionEurope, 0.5, rand.New(rand.NewSource(7)))
	cands := candidates()
	counts := make([]int, len(cands))
	for i := 0; i < 10000; i++ {
		counts[b.Pick(cands)]++
	}
	// best composite candidate wins most often but no candidate starves
	require.Greater(t, counts[1], counts[2])
	for i, c := range counts {
		require.Greater(t, c, 0, "candidate %d starved", i)
	}
}

func TestPickEmpty(t *testing.T) {
	b := NewBalancer(PolicyAdaptive, protocol.RegionEurope, 0.1, rand.New(rand.NewSource(1)))
	require.Equal(t, -1, b.Pick(nil))
}
